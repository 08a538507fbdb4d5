package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// Memorial is the authoritative remote document. UpdatedAt advances on every
// committed write and is the tie-break source of truth during draft merge.
type Memorial struct {
	ID        string
	Type      string
	OrgID     string
	OwnerID   string
	Fields    json.RawMessage
	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// Permission is unique per (subject, resource). LastAccess is touched on every
// authoritative lookup so the janitor can sweep abandoned grants.
type Permission struct {
	ID         string
	SubjectID  string
	ResourceID string
	Role       string
	GrantedBy  string
	GrantedAt  time.Time
	LastAccess time.Time
}

const (
	AuditPermissionChange  = "permission_change"
	AuditPermissionRevoked = "permission_revoked"
)

// AuditLogEntry rows are append-only; nothing in the application updates or
// deletes them.
type AuditLogEntry struct {
	ID           string
	Type         string
	ResourceID   string
	SubjectID    string
	ActingUserID string
	CreatedAt    time.Time
}
