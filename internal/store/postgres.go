package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memoria/api/internal/rbac"
)

// ErrNotFound is returned when a requested row does not exist. Callers branch
// on it instead of matching sql.ErrNoRows across package boundaries.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error. The grant and
// revoke paths depend on this for their all-or-nothing audit guarantee.
func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetMemorial(ctx context.Context, memorialID string) (Memorial, error) {
	var item Memorial
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, org_id, owner_id, fields, created_by, created_at, updated_by, updated_at
		FROM memorials
		WHERE id=$1
	`, memorialID).Scan(
		&item.ID,
		&item.Type,
		&item.OrgID,
		&item.OwnerID,
		&item.Fields,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedBy,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Memorial{}, ErrNotFound
	}
	if err != nil {
		return Memorial{}, fmt.Errorf("get memorial: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertMemorial(ctx context.Context, item Memorial) error {
	fields := item.Fields
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memorials (id, type, org_id, owner_id, fields, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Type, item.OrgID, item.OwnerID, string(fields), item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert memorial: %w", err)
	}
	return nil
}

// UpdateMemorialFields commits a document write. updated_at is set by the
// database so it advances monotonically regardless of client clocks.
func (s *PostgresStore) UpdateMemorialFields(ctx context.Context, memorialID string, fields json.RawMessage, updatedBy string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE memorials
		SET fields=$2::jsonb, updated_by=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, memorialID, string(fields), updatedBy).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update memorial fields: %w", err)
	}
	return updatedAt, nil
}

// ResolveRole answers the authoritative role question for a subject on a
// memorial: owner, then organization admin, then organization family editor,
// then any directly granted permission, then viewer.
func (s *PostgresStore) ResolveRole(ctx context.Context, subjectID, memorialID string) (string, error) {
	item, err := s.GetMemorial(ctx, memorialID)
	if err != nil {
		return "", err
	}
	if item.OwnerID == subjectID {
		return string(rbac.RoleAdmin), nil
	}

	var membership string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM org_memberships WHERE org_id=$1 AND user_id=$2
	`, item.OrgID, subjectID).Scan(&membership)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read membership: %w", err)
	}
	if role := rbac.FromMembership(membership); role != rbac.RoleViewer {
		return string(role), nil
	}

	perm, err := s.GetPermission(ctx, subjectID, memorialID)
	if errors.Is(err, ErrNotFound) {
		return string(rbac.RoleViewer), nil
	}
	if err != nil {
		return "", err
	}
	return perm.Role, nil
}

func (s *PostgresStore) GetPermission(ctx context.Context, subjectID, resourceID string) (Permission, error) {
	var perm Permission
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, resource_id, role, granted_by, granted_at, last_access
		FROM permissions
		WHERE subject_id=$1 AND resource_id=$2
	`, subjectID, resourceID).Scan(
		&perm.ID,
		&perm.SubjectID,
		&perm.ResourceID,
		&perm.Role,
		&perm.GrantedBy,
		&perm.GrantedAt,
		&perm.LastAccess,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, fmt.Errorf("get permission: %w", err)
	}
	return perm, nil
}

// GrantPermission writes the permission and its audit entry in one
// transaction. A failure on either side leaves neither row committed.
func (s *PostgresStore) GrantPermission(ctx context.Context, perm Permission, entry AuditLogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (id, subject_id, resource_id, role, granted_by)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subject_id, resource_id)
			DO UPDATE SET role=EXCLUDED.role, granted_by=EXCLUDED.granted_by, granted_at=NOW()
		`, perm.ID, perm.SubjectID, perm.ResourceID, perm.Role, perm.GrantedBy)
		if err != nil {
			return fmt.Errorf("upsert permission: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, type, resource_id, subject_id, acting_user_id)
			VALUES ($1, $2, $3, $4, $5)
		`, entry.ID, entry.Type, entry.ResourceID, entry.SubjectID, entry.ActingUserID)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

// RevokePermission deletes the permission and records the revocation
// atomically. Returns ErrNotFound when no grant exists.
func (s *PostgresStore) RevokePermission(ctx context.Context, subjectID, resourceID string, entry AuditLogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM permissions WHERE subject_id=$1 AND resource_id=$2
		`, subjectID, resourceID)
		if err != nil {
			return fmt.Errorf("delete permission: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete permission rows: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, type, resource_id, subject_id, acting_user_id)
			VALUES ($1, $2, $3, $4, $5)
		`, entry.ID, entry.Type, entry.ResourceID, entry.SubjectID, entry.ActingUserID)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) TouchPermission(ctx context.Context, subjectID, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE permissions SET last_access=NOW()
		WHERE subject_id=$1 AND resource_id=$2
	`, subjectID, resourceID)
	if err != nil {
		return fmt.Errorf("touch permission: %w", err)
	}
	return nil
}

// DeleteStalePermissions removes grants whose last_access predates the cutoff
// in a single statement, bounding round-trips for the maintenance sweep.
func (s *PostgresStore) DeleteStalePermissions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM permissions WHERE last_access < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale permissions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale permission rows: %w", err)
	}
	return affected, nil
}

// CountStalePermissions reports how many grants a sweep with the same cutoff
// would remove.
func (s *PostgresStore) CountStalePermissions(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions WHERE last_access < $1
	`, before).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stale permissions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListAuditLog(ctx context.Context, resourceID string, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, resource_id, subject_id, acting_user_id, created_at
		FROM audit_log
		WHERE resource_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditLogEntry, 0)
	for rows.Next() {
		var item AuditLogEntry
		if err := rows.Scan(
			&item.ID,
			&item.Type,
			&item.ResourceID,
			&item.SubjectID,
			&item.ActingUserID,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
