package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestGrantPermissionCommitsBothWrites(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO permissions").
		WithArgs("perm-1", "user-a", "mem-1", "editor", "user-admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs("audit-1", AuditPermissionChange, "mem-1", "user-a", "user-admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.GrantPermission(context.Background(),
		Permission{ID: "perm-1", SubjectID: "user-a", ResourceID: "mem-1", Role: "editor", GrantedBy: "user-admin"},
		AuditLogEntry{ID: "audit-1", Type: AuditPermissionChange, ResourceID: "mem-1", SubjectID: "user-a", ActingUserID: "user-admin"},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A failure between the permission write and the audit write must roll the
// whole grant back.
func TestGrantPermissionRollsBackOnAuditFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.GrantPermission(context.Background(),
		Permission{ID: "perm-1", SubjectID: "user-a", ResourceID: "mem-1", Role: "editor", GrantedBy: "user-admin"},
		AuditLogEntry{ID: "audit-1", Type: AuditPermissionChange, ResourceID: "mem-1", SubjectID: "user-a", ActingUserID: "user-admin"},
	)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokePermissionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM permissions").
		WithArgs("user-a", "mem-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RevokePermission(context.Background(), "user-a", "mem-1",
		AuditLogEntry{ID: "audit-2", Type: AuditPermissionRevoked, ResourceID: "mem-1", SubjectID: "user-a", ActingUserID: "user-admin"},
	)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokePermissionWritesAudit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM permissions").
		WithArgs("user-a", "mem-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs("audit-2", AuditPermissionRevoked, "mem-1", "user-a", "user-admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RevokePermission(context.Background(), "user-a", "mem-1",
		AuditLogEntry{ID: "audit-2", Type: AuditPermissionRevoked, ResourceID: "mem-1", SubjectID: "user-a", ActingUserID: "user-admin"},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRoleOwnerShortCircuits(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "type", "org_id", "owner_id", "fields", "created_by", "created_at", "updated_by", "updated_at"}).
		AddRow("mem-1", "memorial", "org-1", "user-a", []byte(`{}`), "user-a", time.Now(), "user-a", time.Now())
	mock.ExpectQuery("SELECT id, type, org_id, owner_id").
		WithArgs("mem-1").
		WillReturnRows(rows)

	role, err := s.ResolveRole(context.Background(), "user-a", "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRoleFamilyMembership(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "type", "org_id", "owner_id", "fields", "created_by", "created_at", "updated_by", "updated_at"}).
		AddRow("mem-1", "memorial", "org-1", "user-owner", []byte(`{}`), "user-owner", time.Now(), "user-owner", time.Now())
	mock.ExpectQuery("SELECT id, type, org_id, owner_id").
		WithArgs("mem-1").
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT role FROM org_memberships").
		WithArgs("org-1", "user-b").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("family"))

	role, err := s.ResolveRole(context.Background(), "user-b", "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "editor", role)
}

func TestDeleteStalePermissionsSingleStatement(t *testing.T) {
	s, mock := newMockStore(t)

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM permissions WHERE last_access").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.DeleteStalePermissions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
