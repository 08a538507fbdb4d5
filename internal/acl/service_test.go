package acl

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"memoria/api/internal/store"
)

type fakeStore struct {
	resolveRoleFn    func(context.Context, string, string) (string, error)
	grantFn          func(context.Context, store.Permission, store.AuditLogEntry) error
	revokeFn         func(context.Context, string, string, store.AuditLogEntry) error
	touchFn          func(context.Context, string, string) error
	deleteStaleFn    func(context.Context, time.Time) (int64, error)
	resolveRoleCalls int
	touchCalls       int
}

func (f *fakeStore) ResolveRole(ctx context.Context, subjectID, resourceID string) (string, error) {
	f.resolveRoleCalls++
	if f.resolveRoleFn != nil {
		return f.resolveRoleFn(ctx, subjectID, resourceID)
	}
	return "viewer", nil
}

func (f *fakeStore) GrantPermission(ctx context.Context, perm store.Permission, entry store.AuditLogEntry) error {
	if f.grantFn != nil {
		return f.grantFn(ctx, perm, entry)
	}
	return nil
}

func (f *fakeStore) RevokePermission(ctx context.Context, subjectID, resourceID string, entry store.AuditLogEntry) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, subjectID, resourceID, entry)
	}
	return nil
}

func (f *fakeStore) TouchPermission(ctx context.Context, subjectID, resourceID string) error {
	f.touchCalls++
	if f.touchFn != nil {
		return f.touchFn(ctx, subjectID, resourceID)
	}
	return nil
}

func (f *fakeStore) DeleteStalePermissions(ctx context.Context, before time.Time) (int64, error) {
	if f.deleteStaleFn != nil {
		return f.deleteStaleFn(ctx, before)
	}
	return 0, nil
}

func identityFor(subject string) IdentityFunc {
	return func(context.Context) (string, error) { return subject, nil }
}

func newTestService(st Store, subject string) *Service {
	return New(Config{ChecksPerMinute: 1000}, st, identityFor(subject), zap.NewNop())
}

func TestCheckEditPermissionCachesPositive(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "editor", nil
		},
	}
	svc := newTestService(fs, "user-a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := svc.CheckEditPermission(ctx, "mem-1")
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("check %d denied", i)
		}
	}
	if fs.resolveRoleCalls != 1 {
		t.Fatalf("expected 1 store lookup, got %d", fs.resolveRoleCalls)
	}
}

func TestCheckEditPermissionScopedPerSubject(t *testing.T) {
	// One shared Service serving two callers: user-a's cached editor decision
	// must never answer for user-b.
	type subjectKey struct{}
	roles := map[string]string{"user-a": "editor", "user-b": "viewer"}
	fs := &fakeStore{
		resolveRoleFn: func(_ context.Context, subjectID, _ string) (string, error) {
			return roles[subjectID], nil
		},
	}
	identity := func(ctx context.Context) (string, error) {
		return ctx.Value(subjectKey{}).(string), nil
	}
	svc := New(Config{ChecksPerMinute: 1000}, fs, identity, zap.NewNop())

	ctxA := context.WithValue(context.Background(), subjectKey{}, "user-a")
	ctxB := context.WithValue(context.Background(), subjectKey{}, "user-b")

	if ok, err := svc.CheckEditPermission(ctxA, "mem-1"); err != nil || !ok {
		t.Fatalf("user-a check: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.CheckEditPermission(ctxB, "mem-1"); err != nil || ok {
		t.Fatalf("user-b allowed to edit via another caller's cached decision")
	}
	if fs.resolveRoleCalls != 2 {
		t.Fatalf("expected a store lookup per subject, got %d", fs.resolveRoleCalls)
	}

	// user-a's own decision is still served from cache.
	if ok, _ := svc.CheckEditPermission(ctxA, "mem-1"); !ok {
		t.Fatal("user-a lost their cached decision")
	}
	if fs.resolveRoleCalls != 2 {
		t.Fatalf("expected user-a's repeat check to hit the cache, got %d lookups", fs.resolveRoleCalls)
	}
}

func TestCheckEditPermissionNegativeNotCached(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	}
	svc := newTestService(fs, "user-a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := svc.CheckEditPermission(ctx, "mem-1")
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if ok {
			t.Fatalf("check %d unexpectedly allowed", i)
		}
	}
	if fs.resolveRoleCalls != 3 {
		t.Fatalf("expected 3 store lookups (no negative caching), got %d", fs.resolveRoleCalls)
	}
	if fs.touchCalls != 0 {
		t.Fatalf("denied checks must not touch permissions, got %d", fs.touchCalls)
	}
}

func TestCheckEditPermissionRateLimited(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	}
	svc := New(Config{ChecksPerMinute: 2}, fs, identityFor("user-a"), zap.NewNop())
	ctx := context.Background()

	// Negative results bypass the cache, so every call spends a token.
	var limited bool
	for i := 0; i < 5; i++ {
		if _, err := svc.CheckEditPermission(ctx, "mem-1"); errors.Is(err, ErrRateLimited) {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected ErrRateLimited after exhausting the bucket")
	}
}

func TestGrantInvalidatesAndSeedsCache(t *testing.T) {
	stale := "viewer"
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return stale, nil
		},
	}
	svc := newTestService(fs, "user-a")
	ctx := context.Background()

	if ok, _ := svc.CheckEditPermission(ctx, "mem-1"); ok {
		t.Fatal("precondition: edit should be denied")
	}

	if err := svc.Grant(ctx, "user-a", "mem-1", "editor", "user-admin"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	// The store keeps returning stale data; the seeded cache must win.
	ok, err := svc.CheckEditPermission(ctx, "mem-1")
	if err != nil {
		t.Fatalf("check after grant failed: %v", err)
	}
	if !ok {
		t.Fatal("expected edit allowed immediately after grant")
	}
}

func TestGrantForOtherSubjectDoesNotSeedCallerCache(t *testing.T) {
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return "viewer", nil
		},
	}
	svc := newTestService(fs, "user-a")
	ctx := context.Background()

	if err := svc.Grant(ctx, "user-b", "mem-1", "editor", "user-admin"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if ok, _ := svc.CheckEditPermission(ctx, "mem-1"); ok {
		t.Fatal("caller must not inherit a grant made for another subject")
	}
}

func TestRevokeNotFound(t *testing.T) {
	fs := &fakeStore{
		revokeFn: func(context.Context, string, string, store.AuditLogEntry) error {
			return store.ErrNotFound
		},
	}
	svc := newTestService(fs, "user-a")

	err := svc.Revoke(context.Background(), "user-b", "mem-1", "user-admin")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeInvalidatesCache(t *testing.T) {
	role := "editor"
	fs := &fakeStore{
		resolveRoleFn: func(context.Context, string, string) (string, error) {
			return role, nil
		},
	}
	svc := newTestService(fs, "user-a")
	ctx := context.Background()

	if ok, _ := svc.CheckEditPermission(ctx, "mem-1"); !ok {
		t.Fatal("precondition: edit should be allowed")
	}

	role = "viewer"
	if err := svc.Revoke(ctx, "user-a", "mem-1", "user-admin"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if ok, _ := svc.CheckEditPermission(ctx, "mem-1"); ok {
		t.Fatal("expected edit denied after revoke invalidated the cache")
	}
}

func TestCleanupStalePermissionsCutoff(t *testing.T) {
	var gotCutoff time.Time
	fs := &fakeStore{
		deleteStaleFn: func(_ context.Context, before time.Time) (int64, error) {
			gotCutoff = before
			return 4, nil
		},
	}
	svc := New(Config{ChecksPerMinute: 1000, StaleAfter: 30 * 24 * time.Hour}, fs, identityFor("user-a"), zap.NewNop())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	n, err := svc.CleanupStalePermissions(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 removed, got %d", n)
	}
	want := fixed.Add(-30 * 24 * time.Hour)
	if !gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", gotCutoff, want)
	}
}
