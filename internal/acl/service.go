// Package acl arbitrates role-gated access to memorials. Lookups are cheap
// under repeated calls: positive decisions sit in a TTL'd LRU and a token
// bucket caps how often the backing store can be consulted. Every grant and
// revoke is paired with an append-only audit entry.
package acl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"memoria/api/internal/rbac"
	"memoria/api/internal/store"
)

// ErrRateLimited is returned when permission checks exceed the configured
// budget. Callers fail fast rather than queue.
var ErrRateLimited = errors.New("permission check rate limit exceeded")

// ErrNotFound propagates the store's missing-permission signal on revoke.
var ErrNotFound = store.ErrNotFound

// Store is the narrow slice of the backing store the service needs. Grant and
// revoke implementations must commit the permission write and the audit write
// atomically.
type Store interface {
	ResolveRole(ctx context.Context, subjectID, resourceID string) (string, error)
	GrantPermission(ctx context.Context, perm store.Permission, entry store.AuditLogEntry) error
	RevokePermission(ctx context.Context, subjectID, resourceID string, entry store.AuditLogEntry) error
	TouchPermission(ctx context.Context, subjectID, resourceID string) error
	DeleteStalePermissions(ctx context.Context, before time.Time) (int64, error)
}

// IdentityFunc yields the subject id of the current caller.
type IdentityFunc func(ctx context.Context) (string, error)

type Config struct {
	ChecksPerMinute int
	CacheSize       int
	CacheTTL        time.Duration
	StaleAfter      time.Duration
}

// cacheKey carries the subject so one shared Service never lets a cached
// decision for one caller answer for another.
type cacheKey struct {
	subjectID  string
	action     rbac.Action
	resourceID string
}

type Service struct {
	store    Store
	identity IdentityFunc
	cache    *lru.LRU[cacheKey, rbac.Role]
	limiter  *rate.Limiter
	logger   *zap.Logger
	stale    time.Duration
	now      func() time.Time
}

func New(cfg Config, st Store, identity IdentityFunc, logger *zap.Logger) *Service {
	if cfg.ChecksPerMinute <= 0 {
		cfg.ChecksPerMinute = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		identity: identity,
		cache:    lru.NewLRU[cacheKey, rbac.Role](cfg.CacheSize, nil, cfg.CacheTTL),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ChecksPerMinute)), cfg.ChecksPerMinute),
		logger:   logger,
		stale:    cfg.StaleAfter,
		now:      time.Now,
	}
}

// CheckEditPermission reports whether the current caller may edit the
// memorial. Cached decisions are advisory; the commit path re-validates
// against the store.
func (s *Service) CheckEditPermission(ctx context.Context, resourceID string) (bool, error) {
	return s.check(ctx, rbac.ActionEdit, resourceID)
}

func (s *Service) check(ctx context.Context, action rbac.Action, resourceID string) (bool, error) {
	if !s.limiter.Allow() {
		return false, ErrRateLimited
	}

	subjectID, err := s.identity(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve caller: %w", err)
	}

	if role, ok := s.cache.Get(cacheKey{subjectID: subjectID, action: action, resourceID: resourceID}); ok {
		return rbac.Can(role, action), nil
	}

	roleName, err := s.store.ResolveRole(ctx, subjectID, resourceID)
	if err != nil {
		return false, fmt.Errorf("resolve role: %w", err)
	}
	role := rbac.Normalize(roleName)

	allowed := rbac.Can(role, action)
	if allowed {
		// Negative results are never cached so a fresh grant takes effect
		// on the next check instead of after a TTL.
		s.cache.Add(cacheKey{subjectID: subjectID, action: action, resourceID: resourceID}, role)
		if err := s.store.TouchPermission(ctx, subjectID, resourceID); err != nil {
			s.logger.Warn("touch permission failed",
				zap.String("resource", resourceID),
				zap.Error(err))
		}
	}
	return allowed, nil
}

// Grant records a role for subjectID on resourceID and invalidates any cached
// decision for the resource.
func (s *Service) Grant(ctx context.Context, subjectID, resourceID, role, grantedBy string) error {
	perm := store.Permission{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		ResourceID: resourceID,
		Role:       string(rbac.Normalize(role)),
		GrantedBy:  grantedBy,
	}
	entry := store.AuditLogEntry{
		ID:           uuid.NewString(),
		Type:         store.AuditPermissionChange,
		ResourceID:   resourceID,
		SubjectID:    subjectID,
		ActingUserID: grantedBy,
	}
	if err := s.store.GrantPermission(ctx, perm, entry); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	s.invalidate(resourceID)
	// When the grant targets the current caller, seed the cache with the new
	// role so the very next check reflects it without waiting on the store.
	if caller, err := s.identity(ctx); err == nil && caller == subjectID {
		granted := rbac.Normalize(role)
		s.cache.Add(cacheKey{subjectID: subjectID, action: rbac.ActionEdit, resourceID: resourceID}, granted)
		s.cache.Add(cacheKey{subjectID: subjectID, action: rbac.ActionRead, resourceID: resourceID}, granted)
	}
	s.logger.Info("permission granted",
		zap.String("subject", subjectID),
		zap.String("resource", resourceID),
		zap.String("role", perm.Role))
	return nil
}

// Revoke removes a grant. Returns ErrNotFound if none exists.
func (s *Service) Revoke(ctx context.Context, subjectID, resourceID, revokedBy string) error {
	entry := store.AuditLogEntry{
		ID:           uuid.NewString(),
		Type:         store.AuditPermissionRevoked,
		ResourceID:   resourceID,
		SubjectID:    subjectID,
		ActingUserID: revokedBy,
	}
	if err := s.store.RevokePermission(ctx, subjectID, resourceID, entry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke permission: %w", err)
	}
	s.invalidate(resourceID)
	s.logger.Info("permission revoked",
		zap.String("subject", subjectID),
		zap.String("resource", resourceID))
	return nil
}

// CleanupStalePermissions deletes grants not touched within the stale window.
func (s *Service) CleanupStalePermissions(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.stale)
	n, err := s.store.DeleteStalePermissions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale permissions: %w", err)
	}
	if n > 0 {
		s.logger.Info("stale permissions removed", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) invalidate(resourceID string) {
	for _, key := range s.cache.Keys() {
		if key.resourceID == resourceID {
			s.cache.Remove(key)
		}
	}
}
