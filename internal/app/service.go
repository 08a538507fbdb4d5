package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"memoria/api/internal/acl"
	"memoria/api/internal/autosave"
	"memoria/api/internal/config"
	"memoria/api/internal/draft"
	"memoria/api/internal/editlock"
	"memoria/api/internal/rbac"
	"memoria/api/internal/session"
	"memoria/api/internal/store"
)

type contextKey int

const subjectContextKey contextKey = iota

// WithSubject stamps the authenticated caller onto the context. Transport
// middleware resolves the session token and calls this before handing the
// request to the service.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subjectID)
}

// SubjectFromContext yields the caller set by WithSubject.
func SubjectFromContext(ctx context.Context) (string, error) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	if !ok || subject == "" {
		return "", errors.New("no subject on context")
	}
	return subject, nil
}

type dataStore interface {
	GetMemorial(ctx context.Context, memorialID string) (store.Memorial, error)
	UpdateMemorialFields(ctx context.Context, memorialID string, fields json.RawMessage, updatedBy string) (time.Time, error)
	ResolveRole(ctx context.Context, subjectID, resourceID string) (string, error)
	Ping(ctx context.Context) error
}

type accessControl interface {
	CheckEditPermission(ctx context.Context, resourceID string) (bool, error)
	Grant(ctx context.Context, subjectID, resourceID, role, grantedBy string) error
	Revoke(ctx context.Context, subjectID, resourceID, revokedBy string) error
	CleanupStalePermissions(ctx context.Context) (int64, error)
}

type lockManager interface {
	Acquire(ctx context.Context, resourceID, holderID string) (editlock.Result, error)
	Release(ctx context.Context, resourceID, holderID string) error
	Holder(ctx context.Context, resourceID string) (string, error)
}

type draftStore interface {
	Load(resourceID string) (*draft.LocalDraft, error)
	Clear(resourceID string) error
}

type draftKeeper interface {
	Update(resourceID string, fields draft.Document) error
	Forget(resourceID string)
}

type sessionStore interface {
	Subject(ctx context.Context, token string) (string, error)
}

// Service is the editing-session facade over access control, edit leases,
// local drafts and the backing store.
type Service struct {
	cfg      config.Config
	store    dataStore
	access   accessControl
	locks    lockManager
	drafts   draftStore
	keeper   draftKeeper
	sessions sessionStore
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, access *acl.Service, locks *editlock.Manager, drafts *draft.Store, keeper *draft.Keeper, sessions *session.RedisStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		access:   access,
		locks:    locks,
		drafts:   drafts,
		keeper:   keeper,
		sessions: sessions,
		logger:   logger,
	}
}

// Authenticate resolves an opaque session token to its subject and returns a
// context carrying that identity for the rest of the request.
func (s *Service) Authenticate(ctx context.Context, token string) (context.Context, error) {
	subject, err := s.sessions.Subject(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return ctx, domainError(http.StatusForbidden, CodePermissionDenied, "session is expired or unknown", nil)
		}
		return ctx, domainError(http.StatusBadGateway, CodeTransientBackend, "session lookup failed", err.Error())
	}
	return WithSubject(ctx, subject), nil
}

// CheckEditPermission reports whether the caller may edit the memorial.
func (s *Service) CheckEditPermission(ctx context.Context, resourceID string) (bool, error) {
	allowed, err := s.access.CheckEditPermission(ctx, resourceID)
	if err != nil {
		if errors.Is(err, acl.ErrRateLimited) {
			return false, domainError(http.StatusTooManyRequests, CodeRateLimited, "permission checks are being rate limited, retry shortly", nil)
		}
		return false, domainError(http.StatusBadGateway, CodeTransientBackend, "permission lookup failed", err.Error())
	}
	return allowed, nil
}

// GrantPermission gives subjectID the role on the memorial, attributed to the
// caller. The permission row and its audit entry commit together.
func (s *Service) GrantPermission(ctx context.Context, subjectID, resourceID, role string) error {
	caller, err := SubjectFromContext(ctx)
	if err != nil {
		return domainError(http.StatusForbidden, CodePermissionDenied, "caller identity is required", nil)
	}
	switch rbac.Role(role) {
	case rbac.RoleViewer, rbac.RoleEditor, rbac.RoleAdmin:
	default:
		return domainError(http.StatusUnprocessableEntity, CodeValidationError, "role must be one of viewer, editor, admin", nil)
	}
	if err := s.access.Grant(ctx, subjectID, resourceID, role, caller); err != nil {
		return domainError(http.StatusInternalServerError, CodePersistenceError, "grant failed", err.Error())
	}
	return nil
}

// RevokePermission removes subjectID's grant on the memorial.
func (s *Service) RevokePermission(ctx context.Context, subjectID, resourceID string) error {
	caller, err := SubjectFromContext(ctx)
	if err != nil {
		return domainError(http.StatusForbidden, CodePermissionDenied, "caller identity is required", nil)
	}
	if err := s.access.Revoke(ctx, subjectID, resourceID, caller); err != nil {
		if errors.Is(err, acl.ErrNotFound) {
			return domainError(http.StatusNotFound, CodeNotFound, "no permission to revoke", nil)
		}
		return domainError(http.StatusInternalServerError, CodePersistenceError, "revoke failed", err.Error())
	}
	return nil
}

// CleanupStalePermissions removes grants unused past the configured
// threshold. Maintenance entry point, see cmd/janitor.
func (s *Service) CleanupStalePermissions(ctx context.Context) (int64, error) {
	removed, err := s.access.CleanupStalePermissions(ctx)
	if err != nil {
		return 0, domainError(http.StatusInternalServerError, CodePersistenceError, "stale permission sweep failed", err.Error())
	}
	return removed, nil
}

// EditSession is a caller's live editing session on one memorial: the edit
// lease is held, mutations stream through the autosave scheduler, and the
// local draft mirror tracks every keystroke batch.
type EditSession struct {
	svc       *Service
	Resource  string
	Subject   string
	scheduler *autosave.Scheduler
}

// BeginEditing opens an editing session: the caller must hold edit
// permission, and the memorial must not be leased to someone else. A lease
// already held by the caller is refreshed, not denied.
func (s *Service) BeginEditing(ctx context.Context, resourceID string) (*EditSession, error) {
	subject, err := SubjectFromContext(ctx)
	if err != nil {
		return nil, domainError(http.StatusForbidden, CodePermissionDenied, "caller identity is required", nil)
	}

	allowed, err := s.CheckEditPermission(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domainError(http.StatusForbidden, CodePermissionDenied, "you do not have permission to edit this memorial", nil)
	}

	res, err := s.locks.Acquire(ctx, resourceID, subject)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, CodeTransientBackend, "edit lock service unavailable", err.Error())
	}
	if !res.Granted {
		return nil, domainError(http.StatusLocked, CodeLockDenied, res.Reason, map[string]any{"holder": res.Holder})
	}

	session := &EditSession{svc: s, Resource: resourceID, Subject: subject}
	session.scheduler = autosave.New(
		func(saveCtx context.Context, fields draft.Document) error {
			return s.commit(saveCtx, resourceID, subject, fields)
		},
		func(fields draft.Document) {
			if err := s.keeper.Update(resourceID, fields); err != nil {
				s.logger.Warn("local draft save failed", zap.String("resource", resourceID), zap.Error(err))
			}
		},
		s.cfg.DebounceWindow,
		s.logger,
	)
	return session, nil
}

// Apply records a form mutation. The local draft mirror sees it immediately;
// the remote save runs after the debounce window closes.
func (e *EditSession) Apply(fields draft.Document) {
	e.scheduler.Schedule(fields)
}

// Flush commits the given snapshot immediately, bypassing the debounce.
func (e *EditSession) Flush(ctx context.Context, fields draft.Document) error {
	return e.svc.commit(ctx, e.Resource, e.Subject, fields)
}

// AutosaveState exposes the scheduler state for UI affordances.
func (e *EditSession) AutosaveState() autosave.State {
	return e.scheduler.State()
}

// AutosaveErr returns the most recent failed save's error, nil once a later
// save succeeds.
func (e *EditSession) AutosaveErr() error {
	return e.scheduler.Err()
}

// End closes the session: pending debounce is cancelled, in-flight saves
// drain, and the lease is released. Releasing a lease the caller no longer
// holds is a no-op.
func (e *EditSession) End(ctx context.Context) error {
	e.scheduler.Stop()
	if err := e.svc.locks.Release(ctx, e.Resource, e.Subject); err != nil {
		return domainError(http.StatusBadGateway, CodeTransientBackend, "edit lock release failed", err.Error())
	}
	return nil
}

// commit writes a draft snapshot to the backing store. Permission and lease
// are re-validated against their sources of truth here, never the cache: a
// grant revoked or a lease expired mid-session fails the save rather than
// silently clobbering someone else's work.
func (s *Service) commit(ctx context.Context, resourceID, subjectID string, fields draft.Document) error {
	roleName, err := s.store.ResolveRole(ctx, subjectID, resourceID)
	if err != nil {
		return domainError(http.StatusBadGateway, CodeTransientBackend, "role lookup failed", err.Error())
	}
	if !rbac.Can(rbac.Normalize(roleName), rbac.ActionEdit) {
		return domainError(http.StatusForbidden, CodePermissionDenied, "edit permission was revoked", nil)
	}

	holder, err := s.locks.Holder(ctx, resourceID)
	if err != nil {
		return domainError(http.StatusBadGateway, CodeTransientBackend, "edit lock check failed", err.Error())
	}
	if holder != subjectID {
		return domainError(http.StatusLocked, CodeLockDenied, "edit lease is no longer held", map[string]any{"holder": holder})
	}

	payload, err := editableJSON(fields)
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, CodeValidationError, "draft fields are not serializable", err.Error())
	}
	if _, err := s.store.UpdateMemorialFields(ctx, resourceID, payload, subjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, CodeNotFound, "memorial not found", nil)
		}
		return domainError(http.StatusInternalServerError, CodePersistenceError, "save failed", err.Error())
	}

	// The remote copy is now authoritative; the buffered draft has served.
	s.keeper.Forget(resourceID)
	if err := s.drafts.Clear(resourceID); err != nil {
		s.logger.Warn("local draft clear failed", zap.String("resource", resourceID), zap.Error(err))
	}
	return nil
}

// SaveDraftLocally snapshots the caller's working state without touching the
// backing store. Complete overwrite per call, written exactly once; the
// keeper retains it for the periodic re-save.
func (s *Service) SaveDraftLocally(resourceID string, fields draft.Document) error {
	if err := s.keeper.Update(resourceID, fields); err != nil {
		return domainError(http.StatusInternalServerError, CodePersistenceError, "local draft save failed", err.Error())
	}
	return nil
}

// ResumeEditing reconciles the caller's buffered local draft with the
// authoritative remote document. Notices name the local fields that lost to
// newer remote edits.
func (s *Service) ResumeEditing(ctx context.Context, resourceID string) (draft.Document, []draft.Notice, error) {
	local, err := s.drafts.Load(resourceID)
	if err != nil {
		return nil, nil, domainError(http.StatusInternalServerError, CodePersistenceError, "local draft load failed", err.Error())
	}

	var remote draft.Document
	memorial, err := s.store.GetMemorial(ctx, resourceID)
	switch {
	case err == nil:
		remote, err = memorialDocument(memorial)
		if err != nil {
			return nil, nil, domainError(http.StatusInternalServerError, CodePersistenceError, "remote document is unreadable", err.Error())
		}
	case errors.Is(err, store.ErrNotFound):
		if local == nil {
			return nil, nil, domainError(http.StatusNotFound, CodeNotFound, "memorial not found", nil)
		}
		// Unsynced first draft: nothing remote to defer to.
	default:
		return nil, nil, domainError(http.StatusBadGateway, CodeTransientBackend, "remote document fetch failed", err.Error())
	}

	merged, notices := draft.Merge(local, remote)
	return merged, notices, nil
}

// memorialDocument flattens a stored memorial into the document shape the
// merge resolver works on: user fields plus the server-owned envelope.
func memorialDocument(m store.Memorial) (draft.Document, error) {
	doc := draft.Document{}
	if len(m.Fields) > 0 {
		if err := json.Unmarshal(m.Fields, &doc); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	doc["id"] = m.ID
	doc["type"] = m.Type
	doc["createdBy"] = m.CreatedBy
	doc["createdAt"] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	doc["updatedAt"] = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return doc, nil
}

// editableJSON strips the server-owned envelope before the snapshot goes to
// the fields column; those values only ever move server -> client.
func editableJSON(fields draft.Document) (json.RawMessage, error) {
	editable := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "id", "type", "createdBy", "createdAt", "updatedAt", "lastSaved":
			continue
		}
		editable[k] = v
	}
	payload, err := json.Marshal(editable)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return payload, nil
}

// Health reports backing store reachability.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return domainError(http.StatusBadGateway, CodeTransientBackend, "backing store unreachable", err.Error())
	}
	return nil
}
