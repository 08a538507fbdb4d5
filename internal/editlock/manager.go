// Package editlock implements a time-boxed exclusive edit lease per memorial.
// The lock record lives in Redis; liveness is computed on read against the
// TTL, so a lost release self-heals the moment the next acquirer looks.
package editlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultTTL = 30 * time.Minute

// Record is the stored lock state for one resource.
type Record struct {
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Result reports the outcome of an acquire attempt. When Granted is false,
// Reason is suitable for showing to the user and Holder identifies the
// current editor.
type Result struct {
	Granted bool
	Holder  string
	Reason  string
}

type Manager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		prefix: "editlock:",
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) key(resourceID string) string {
	return m.prefix + resourceID
}

func (m *Manager) live(rec Record) bool {
	return m.now().Sub(rec.AcquiredAt) < m.ttl
}

// Acquire takes the lease for holderID. It succeeds when the lock is absent,
// expired, or already held by holderID (which refreshes the lease). The
// read-decide-write runs under WATCH so a concurrent acquirer forces a retry
// instead of a silent overwrite.
func (m *Manager) Acquire(ctx context.Context, resourceID, holderID string) (Result, error) {
	key := m.key(resourceID)

	var denied *Result
	attempt := func(tx *redis.Tx) error {
		denied = nil
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("read lock: %w", err)
		}
		if err == nil {
			var rec Record
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
				if m.live(rec) && rec.HolderID != holderID {
					denied = &Result{
						Holder: rec.HolderID,
						Reason: "currently being edited by another user",
					}
					return nil
				}
			}
			// Unreadable records are treated as absent.
		}

		rec := Record{ResourceID: resourceID, HolderID: holderID, AcquiredAt: m.now()}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal lock: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := m.client.Watch(ctx, attempt, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("acquire lock: %w", err)
		}
		if denied != nil {
			return *denied, nil
		}
		return Result{Granted: true, Holder: holderID}, nil
	}
	return Result{}, fmt.Errorf("acquire lock %s: too much contention", resourceID)
}

// Release clears the lock when the caller still holds it. Releasing an absent
// or reassigned lock is a no-op, so abandoning a session is always safe.
func (m *Manager) Release(ctx context.Context, resourceID, holderID string) error {
	key := m.key(resourceID)

	attempt := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lock: %w", err)
		}
		var rec Record
		if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr != nil || rec.HolderID != holderID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	err := m.client.Watch(ctx, attempt, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else took the lock between read and delete; their claim
		// stands and our release is already moot.
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Holder returns the current live holder, or "" when unlocked/expired.
func (m *Manager) Holder(ctx context.Context, resourceID string) (string, error) {
	raw, err := m.client.Get(ctx, m.key(resourceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", nil
	}
	if !m.live(rec) {
		return "", nil
	}
	return rec.HolderID, nil
}
