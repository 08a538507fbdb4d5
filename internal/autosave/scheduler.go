// Package autosave debounces a burst of form mutations into a single remote
// save. Saves for one resource never overlap: while one is in flight, new
// mutations keep updating the draft but the next save waits for the current
// one to resolve.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"memoria/api/internal/draft"
)

type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending_save"
	StateSaving  State = "saving"
)

// SaveFunc performs the remote save for the given snapshot.
type SaveFunc func(ctx context.Context, fields draft.Document) error

// MirrorFunc receives every mutation immediately, independent of the
// debounce; the local draft store hangs off this.
type MirrorFunc func(fields draft.Document)

type Scheduler struct {
	save     SaveFunc
	mirror   MirrorFunc
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	lastErr  error
	latest   draft.Document
	dirty    bool
	timer    *time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

func New(save SaveFunc, mirror MirrorFunc, debounce time.Duration, logger *zap.Logger) *Scheduler {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		save:     save,
		mirror:   mirror,
		debounce: debounce,
		logger:   logger,
		state:    StateIdle,
	}
}

// Schedule records a mutation. Fire-and-forget: the mirror sees it at once,
// the remote save happens after the debounce window closes. Every call
// resets the window, so only the last mutation of a burst is written.
func (s *Scheduler) Schedule(fields draft.Document) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.latest = fields
	s.dirty = true

	if s.mirror != nil {
		// Mirror under the lock would serialize local writes with the save
		// path; release first.
		mirror := s.mirror
		s.mu.Unlock()
		mirror(fields)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
	}

	switch s.state {
	case StateSaving:
		// A new debounce cycle starts once the in-flight save resolves.
	default:
		s.state = StatePending
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = time.AfterFunc(s.debounce, s.fire)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || s.state != StatePending || !s.dirty {
		if s.state == StatePending {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return
	}
	snapshot := s.latest
	s.dirty = false
	s.state = StateSaving
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		err := s.save(context.Background(), snapshot)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.lastErr = err
			s.logger.Warn("autosave failed", zap.Error(err))
		} else {
			s.lastErr = nil
		}
		if s.stopped {
			s.state = StateIdle
			return
		}
		if s.dirty {
			// Mutations arrived mid-save; open a fresh debounce window.
			s.state = StatePending
			s.timer = time.AfterFunc(s.debounce, s.fire)
		} else {
			s.state = StateIdle
		}
	}()
}

// State reports the current save state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the most recent save failure, cleared by the next success.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop cancels any pending debounce without forcing a final save and waits
// for an in-flight save to resolve. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.inflight.Wait()
}
