package draft

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Keeper mirrors the in-memory draft to the local store: immediately on
// every mutation, and again on a fixed interval even without new edits, so a
// crash between explicit saves loses at most one interval's worth of work.
type Keeper struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	current map[string]Document
	stop    chan struct{}
	done    chan struct{}
}

func NewKeeper(store *Store, interval time.Duration, logger *zap.Logger) *Keeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		store:    store,
		interval: interval,
		logger:   logger,
		current:  make(map[string]Document),
	}
}

// Update retains the draft for the periodic re-save and writes it through to
// the store once. The write error is returned so callers can surface it; the
// retained copy stands either way and the next flush retries.
func (k *Keeper) Update(resourceID string, fields Document) error {
	k.mu.Lock()
	k.current[resourceID] = cloneDocument(fields)
	k.mu.Unlock()

	return k.store.Save(resourceID, fields)
}

// Forget drops a resource from the periodic re-save set, used after the
// remote save is confirmed and the snapshot cleared.
func (k *Keeper) Forget(resourceID string) {
	k.mu.Lock()
	delete(k.current, resourceID)
	k.mu.Unlock()
}

// Start launches the re-save loop. Stop must be called to end it.
func (k *Keeper) Start() {
	k.mu.Lock()
	if k.stop != nil {
		k.mu.Unlock()
		return
	}
	k.stop = make(chan struct{})
	k.done = make(chan struct{})
	stop, done := k.stop, k.done
	k.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.flush()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the re-save loop after flushing once more.
func (k *Keeper) Stop() {
	k.mu.Lock()
	stop, done := k.stop, k.done
	k.stop, k.done = nil, nil
	k.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	k.flush()
}

func (k *Keeper) flush() {
	k.mu.Lock()
	snapshot := make(map[string]Document, len(k.current))
	for id, fields := range k.current {
		snapshot[id] = fields
	}
	k.mu.Unlock()

	for id, fields := range snapshot {
		if err := k.store.Save(id, fields); err != nil {
			k.logger.Warn("periodic draft save failed",
				zap.String("resource", id),
				zap.Error(err))
		}
	}
}
