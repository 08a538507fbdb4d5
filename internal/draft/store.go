// Package draft makes in-progress edits durable against reloads, crashes and
// network loss, and reconciles a buffered draft with the authoritative remote
// document at session resume. Snapshots live in a local BadgerDB so the
// remote save path and the durability path fail independently.
package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Document is a denormalized, fully serializable snapshot of an editable
// memorial. Nested sub-objects (contact info and the like) are treated as
// whole units.
type Document map[string]any

const schemaVersion = 1

// LocalDraft is the persisted envelope around a Document snapshot.
type LocalDraft struct {
	ResourceID      string    `json:"resource_id"`
	LastSaved       time.Time `json:"last_saved"`
	MetadataVersion int       `json:"metadata_version"`
	Fields          Document  `json:"fields"`
}

type Store struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenStore opens (or creates) the draft database in dir.
func OpenStore(dir string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	return openStore(opts, logger)
}

// OpenInMemoryStore backs the store with memory only. Used by tests.
func OpenInMemoryStore(logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openStore(opts, logger)
}

func openStore(opts badger.Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open draft db: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(resourceID string) []byte {
	return []byte("draft:" + resourceID)
}

// Save overwrites the snapshot for resourceID. Temporal fields are normalized
// to strings first and lastSaved is stamped here, not by the caller.
func (s *Store) Save(resourceID string, fields Document) error {
	envelope := LocalDraft{
		ResourceID:      resourceID,
		LastSaved:       s.now().UTC(),
		MetadataVersion: schemaVersion,
		Fields:          normalizeTimestamps(fields),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(resourceID), encoded)
	})
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load returns the last-written snapshot, or nil when none exists. A corrupt
// entry is logged and treated as absent so it never blocks editing.
func (s *Store) Load(resourceID string) (*LocalDraft, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(resourceID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}

	var envelope LocalDraft
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Warn("discarding unreadable draft",
			zap.String("resource", resourceID),
			zap.Error(err))
		return nil, nil
	}
	return &envelope, nil
}

// Clear removes the snapshot once the remote save is confirmed durable.
func (s *Store) Clear(resourceID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(resourceID))
	})
	if err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}
