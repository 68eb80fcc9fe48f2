package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illarion/walletvault/internal/storage"
	bolt "go.etcd.io/bbolt"
)

// Kind names a settings blob. It is also the blob's key in the settings
// bucket.
type Kind string

const (
	KindContacts   Kind = "contacts"
	KindAPIConfigs Kind = "apiConfigs"
)

// SchemaVersion is the blob layout written by this version.
const SchemaVersion = 1

// ErrInvalidBlob is returned when a stored blob fails validation on read.
var ErrInvalidBlob = errors.New("invalid settings blob")

type blob[T Item] struct {
	SchemaVersion int  `json:"schemaVersion"`
	Kind          Kind `json:"kind"`
	Items         []T  `json:"items"`
}

// Store reads and writes one settings blob.
type Store[T Item] struct {
	db   storage.Backend
	kind Kind
}

// NewContacts returns the address book store.
func NewContacts(db storage.Backend) *Store[Contact] {
	return &Store[Contact]{db: db, kind: KindContacts}
}

// NewAPIConfigs returns the API endpoint store.
func NewAPIConfigs(db storage.Backend) *Store[APIConfig] {
	return &Store[APIConfig]{db: db, kind: KindAPIConfigs}
}

// Kind returns the blob kind.
func (s *Store[T]) Kind() Kind {
	return s.kind
}

func (s *Store[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(storage.SettingsBucket)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrCollectionMissing,
			storage.SettingsBucket)
	}
	return b, nil
}

// LoadTx returns the items of the blob within tx.
func (s *Store[T]) LoadTx(tx *bolt.Tx) ([]T, error) {
	b, err := s.bucket(tx)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(s.kind))
	if data == nil {
		return []T{}, nil
	}

	var stored blob[T]
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBlob, s.kind, err)
	}
	switch {
	case stored.SchemaVersion < 1 || stored.SchemaVersion > SchemaVersion:
		return nil, fmt.Errorf("%w: %s has schema version %d", ErrInvalidBlob,
			s.kind, stored.SchemaVersion)
	case stored.Kind != s.kind:
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrInvalidBlob,
			s.kind, stored.Kind)
	}
	if stored.Items == nil {
		stored.Items = []T{}
	}
	return stored.Items, nil
}

// SaveTx replaces the items of the blob within tx.
func (s *Store[T]) SaveTx(tx *bolt.Tx, items []T) error {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := item.Key()
		if key == "" {
			return fmt.Errorf("%w: %s item without key", storage.ErrInvalidInput, s.kind)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate %s item %q", storage.ErrInvalidInput,
				s.kind, key)
		}
		seen[key] = struct{}{}
	}

	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(blob[T]{
		SchemaVersion: SchemaVersion,
		Kind:          s.kind,
		Items:         items,
	})
	if err != nil {
		return err
	}

	b, err := s.bucket(tx)
	if err != nil {
		return err
	}
	return b.Put([]byte(s.kind), data)
}

// Load returns the items of the blob.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	var items []T
	err := s.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		items, err = s.LoadTx(tx)
		return err
	})
	return items, err
}

// Save replaces the items of the blob.
func (s *Store[T]) Save(ctx context.Context, items []T) error {
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		return s.SaveTx(tx, items)
	})
}

// Upsert adds item or replaces the item with the same key.
func (s *Store[T]) Upsert(ctx context.Context, item T) error {
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		_, err := s.MergeTx(tx, []T{item}, true)
		return err
	})
}

// Remove deletes the item with key. Removing an unknown key is not an
// error.
func (s *Store[T]) Remove(ctx context.Context, key string) error {
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		items, err := s.LoadTx(tx)
		if err != nil {
			return err
		}
		kept := items[:0]
		for _, item := range items {
			if item.Key() != key {
				kept = append(kept, item)
			}
		}
		return s.SaveTx(tx, kept)
	})
}

// MergeResult tallies a merge.
type MergeResult struct {
	Imported int
	Skipped  int
	Errors   []error
}

// MergeTx overlays incoming onto the stored items by key and writes the
// merged list back as one blob. Existing items are replaced only when
// overwrite is set. Items without a key are reported in Errors.
func (s *Store[T]) MergeTx(tx *bolt.Tx, incoming []T, overwrite bool) (MergeResult, error) {
	var res MergeResult

	items, err := s.LoadTx(tx)
	if err != nil {
		return res, err
	}
	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.Key()] = i
	}

	for _, item := range incoming {
		key := item.Key()
		if key == "" {
			res.Errors = append(res.Errors, fmt.Errorf("%w: %s item without key",
				storage.ErrInvalidInput, s.kind))
			continue
		}
		i, exists := index[key]
		switch {
		case !exists:
			index[key] = len(items)
			items = append(items, item)
			res.Imported++
		case overwrite:
			items[i] = item
			res.Imported++
		default:
			res.Skipped++
		}
	}

	if res.Imported == 0 {
		return res, nil
	}
	log.Debugf("Merged %d %s item(s), skipped %d", res.Imported, s.kind, res.Skipped)
	return res, s.SaveTx(tx, items)
}

// Merge runs MergeTx in its own transaction.
func (s *Store[T]) Merge(ctx context.Context, incoming []T, overwrite bool) (MergeResult, error) {
	var res MergeResult
	err := s.db.Update(ctx, func(tx *bolt.Tx) error {
		var err error
		res, err = s.MergeTx(tx, incoming, overwrite)
		return err
	})
	return res, err
}
