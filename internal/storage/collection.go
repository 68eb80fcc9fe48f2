package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Collection gives typed access to the JSON records of one bucket and keeps
// its secondary indexes in step with every write. All methods operate within
// a caller-supplied transaction.
type Collection[T any] struct {
	spec CollectionSpec
	key  func(*T) string
}

// NewCollection returns a Collection over spec whose primary key is
// extracted from a record by key.
func NewCollection[T any](spec CollectionSpec, key func(*T) string) *Collection[T] {
	return &Collection[T]{spec: spec, key: key}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.spec.Name
}

func (c *Collection[T]) records(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(c.spec.bucket())
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, c.spec.Name)
	}
	return b, nil
}

func (c *Collection[T]) decode(data []byte) (*T, error) {
	rec := new(T)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", c.spec.Name, err)
	}
	return rec, nil
}

// Get returns the record stored under key, or ErrNotFound.
func (c *Collection[T]) Get(tx *bolt.Tx, key string) (*T, error) {
	b, err := c.records(tx)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, ErrNotFound
	}
	return c.decode(data)
}

// Exists reports whether a record is stored under key.
func (c *Collection[T]) Exists(tx *bolt.Tx, key string) (bool, error) {
	b, err := c.records(tx)
	if err != nil {
		return false, err
	}
	return b.Get([]byte(key)) != nil, nil
}

// Put upserts rec, replacing the index entries of any previous version.
func (c *Collection[T]) Put(tx *bolt.Tx, rec *T) error {
	key := c.key(rec)
	if key == "" {
		return fmt.Errorf("%w: empty %s key", ErrInvalidInput, c.spec.Name)
	}

	b, err := c.records(tx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s record %s: %w", c.spec.Name, key, err)
	}

	pk := []byte(key)
	if old := b.Get(pk); old != nil {
		if err := deleteIndexEntries(tx, c.spec, pk, old); err != nil {
			return err
		}
	}
	if err := b.Put(pk, data); err != nil {
		return err
	}
	return putIndexEntries(tx, c.spec, pk, data)
}

// Insert writes rec unless a record with the same key exists and overwrite
// is false. It reports whether rec was written.
func (c *Collection[T]) Insert(tx *bolt.Tx, rec *T, overwrite bool) (bool, error) {
	exists, err := c.Exists(tx, c.key(rec))
	if err != nil {
		return false, err
	}
	if exists && !overwrite {
		return false, nil
	}
	if err := c.Put(tx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the record stored under key. Deleting an absent record is
// not an error.
func (c *Collection[T]) Delete(tx *bolt.Tx, key string) error {
	b, err := c.records(tx)
	if err != nil {
		return err
	}
	pk := []byte(key)
	old := b.Get(pk)
	if old == nil {
		return nil
	}
	if err := deleteIndexEntries(tx, c.spec, pk, old); err != nil {
		return err
	}
	return b.Delete(pk)
}

// Clear removes every record and index entry of the collection.
func (c *Collection[T]) Clear(tx *bolt.Tx) error {
	for _, name := range c.spec.buckets() {
		if err := tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records.
func (c *Collection[T]) Count(tx *bolt.Tx) (int, error) {
	b, err := c.records(tx)
	if err != nil {
		return 0, err
	}
	return b.Stats().KeyN, nil
}

// ForEach calls fn for every record in primary key order. A record that
// fails to decode is passed to fn as a nil record with its decode error.
func (c *Collection[T]) ForEach(tx *bolt.Tx, fn func(key string, rec *T, err error) error) error {
	b, err := c.records(tx)
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		rec, err := c.decode(v)
		return fn(string(k), rec, err)
	})
}

// All returns every record in primary key order.
func (c *Collection[T]) All(tx *bolt.Tx) ([]*T, error) {
	var out []*T
	err := c.ForEach(tx, func(_ string, rec *T, err error) error {
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ByIndex returns the records whose index value equals value.
func (c *Collection[T]) ByIndex(tx *bolt.Tx, index, value string) ([]*T, error) {
	if _, ok := c.spec.index(index); !ok {
		return nil, fmt.Errorf("%s has no index %q", c.spec.Name, index)
	}
	idx := tx.Bucket(c.spec.indexBucket(index))
	if idx == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, c.spec.indexBucket(index))
	}

	prefix := append([]byte(value), 0)
	var out []*T
	cur := idx.Cursor()
	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		rec, err := c.Get(tx, string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ordered returns every indexed record in index order. Records without a
// value for the index are omitted.
func (c *Collection[T]) Ordered(tx *bolt.Tx, index string, descending bool) ([]*T, error) {
	spec, ok := c.spec.index(index)
	if !ok {
		return nil, fmt.Errorf("%s has no index %q", c.spec.Name, index)
	}
	idx := tx.Bucket(c.spec.indexBucket(index))
	if idx == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, c.spec.indexBucket(index))
	}

	var out []*T
	visit := func(k []byte) error {
		// Time values are fixed width and may contain zero bytes.
		sep := 8
		if !spec.Time {
			sep = bytes.IndexByte(k, 0)
		}
		if sep < 0 || sep >= len(k) {
			return fmt.Errorf("malformed %s index key", c.spec.Name)
		}
		rec, err := c.Get(tx, string(k[sep+1:]))
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	}

	cur := idx.Cursor()
	if descending {
		for k, _ := cur.Last(); k != nil; k, _ = cur.Prev() {
			if err := visit(k); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		if err := visit(k); err != nil {
			return nil, err
		}
	}
	return out, nil
}
