package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Index names shared by the collections.
const (
	IndexScheme   = "scheme"
	IndexCreated  = "created"
	IndexAccount  = "account"
	IndexCategory = "category"
	IndexStatus   = "status"
)

// IndexSpec describes a secondary index built from one JSON field of a record.
type IndexSpec struct {
	Name  string
	Field string

	// Time marks RFC 3339 timestamp fields. They are indexed as big endian
	// unix nanoseconds so cursor order is chronological.
	Time bool
}

// CollectionSpec describes a record collection and its secondary indexes.
type CollectionSpec struct {
	Name    string
	Indexes []IndexSpec
}

func (c CollectionSpec) bucket() []byte {
	return []byte(c.Name)
}

func (c CollectionSpec) indexBucket(name string) []byte {
	return []byte(c.Name + ".by_" + name)
}

func (c CollectionSpec) index(name string) (IndexSpec, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// buckets returns the record bucket followed by every index bucket.
func (c CollectionSpec) buckets() [][]byte {
	names := [][]byte{c.bucket()}
	for _, idx := range c.Indexes {
		names = append(names, c.indexBucket(idx.Name))
	}
	return names
}

var createdIndex = IndexSpec{Name: IndexCreated, Field: "createdAt", Time: true}

var ledgerIndexes = []IndexSpec{
	{Name: IndexAccount, Field: "account"},
	{Name: IndexCategory, Field: "category"},
	{Name: IndexStatus, Field: "status"},
	createdIndex,
}

// Collections of the current schema.
var (
	Accounts = CollectionSpec{
		Name: "accounts",
		Indexes: []IndexSpec{
			{Name: IndexScheme, Field: "cryptoScheme"},
			createdIndex,
		},
	}
	Credentials = CollectionSpec{
		Name:    "webauthn_credentials",
		Indexes: []IndexSpec{createdIndex},
	}
	Transactions = CollectionSpec{Name: "transactions", Indexes: ledgerIndexes}
	MountainLogs = CollectionSpec{Name: "mountain_logs", Indexes: ledgerIndexes}
	Documents    = CollectionSpec{Name: "documents", Indexes: ledgerIndexes}
)

var (
	// metaBucket holds the schema version, KDF parameters and timestamps.
	// It is never encrypted.
	metaBucket = []byte("meta")

	// SettingsBucket holds the small configuration blobs, one key per blob.
	SettingsBucket = []byte("settings")
)

// migration is a function which takes a prior outdated version of the
// database and mutates the bucket structure to arrive at the next version.
type migration func(tx *bolt.Tx) error

// version pairs a version number with the migration that upgrades the prior
// version to it.
type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every structural version of the store. A fresh store
// starts at version 0 and runs all of them.
var dbVersions = []version{
	{
		// Bare accounts.
		number:    1,
		migration: createBuckets(Accounts.bucket()),
	},
	{
		// Account indexes, backfilled from existing records.
		number:    2,
		migration: addIndexes(Accounts),
	},
	{
		// Authenticator credentials.
		number:    3,
		migration: createCollection(Credentials),
	},
	{
		// Ledgers and the settings blobs.
		number:    4,
		migration: migrateLedgers,
	},
}

// LatestVersion returns the current schema version.
func LatestVersion() uint32 {
	return getLatestDBVersion(dbVersions)
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// getMigrationsToApply retrieves the migrations that bring a store at the
// given version up to date.
func getMigrationsToApply(versions []version, current uint32) []version {
	updates := make([]version, 0, len(versions))
	for _, v := range versions {
		if v.number > current {
			updates = append(updates, v)
		}
	}
	return updates
}

// collections lists every record collection of the current schema.
var collections = []CollectionSpec{Accounts, Credentials, Transactions, MountainLogs, Documents}

// expectedBuckets returns every bucket the current schema requires.
func expectedBuckets() [][]byte {
	names := [][]byte{metaBucket, SettingsBucket}
	for _, c := range collections {
		names = append(names, c.buckets()...)
	}
	return names
}

func createBuckets(names ...[]byte) migration {
	return func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	}
}

func createCollection(spec CollectionSpec) migration {
	return func(tx *bolt.Tx) error {
		if err := createBuckets(spec.bucket())(tx); err != nil {
			return err
		}
		return addIndexes(spec)(tx)
	}
}

// addIndexes creates the index buckets of spec and fills them from the
// records already stored in the collection.
func addIndexes(spec CollectionSpec) migration {
	return func(tx *bolt.Tx) error {
		for _, idx := range spec.Indexes {
			if _, err := tx.CreateBucketIfNotExists(spec.indexBucket(idx.Name)); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
			}
		}

		records := tx.Bucket(spec.bucket())
		if records == nil {
			return nil
		}

		log.Infof("Populating %d index(es) of %s", len(spec.Indexes), spec.Name)

		return records.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil
			}
			return putIndexEntries(tx, spec, k, v)
		})
	}
}

func migrateLedgers(tx *bolt.Tx) error {
	for _, spec := range []CollectionSpec{Transactions, MountainLogs, Documents} {
		if err := createCollection(spec)(tx); err != nil {
			return err
		}
	}
	return createBuckets(SettingsBucket)(tx)
}

// indexValue extracts the index value of a JSON encoded record. The second
// return value is false when the field is absent, null or empty.
func (s IndexSpec) indexValue(fields map[string]json.RawMessage) ([]byte, bool, error) {
	raw, ok := fields[s.Field]
	if !ok || string(raw) == "null" {
		return nil, false, nil
	}

	if s.Time {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, false, fmt.Errorf("index %s: %w", s.Name, err)
		}
		if t.IsZero() {
			return nil, false, nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
		return buf, true, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		// Non-string fields are indexed by their JSON text.
		return append([]byte(nil), raw...), true, nil
	}
	if str == "" {
		return nil, false, nil
	}
	return []byte(str), true, nil
}

func indexKey(value, pk []byte) []byte {
	key := make([]byte, 0, len(value)+1+len(pk))
	key = append(key, value...)
	key = append(key, 0)
	return append(key, pk...)
}

// indexEntries computes the index bucket keys of one record.
func indexEntries(spec CollectionSpec, pk, data []byte) (map[string][]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s record %s: %w", spec.Name, pk, err)
	}

	entries := make(map[string][]byte, len(spec.Indexes))
	for _, idx := range spec.Indexes {
		value, ok, err := idx.indexValue(fields)
		if err != nil {
			return nil, err
		}
		if ok {
			entries[idx.Name] = indexKey(value, pk)
		}
	}
	return entries, nil
}

func putIndexEntries(tx *bolt.Tx, spec CollectionSpec, pk, data []byte) error {
	entries, err := indexEntries(spec, pk, data)
	if err != nil {
		return err
	}
	for name, key := range entries {
		b := tx.Bucket(spec.indexBucket(name))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrCollectionMissing, spec.indexBucket(name))
		}
		if err := b.Put(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteIndexEntries(tx *bolt.Tx, spec CollectionSpec, pk, data []byte) error {
	entries, err := indexEntries(spec, pk, data)
	if err != nil {
		// An undecodable record has no index entries we could find.
		log.Warnf("Dropping index entries of unreadable %s record %s: %v", spec.Name, pk, err)
		return nil
	}
	for name, key := range entries {
		if b := tx.Bucket(spec.indexBucket(name)); b != nil {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
	}
	return nil
}
