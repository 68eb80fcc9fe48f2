package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dbFilePermission = 0600
	dirPermission    = 0700

	// DefaultOpenTimeout bounds how long Open waits for another process to
	// release the store before giving up.
	DefaultOpenTimeout = 15 * time.Second

	// DefaultBlockedPoll is the lock timeout of a single open attempt.
	DefaultBlockedPoll = time.Second
)

var byteOrder = binary.BigEndian

// Meta keys
var (
	metaVersion  = []byte("version")
	metaCreated  = []byte("created")
	metaModified = []byte("modified")
)

// Config controls how the store file is opened.
type Config struct {
	// Path is the location of the store file.
	Path string

	// OpenTimeout bounds a single open attempt while the file is locked.
	OpenTimeout time.Duration

	// BlockedPoll is the lock timeout of each try within an attempt.
	BlockedPoll time.Duration

	// RecoverCorruption enables delete-and-recreate when an expected
	// collection is missing.
	RecoverCorruption bool
}

// DefaultConfig returns a Config for path with the default timeouts and
// corruption recovery enabled.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		OpenTimeout:       DefaultOpenTimeout,
		BlockedPoll:       DefaultBlockedPoll,
		RecoverCorruption: true,
	}
}

// Store is an open, schema-synchronized BBolt database.
type Store struct {
	db        *bolt.DB
	path      string
	version   uint32
	recovered bool
}

// Open opens or creates the store at cfg.Path and brings its schema up to
// date.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: no path configured", ErrStoreUnavailable)
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.BlockedPoll <= 0 || cfg.BlockedPoll > cfg.OpenTimeout {
		cfg.BlockedPoll = cfg.OpenTimeout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermission); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	db, err := openBolt(ctx, cfg)
	if errors.Is(err, ErrStoreBlocked) && ctx.Err() == nil {
		// One more bounded attempt before reporting the store as blocked.
		log.Warnf("Open of %v timed out after %v, retrying once",
			cfg.Path, cfg.OpenTimeout)
		db, err = openBolt(ctx, cfg)
	}
	if isCorruptFile(err) && cfg.RecoverCorruption {
		log.Warnf("Store %v is unreadable (%v), deleting and "+
			"recreating it", cfg.Path, err)
		return recreate(ctx, cfg)
	}
	if isCorruptFile(err) {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.syncVersions(dbVersions); err != nil {
		db.Close()
		return nil, err
	}

	if s.version <= LatestVersion() {
		if err := s.repairIndexes(); err != nil {
			db.Close()
			return nil, err
		}
	}

	missing, err := s.missingBuckets()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(missing) == 0 {
		return s, nil
	}

	if s.version > LatestVersion() {
		db.Close()
		return nil, fmt.Errorf("%w: store written by a newer schema "+
			"(version %d) lacks %q", ErrMigrationFailed, s.version, missing)
	}
	if !cfg.RecoverCorruption {
		db.Close()
		return nil, fmt.Errorf("%w: %q", ErrStoreCorrupted, missing)
	}

	log.Warnf("Store %v is missing expected collections %q, deleting and "+
		"recreating it; all local records are lost", cfg.Path, missing)
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("failed to close corrupted store: %w", err)
	}
	return recreate(ctx, cfg)
}

// recreate deletes the store file and opens a fresh one.
func recreate(ctx context.Context, cfg Config) (*Store, error) {
	if err := os.Remove(cfg.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: failed to delete store: %v",
			ErrStoreUnavailable, err)
	}

	db, err := openBolt(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: cfg.Path, recovered: true}
	if err := s.syncVersions(dbVersions); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// openBolt opens the file, polling while another process holds the lock.
func openBolt(ctx context.Context, cfg Config) (*bolt.DB, error) {
	deadline := time.Now().Add(cfg.OpenTimeout)
	warned := false

	for {
		db, err := bolt.Open(cfg.Path, dbFilePermission, &bolt.Options{
			Timeout: cfg.BlockedPoll,
		})
		if err == nil {
			return db, nil
		}
		if !errors.Is(err, bolt.ErrTimeout) {
			if isCorruptFile(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		if !warned {
			log.Warnf("Store %v is blocked by another process, "+
				"waiting up to %v", cfg.Path, cfg.OpenTimeout)
			warned = true
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreBlocked, err)
		}
		if !time.Now().Before(deadline) {
			return nil, ErrStoreBlocked
		}
	}
}

func isCorruptFile(err error) bool {
	return errors.Is(err, bolt.ErrInvalid) ||
		errors.Is(err, bolt.ErrChecksum) ||
		errors.Is(err, bolt.ErrVersionMismatch)
}

// syncVersions ensures the store version is consistent with the highest
// known version, applying any migrations that have not been made. All
// migrations and the version bump run in one write transaction.
func (s *Store) syncVersions(versions []version) error {
	var current uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		current = readVersion(tx)
		return nil
	})
	if err != nil {
		return err
	}

	latest := getLatestDBVersion(versions)
	log.Debugf("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latest, current)

	switch {
	// A newer build wrote this store. Open it as-is instead of failing
	// so the user can still export their data.
	case current > latest:
		log.Warnf("Store version %d is newer than known version %d, "+
			"opening without migration", current, latest)
		s.version = current
		return nil

	case current == latest:
		s.version = current
		return nil
	}

	updates := getMigrationsToApply(versions, current)
	err = s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if current == 0 {
			created, _ := time.Now().MarshalBinary()
			if err := meta.Put(metaCreated, created); err != nil {
				return err
			}
		}

		for _, update := range updates {
			if update.migration == nil {
				continue
			}

			log.Infof("Applying migration #%v", update.number)

			if err := update.migration(tx); err != nil {
				log.Errorf("Unable to apply migration #%v: %v",
					update.number, err)
				return fmt.Errorf("%w: version %d: %v",
					ErrMigrationFailed, update.number, err)
			}
		}

		versionBytes := make([]byte, 4)
		byteOrder.PutUint32(versionBytes, latest)
		return meta.Put(metaVersion, versionBytes)
	})
	if err != nil {
		return err
	}

	s.version = latest
	return nil
}

func readVersion(tx *bolt.Tx) uint32 {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return 0
	}
	data := meta.Get(metaVersion)
	if len(data) != 4 {
		return 0
	}
	return byteOrder.Uint32(data)
}

// repairIndexes rebuilds missing index buckets of collections whose record
// bucket survived. Collections without records bucket are left for the
// recovery path.
func (s *Store) repairIndexes() error {
	var damaged []CollectionSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if tx.Bucket(c.bucket()) == nil {
				continue
			}
			for _, idx := range c.Indexes {
				if tx.Bucket(c.indexBucket(idx.Name)) == nil {
					damaged = append(damaged, c)
					break
				}
			}
		}
		return nil
	})
	if err != nil || len(damaged) == 0 {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, c := range damaged {
			log.Warnf("Store %v is missing indexes of %v, rebuilding "+
				"them from stored records", s.path, c.Name)
			if err := addIndexes(c)(tx); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
			}
		}
		return nil
	})
}

func (s *Store) missingBuckets() ([]string, error) {
	var missing []string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range expectedBuckets() {
			if tx.Bucket(name) == nil {
				missing = append(missing, string(name))
			}
		}
		return nil
	})
	return missing, err
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// Update runs fn in a read-write transaction. It returns once the
// transaction has committed or rolled back.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Version returns the schema version the store was opened at.
func (s *Store) Version() uint32 {
	return s.version
}

// Recovered reports whether the store was deleted and recreated while
// opening.
func (s *Store) Recovered() bool {
	return s.recovered
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// compactTxSize bounds the size of each copy transaction during
// compaction.
const compactTxSize = 1 << 20

// compactInto writes a compacted copy of the database to path.
func (s *Store) compactInto(path string) error {
	dst, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}
	if err := bolt.Compact(dst, s.db, compactTxSize); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close compact database: %w", err)
	}
	return nil
}

// replaceFile moves the compacted file at tmp over path, restoring the
// original when the move fails.
func replaceFile(tmp, path string) error {
	backup := path + ".backup"
	if err := os.Rename(path, backup); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to set original aside: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Rename(backup, path)
		return fmt.Errorf("failed to replace database: %w", err)
	}
	return os.Remove(backup)
}
