package storage

import "errors"

var (
	// ErrInvalidInput is returned when a record fails required-field
	// validation. Nothing is written to the store.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when the store file cannot be created
	// or opened at all.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreBlocked is returned when another process keeps the store
	// locked beyond the open timeout.
	ErrStoreBlocked = errors.New("store blocked by another process")

	// ErrMigrationFailed is returned when a schema migration step fails.
	// The upgrade transaction is rolled back as a whole.
	ErrMigrationFailed = errors.New("schema migration failed")

	// ErrStoreCorrupted is returned when an expected collection is missing
	// and corruption recovery is disabled.
	ErrStoreCorrupted = errors.New("store is missing expected collections")

	// ErrStoreClosed is returned by a provider after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrStoreInUse is returned by Compact while other handles to the store
	// are outstanding.
	ErrStoreInUse = errors.New("store in use")

	// ErrCollectionMissing is returned when a transaction touches a bucket
	// that does not exist in the current schema.
	ErrCollectionMissing = errors.New("collection missing")
)
