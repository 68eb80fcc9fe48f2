package ledger

import (
	"context"
	"errors"

	"github.com/illarion/walletvault/internal/storage"
	"github.com/lightningnetwork/lnd/clock"
	bolt "go.etcd.io/bbolt"
)

// Ledger provides CRUD over one ledger collection.
type Ledger struct {
	kind    Kind
	db      storage.Backend
	clock   clock.Clock
	records *storage.Collection[Record]
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// New creates the ledger of kind over db.
func New(db storage.Backend, kind Kind, opts ...Option) (*Ledger, error) {
	spec, err := kind.spec()
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		kind:  kind,
		db:    db,
		clock: clock.NewDefaultClock(),
		records: storage.NewCollection(spec, func(r *Record) string {
			return r.ID
		}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Kind returns the ledger kind.
func (l *Ledger) Kind() Kind {
	return l.kind
}

// Put validates and upserts rec, assigning an id when it has none.
func (l *Ledger) Put(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.assignID()

	return l.db.Update(ctx, func(tx *bolt.Tx) error {
		now := l.clock.Now()
		existing, err := l.records.Get(tx, rec.ID)
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
		case errors.Is(err, storage.ErrNotFound):
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
		default:
			return err
		}
		rec.UpdatedAt = now
		return l.records.Put(tx, rec)
	})
}

// Get returns the record with id or storage.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := l.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		rec, err = l.records.Get(tx, id)
		return err
	})
	return rec, err
}

// List returns every record, newest first.
func (l *Ledger) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := l.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = l.records.Ordered(tx, storage.IndexCreated, true)
		return err
	})
	return out, err
}

// ListTx returns every record within tx in id order.
func (l *Ledger) ListTx(tx *bolt.Tx) ([]*Record, error) {
	return l.records.All(tx)
}

func (l *Ledger) byIndex(ctx context.Context, index, value string) ([]*Record, error) {
	var out []*Record
	err := l.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = l.records.ByIndex(tx, index, value)
		return err
	})
	return out, err
}

// ListByAccount returns the records of an account.
func (l *Ledger) ListByAccount(ctx context.Context, account string) ([]*Record, error) {
	return l.byIndex(ctx, storage.IndexAccount, account)
}

// ListByCategory returns the records of a category.
func (l *Ledger) ListByCategory(ctx context.Context, category string) ([]*Record, error) {
	return l.byIndex(ctx, storage.IndexCategory, category)
}

// ListByStatus returns the records with status.
func (l *Ledger) ListByStatus(ctx context.Context, status string) ([]*Record, error) {
	return l.byIndex(ctx, storage.IndexStatus, status)
}

// Delete removes the record with id.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	return l.db.Update(ctx, func(tx *bolt.Tx) error {
		return l.records.Delete(tx, id)
	})
}

// Clear removes every record of the ledger.
func (l *Ledger) Clear(ctx context.Context) error {
	log.Infof("Clearing ledger %v", l.kind)
	return l.db.Update(ctx, func(tx *bolt.Tx) error {
		return l.records.Clear(tx)
	})
}

// Count returns the number of records.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		n, err = l.records.Count(tx)
		return err
	})
	return n, err
}

// MergeTx inserts rec within tx unless a record with the same id exists and
// overwrite is false. It reports whether rec was written. A record without
// an id is keyed by its content, so merging it again is a no-op.
func (l *Ledger) MergeTx(tx *bolt.Tx, rec *Record, overwrite bool) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	if rec.ID == "" {
		rec.ID = rec.contentID()
	}

	now := l.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return l.records.Insert(tx, rec, overwrite)
}
