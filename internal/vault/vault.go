package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/illarion/walletvault/internal/storage"
	"github.com/lightningnetwork/lnd/clock"
	bolt "go.etcd.io/bbolt"
)

// Direction orders listings by creation time.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

var accounts = storage.NewCollection(storage.Accounts, func(a *Account) string {
	return a.Address
})

// Vault provides CRUD over encrypted accounts.
type Vault struct {
	db    storage.Backend
	clock clock.Clock
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(v *Vault) {
		v.clock = c
	}
}

// New creates a vault over db.
func New(db storage.Backend, opts ...Option) *Vault {
	v := &Vault{
		db:    db,
		clock: clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Put validates and upserts acct. An existing record keeps its creation
// time; UpdatedAt is always refreshed. Put returns after the transaction has
// committed and then reflects the stored timestamps in acct.
func (v *Vault) Put(ctx context.Context, acct *Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	rec := acct.clone()
	rec.Meta.Tags = normalizeTags(rec.Meta.Tags)

	err := v.db.Update(ctx, func(tx *bolt.Tx) error {
		now := v.clock.Now()
		existing, err := accounts.Get(tx, rec.Address)
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
		return accounts.Put(tx, rec)
	})
	if err != nil {
		log.Errorf("Unable to store account %v: %v", rec.Address, err)
		return err
	}

	acct.Meta.Tags = rec.Meta.Tags
	acct.CreatedAt = rec.CreatedAt
	acct.UpdatedAt = rec.UpdatedAt
	return nil
}

// Get returns the account stored under address or storage.ErrNotFound.
func (v *Vault) Get(ctx context.Context, address string) (*Account, error) {
	var acct *Account
	err := v.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		acct, err = accounts.Get(tx, address)
		return err
	})
	return acct, err
}

// List returns every account ordered by address.
func (v *Vault) List(ctx context.Context) ([]*Account, error) {
	var all []*Account
	err := v.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		all, err = ListTx(tx)
		return err
	})
	return all, err
}

// ListTx returns every account within tx.
func ListTx(tx *bolt.Tx) ([]*Account, error) {
	return accounts.All(tx)
}

// ListByScheme returns the accounts using scheme.
func (v *Vault) ListByScheme(ctx context.Context, scheme Scheme) ([]*Account, error) {
	var out []*Account
	err := v.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = accounts.ByIndex(tx, storage.IndexScheme, string(scheme))
		return err
	})
	return out, err
}

// ListSortedByCreation returns every account ordered by creation time.
func (v *Vault) ListSortedByCreation(ctx context.Context, dir Direction) ([]*Account, error) {
	var out []*Account
	err := v.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = accounts.Ordered(tx, storage.IndexCreated, dir == Descending)
		return err
	})
	return out, err
}

// Update applies fn to the stored account in a single read-write
// transaction. The address cannot be changed.
func (v *Vault) Update(ctx context.Context, address string, fn func(*Account) error) (*Account, error) {
	var updated *Account
	err := v.db.Update(ctx, func(tx *bolt.Tx) error {
		acct, err := accounts.Get(tx, address)
		if err != nil {
			return err
		}
		created := acct.CreatedAt

		if err := fn(acct); err != nil {
			return err
		}
		if acct.Address != address {
			return fmt.Errorf("%w: address of %s is immutable",
				storage.ErrInvalidInput, address)
		}
		if err := acct.Validate(); err != nil {
			return err
		}

		acct.Meta.Tags = normalizeTags(acct.Meta.Tags)
		acct.CreatedAt = created
		acct.UpdatedAt = v.clock.Now()
		updated = acct
		return accounts.Put(tx, acct)
	})
	return updated, err
}

// Delete removes the account stored under address. Deleting an unknown
// address is not an error.
func (v *Vault) Delete(ctx context.Context, address string) error {
	return v.db.Update(ctx, func(tx *bolt.Tx) error {
		return accounts.Delete(tx, address)
	})
}

// Clear removes every account.
func (v *Vault) Clear(ctx context.Context) error {
	log.Infof("Clearing all accounts")
	return v.db.Update(ctx, func(tx *bolt.Tx) error {
		return accounts.Clear(tx)
	})
}

// Count returns the number of stored accounts.
func (v *Vault) Count(ctx context.Context) (int, error) {
	var n int
	err := v.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		n, err = accounts.Count(tx)
		return err
	})
	return n, err
}

// MergeTx inserts acct within tx unless an account with the same address
// exists and overwrite is false. It reports whether acct was written.
// Timestamps carried by acct are kept; missing ones are filled in.
func (v *Vault) MergeTx(tx *bolt.Tx, acct *Account, overwrite bool) (bool, error) {
	if err := acct.Validate(); err != nil {
		return false, err
	}

	rec := acct.clone()
	rec.Meta.Tags = normalizeTags(rec.Meta.Tags)
	now := v.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return accounts.Insert(tx, rec, overwrite)
}

// ResealTx rewrites the envelope of every password-sealed account within tx
// using reseal. It returns how many accounts were rewritten.
func (v *Vault) ResealTx(tx *bolt.Tx, reseal func(*Account) ([]byte, error)) (int, error) {
	all, err := accounts.All(tx)
	if err != nil {
		return 0, err
	}

	n := 0
	now := v.clock.Now()
	for _, acct := range all {
		if !acct.SealedWithPassword() {
			continue
		}
		data, err := reseal(acct)
		if err != nil {
			return n, fmt.Errorf("failed to reseal account %s: %w",
				acct.Address, err)
		}
		acct.EncryptedData = data
		acct.UpdatedAt = now
		if err := accounts.Put(tx, acct); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
