package webauthn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illarion/walletvault/internal/storage"
	"github.com/lightningnetwork/lnd/clock"
	bolt "go.etcd.io/bbolt"
)

// Credential is a registered authenticator credential.
type Credential struct {
	// ID is the base64url (unpadded) encoding of the raw credential id.
	ID                string     `json:"id"`
	PublicKey         []byte     `json:"publicKey"`
	Algorithm         int        `json:"algorithm"`
	SignatureCounter  uint32     `json:"signatureCounter"`
	KeyDerivationSalt []byte     `json:"keyDerivationSalt"`
	UserID            string     `json:"userId,omitempty"`
	DisplayName       string     `json:"displayName,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
}

// EncodeID encodes a raw credential id.
func EncodeID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeID decodes a credential id produced by EncodeID. Padded input is
// accepted.
func DecodeID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(id, "="))
}

// RawID returns the raw credential id.
func (c *Credential) RawID() ([]byte, error) {
	return DecodeID(c.ID)
}

// Validate checks the required fields. Failures wrap
// storage.ErrInvalidInput.
func (c *Credential) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil credential", storage.ErrInvalidInput)
	case c.ID == "":
		return fmt.Errorf("%w: empty credential id", storage.ErrInvalidInput)
	case len(c.PublicKey) == 0:
		return fmt.Errorf("%w: credential %s has no public key",
			storage.ErrInvalidInput, c.ID)
	case len(c.KeyDerivationSalt) == 0:
		return fmt.Errorf("%w: credential %s has no key derivation salt",
			storage.ErrInvalidInput, c.ID)
	}
	if _, err := DecodeID(c.ID); err != nil {
		return fmt.Errorf("%w: credential id %q: %v",
			storage.ErrInvalidInput, c.ID, err)
	}
	return nil
}

var credentials = storage.NewCollection(storage.Credentials, func(c *Credential) string {
	return c.ID
})

// CredentialStore persists credentials in the webauthn_credentials
// collection.
type CredentialStore struct {
	db    storage.Backend
	clock clock.Clock
}

// NewCredentialStore creates a credential store over db. A nil clock
// selects the wall clock.
func NewCredentialStore(db storage.Backend, c clock.Clock) *CredentialStore {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &CredentialStore{db: db, clock: c}
}

// Put validates and upserts cred.
func (s *CredentialStore) Put(ctx context.Context, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.clock.Now()
	}
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		return credentials.Put(tx, cred)
	})
}

// Get returns the credential with id or ErrCredentialNotFound.
func (s *CredentialStore) Get(ctx context.Context, id string) (*Credential, error) {
	var cred *Credential
	err := s.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		cred, err = credentials.Get(tx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return cred, err
}

// List returns every credential, newest first.
func (s *CredentialStore) List(ctx context.Context) ([]*Credential, error) {
	var out []*Credential
	err := s.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = credentials.Ordered(tx, storage.IndexCreated, true)
		return err
	})
	return out, err
}

// ListTx returns every credential within tx in id order.
func ListTx(tx *bolt.Tx) ([]*Credential, error) {
	return credentials.All(tx)
}

// Delete removes the credential with id. This is how a credential is
// revoked.
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		exists, err := credentials.Exists(tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
		}
		return credentials.Delete(tx, id)
	})
}

// Count returns the number of credentials.
func (s *CredentialStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(ctx, func(tx *bolt.Tx) error {
		var err error
		n, err = credentials.Count(tx)
		return err
	})
	return n, err
}

// Clear removes every credential.
func (s *CredentialStore) Clear(ctx context.Context) error {
	return s.db.Update(ctx, func(tx *bolt.Tx) error {
		return credentials.Clear(tx)
	})
}

// Update applies fn to the stored credential in one read-write transaction.
func (s *CredentialStore) Update(ctx context.Context, id string,
	fn func(*Credential) error) (*Credential, error) {

	var updated *Credential
	err := s.db.Update(ctx, func(tx *bolt.Tx) error {
		cred, err := credentials.Get(tx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := fn(cred); err != nil {
			return err
		}
		if cred.ID != id {
			return fmt.Errorf("%w: credential id is immutable",
				storage.ErrInvalidInput)
		}
		updated = cred
		return credentials.Put(tx, cred)
	})
	return updated, err
}

// MergeTx inserts cred within tx unless a credential with the same id
// exists and overwrite is false. It reports whether cred was written.
func (s *CredentialStore) MergeTx(tx *bolt.Tx, cred *Credential, overwrite bool) (bool, error) {
	if err := cred.Validate(); err != nil {
		return false, err
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.clock.Now()
	}
	return credentials.Insert(tx, cred, overwrite)
}
