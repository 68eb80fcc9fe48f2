package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Meta keys written after initialization. They live next to the schema
// version in the meta bucket and are unencrypted.
var (
	metaSalt          = []byte("salt")
	metaIters         = []byte("iterations")
	metaVaultID       = []byte("vault_id")
	metaPasswordCheck = []byte("password_check")
)

// IsInitialized reports whether a password has been configured.
func (s *Store) IsInitialized() (bool, error) {
	var initialized bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta != nil && meta.Get(metaSalt) != nil {
			initialized = true
		}
		return nil
	})
	return initialized, err
}

// SetKDFParams stores the password KDF salt and iteration count.
func (s *Store) SetKDFParams(salt []byte, iterations uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putKDFParams(tx, salt, iterations)
	})
}

func putKDFParams(tx *bolt.Tx, salt []byte, iterations uint32) error {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrCollectionMissing, metaBucket)
	}
	iters := make([]byte, 4)
	binary.BigEndian.PutUint32(iters, iterations)
	if err := meta.Put(metaSalt, salt); err != nil {
		return err
	}
	return meta.Put(metaIters, iters)
}

// KDFParams retrieves the password KDF salt and iteration count.
func (s *Store) KDFParams() ([]byte, uint32, error) {
	var (
		salt       []byte
		iterations uint32
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		data := meta.Get(metaSalt)
		if data == nil {
			return fmt.Errorf("salt not found")
		}
		// Make a copy since the slice is only valid during the transaction
		salt = append([]byte(nil), data...)

		iters := meta.Get(metaIters)
		if len(iters) != 4 {
			return fmt.Errorf("iterations not found")
		}
		iterations = binary.BigEndian.Uint32(iters)
		return nil
	})
	return salt, iterations, err
}

// SetPasswordCheck stores the encrypted password verification value.
func (s *Store) SetPasswordCheck(sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaPasswordCheck, sealed)
	})
}

// RotatePassword replaces the KDF parameters and password check and runs
// reseal in the same transaction, so a failed re-encryption leaves the old
// password in effect.
func (s *Store) RotatePassword(salt []byte, iterations uint32, check []byte,
	reseal func(tx *bolt.Tx) error) error {

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putKDFParams(tx, salt, iterations); err != nil {
			return err
		}
		if err := tx.Bucket(metaBucket).Put(metaPasswordCheck, check); err != nil {
			return err
		}
		return reseal(tx)
	})
}

// PasswordCheck retrieves the encrypted password verification value.
func (s *Store) PasswordCheck() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(metaPasswordCheck)
		if v == nil {
			return fmt.Errorf("password check not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// UpdateModified updates the last modified timestamp
func (s *Store) UpdateModified() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		modified, _ := time.Now().MarshalBinary()
		return tx.Bucket(metaBucket).Put(metaModified, modified)
	})
}

// Timestamps returns the creation and last modification time of the store.
// A zero modification time means nothing was written since creation.
func (s *Store) Timestamps() (created, modified time.Time, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if data := meta.Get(metaCreated); data != nil {
			if err := created.UnmarshalBinary(data); err != nil {
				return err
			}
		}
		if data := meta.Get(metaModified); data != nil {
			return modified.UnmarshalBinary(data)
		}
		return nil
	})
	return created, modified, err
}

// GetVaultID retrieves the vault ID from the meta bucket
func (s *Store) GetVaultID() (string, error) {
	var vaultID string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(metaVaultID)
		if data == nil {
			return fmt.Errorf("vault_id not found")
		}
		vaultID = string(data)
		return nil
	})
	return vaultID, err
}

// GetOrCreateVaultID retrieves existing vault ID or generates a new one
func (s *Store) GetOrCreateVaultID() (string, error) {
	vaultID, err := s.GetVaultID()
	if err == nil {
		return vaultID, nil
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate vault ID: %w", err)
	}
	vaultID = hex.EncodeToString(b)

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaVaultID, []byte(vaultID))
	})
	if err != nil {
		return "", err
	}

	return vaultID, nil
}
