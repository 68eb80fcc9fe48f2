// Package keyring caches the wallet password in the OS keyring, keyed by
// the vault id of the store.
package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "walletvault"

// ErrNotStored is returned when no password is cached for a vault.
var ErrNotStored = errors.New("no password stored in keyring")

// SavePassword stores a password in the OS keyring
func SavePassword(vaultID string, password []byte) error {
	if vaultID == "" {
		return errors.New("empty vault id")
	}
	return keyring.Set(serviceName, vaultID, string(password))
}

// GetPassword retrieves a password from the OS keyring
func GetPassword(vaultID string) ([]byte, error) {
	password, err := keyring.Get(serviceName, vaultID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, err
	}
	return []byte(password), nil
}

// DeletePassword removes a password from the OS keyring
func DeletePassword(vaultID string) error {
	err := keyring.Delete(serviceName, vaultID)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotStored
	}
	return err
}

// HasPassword checks if a password is stored in the keyring
func HasPassword(vaultID string) bool {
	_, err := keyring.Get(serviceName, vaultID)
	return err == nil
}
