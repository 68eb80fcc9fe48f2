package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/illarion/walletvault/internal/backup"
	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keyring"
	"github.com/illarion/walletvault/internal/keys"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/webauthn"
)

// GetPassword retrieves password from the environment or prompts the user.
// The caller is responsible for calling crypto.ClearBytes on the returned
// password.
func GetPassword(prompt string) ([]byte, error) {
	if cfg != nil && cfg.Password != "" {
		return []byte(cfg.Password), nil
	}
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, nil
	}

	password, err := core.ReadPassword(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// GetPasswordWithRetry tries the OS keyring before asking. A stale keyring
// entry is reported and the user is prompted instead. It reports whether
// the password came from the keyring.
func GetPasswordWithRetry(ctx context.Context, prompt string) ([]byte, bool, error) {
	vaultID, err := wallet.GetVaultID(ctx)
	if err == nil {
		if password, err := keyring.GetPassword(vaultID); err == nil {
			verr := wallet.VerifyPassword(ctx, password)
			if verr == nil {
				return password, true, nil
			}
			crypto.ClearBytes(password)
			if !errors.Is(verr, core.ErrWrongPassword) {
				return nil, false, verr
			}
			fmt.Fprintln(os.Stderr, "warning: password in keyring is outdated")
		}
	}

	password, err := GetPassword(prompt)
	if err != nil {
		return nil, false, err
	}
	return password, false, nil
}

// GetPasswordForInit retrieves password for init command
// Checks environment variable first, then prompts with confirmation
func GetPasswordForInit() ([]byte, error) {
	if cfg != nil && cfg.Password != "" {
		return []byte(cfg.Password), nil
	}
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, nil
	}
	return core.ReadPasswordConfirm()
}

// unlockKey resolves the password and derives the wallet key. The caller
// must clear the key.
func unlockKey(ctx context.Context) ([]byte, error) {
	password, _, err := GetPasswordWithRetry(ctx, "Enter password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password)
	return wallet.UnlockKey(ctx, password)
}

// HandleError prints err in user-facing form and exits.
func HandleError(err error) {
	switch {
	case errors.Is(err, core.ErrNotInitialized):
		fmt.Fprintln(os.Stderr, "Error: wallet not initialized")
		fmt.Fprintln(os.Stderr, "Run 'walletvault init' first")
	case errors.Is(err, core.ErrAlreadyExists):
		fmt.Fprintln(os.Stderr, "Error: wallet already initialized")
		fmt.Fprintln(os.Stderr, "Use 'walletvault status' to see current state")
	case errors.Is(err, core.ErrWrongPassword):
		fmt.Fprintln(os.Stderr, "Error: wrong password")
	case errors.Is(err, crypto.ErrDecryptionFailed):
		fmt.Fprintln(os.Stderr, "Error: unable to decrypt, wrong key for this account")
	case errors.Is(err, storage.ErrStoreBlocked):
		fmt.Fprintln(os.Stderr, "Error: wallet is in use by another process")
	case errors.Is(err, storage.ErrStoreInUse):
		fmt.Fprintln(os.Stderr, "Error: store is busy, try again when other operations finish")
	case errors.Is(err, webauthn.ErrKeyNotReproducible):
		fmt.Fprintln(os.Stderr, "Error: this authenticator derives a new key on every use")
		fmt.Fprintln(os.Stderr, "Seal the account with the password instead")
	case errors.Is(err, storage.ErrStoreCorrupted):
		fmt.Fprintln(os.Stderr, "Error: wallet store is damaged")
		fmt.Fprintln(os.Stderr, "Set WALLETVAULT_RECOVER_CORRUPTION=true to recreate it")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, webauthn.ErrCredentialNotFound):
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	case errors.Is(err, backup.ErrWrongArtifactFormat):
		fmt.Fprintln(os.Stderr, "Error: this file was exported by a different wallet")
	case errors.Is(err, backup.ErrPasswordRequired):
		fmt.Fprintln(os.Stderr, "Error: backup is password protected")
	case errors.Is(err, backup.ErrWrongBackupPassword):
		fmt.Fprintln(os.Stderr, "Error: wrong backup password")
	case errors.Is(err, keys.ErrUnsupportedScheme):
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	case webauthn.IsUserFacing(err):
		fmt.Fprintf(os.Stderr, "Error: authenticator: %s\n", err)
	default:
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(1)
}

func formatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case size >= GB:
		return fmt.Sprintf("%.1f GB", float64(size)/GB)
	case size >= MB:
		return fmt.Sprintf("%.1f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.1f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
