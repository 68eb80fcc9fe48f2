package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illarion/walletvault/internal/backup"
	"github.com/illarion/walletvault/internal/config"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keys"
	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/settings"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/lightningnetwork/lnd/clock"
	bolt "go.etcd.io/bbolt"
)

const passwordCheckString = "walletvault-password-check"

var (
	ErrNotInitialized  = errors.New("wallet not initialized")
	ErrAlreadyExists   = errors.New("wallet already initialized")
	ErrWrongPassword   = errors.New("wrong password")
	ErrNoAuthenticator = errors.New("no authenticator platform configured")
)

// Wallet is the entry point to every walletvault component.
type Wallet struct {
	cfg      *config.Config
	provider *storage.Provider
	clock    clock.Clock
	platform webauthn.Platform

	Vault        *vault.Vault
	Credentials  *webauthn.CredentialStore
	Transactions *ledger.Ledger
	MountainLogs *ledger.Ledger
	Documents    *ledger.Ledger
	Contacts     *settings.Store[settings.Contact]
	APIConfigs   *settings.Store[settings.APIConfig]
	Backup       *backup.Engine
	Signer       *keys.Signer

	auth *webauthn.Module
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(w *Wallet) {
		w.clock = c
	}
}

// WithPlatform enables authenticator ceremonies through p.
func WithPlatform(p webauthn.Platform) Option {
	return func(w *Wallet) {
		w.platform = p
	}
}

// New wires a Wallet over the store described by cfg. The store is opened
// lazily on first use.
func New(cfg *config.Config, opts ...Option) (*Wallet, error) {
	w := &Wallet{
		cfg:      cfg,
		provider: storage.NewProvider(cfg.Storage()),
		clock:    clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.Vault = vault.New(w.provider, vault.WithClock(w.clock))
	w.Credentials = webauthn.NewCredentialStore(w.provider, w.clock)
	w.Contacts = settings.NewContacts(w.provider)
	w.APIConfigs = settings.NewAPIConfigs(w.provider)
	w.Signer = keys.NewSigner(w.Vault)

	ledgers := []struct {
		kind ledger.Kind
		dst  **ledger.Ledger
	}{
		{ledger.Transactions, &w.Transactions},
		{ledger.MountainLogs, &w.MountainLogs},
		{ledger.Documents, &w.Documents},
	}
	for _, l := range ledgers {
		var err error
		*l.dst, err = ledger.New(w.provider, l.kind, ledger.WithClock(w.clock))
		if err != nil {
			return nil, err
		}
	}

	var err error
	w.Backup, err = backup.New(backup.Config{
		DB:           w.provider,
		Vault:        w.Vault,
		Credentials:  w.Credentials,
		Transactions: w.Transactions,
		MountainLogs: w.MountainLogs,
		Documents:    w.Documents,
		Contacts:     w.Contacts,
		APIConfigs:   w.APIConfigs,
		Clock:        w.clock,
		TxTimeout:    cfg.ImportTimeout(),
	})
	if err != nil {
		return nil, err
	}

	if w.platform != nil {
		w.auth = webauthn.New(w.platform, w.Credentials, cfg.WebAuthn(),
			webauthn.WithClock(w.clock))
	}
	return w, nil
}

// Close releases the store. It is closed once in-flight operations finish.
func (w *Wallet) Close() error {
	return w.provider.Close()
}

func (w *Wallet) withStore(ctx context.Context, fn func(s *storage.Store) error) error {
	return w.provider.With(ctx, fn)
}

// Init configures the wallet password.
func (w *Wallet) Init(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", storage.ErrInvalidInput)
	}

	return w.withStore(ctx, func(s *storage.Store) error {
		initialized, err := s.IsInitialized()
		if err != nil {
			return err
		}
		if initialized {
			return ErrAlreadyExists
		}

		kdf, key, check, err := newPasswordCheck(password, w.cfg.Iterations())
		if err != nil {
			return err
		}
		crypto.ClearBytes(key)

		err = s.RotatePassword(kdf.Salt, uint32(kdf.Iterations), check,
			func(*bolt.Tx) error { return nil })
		if err != nil {
			return fmt.Errorf("failed to store password parameters: %w", err)
		}

		if _, err := s.GetOrCreateVaultID(); err != nil {
			return err
		}
		log.Infof("Initialized wallet %v", s.Path())
		return s.UpdateModified()
	})
}

// newPasswordCheck creates fresh KDF parameters for password, the derived
// key and the check value sealed under it. The caller must clear the key.
func newPasswordCheck(password []byte, iterations int) (*crypto.KDF, []byte, []byte, error) {
	kdf, err := crypto.NewKDF(iterations)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create KDF: %w", err)
	}
	key := kdf.DeriveKey(password)

	check, err := crypto.SealEnvelope(key, []byte(passwordCheckString))
	if err != nil {
		crypto.ClearBytes(key)
		return nil, nil, nil, fmt.Errorf("failed to encrypt password check: %w", err)
	}
	return kdf, key, check, nil
}

// UnlockKey derives the password key and verifies it. The caller must
// clear the returned key.
func (w *Wallet) UnlockKey(ctx context.Context, password []byte) ([]byte, error) {
	var key []byte
	err := w.withStore(ctx, func(s *storage.Store) error {
		var err error
		key, err = unlockKey(s, password)
		return err
	})
	return key, err
}

func unlockKey(s *storage.Store, password []byte) ([]byte, error) {
	initialized, err := s.IsInitialized()
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, ErrNotInitialized
	}

	salt, iterations, err := s.KDFParams()
	if err != nil {
		return nil, fmt.Errorf("failed to read KDF parameters: %w", err)
	}
	check, err := s.PasswordCheck()
	if err != nil {
		return nil, fmt.Errorf("failed to read password check: %w", err)
	}

	kdf := &crypto.KDF{Salt: salt, Iterations: int(iterations)}
	key := kdf.DeriveKey(password)

	plain, err := crypto.OpenEnvelope(key, check)
	if err != nil || string(plain) != passwordCheckString {
		crypto.ClearBytes(key)
		return nil, ErrWrongPassword
	}
	return key, nil
}

// VerifyPassword checks password against the stored check value.
func (w *Wallet) VerifyPassword(ctx context.Context, password []byte) error {
	key, err := w.UnlockKey(ctx, password)
	if err != nil {
		return err
	}
	crypto.ClearBytes(key)
	return nil
}

// ChangePassword replaces the password and re-encrypts every account sealed
// under the old password key. Nothing changes when any account fails to
// re-encrypt.
func (w *Wallet) ChangePassword(ctx context.Context, current, next []byte) error {
	if len(next) == 0 {
		return fmt.Errorf("%w: empty password", storage.ErrInvalidInput)
	}

	return w.withStore(ctx, func(s *storage.Store) error {
		oldKey, err := unlockKey(s, current)
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(oldKey)

		kdf, newKey, check, err := newPasswordCheck(next, w.cfg.Iterations())
		if err != nil {
			return err
		}
		defer crypto.ClearBytes(newKey)

		var resealed int
		err = s.RotatePassword(kdf.Salt, uint32(kdf.Iterations), check,
			func(tx *bolt.Tx) error {
				var err error
				resealed, err = w.Vault.ResealTx(tx, func(a *vault.Account) ([]byte, error) {
					seed, err := crypto.OpenEnvelope(oldKey, a.EncryptedData)
					if err != nil {
						return nil, err
					}
					defer crypto.ClearBytes(seed)
					return crypto.SealEnvelope(newKey, seed)
				})
				return err
			})
		if err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}

		log.Infof("Password changed, %d account(s) re-encrypted", resealed)
		return s.UpdateModified()
	})
}

// RegisterCredential runs a registration ceremony and stores the new
// credential.
func (w *Wallet) RegisterCredential(ctx context.Context, userID,
	displayName string) (*webauthn.Credential, error) {

	if w.auth == nil {
		return nil, ErrNoAuthenticator
	}
	cred, err := w.auth.Register(ctx, userID, displayName)
	if err != nil {
		return nil, err
	}
	if err := w.Credentials.Put(ctx, cred); err != nil {
		return nil, err
	}
	log.Infof("Registered credential %v for %v", cred.ID, displayName)
	return cred, nil
}

// UnlockWithAuthenticator derives the key of a stored credential through an
// authentication ceremony. The caller must clear the returned key.
func (w *Wallet) UnlockWithAuthenticator(ctx context.Context,
	credentialID string) (*webauthn.UnlockResult, error) {

	if w.auth == nil {
		return nil, ErrNoAuthenticator
	}
	return w.auth.Unlock(ctx, credentialID)
}

// AddAccount seals mnemonic under the password key and stores the new
// account.
func (w *Wallet) AddAccount(ctx context.Context, mnemonic string, password []byte,
	opts keys.AccountOptions) (*vault.Account, error) {

	key, err := w.UnlockKey(ctx, password)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(key)

	opts.KeySource = vault.KeySourcePassword
	return w.addAccountWithKey(ctx, mnemonic, key, opts)
}

// AddAccountWithAuthenticator seals mnemonic under the key derived from an
// authentication ceremony with the stored credential. Authenticators whose
// signature counter advances derive a new key on every ceremony and are
// refused with webauthn.ErrKeyNotReproducible.
func (w *Wallet) AddAccountWithAuthenticator(ctx context.Context, mnemonic,
	credentialID string, opts keys.AccountOptions) (*vault.Account, error) {

	res, err := w.UnlockWithAuthenticator(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(res.Key)

	if !res.Reproducible {
		return nil, fmt.Errorf("%w: credential %s reports signature counter %d",
			webauthn.ErrKeyNotReproducible, credentialID,
			res.Credential.SignatureCounter)
	}

	opts.KeySource = vault.KeySourceCredential(credentialID)
	return w.addAccountWithKey(ctx, mnemonic, res.Key, opts)
}

// addAccountWithKey seals mnemonic under key and stores the new account.
// opts.KeySource records where key came from.
func (w *Wallet) addAccountWithKey(ctx context.Context, mnemonic string, key []byte,
	opts keys.AccountOptions) (*vault.Account, error) {

	acct, err := keys.NewAccount(mnemonic, key, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Vault.Put(ctx, acct); err != nil {
		return nil, err
	}
	log.Infof("Added %v account %v", acct.CryptoScheme, acct.Address)
	return acct, w.withStore(ctx, func(s *storage.Store) error {
		return s.UpdateModified()
	})
}

// StatusInfo describes the wallet without needing the password.
type StatusInfo struct {
	Path          string
	Initialized   bool
	SchemaVersion uint32
	Recovered     bool
	VaultID       string
	Created       time.Time
	LastModified  time.Time
	Algorithm     string
	KDFIterations uint32
	Counts        map[string]int
}

// Status returns the current status of the wallet.
func (w *Wallet) Status(ctx context.Context) (*StatusInfo, error) {
	status := &StatusInfo{
		Algorithm: "AES-256-GCM",
		Counts:    make(map[string]int),
	}

	err := w.withStore(ctx, func(s *storage.Store) error {
		status.Path = s.Path()
		status.SchemaVersion = s.Version()
		status.Recovered = s.Recovered()

		var err error
		status.Initialized, err = s.IsInitialized()
		if err != nil {
			return err
		}
		status.Created, status.LastModified, err = s.Timestamps()
		if err != nil {
			return err
		}
		if status.Initialized {
			if _, status.KDFIterations, err = s.KDFParams(); err != nil {
				return err
			}
		}
		// Not critical
		status.VaultID, _ = s.GetVaultID()
		return nil
	})
	if err != nil {
		return nil, err
	}

	counters := map[string]func(context.Context) (int, error){
		backup.CollAccounts:     w.Vault.Count,
		backup.CollCredentials:  w.Credentials.Count,
		backup.CollTransactions: w.Transactions.Count,
		backup.CollMountainLogs: w.MountainLogs.Count,
		backup.CollDocuments:    w.Documents.Count,
	}
	for name, count := range counters {
		n, err := count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		status.Counts[name] = n
	}

	contacts, err := w.Contacts.Load(ctx)
	if err != nil {
		return nil, err
	}
	status.Counts[backup.CollContacts] = len(contacts)

	apiConfigs, err := w.APIConfigs.Load(ctx)
	if err != nil {
		return nil, err
	}
	status.Counts[backup.CollAPIConfigs] = len(apiConfigs)

	return status, nil
}

// Compact rewrites the store file to reclaim unused space. It fails with
// storage.ErrStoreInUse while another operation holds the store.
func (w *Wallet) Compact(ctx context.Context) error {
	return w.provider.Compact(ctx)
}

// GetVaultID returns the id used to key the OS keyring entry.
func (w *Wallet) GetVaultID(ctx context.Context) (string, error) {
	var id string
	err := w.withStore(ctx, func(s *storage.Store) error {
		var err error
		id, err = s.GetVaultID()
		return err
	})
	return id, err
}

// GetOrCreateVaultID returns the vault id, creating it if needed.
func (w *Wallet) GetOrCreateVaultID(ctx context.Context) (string, error) {
	var id string
	err := w.withStore(ctx, func(s *storage.Store) error {
		var err error
		id, err = s.GetOrCreateVaultID()
		return err
	})
	return id, err
}
