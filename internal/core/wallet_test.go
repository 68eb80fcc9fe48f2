package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/illarion/walletvault/internal/config"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keys"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/illarion/walletvault/internal/webauthn/webauthntest"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

var testTime = time.Date(2024, 8, 20, 10, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:            filepath.Join(t.TempDir(), "wallet.db"),
		OpenTimeout:       time.Second,
		BlockedPoll:       100 * time.Millisecond,
		RecoverCorruption: true,
		ImportTxTimeout:   5 * time.Second,
		KDFIterations:     1000,
		RPID:              "wallet.example",
		RPName:            "walletvault",
		Origin:            "https://wallet.example",
		LogLevel:          "info",
	}
}

func newTestWallet(t *testing.T, opts ...Option) *Wallet {
	t.Helper()
	opts = append([]Option{WithClock(clock.NewTestClock(testTime))}, opts...)
	w, err := New(testConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestInit(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()
	password := []byte("test123")

	err := w.VerifyPassword(ctx, password)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, w.Init(ctx, password))
	require.ErrorIs(t, w.Init(ctx, password), ErrAlreadyExists)

	require.NoError(t, w.VerifyPassword(ctx, password))
	require.ErrorIs(t, w.VerifyPassword(ctx, []byte("wrong")), ErrWrongPassword)

	id, err := w.GetVaultID(ctx)
	require.NoError(t, err)
	require.Len(t, id, 32)

	require.ErrorIs(t, w.Init(ctx, nil), storage.ErrInvalidInput)
}

func TestAddAccountAndSign(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()
	password := []byte("test123")
	require.NoError(t, w.Init(ctx, password))

	acct, err := w.AddAccount(ctx, testMnemonic, password, keys.AccountOptions{
		Scheme: vault.SchemeEd25519,
		Meta:   vault.Meta{DisplayName: "main"},
	})
	require.NoError(t, err)
	require.Equal(t, vault.KeySourcePassword, acct.KeySource)

	_, err = w.AddAccount(ctx, testMnemonic, []byte("wrong"), keys.AccountOptions{
		Scheme: vault.SchemeEd25519,
	})
	require.ErrorIs(t, err, ErrWrongPassword)

	key, err := w.UnlockKey(ctx, password)
	require.NoError(t, err)
	defer crypto.ClearBytes(key)

	seed, err := w.Signer.RevealSeed(ctx, acct.Address, key)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, string(seed))

	sig, err := w.Signer.Sign(ctx, acct.Address, key, []byte("payload"))
	require.NoError(t, err)
	require.True(t, keys.Verify(vault.SchemeEd25519, acct.PublicKey, []byte("payload"), sig))
}

func TestChangePassword(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()
	oldPassword := []byte("old-password")
	newPassword := []byte("new-password")
	require.NoError(t, w.Init(ctx, oldPassword))

	acct, err := w.AddAccount(ctx, testMnemonic, oldPassword, keys.AccountOptions{
		Scheme: vault.SchemeEcdsa,
	})
	require.NoError(t, err)

	// An account sealed under another key is left alone.
	other := []byte("0123456789abcdef0123456789abcdef")
	foreign, err := w.addAccountWithKey(ctx, testMnemonic, other, keys.AccountOptions{
		Scheme:    vault.SchemeEd25519,
		KeySource: vault.KeySourceCredential("credential-1"),
	})
	require.NoError(t, err)

	err = w.ChangePassword(ctx, []byte("wrong"), newPassword)
	require.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, w.ChangePassword(ctx, oldPassword, newPassword))
	require.ErrorIs(t, w.VerifyPassword(ctx, oldPassword), ErrWrongPassword)

	key, err := w.UnlockKey(ctx, newPassword)
	require.NoError(t, err)
	seed, err := w.Signer.RevealSeed(ctx, acct.Address, key)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, string(seed))

	seed, err = w.Signer.RevealSeed(ctx, foreign.Address, other)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, string(seed))
}

func TestStatus(t *testing.T) {
	w := newTestWallet(t)
	ctx := context.Background()

	status, err := w.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Initialized)
	require.Equal(t, storage.LatestVersion(), status.SchemaVersion)
	require.Zero(t, status.Counts["accounts"])

	password := []byte("test123")
	require.NoError(t, w.Init(ctx, password))
	_, err = w.AddAccount(ctx, testMnemonic, password, keys.AccountOptions{
		Scheme: vault.SchemeEd25519,
	})
	require.NoError(t, err)

	status, err = w.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Initialized)
	require.Equal(t, uint32(1000), status.KDFIterations)
	require.NotEmpty(t, status.VaultID)
	require.Equal(t, 1, status.Counts["accounts"])
	require.False(t, status.LastModified.IsZero())

	require.NoError(t, w.Compact(ctx))
	require.NoError(t, w.VerifyPassword(ctx, password))
}

func TestAuthenticatorAccount(t *testing.T) {
	ctx := context.Background()

	w := newTestWallet(t)
	_, err := w.RegisterCredential(ctx, "user-1", "Laptop")
	require.ErrorIs(t, err, ErrNoAuthenticator)

	auth := webauthntest.New("https://wallet.example")
	w = newTestWallet(t, WithPlatform(auth))

	cred, err := w.RegisterCredential(ctx, "user-1", "Laptop")
	require.NoError(t, err)

	acct, err := w.AddAccountWithAuthenticator(ctx, testMnemonic, cred.ID,
		keys.AccountOptions{Scheme: vault.SchemeEd25519})
	require.NoError(t, err)
	require.Equal(t, vault.KeySourceCredential(cred.ID), acct.KeySource)

	// A later ceremony derives the same key.
	res, err := w.UnlockWithAuthenticator(ctx, cred.ID)
	require.NoError(t, err)
	seed, err := w.Signer.RevealSeed(ctx, acct.Address, res.Key)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, string(seed))
}

func TestAuthenticatorAccountAdvancingCounter(t *testing.T) {
	ctx := context.Background()

	auth := webauthntest.New("https://wallet.example", webauthntest.WithCounter(1))
	w := newTestWallet(t, WithPlatform(auth))

	cred, err := w.RegisterCredential(ctx, "user-1", "Security key")
	require.NoError(t, err)

	// Each ceremony sees a new counter and so derives a different key.
	first, err := w.UnlockWithAuthenticator(ctx, cred.ID)
	require.NoError(t, err)
	require.False(t, first.Reproducible)
	second, err := w.UnlockWithAuthenticator(ctx, cred.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Key, second.Key)

	_, err = w.AddAccountWithAuthenticator(ctx, testMnemonic, cred.ID,
		keys.AccountOptions{Scheme: vault.SchemeEd25519})
	require.ErrorIs(t, err, webauthn.ErrKeyNotReproducible)

	n, err := w.Vault.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
