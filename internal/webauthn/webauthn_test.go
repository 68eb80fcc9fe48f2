package webauthn_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/illarion/walletvault/internal/webauthn/webauthntest"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testRPID   = "wallet.example"
	testOrigin = "https://wallet.example"
)

var testTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	module *webauthn.Module
	creds  *webauthn.CredentialStore
	auth   *webauthntest.Authenticator
	clock  *clock.TestClock
}

func newHarness(t *testing.T, strict bool, opts ...webauthntest.Option) *harness {
	t.Helper()

	p := storage.NewProvider(storage.DefaultConfig(
		filepath.Join(t.TempDir(), "wallet.db"),
	))
	t.Cleanup(func() { p.Close() })

	c := clock.NewTestClock(testTime)
	creds := webauthn.NewCredentialStore(p, c)
	auth := webauthntest.New(testOrigin, opts...)
	m := webauthn.New(auth, creds, webauthn.Config{
		RPID:          testRPID,
		Origin:        testOrigin,
		StrictCounter: strict,
	}, webauthn.WithClock(c))

	return &harness{module: m, creds: creds, auth: auth, clock: c}
}

func (h *harness) register(t *testing.T) *webauthn.Credential {
	t.Helper()
	cred, err := h.module.Register(context.Background(), "user-1", "Laptop")
	require.NoError(t, err)
	require.NoError(t, h.creds.Put(context.Background(), cred))
	return cred
}

// TestSeedPhraseRoundTrip registers a credential, authenticates with it,
// derives a key and seals a 24 word seed phrase with it.
func TestSeedPhraseRoundTrip(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	cred := h.register(t)
	require.Len(t, cred.KeyDerivationSalt, webauthn.SaltSize)
	require.Equal(t, webauthn.AlgES256, cred.Algorithm)
	require.Equal(t, testTime, cred.CreatedAt)

	assertion, err := h.module.Authenticate(ctx, cred.ID, nil)
	require.NoError(t, err)
	require.Len(t, assertion.Challenge, webauthn.ChallengeSize)
	require.True(t, webauthn.VerifySignature(assertion.Signature,
		assertion.AuthenticatorData, assertion.ClientDataJSON, cred.PublicKey))

	key, err := webauthn.DeriveKey(assertion.AuthenticatorData, cred.KeyDerivationSalt)
	require.NoError(t, err)
	require.Len(t, key, crypto.KeySize)

	seed := strings.TrimSpace(strings.Repeat("legal winner thank year wave sausage ", 4))
	require.Len(t, strings.Fields(seed), 24)

	envelope, err := crypto.SealEnvelope(key, []byte(seed))
	require.NoError(t, err)
	plain, err := crypto.OpenEnvelope(key, envelope)
	require.NoError(t, err)
	require.Equal(t, seed, string(plain))
}

func TestRegisterErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("insecure context", func(t *testing.T) {
		h := newHarness(t, false, webauthntest.Insecure())
		_, err := h.module.Register(ctx, "user-1", "Laptop")
		require.ErrorIs(t, err, webauthn.ErrInsecureContext)
	})

	t.Run("cancelled", func(t *testing.T) {
		h := newHarness(t, false)
		h.auth.SetCancel(true)
		_, err := h.module.Register(ctx, "user-1", "Laptop")
		require.ErrorIs(t, err, webauthn.ErrUserCancelled)
		require.True(t, webauthn.IsUserFacing(err))
	})

	t.Run("unavailable", func(t *testing.T) {
		h := newHarness(t, false)
		h.auth.SetUnavailable(true)
		_, err := h.module.Register(ctx, "user-1", "Laptop")
		require.ErrorIs(t, err, webauthn.ErrAuthenticatorUnavailable)
	})

	t.Run("duplicate", func(t *testing.T) {
		h := newHarness(t, false)
		h.register(t)
		_, err := h.module.Register(ctx, "user-1", "Laptop")
		require.ErrorIs(t, err, webauthn.ErrDuplicateCredential)
	})
}

func TestAuthenticateErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.module.Authenticate(ctx, "bm9wZQ", nil)
	require.ErrorIs(t, err, webauthn.ErrCredentialNotFound)

	cred := h.register(t)
	h.auth.SetCancel(true)
	_, err = h.module.Authenticate(ctx, cred.ID, []byte("fixed challenge of 32 bytes!!!!!"))
	require.ErrorIs(t, err, webauthn.ErrUserCancelled)
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []webauthntest.Option
	}{
		{"es256", nil},
		{"rs256", []webauthntest.Option{webauthntest.WithRSA()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, false, tc.opts...)
			cred := h.register(t)

			a, err := h.module.Authenticate(context.Background(), cred.ID, nil)
			require.NoError(t, err)
			require.True(t, webauthn.VerifySignature(a.Signature,
				a.AuthenticatorData, a.ClientDataJSON, cred.PublicKey))

			tamperedClient := bytes.Replace(a.ClientDataJSON,
				[]byte("webauthn.get"), []byte("webauthn.got"), 1)
			require.False(t, webauthn.VerifySignature(a.Signature,
				a.AuthenticatorData, tamperedClient, cred.PublicKey))

			tamperedSig := bytes.Clone(a.Signature)
			tamperedSig[len(tamperedSig)/2] ^= 0x01
			require.False(t, webauthn.VerifySignature(tamperedSig,
				a.AuthenticatorData, a.ClientDataJSON, cred.PublicKey))

			other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			require.NoError(t, err)
			otherPub, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
			require.NoError(t, err)
			require.False(t, webauthn.VerifySignature(a.Signature,
				a.AuthenticatorData, a.ClientDataJSON, otherPub))

			require.False(t, webauthn.VerifySignature(a.Signature,
				a.AuthenticatorData, a.ClientDataJSON, []byte("garbage")))
		})
	}
}

func TestDeriveKey(t *testing.T) {
	_, err := webauthn.DeriveKey(make([]byte, 36), []byte("salt"))
	require.ErrorIs(t, err, webauthn.ErrShortAuthenticatorData)

	authData := make([]byte, 37)
	extended := append(bytes.Clone(authData), 0xa1, 0x01, 0x02)

	k1, err := webauthn.DeriveKey(authData, []byte("salt-1"))
	require.NoError(t, err)
	k2, err := webauthn.DeriveKey(extended, []byte("salt-1"))
	require.NoError(t, err)
	require.Equal(t, k1, k2, "extension data is outside the stable prefix")

	k3, err := webauthn.DeriveKey(authData, []byte("salt-2"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		authData := rapid.SliceOfN(rapid.Byte(), 37, 80).Draw(t, "authData")
		salt := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "salt")

		k1, err := webauthn.DeriveKey(authData, salt)
		require.NoError(t, err)
		k2, err := webauthn.DeriveKey(authData[:37], salt)
		require.NoError(t, err)
		require.Equal(t, k1, k2)
	})
}

func TestUnlockStableKey(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	cred := h.register(t)

	first, err := h.module.Unlock(ctx, cred.ID)
	require.NoError(t, err)
	require.False(t, first.CounterAnomaly)

	h.clock.SetTime(testTime.Add(time.Hour))
	second, err := h.module.Unlock(ctx, cred.ID)
	require.NoError(t, err)
	require.Equal(t, first.Key, second.Key)

	stored, err := h.creds.Get(ctx, cred.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	require.Equal(t, testTime.Add(time.Hour), *stored.LastUsedAt)
}

func TestUnlockCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("advances", func(t *testing.T) {
		h := newHarness(t, false, webauthntest.WithCounter(1))
		cred := h.register(t)

		for i := 1; i <= 3; i++ {
			res, err := h.module.Unlock(ctx, cred.ID)
			require.NoError(t, err)
			require.False(t, res.CounterAnomaly)
			require.Equal(t, uint32(i), res.Credential.SignatureCounter)
		}
	})

	t.Run("regression logged", func(t *testing.T) {
		var logs bytes.Buffer
		logger := btclog.NewBackend(&logs).Logger(webauthn.Subsystem)
		webauthn.UseLogger(logger)
		t.Cleanup(webauthn.DisableLog)

		h := newHarness(t, false, webauthntest.WithCounter(1))
		cred := h.register(t)
		_, err := h.module.Unlock(ctx, cred.ID)
		require.NoError(t, err)
		_, err = h.module.Unlock(ctx, cred.ID)
		require.NoError(t, err)

		h.auth.SetCounter(cred.ID, 0)
		res, err := h.module.Unlock(ctx, cred.ID)
		require.NoError(t, err)
		require.True(t, res.CounterAnomaly)
		require.Equal(t, uint32(2), res.Credential.SignatureCounter)
		require.Contains(t, logs.String(), "did not increase")
	})

	t.Run("regression rejected when strict", func(t *testing.T) {
		h := newHarness(t, true, webauthntest.WithCounter(5))
		cred := h.register(t)
		_, err := h.module.Unlock(ctx, cred.ID)
		require.NoError(t, err)

		h.auth.SetCounter(cred.ID, 0)
		_, err = h.module.Unlock(ctx, cred.ID)
		require.ErrorIs(t, err, webauthn.ErrCounterRegression)
	})
}

func TestCredentialStore(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.ErrorIs(t, h.creds.Put(ctx, &webauthn.Credential{ID: "abc"}),
		storage.ErrInvalidInput)

	first := h.register(t)
	h.clock.SetTime(testTime.Add(time.Minute))
	second, err := h.module.Register(ctx, "user-1", "Phone")
	require.ErrorIs(t, err, webauthn.ErrDuplicateCredential)
	require.Nil(t, second)

	list, err := h.creds.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, first.ID, list[0].ID)

	require.NoError(t, h.creds.Delete(ctx, first.ID))
	require.ErrorIs(t, h.creds.Delete(ctx, first.ID), webauthn.ErrCredentialNotFound)
	_, err = h.creds.Get(ctx, first.ID)
	require.ErrorIs(t, err, webauthn.ErrCredentialNotFound)
}
