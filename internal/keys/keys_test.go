package keys

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

func TestNormalizeMnemonic(t *testing.T) {
	got, err := NormalizeMnemonic("  Abandon abandon\tabandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon ABOUT\n")
	require.NoError(t, err)
	require.Equal(t, testMnemonic, got)

	_, err = NormalizeMnemonic("too short")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	_, err = NormalizeMnemonic(strings.Replace(testMnemonic, "about", "ab0ut", 1))
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestSeedVector(t *testing.T) {
	// BIP-39 seed of the all-abandon phrase with an empty passphrase.
	seed := Seed(testMnemonic, "")
	require.Equal(t,
		"5eb00bbddcf069084889a8ab9155568165f5c453ccb85e70811aaed6f6da5fc1"+
			"9a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8d48b2d2ce9e38e4",
		hexString(seed))
}

func TestDeriveKeypair(t *testing.T) {
	ed, err := DeriveKeypair(testMnemonic, vault.SchemeEd25519)
	require.NoError(t, err)
	require.Len(t, ed.Public, 32)

	ec, err := DeriveKeypair(testMnemonic, vault.SchemeEcdsa)
	require.NoError(t, err)
	require.Len(t, ec.Public, 33)

	again, err := DeriveKeypair(testMnemonic, vault.SchemeEd25519)
	require.NoError(t, err)
	require.Equal(t, ed.Public, again.Public)

	_, err = DeriveKeypair(testMnemonic, vault.SchemeSr25519)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestSignVerify(t *testing.T) {
	msg := []byte("transfer 10 units")

	for _, scheme := range []vault.Scheme{vault.SchemeEd25519, vault.SchemeEcdsa} {
		t.Run(string(scheme), func(t *testing.T) {
			kp, err := DeriveKeypair(testMnemonic, scheme)
			require.NoError(t, err)
			defer kp.Destroy()

			sig, err := kp.Sign(msg)
			require.NoError(t, err)
			require.True(t, Verify(scheme, kp.Public, msg, sig))
			require.False(t, Verify(scheme, kp.Public, []byte("transfer 11 units"), sig))

			sig[0] ^= 0xff
			require.False(t, Verify(scheme, kp.Public, msg, sig))
		})
	}
}

func TestSS58RoundTrip(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}

	for _, prefix := range []uint16{0, 2, 42, 63, 64, 255, 16383} {
		addr, err := SS58Address(pub, prefix)
		require.NoError(t, err)

		gotPrefix, id, err := DecodeSS58(addr)
		require.NoError(t, err)
		require.Equal(t, prefix, gotPrefix)
		require.Equal(t, pub, id)
	}

	addr, err := SS58Address(pub, DefaultSS58Prefix)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "5"))

	// A flipped character breaks the checksum.
	bad := []byte(addr)
	if bad[10] == 'a' {
		bad[10] = 'b'
	} else {
		bad[10] = 'a'
	}
	_, _, err = DecodeSS58(string(bad))
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = SS58Address(pub[:20], DefaultSS58Prefix)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEVMAddress(t *testing.T) {
	// Public key of private key 1 is the secp256k1 generator.
	pub := mustHex(t, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	addr, err := EVMAddress(pub)
	require.NoError(t, err)
	require.Equal(t, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", addr)

	_, err = EVMAddress([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSignerLifecycle(t *testing.T) {
	p := storage.NewProvider(storage.DefaultConfig(
		filepath.Join(t.TempDir(), "wallet.db"),
	))
	t.Cleanup(func() { p.Close() })

	ctx := context.Background()
	v := vault.New(p)
	signer := NewSigner(v)

	key, err := crypto.GenerateRandom(crypto.KeySize)
	require.NoError(t, err)

	acct, err := NewAccount(testMnemonic, key, AccountOptions{
		Scheme: vault.SchemeEcdsa,
		Meta:   vault.Meta{DisplayName: "eth"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, acct.DerivedSecondaryAddress)
	require.Equal(t, vault.KeySourcePassword, acct.KeySource)
	require.NoError(t, v.Put(ctx, acct))

	seed, err := signer.RevealSeed(ctx, acct.Address, key)
	require.NoError(t, err)
	require.Equal(t, testMnemonic, string(seed))

	msg := []byte("hello")
	sig, err := signer.Sign(ctx, acct.Address, key, msg)
	require.NoError(t, err)
	require.True(t, Verify(acct.CryptoScheme, acct.PublicKey, msg, sig))

	wrong, err := crypto.GenerateRandom(crypto.KeySize)
	require.NoError(t, err)
	_, err = signer.Sign(ctx, acct.Address, wrong, msg)
	require.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	_, err = signer.Sign(ctx, "5Missing", key, msg)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = NewAccount(testMnemonic, key, AccountOptions{Scheme: vault.SchemeSr25519})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}
