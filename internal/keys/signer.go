package keys

import (
	"context"
	"fmt"

	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/vault"
)

// AccountOptions describes a new account.
type AccountOptions struct {
	Scheme     vault.Scheme
	SS58Prefix uint16
	KeySource  string
	Meta       vault.Meta
}

// NewAccount derives the keypair of mnemonic and returns an account whose
// seed phrase is sealed under key. The account is not stored.
func NewAccount(mnemonic string, key []byte, opts AccountOptions) (*vault.Account, error) {
	normalized, err := NormalizeMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	kp, err := DeriveKeypair(normalized, opts.Scheme)
	if err != nil {
		return nil, err
	}
	defer kp.Destroy()

	prefix := opts.SS58Prefix
	if prefix == 0 {
		prefix = DefaultSS58Prefix
	}
	address, err := SS58Address(kp.Public, prefix)
	if err != nil {
		return nil, err
	}

	var secondary string
	if opts.Scheme == vault.SchemeEcdsa {
		secondary, err = EVMAddress(kp.Public)
		if err != nil {
			return nil, err
		}
	}

	sealed, err := crypto.SealEnvelope(key, []byte(normalized))
	if err != nil {
		return nil, fmt.Errorf("failed to seal seed: %w", err)
	}

	keySource := opts.KeySource
	if keySource == "" {
		keySource = vault.KeySourcePassword
	}

	return &vault.Account{
		Address:                 address,
		EncryptedData:           sealed,
		PublicKey:               kp.Public,
		CryptoScheme:            opts.Scheme,
		DerivedSecondaryAddress: secondary,
		KeySource:               keySource,
		Meta:                    opts.Meta,
	}, nil
}

// Signer opens account envelopes for the duration of a single call.
type Signer struct {
	vault *vault.Vault
}

// NewSigner creates a signer reading accounts from v.
func NewSigner(v *vault.Vault) *Signer {
	return &Signer{vault: v}
}

// RevealSeed returns the seed phrase of the account. The caller owns the
// returned slice and should clear it.
func (s *Signer) RevealSeed(ctx context.Context, address string, key []byte) ([]byte, error) {
	acct, err := s.vault.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	seed, err := crypto.OpenEnvelope(key, acct.EncryptedData)
	if err != nil {
		log.Debugf("Unable to open envelope of %v: %v", address, err)
		return nil, err
	}
	return seed, nil
}

// Sign signs msg with the key of the account stored under address.
func (s *Signer) Sign(ctx context.Context, address string, key, msg []byte) ([]byte, error) {
	acct, err := s.vault.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if acct.CryptoScheme == vault.SchemeSr25519 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, acct.CryptoScheme)
	}

	seed, err := crypto.OpenEnvelope(key, acct.EncryptedData)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(seed)

	kp, err := DeriveKeypair(string(seed), acct.CryptoScheme)
	if err != nil {
		return nil, err
	}
	defer kp.Destroy()

	if !crypto.ConstantTimeCompare(kp.Public, acct.PublicKey) {
		return nil, ErrKeyMismatch
	}

	log.Debugf("Signing %d byte message with %v", len(msg), address)
	return kp.Sign(msg)
}
