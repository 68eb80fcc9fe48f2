package keys

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/vault"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

const (
	seedIterations = 2048
	seedSize       = 64
	seedSaltPrefix = "mnemonic"
)

var (
	// ErrUnsupportedScheme is returned when keys cannot be derived or used
	// for a scheme. Such accounts can still be stored and backed up.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")

	// ErrInvalidMnemonic is returned for a malformed seed phrase.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrKeyMismatch is returned when a decrypted seed does not produce the
	// public key stored with the account.
	ErrKeyMismatch = errors.New("seed does not match account public key")
)

var validWordCounts = map[int]bool{12: true, 15: true, 18: true, 21: true, 24: true}

// NormalizeMnemonic lowercases the phrase and collapses whitespace. It
// rejects phrases with an invalid word count or non-letter characters.
func NormalizeMnemonic(mnemonic string) (string, error) {
	words := strings.Fields(strings.ToLower(mnemonic))
	if !validWordCounts[len(words)] {
		return "", fmt.Errorf("%w: %d words", ErrInvalidMnemonic, len(words))
	}
	for _, w := range words {
		for _, r := range w {
			if !unicode.IsLetter(r) {
				return "", fmt.Errorf("%w: unexpected character %q",
					ErrInvalidMnemonic, r)
			}
		}
	}
	return strings.Join(words, " "), nil
}

// Seed stretches a normalized mnemonic into a 64 byte seed with
// PBKDF2-HMAC-SHA512.
func Seed(mnemonic, passphrase string) []byte {
	return pbkdf2.Key([]byte(mnemonic), []byte(seedSaltPrefix+passphrase),
		seedIterations, seedSize, sha512.New)
}

// Keypair is a derived signing key. Call Destroy when done.
type Keypair struct {
	Scheme vault.Scheme
	Public []byte

	ed    ed25519.PrivateKey
	ecdsa *btcec.PrivateKey
}

// DeriveKeypair derives the keypair of scheme from a seed phrase.
func DeriveKeypair(mnemonic string, scheme vault.Scheme) (*Keypair, error) {
	normalized, err := NormalizeMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case vault.SchemeEd25519, vault.SchemeEcdsa:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	seed := Seed(normalized, "")
	defer crypto.ClearBytes(seed)

	kp := &Keypair{Scheme: scheme}
	switch scheme {
	case vault.SchemeEd25519:
		kp.ed = ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
		kp.Public = append([]byte(nil), kp.ed.Public().(ed25519.PublicKey)...)

	case vault.SchemeEcdsa:
		priv, pub := btcec.PrivKeyFromBytes(seed[:32])
		kp.ecdsa = priv
		kp.Public = pub.SerializeCompressed()
	}
	return kp, nil
}

// Sign signs msg. Ed25519 signs the message itself. ECDSA signs the
// blake2b-256 digest of msg and returns r || s || v with a recovery id v.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	switch k.Scheme {
	case vault.SchemeEd25519:
		return ed25519.Sign(k.ed, msg), nil

	case vault.SchemeEcdsa:
		digest := blake2b.Sum256(msg)
		compact := ecdsa.SignCompact(k.ecdsa, digest[:], true)
		// SignCompact puts 27 + 4 (compressed) + recid first.
		sig := make([]byte, 65)
		copy(sig, compact[1:])
		sig[64] = compact[0] - 27 - 4
		return sig, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, k.Scheme)
}

// Destroy clears the private key material.
func (k *Keypair) Destroy() {
	crypto.ClearBytes(k.ed)
	if k.ecdsa != nil {
		k.ecdsa.Zero()
	}
}

// Verify checks sig over msg against the public key pub of scheme.
func Verify(scheme vault.Scheme, pub, msg, sig []byte) bool {
	switch scheme {
	case vault.SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(pub, msg, sig)

	case vault.SchemeEcdsa:
		if len(sig) != 65 || sig[64] > 3 {
			return false
		}
		compact := make([]byte, 65)
		compact[0] = sig[64] + 27 + 4
		copy(compact[1:], sig[:64])

		digest := blake2b.Sum256(msg)
		recovered, _, err := ecdsa.RecoverCompact(compact, digest[:])
		if err != nil {
			return false
		}
		return crypto.ConstantTimeCompare(recovered.SerializeCompressed(), pub)
	}
	return false
}
