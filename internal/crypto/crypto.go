package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize     = 32     // Salt size in bytes
	KeySize      = 32     // AES-256 key size
	NonceSize    = 12     // GCM nonce size
	TagSize      = 16     // GCM authentication tag size
	DefaultIters = 210000 // Default PBKDF2 iterations (OWASP minimum)

	// EnvelopeVersion prefixes every sealed envelope.
	EnvelopeVersion byte = 1
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned for a wrong key or a tampered
	// ciphertext. The two cases are indistinguishable by design of GCM.
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrInvalidKey = errors.New("invalid key size")
)

// KDF handles key derivation from passwords
type KDF struct {
	Salt       []byte
	Iterations int
}

// NewKDF creates a new KDF with a random salt and the given iteration
// count. A non-positive count selects DefaultIters.
func NewKDF(iterations int) (*KDF, error) {
	if iterations <= 0 {
		iterations = DefaultIters
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &KDF{
		Salt:       salt,
		Iterations: iterations,
	}, nil
}

// DeriveKey derives an encryption key from a password
func (k *KDF) DeriveKey(password []byte) []byte {
	return pbkdf2.Key(password, k.Salt, k.Iterations, KeySize, sha256.New)
}

// Encryptor provides authenticated encryption
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new encryptor with the given 256-bit key. The
// encryptor keeps its own copy of key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	return &Encryptor{
		key: append([]byte(nil), key...),
	}, nil
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM. The result is
// nonce || ciphertext || tag.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce, so the result is nonce-prefixed.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Seal encrypts plaintext into a versioned envelope.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	ct, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return append([]byte{EnvelopeVersion}, ct...), nil
}

// Open decrypts an envelope produced by Seal. Unknown versions and
// truncated envelopes are reported as ErrInvalidCiphertext.
func (e *Encryptor) Open(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, ErrInvalidCiphertext
	}
	if envelope[0] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrInvalidCiphertext,
			envelope[0])
	}
	return e.Decrypt(envelope[1:])
}

// Destroy clears the encryptor's key from memory
func (e *Encryptor) Destroy() {
	ClearBytes(e.key)
}

// SealEnvelope encrypts plaintext under key in one call.
func SealEnvelope(key, plaintext []byte) ([]byte, error) {
	enc, err := NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	defer enc.Destroy()
	return enc.Seal(plaintext)
}

// OpenEnvelope decrypts an envelope under key in one call.
func OpenEnvelope(key, envelope []byte) ([]byte, error) {
	enc, err := NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	defer enc.Destroy()
	return enc.Open(envelope)
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateRandom generates n random bytes
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
