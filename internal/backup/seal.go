package backup

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illarion/walletvault/internal/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// SealedFormat identifies a password-protected artifact container.
const SealedFormat = "walletvault-sealed-backup"

const sealedVersion = 1

// Default scrypt cost of sealed artifacts.
const (
	DefaultScryptN = 1 << 15
	DefaultScryptR = 8
	DefaultScryptP = 1
)

// Upper bounds on the scrypt cost accepted from a sealed container. At the
// limits scrypt needs 128 * N * r = 1 GiB.
const (
	maxScryptN = 1 << 20
	maxScryptR = 8
	maxScryptP = 16
)

var (
	// ErrWrongBackupPassword is returned when a sealed artifact cannot be
	// opened with the given password, or was modified.
	ErrWrongBackupPassword = errors.New("wrong backup password or corrupted backup")

	// ErrPasswordRequired is returned when a sealed artifact is loaded
	// without a password.
	ErrPasswordRequired = errors.New("backup is password protected")
)

// sealed is the JSON container around an encrypted artifact.
type sealed struct {
	Format string `json:"format"`
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// IsSealed reports whether data is a sealed artifact container.
func IsSealed(data []byte) bool {
	var head struct {
		Format string `json:"format"`
	}
	return json.Unmarshal(data, &head) == nil && head.Format == SealedFormat
}

// Seal encrypts the encoded artifact under a key derived from password.
func Seal(a *Artifact, password []byte) ([]byte, error) {
	return sealWith(a, password, DefaultScryptN, DefaultScryptR, DefaultScryptP)
}

func sealWith(a *Artifact, password []byte, n, r, p int) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	raw, err := a.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	defer crypto.ClearBytes(raw)

	salt, err := crypto.GenerateRandom(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key(password, salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateRandom(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	return json.MarshalIndent(sealed{
		Format: SealedFormat,
		V:      sealedVersion,
		Salt:   salt,
		N:      n,
		R:      r,
		P:      p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, salt),
	}, "", "  ")
}

// Unseal opens a sealed artifact and parses it.
func Unseal(data, password []byte) (*Artifact, error) {
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if s.Format != SealedFormat {
		return nil, fmt.Errorf("%w: not a sealed backup", ErrMalformedArtifact)
	}
	if s.V > sealedVersion {
		return nil, fmt.Errorf("%w: unsupported sealed backup version %d",
			ErrMalformedArtifact, s.V)
	}
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	if len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedArtifact)
	}

	if s.N > maxScryptN || s.R > maxScryptR || s.P > maxScryptP {
		return nil, fmt.Errorf("%w: scrypt parameters N=%d r=%d p=%d exceed "+
			"N=%d r=%d p=%d", ErrMalformedArtifact, s.N, s.R, s.P,
			maxScryptN, maxScryptR, maxScryptP)
	}

	key, err := scrypt.Key(password, s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	defer crypto.ClearBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, s.Nonce, s.Cipher, s.Salt)
	if err != nil {
		return nil, ErrWrongBackupPassword
	}
	defer crypto.ClearBytes(raw)

	return ParseArtifact(raw)
}
