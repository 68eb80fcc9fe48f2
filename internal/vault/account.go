package vault

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/illarion/walletvault/internal/storage"
)

// Scheme names a signature family.
type Scheme string

const (
	SchemeSr25519 Scheme = "sr25519"
	SchemeEd25519 Scheme = "ed25519"
	SchemeEcdsa   Scheme = "ecdsa"
)

// Schemes lists every supported scheme.
var Schemes = []Scheme{SchemeSr25519, SchemeEd25519, SchemeEcdsa}

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	for _, known := range Schemes {
		if s == known {
			return true
		}
	}
	return false
}

// KeySourcePassword marks envelopes sealed under the password key. Accounts
// sealed under an authenticator key use KeySourceCredential(id).
const KeySourcePassword = "password"

// KeySourceCredential returns the key source of envelopes sealed under the
// key derived from the given authenticator credential.
func KeySourceCredential(id string) string {
	return "credential:" + id
}

// HexBytes is a byte slice encoded in JSON as a 0x-prefixed hex string.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler. The 0x prefix is optional.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	*h = b
	return nil
}

// String returns the 0x-prefixed hex encoding.
func (h HexBytes) String() string {
	return "0x" + hex.EncodeToString(h)
}

// Meta holds user-facing account annotations.
type Meta struct {
	DisplayName string   `json:"displayName,omitempty"`
	Tags        []string `json:"tags"`
	Notes       string   `json:"notes,omitempty"`
}

// Account is one wallet identity. EncryptedData is an envelope sealed with a
// 256-bit key the vault never sees.
type Account struct {
	Address                 string    `json:"address"`
	EncryptedData           []byte    `json:"encryptedData"`
	PublicKey               HexBytes  `json:"publicKey"`
	CryptoScheme            Scheme    `json:"cryptoScheme"`
	DerivedSecondaryAddress string    `json:"derivedSecondaryAddress,omitempty"`
	KeySource               string    `json:"keySource,omitempty"`
	Meta                    Meta      `json:"meta"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Validate checks the required fields. Failures wrap
// storage.ErrInvalidInput.
func (a *Account) Validate() error {
	switch {
	case a == nil:
		return fmt.Errorf("%w: nil account", storage.ErrInvalidInput)
	case strings.TrimSpace(a.Address) == "":
		return fmt.Errorf("%w: empty address", storage.ErrInvalidInput)
	case len(a.EncryptedData) == 0:
		return fmt.Errorf("%w: account %s has empty encryptedData",
			storage.ErrInvalidInput, a.Address)
	case !a.CryptoScheme.Valid():
		return fmt.Errorf("%w: account %s has unknown scheme %q",
			storage.ErrInvalidInput, a.Address, a.CryptoScheme)
	}
	return nil
}

// SealedWithPassword reports whether the envelope was sealed under the
// password key.
func (a *Account) SealedWithPassword() bool {
	return a.KeySource == "" || a.KeySource == KeySourcePassword
}

// HasTag reports whether the account carries tag.
func (a *Account) HasTag(tag string) bool {
	i := sort.SearchStrings(a.Meta.Tags, tag)
	return i < len(a.Meta.Tags) && a.Meta.Tags[i] == tag
}

// normalizeTags gives Tags set semantics: trimmed, sorted, no duplicates and
// never nil.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// clone returns a deep copy of a.
func (a *Account) clone() *Account {
	c := *a
	c.EncryptedData = append([]byte(nil), a.EncryptedData...)
	c.PublicKey = append(HexBytes(nil), a.PublicKey...)
	c.Meta.Tags = append([]string(nil), a.Meta.Tags...)
	return &c
}
