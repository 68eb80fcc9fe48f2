package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultSS58Prefix is the generic substrate network prefix.
const DefaultSS58Prefix uint16 = 42

const maxSS58Prefix = 16383

var ss58Context = []byte("SS58PRE")

// ErrInvalidAddress is returned when an address fails to decode.
var ErrInvalidAddress = errors.New("invalid address")

// AccountID maps a public key to the 32 byte account identifier encoded in
// SS58 addresses. Compressed secp256k1 keys are hashed with blake2b-256.
func AccountID(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 32:
		return append([]byte(nil), pub...), nil
	case 33:
		sum := blake2b.Sum256(pub)
		return sum[:], nil
	}
	return nil, fmt.Errorf("%w: public key of %d bytes", ErrInvalidAddress, len(pub))
}

func ss58Checksum(data []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(ss58Context)
	h.Write(data)
	return h.Sum(nil)[:2]
}

func ss58PrefixBytes(prefix uint16) []byte {
	if prefix < 64 {
		return []byte{byte(prefix)}
	}
	first := byte((prefix&0x00fc)>>2) | 0x40
	second := byte(prefix>>8) | byte((prefix&0x0003)<<6)
	return []byte{first, second}
}

// SS58Address encodes the account of pub for the network prefix.
func SS58Address(pub []byte, prefix uint16) (string, error) {
	if prefix > maxSS58Prefix {
		return "", fmt.Errorf("%w: prefix %d out of range", ErrInvalidAddress, prefix)
	}
	id, err := AccountID(pub)
	if err != nil {
		return "", err
	}

	payload := append(ss58PrefixBytes(prefix), id...)
	return base58.Encode(append(payload, ss58Checksum(payload)...)), nil
}

// DecodeSS58 returns the network prefix and account id of address.
func DecodeSS58(address string) (uint16, []byte, error) {
	data := base58.Decode(address)
	if len(data) < 3 {
		return 0, nil, ErrInvalidAddress
	}

	var (
		prefix    uint16
		prefixLen int
	)
	switch {
	case data[0] < 64:
		prefix, prefixLen = uint16(data[0]), 1
	case data[0] < 128:
		lower := (data[0] << 2) | (data[1] >> 6)
		upper := data[1] & 0x3f
		prefix, prefixLen = uint16(lower)|uint16(upper)<<8, 2
	default:
		return 0, nil, fmt.Errorf("%w: reserved prefix byte", ErrInvalidAddress)
	}

	if len(data) != prefixLen+32+2 {
		return 0, nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(data))
	}
	body, sum := data[:len(data)-2], data[len(data)-2:]
	want := ss58Checksum(body)
	if sum[0] != want[0] || sum[1] != want[1] {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return prefix, append([]byte(nil), body[prefixLen:]...), nil
}

// EVMAddress returns the EIP-55 checksummed address of a secp256k1 public
// key.
func EVMAddress(pub []byte) (string, error) {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(key.SerializeUncompressed()[1:])
	addr := hex.EncodeToString(h.Sum(nil)[12:])

	h = sha3.NewLegacyKeccak256()
	h.Write([]byte(addr))
	hash := h.Sum(nil)

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range addr {
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}
