package keys

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
