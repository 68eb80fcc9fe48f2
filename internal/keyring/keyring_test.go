package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestPasswordLifecycle(t *testing.T) {
	keyring.MockInit()

	const vaultID = "0123456789abcdef0123456789abcdef"
	require.False(t, HasPassword(vaultID))

	_, err := GetPassword(vaultID)
	require.ErrorIs(t, err, ErrNotStored)

	require.NoError(t, SavePassword(vaultID, []byte("secret")))
	require.True(t, HasPassword(vaultID))

	got, err := GetPassword(vaultID)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	require.NoError(t, SavePassword(vaultID, []byte("rotated")))
	got, err = GetPassword(vaultID)
	require.NoError(t, err)
	require.Equal(t, []byte("rotated"), got)

	require.NoError(t, DeletePassword(vaultID))
	require.False(t, HasPassword(vaultID))
	require.ErrorIs(t, DeletePassword(vaultID), ErrNotStored)

	require.Error(t, SavePassword("", []byte("secret")))
}
