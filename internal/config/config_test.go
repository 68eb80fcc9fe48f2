package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "wallet.db", cfg.DBPath)
	require.Equal(t, 15*time.Second, cfg.OpenTimeout)
	require.Equal(t, 10*time.Second, cfg.ImportTimeout())
	require.True(t, cfg.RecoverCorruption)
	require.False(t, cfg.StrictSignatureCounter)
	require.Equal(t, 210000, cfg.Iterations())
	require.Equal(t, "info", cfg.LogLevel)

	st := cfg.Storage()
	require.Equal(t, "wallet.db", st.Path)
	require.True(t, st.RecoverCorruption)

	wa := cfg.WebAuthn()
	require.Equal(t, "localhost", wa.RPID)
	require.Equal(t, "https://localhost", wa.Origin)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WALLETVAULT_DB_PATH", "/tmp/other.db")
	t.Setenv("WALLETVAULT_RECOVER_CORRUPTION", "false")
	t.Setenv("WALLETVAULT_STRICT_SIGNATURE_COUNTER", "true")
	t.Setenv("WALLETVAULT_IMPORT_TX_TIMEOUT", "3s")
	t.Setenv("WALLETVAULT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/other.db", cfg.DBPath)
	require.False(t, cfg.Storage().RecoverCorruption)
	require.True(t, cfg.WebAuthn().StrictCounter)
	require.Equal(t, 3*time.Second, cfg.ImportTimeout())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"weak kdf", "WALLETVAULT_KDF_ITERATIONS", "1000"},
		{"unknown level", "WALLETVAULT_LOG_LEVEL", "loud"},
		{"bad duration", "WALLETVAULT_OPEN_TIMEOUT", "soon"},
		{"zero import timeout", "WALLETVAULT_IMPORT_TX_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
