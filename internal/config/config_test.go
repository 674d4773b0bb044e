package config_test

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/config"
	"github.com/smallbiznis/agentkey/internal/keyring"
)

func b64(b byte, n int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, n))
}

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("ENCRYPTION_KEYS", "1:rotated:"+b64(1, 32)+",2:active:"+b64(2, 32))
	t.Setenv("SIGNING_KEYS", "1:active:"+b64(3, 48))
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.StoreDriverSQLite, cfg.StoreDriver)
	require.Equal(t, 5*time.Minute, cfg.TokenDefaultTTL)
	require.Equal(t, time.Hour, cfg.TokenMaxTTL)
	require.Equal(t, "@every 1m", cfg.RotationSchedule)
	require.Len(t, cfg.EncryptionKeys, 2)
	require.Equal(t, keyring.StatusActive, cfg.EncryptionKeys[1].Status)
	require.Len(t, cfg.SigningKeys, 1)
	require.Equal(t, 1.0, cfg.TelemetrySampleRatio)
	require.Equal(t, "default", cfg.BootstrapTeamName)
	require.Equal(t, int64(1), cfg.NodeID)

	t.Setenv("SNOWFLAKE_NODE_ID", "1023")
	cfg, err = config.Load()
	require.NoError(t, err)
	require.Equal(t, int64(1023), cfg.NodeID)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url":  {"STORE_DRIVER": "postgres", "DATABASE_URL": ""},
		"unknown driver":        {"STORE_DRIVER": "mysql"},
		"short data key":        {"ENCRYPTION_KEYS": "1:active:" + b64(1, 16)},
		"two active data keys":  {"ENCRYPTION_KEYS": "1:active:" + b64(1, 32) + ",2:active:" + b64(2, 32)},
		"short signing key":     {"SIGNING_KEYS": "1:active:" + b64(3, 8)},
		"default above max ttl": {"TOKEN_DEFAULT_TTL": "2h"},
		"half bootstrap":        {"BOOTSTRAP_TEAM_ID": "5f0c8f5e-8f3b-4c1e-9a57-2d6f0b1b4a10"},
		"sampler above one":     {"OTEL_TRACES_SAMPLER_ARG": "1.5"},
		"node id above range":   {"SNOWFLAKE_NODE_ID": "1024"},
		"negative node id":      {"SNOWFLAKE_NODE_ID": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			require.Error(t, err)
		})
	}
}

func TestLoadDerivesKeyFromPassphrase(t *testing.T) {
	baseEnv(t)
	t.Setenv("ENCRYPTION_KEYS", "")
	t.Setenv("ENCRYPTION_PASSPHRASE", "correct horse battery staple")
	t.Setenv("ENCRYPTION_SALT", "0123456789abcdef")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.EncryptionKeys, 1)
	require.Len(t, cfg.EncryptionKeys[0].Material, keyring.DataKeySize)
	require.Equal(t, keyring.StatusActive, cfg.EncryptionKeys[0].Status)

	t.Setenv("ENCRYPTION_SALT", "short")
	_, err = config.Load()
	require.Error(t, err)
}

func TestReloadKeysReadsEnvFile(t *testing.T) {
	baseEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ".env", cfg.EnvFile)

	path := filepath.Join(t.TempDir(), "keys.env")
	rotated := "ENCRYPTION_KEYS=1:archived:" + b64(1, 32) + ",2:rotated:" + b64(2, 32) + ",3:active:" + b64(4, 32) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(rotated), 0o600))

	data, signing, err := config.ReloadKeys(path)
	require.NoError(t, err)
	require.Len(t, data, 3)
	require.Equal(t, keyring.StatusActive, data[2].Status)
	require.Equal(t, 3, data[2].Version)
	require.Len(t, signing, 1)

	_, _, err = config.ReloadKeys(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("SIGNING_KEYS=1:rotated:"+b64(3, 48)+"\n"), 0o600))
	_, _, err = config.ReloadKeys(path)
	require.Error(t, err)
}
