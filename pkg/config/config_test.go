package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/zkid-go/pkg/envelope"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "secp256k1", cfg.Curve)
	assert.Equal(t, LedgerSQLite, cfg.Ledger.Driver)
	assert.Equal(t, envelope.DefaultParams(), cfg.Envelope.KDF)
	assert.False(t, cfg.AllowDirectLogin, "single-call login is opt-in")
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zkid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
curve: ristretto255
server:
  listen: 127.0.0.1:9000
  request_timeout: 5s
ledger:
  driver: memory
token:
  ttl: 90s
envelope:
  kdf:
    time: 3
    memory_kb: 32768
    threads: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ristretto255", cfg.Curve)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Driver)
	assert.Equal(t, 90*time.Second, cfg.Token.TTL)
	assert.Equal(t, envelope.Params{Time: 3, MemoryKB: 32768, Threads: 2}, cfg.Envelope.KDF)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Biometric, cfg.Biometric)
	assert.Equal(t, Default().Token.Audience, cfg.Token.Audience)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("token:\n  ttl: forever\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Curve = "ristretto255"
	cfg.Token.TTL = 7 * time.Minute
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"ZKID_CURVE":              "ristretto255",
		"ZKID_LEDGER_DRIVER":      "memory",
		"ZKID_RATE_LIMIT":         " 10 ",
		"ZKID_TOKEN_TTL":          "1m",
		"ZKID_ALLOW_DIRECT_LOGIN": "true",
		"CURVE":                   "ignored",
	})))
	assert.Equal(t, "ristretto255", cfg.Curve)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Driver)
	assert.Equal(t, 10, cfg.Server.RateLimit)
	assert.Equal(t, time.Minute, cfg.Token.TTL)
	assert.True(t, cfg.AllowDirectLogin)

	before := *Default()
	cfg = Default()
	require.NoError(t, cfg.ApplyEnv(noEnv))
	assert.Equal(t, before, *cfg)

	for name, value := range map[string]string{
		"ZKID_RATE_LIMIT":  "many",
		"ZKID_TOKEN_TTL":   "5",
		"ZKID_TRUST_PROXY": "maybe",
	} {
		t.Run(name, func(t *testing.T) {
			err := Default().ApplyEnv(envMap(map[string]string{name: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zkid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("curve: ristretto255\n"), 0o600))
	t.Setenv("ZKID_CURVE", "secp256k1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secp256k1", cfg.Curve, "environment wins over the file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"LogLevel", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
		{"Curve", func(c *Config) { c.Curve = "p256" }, "curve"},
		{"Listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"RateLimit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"Upload", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "max_upload_bytes"},
		{"LedgerDriver", func(c *Config) { c.Ledger.Driver = "postgres" }, "ledger.driver"},
		{"LedgerPath", func(c *Config) { c.Ledger.Path = "" }, "ledger.path"},
		{"BiometricURL", func(c *Config) { c.Biometric.URL = "" }, "biometric.url"},
		{"Threshold", func(c *Config) { c.Biometric.LocalCompare = true; c.Biometric.Threshold = 1 }, "threshold"},
		{"KDF", func(c *Config) { c.Envelope.KDF.Time = 0 }, "envelope.kdf"},
		{"QRSize", func(c *Config) { c.Envelope.QRSize = -4 }, "qr_size"},
		{"Audience", func(c *Config) { c.Token.Audience = "" }, "token.audience"},
		{"TokenTTL", func(c *Config) { c.Token.TTL = 0 }, "token.ttl"},
		{"KeyFile", func(c *Config) { c.Token.KeyFile = "" }, "key_file"},
		{"ReplayTTL", func(c *Config) { c.Replay.TTL = 0 }, "replay.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("TokensDisabled", func(t *testing.T) {
		cfg := Default()
		cfg.Token = TokenConfig{}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("MemoryLedgerNeedsNoPath", func(t *testing.T) {
		cfg := Default()
		cfg.Ledger = LedgerConfig{Driver: LedgerMemory}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("AllErrorsReported", func(t *testing.T) {
		cfg := Default()
		cfg.Curve = "p256"
		cfg.Replay.TTL = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "curve")
		assert.Contains(t, err.Error(), "replay.ttl")
	})
}
