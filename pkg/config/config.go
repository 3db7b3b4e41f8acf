// Package config loads the zkid daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then ZKID_*
// environment variables. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"

	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/envelope"
)

// Ledger drivers.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ZKID_"

// Config represents the daemon configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Curve     string          `yaml:"curve"`
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Biometric BiometricConfig `yaml:"biometric"`
	Envelope  EnvelopeConfig  `yaml:"envelope"`
	Token     TokenConfig     `yaml:"token"`
	Replay    ReplayConfig    `yaml:"replay"`

	// AllowDirectLogin enables the single-call login, where the server
	// derives the secret itself.
	AllowDirectLogin bool `yaml:"allow_direct_login"`
}

// ServerConfig contains HTTP settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	RateLimit       int           `yaml:"rate_limit"` // per client per minute, 0 disables
	TrustProxy      bool          `yaml:"trust_proxy"`
	Metrics         bool          `yaml:"metrics"`
}

// LedgerConfig selects the public-key ledger.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// BiometricConfig points at the face embedding service.
type BiometricConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	// LocalCompare matches embeddings in-process by cosine similarity
	// instead of calling the service's compare endpoint.
	LocalCompare bool    `yaml:"local_compare"`
	Threshold    float64 `yaml:"threshold"`

	// StartupWait bounds how long serve waits for the service to answer;
	// zero waits until interrupted.
	StartupWait time.Duration `yaml:"startup_wait"`
}

// EnvelopeConfig holds the envelope KDF costs and QR rendering.
type EnvelopeConfig struct {
	KDF    envelope.Params `yaml:"kdf"`
	QRSize int             `yaml:"qr_size"`
}

// TokenConfig controls access tokens minted after a successful proof.
type TokenConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	TTL       time.Duration `yaml:"ttl"`
	KeyID     string        `yaml:"key_id"`
	KeyFile   string        `yaml:"key_file"`
	KeyConfig string        `yaml:"key_config"`
	Pairwise  bool          `yaml:"pairwise_subject"`
}

// ReplayConfig sizes the verified-transcript cache.
type ReplayConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a default configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		LogLevel: "info",
		Curve:    "secp256k1",
		Server: ServerConfig{
			Listen:          ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  8 << 20,
			RateLimit:       120,
			Metrics:         true,
		},
		Ledger: LedgerConfig{
			Driver: LedgerSQLite,
			Path:   filepath.Join(dir, "ledger.db"),
		},
		Biometric: BiometricConfig{
			URL:         "http://127.0.0.1:8000",
			Timeout:     30 * time.Second,
			Threshold:   0.50,
			StartupWait: 30 * time.Second,
		},
		Envelope: EnvelopeConfig{
			KDF: envelope.DefaultParams(),
		},
		Token: TokenConfig{
			Enabled:   true,
			Issuer:    "https://zkid.example",
			Audience:  "zkid",
			TTL:       5 * time.Minute,
			KeyID:     "zkid-key-1",
			KeyFile:   filepath.Join(dir, "jwt-signing.pem"),
			KeyConfig: filepath.Join(dir, "jwt-config.json"),
		},
		Replay: ReplayConfig{
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// DefaultDir returns the default state directory.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".zkid")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file at the default path is not an error; a missing explicit path
// is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides fields from ZKID_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"LOG_LEVEL", setString(&c.LogLevel)},
		{"CURVE", setString(&c.Curve)},
		{"LISTEN", setString(&c.Server.Listen)},
		{"RATE_LIMIT", setInt(&c.Server.RateLimit)},
		{"TRUST_PROXY", setBool(&c.Server.TrustProxy)},
		{"LEDGER_DRIVER", setString(&c.Ledger.Driver)},
		{"LEDGER_PATH", setString(&c.Ledger.Path)},
		{"BIOMETRIC_URL", setString(&c.Biometric.URL)},
		{"BIOMETRIC_LOCAL_COMPARE", setBool(&c.Biometric.LocalCompare)},
		{"TOKEN_ENABLED", setBool(&c.Token.Enabled)},
		{"TOKEN_ISSUER", setString(&c.Token.Issuer)},
		{"TOKEN_AUDIENCE", setString(&c.Token.Audience)},
		{"TOKEN_TTL", setDuration(&c.Token.TTL)},
		{"TOKEN_KEY_FILE", setString(&c.Token.KeyFile)},
		{"TOKEN_KEY_CONFIG", setString(&c.Token.KeyConfig)},
		{"REPLAY_TTL", setDuration(&c.Replay.TTL)},
		{"ALLOW_DIRECT_LOGIN", setBool(&c.AllowDirectLogin)},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q: %w", c.LogLevel, err))
	}
	if !slices.Contains(curve.SupportedCurves(), strings.ToLower(c.Curve)) {
		errs = append(errs, fmt.Errorf("curve %q not one of %v", c.Curve, curve.SupportedCurves()))
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q not one of [%s %s]", c.Ledger.Driver, LedgerMemory, LedgerSQLite))
	}

	if c.Biometric.URL == "" {
		errs = append(errs, errors.New("biometric.url is required"))
	}
	if c.Biometric.LocalCompare && (c.Biometric.Threshold <= 0 || c.Biometric.Threshold >= 1) {
		errs = append(errs, fmt.Errorf("biometric.threshold %v not in (0, 1)", c.Biometric.Threshold))
	}

	if err := c.Envelope.KDF.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("envelope.kdf: %w", err))
	}
	if c.Envelope.QRSize < 0 {
		errs = append(errs, errors.New("envelope.qr_size must not be negative"))
	}

	if c.Token.Enabled {
		if c.Token.Audience == "" {
			errs = append(errs, errors.New("token.audience is required"))
		}
		if c.Token.TTL <= 0 {
			errs = append(errs, errors.New("token.ttl must be positive"))
		}
		if c.Token.KeyFile == "" || c.Token.KeyConfig == "" {
			errs = append(errs, errors.New("token.key_file and token.key_config are required"))
		}
	}

	if c.Replay.TTL <= 0 {
		errs = append(errs, errors.New("replay.ttl must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
