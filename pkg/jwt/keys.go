package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	pemTypeSEC1  = "EC PRIVATE KEY"
	pemTypePKCS8 = "PRIVATE KEY"
)

// GenerateES256KeyPair returns a fresh P-256 signing key.
func GenerateES256KeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return key, nil
}

// SavePrivateKeyPEM writes key as SEC 1 PEM, mode 0600.
func SavePrivateKeyPEM(key *ecdsa.PrivateKey, filename string) error {
	if key == nil {
		return errors.New("nil private key")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	return writeFileAtomic(filename, pem.EncodeToMemory(&pem.Block{Type: pemTypeSEC1, Bytes: der}), 0o600)
}

// LoadPrivateKeyPEM reads a P-256 key stored as SEC 1 or PKCS #8 PEM.
func LoadPrivateKeyPEM(filename string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", filename)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case pemTypeSEC1:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case pemTypePKCS8:
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
				return nil, fmt.Errorf("%s: expected an ECDSA key, got %T", filename, parsed)
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported PEM type %q", filename, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%s: signing key is not P-256", filename)
	}
	return key, nil
}

// KeyConfig is the public metadata stored next to the signing key. The
// issuer recorded here is the one tokens are minted with.
type KeyConfig struct {
	KeyID     string `json:"kid"`
	Issuer    string `json:"issuer"`
	Algorithm string `json:"alg,omitempty"`
}

func (c *KeyConfig) validate() error {
	if c.KeyID == "" {
		return errors.New("key config has no kid")
	}
	if c.Algorithm != "" && c.Algorithm != AlgES256 {
		return fmt.Errorf("key config algorithm %q is not %s", c.Algorithm, AlgES256)
	}
	return nil
}

// SaveKeyConfig writes config as indented JSON.
func SaveKeyConfig(config *KeyConfig, filename string) error {
	if err := config.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key config: %w", err)
	}
	return writeFileAtomic(filename, append(data, '\n'), 0o644)
}

// LoadKeyConfig reads and validates a key config file.
func LoadKeyConfig(filename string) (*KeyConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read key config: %w", err)
	}
	var config KeyConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("decode key config %s: %w", filename, err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// NewES256SignerFromFile loads the key and its config and builds a signer.
func NewES256SignerFromFile(keyFile, configFile string) (*ES256Signer, error) {
	config, err := LoadKeyConfig(configFile)
	if err != nil {
		return nil, err
	}
	key, err := LoadPrivateKeyPEM(keyFile)
	if err != nil {
		return nil, err
	}
	return NewES256Signer(key, config.KeyID, config.Issuer)
}

// GenerateKeyPairFiles creates a new signing key with its config. Existing
// files are replaced.
func GenerateKeyPairFiles(keyID, issuer, keyFile, configFile string) error {
	config := &KeyConfig{KeyID: keyID, Issuer: issuer, Algorithm: AlgES256}
	if err := config.validate(); err != nil {
		return err
	}
	key, err := GenerateES256KeyPair()
	if err != nil {
		return err
	}
	if err := SavePrivateKeyPEM(key, keyFile); err != nil {
		return err
	}
	return SaveKeyConfig(config, configFile)
}

// writeFileAtomic writes through a temp file in the same directory so a
// crash never leaves a truncated key behind.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}
