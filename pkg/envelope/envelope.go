// Package envelope seals the identity derivation material under a password.
//
// The envelope is the only channel that carries faceHash, salt and the
// enrolment embedding from registration to login. Its plaintext is never
// persisted by the service; the holder keeps the sealed blob, usually as a QR
// image (see EncodeQR).
//
// Wire format (big-endian):
//
//	"ZKE1" | time u32 | memoryKB u32 | threads u8 | salt[16] | nonce[24] | ciphertext
//
// The key is argon2id(password, salt, time, memoryKB, threads) and the cipher
// is XChaCha20-Poly1305 with the whole header as additional data, so a
// rewritten KDF parameter fails authentication like any other tampering.
// The header is read before authentication, so Open refuses any cost above
// the sealer's own parameters without running the KDF.
package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// PayloadVersion is the plaintext schema version.
	PayloadVersion = 1

	magic      = "ZKE1"
	saltSize   = 16
	headerSize = len(magic) + 4 + 4 + 1 + saltSize + chacha20poly1305.NonceSizeX

	maxTime     = 16
	maxMemoryKB = 1 << 20
	maxThreads  = 16
)

var (
	// ErrDecryptionFailed is returned for a wrong password or a tampered blob.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrMalformed is returned when the blob cannot be an envelope at all.
	ErrMalformed = errors.New("envelope: malformed")

	// ErrInvalidPayload is returned when a payload is missing required fields.
	ErrInvalidPayload = errors.New("envelope: invalid payload")

	// ErrEmptyPassword is returned when sealing without a password.
	ErrEmptyPassword = errors.New("envelope: empty password")
)

// Payload is the sealed derivation material.
type Payload struct {
	Version   int       `json:"v"`
	Curve     string    `json:"curve"`
	NIDHash   string    `json:"nid_hash"`
	FaceHash  string    `json:"face_hash"`
	Salt      string    `json:"salt"`
	Embedding []float64 `json:"embedding"`
}

// Validate checks that every field needed to re-derive the secret is set.
func (p *Payload) Validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil", ErrInvalidPayload)
	case p.Version != PayloadVersion:
		return fmt.Errorf("%w: version %d", ErrInvalidPayload, p.Version)
	case p.Curve == "":
		return fmt.Errorf("%w: missing curve", ErrInvalidPayload)
	case p.NIDHash == "":
		return fmt.Errorf("%w: missing nid hash", ErrInvalidPayload)
	case p.FaceHash == "":
		return fmt.Errorf("%w: missing face hash", ErrInvalidPayload)
	case p.Salt == "":
		return fmt.Errorf("%w: missing salt", ErrInvalidPayload)
	case len(p.Embedding) == 0:
		return fmt.Errorf("%w: missing embedding", ErrInvalidPayload)
	}
	return nil
}

// Params are the argon2id cost parameters written into each envelope.
type Params struct {
	Time     uint32 `yaml:"time"`
	MemoryKB uint32 `yaml:"memory_kb"`
	Threads  uint8  `yaml:"threads"`
}

// DefaultParams returns the argon2id costs used for new envelopes.
func DefaultParams() Params {
	return Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

// Validate rejects parameters that are zero or too expensive to honour.
func (p Params) Validate() error {
	if p.Time == 0 || p.Time > maxTime {
		return fmt.Errorf("argon2 time %d out of range [1, %d]", p.Time, maxTime)
	}
	if p.Threads == 0 || p.Threads > maxThreads {
		return fmt.Errorf("argon2 threads %d out of range [1, %d]", p.Threads, maxThreads)
	}
	if p.MemoryKB < 8*uint32(p.Threads) || p.MemoryKB > maxMemoryKB {
		return fmt.Errorf("argon2 memory %dKB out of range [%d, %d]", p.MemoryKB, 8*uint32(p.Threads), maxMemoryKB)
	}
	return nil
}

// Sealer seals payloads with fixed cost parameters and opens envelopes whose
// cost does not exceed them.
type Sealer struct {
	params Params
}

// NewSealer returns a Sealer using params.
func NewSealer(params Params) (*Sealer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Sealer{params: params}, nil
}

// Params returns the cost parameters new envelopes are sealed with.
func (s *Sealer) Params() Params {
	return s.params
}

// Seal encrypts the payload under password with a fresh salt and nonce.
func (s *Sealer) Seal(p *Payload, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode payload: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, magic...)
	header = binary.BigEndian.AppendUint32(header, s.params.Time)
	header = binary.BigEndian.AppendUint32(header, s.params.MemoryKB)
	header = append(header, s.params.Threads)
	header = append(header, salt...)
	header = append(header, nonce...)

	key := deriveKey(password, salt, s.params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	return aead.Seal(header, nonce, plaintext, header), nil
}

// allows reports whether an envelope sealed with p costs no more than s
// would spend itself.
func (s *Sealer) allows(p Params) bool {
	return p.Time <= s.params.Time && p.MemoryKB <= s.params.MemoryKB && p.Threads <= s.params.Threads
}

// Open decrypts and decodes an envelope.
//
// Any authentication failure is ErrDecryptionFailed; the caller never sees
// plaintext from a wrong password. A header asking for more argon2 work
// than the sealer's parameters is ErrMalformed.
func (s *Sealer) Open(blob []byte, password string) (*Payload, error) {
	if len(blob) < headerSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}
	if !bytes.Equal(blob[:len(magic)], []byte(magic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	off := len(magic)
	params := Params{
		Time:     binary.BigEndian.Uint32(blob[off:]),
		MemoryKB: binary.BigEndian.Uint32(blob[off+4:]),
		Threads:  blob[off+8],
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !s.allows(params) {
		return nil, fmt.Errorf("%w: argon2 cost t=%d m=%dKB p=%d exceeds t=%d m=%dKB p=%d", ErrMalformed,
			params.Time, params.MemoryKB, params.Threads, s.params.Time, s.params.MemoryKB, s.params.Threads)
	}
	off += 9
	salt := blob[off : off+saltSize]
	off += saltSize
	nonce := blob[off : off+chacha20poly1305.NonceSizeX]
	header := blob[:headerSize]
	ciphertext := blob[headerSize:]

	key := deriveKey(password, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer zeroBytes(plaintext)

	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return &p, nil
}

var idKey = argon2.IDKey

func deriveKey(password string, salt []byte, p Params) []byte {
	return idKey([]byte(password), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
