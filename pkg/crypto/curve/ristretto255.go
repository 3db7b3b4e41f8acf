package curve

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/gtank/ristretto255"
)

// ristrettoOrder is l = 2^252 + 27742317777372353535851937790883648493.
var ristrettoOrder = func() *big.Int {
	l, _ := new(big.Int).SetString("7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)
	return l
}()

// Ristretto255Point is an element of the ristretto255 group. A nil element
// is treated as the identity.
type Ristretto255Point struct {
	point *ristretto255.Element
}

// Bytes returns the 32-byte canonical encoding.
func (p *Ristretto255Point) Bytes() []byte {
	if p == nil || p.point == nil {
		return nil
	}
	return p.point.Encode(nil)
}

// Equal compares in constant time.
func (p *Ristretto255Point) Equal(other Point) bool {
	o, ok := other.(*Ristretto255Point)
	if !ok {
		return false
	}
	if p.IsIdentity() || o.IsIdentity() {
		return p.IsIdentity() && o.IsIdentity()
	}
	return p.point.Equal(o.point) == 1
}

// IsIdentity reports whether p is the neutral element.
func (p *Ristretto255Point) IsIdentity() bool {
	if p == nil || p.point == nil {
		return true
	}
	return p.point.Equal(ristretto255.NewIdentityElement()) == 1
}

// Ristretto255Scalar is an integer mod l. The library stores it
// little-endian; Bytes and ParseScalar use big-endian like secp256k1.
type Ristretto255Scalar struct {
	scalar *ristretto255.Scalar
}

// Bytes returns the scalar as 32 big-endian bytes.
func (s *Ristretto255Scalar) Bytes() []byte {
	if s == nil || s.scalar == nil {
		return nil
	}
	return reversed(s.scalar.Bytes())
}

// BigInt returns the scalar value.
func (s *Ristretto255Scalar) BigInt() *big.Int {
	if s == nil || s.scalar == nil {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(s.Bytes())
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Ristretto255Curve is the ristretto255 prime-order group.
type Ristretto255Curve struct{}

// NewRistretto255 returns the ristretto255 group.
func NewRistretto255() Curve {
	return &Ristretto255Curve{}
}

// Name returns "ristretto255".
func (c *Ristretto255Curve) Name() string {
	return "ristretto255"
}

// ParsePoint decodes a canonical 32-byte encoding, rejecting the identity.
func (c *Ristretto255Curve) ParsePoint(b []byte) (Point, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidPoint, len(b))
	}

	elem := ristretto255.NewIdentityElement()
	if _, err := elem.SetCanonicalBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	p := &Ristretto255Point{point: elem}
	if err := c.ValidatePoint(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseScalar decodes 32 big-endian bytes in [1, l-1].
func (c *Ristretto255Curve) ParseScalar(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidScalar, len(b))
	}
	v := new(big.Int).SetBytes(b)
	if v.Sign() <= 0 || v.Cmp(ristrettoOrder) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidScalar)
	}

	sc := ristretto255.NewScalar()
	if _, err := sc.SetCanonicalBytes(reversed(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return &Ristretto255Scalar{scalar: sc}, nil
}

func (c *Ristretto255Curve) element(p Point) (*ristretto255.Element, bool) {
	rp, ok := p.(*Ristretto255Point)
	if !ok || rp.point == nil {
		return nil, false
	}
	return rp.point, true
}

func (c *Ristretto255Curve) scalar(s Scalar) (*ristretto255.Scalar, bool) {
	rs, ok := s.(*Ristretto255Scalar)
	if !ok || rs.scalar == nil {
		return nil, false
	}
	return rs.scalar, true
}

// ScalarBaseMult returns s*B, or nil for a scalar of another group.
func (c *Ristretto255Curve) ScalarBaseMult(s Scalar) Point {
	sc, ok := c.scalar(s)
	if !ok {
		return nil
	}
	return &Ristretto255Point{point: ristretto255.NewIdentityElement().ScalarBaseMult(sc)}
}

// ScalarMult returns s*P, or nil when either argument is foreign.
func (c *Ristretto255Curve) ScalarMult(p Point, s Scalar) Point {
	elem, ok := c.element(p)
	if !ok {
		return nil
	}
	sc, ok := c.scalar(s)
	if !ok {
		return nil
	}
	return &Ristretto255Point{point: ristretto255.NewIdentityElement().ScalarMult(sc, elem)}
}

// Add returns P + Q, or nil when either argument is foreign.
func (c *Ristretto255Curve) Add(p, q Point) Point {
	a, ok := c.element(p)
	if !ok {
		return nil
	}
	b, ok := c.element(q)
	if !ok {
		return nil
	}
	return &Ristretto255Point{point: ristretto255.NewIdentityElement().Add(a, b)}
}

// Order returns l.
func (c *Ristretto255Curve) Order() *big.Int {
	return new(big.Int).Set(ristrettoOrder)
}

// GenerateScalar returns a uniformly random non-zero scalar, reduced from
// 64 random bytes.
func (c *Ristretto255Curve) GenerateScalar() (Scalar, error) {
	var seed [64]byte
	zero := ristretto255.NewScalar()
	for {
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("failed to generate scalar: %w", err)
		}
		sc, err := ristretto255.NewScalar().SetUniformBytes(seed[:])
		if err != nil {
			return nil, fmt.Errorf("failed to derive scalar: %w", err)
		}
		if sc.Equal(zero) == 1 {
			continue
		}
		return &Ristretto255Scalar{scalar: sc}, nil
	}
}

// ValidatePoint rejects foreign points and the identity. Every decoded
// ristretto255 element is in the prime-order group.
func (c *Ristretto255Curve) ValidatePoint(p Point) error {
	rp, ok := p.(*Ristretto255Point)
	if !ok || rp.point == nil {
		return ErrInvalidPoint
	}
	if rp.IsIdentity() {
		return ErrIdentityPoint
	}
	return nil
}

// EncodeCoordinates stores the canonical encoding in x; y is always empty.
func (c *Ristretto255Curve) EncodeCoordinates(p Point) (string, string, error) {
	if err := c.ValidatePoint(p); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(p.Bytes()), "", nil
}

// DecodeCoordinates parses the canonical encoding held in x.
func (c *Ristretto255Curve) DecodeCoordinates(x, y string) (Point, error) {
	if y != "" {
		return nil, fmt.Errorf("%w: ristretto255 has no y coordinate", ErrInvalidCoordinates)
	}
	if len(x) != 64 {
		return nil, fmt.Errorf("%w: expected 64 hex chars", ErrInvalidCoordinates)
	}
	b, err := hex.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	return c.ParsePoint(b)
}
