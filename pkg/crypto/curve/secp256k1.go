package curve

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

const secp256k1CoordHexLen = 64

// Secp256k1Point represents a point on the secp256k1 curve.
// A nil inner key is the point at infinity.
type Secp256k1Point struct {
	point *btcec.PublicKey
}

// Bytes returns the compressed point encoding (33 bytes)
func (p *Secp256k1Point) Bytes() []byte {
	if p.IsIdentity() {
		return nil
	}
	return p.point.SerializeCompressed()
}

// Equal checks if two points are equal
func (p *Secp256k1Point) Equal(other Point) bool {
	o, ok := other.(*Secp256k1Point)
	if !ok {
		return false
	}
	if p.IsIdentity() || o.IsIdentity() {
		return p.IsIdentity() && o.IsIdentity()
	}
	return subtle.ConstantTimeCompare(p.point.SerializeUncompressed(), o.point.SerializeUncompressed()) == 1
}

// IsIdentity checks if this is the identity point (point at infinity)
func (p *Secp256k1Point) IsIdentity() bool {
	return p == nil || p.point == nil
}

func (p *Secp256k1Point) jacobian(out *btcec.JacobianPoint) {
	if p.IsIdentity() {
		*out = btcec.JacobianPoint{}
		return
	}
	p.point.AsJacobian(out)
}

func secp256k1FromJacobian(j *btcec.JacobianPoint) *Secp256k1Point {
	if (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero() {
		return &Secp256k1Point{}
	}
	j.ToAffine()
	return &Secp256k1Point{point: btcec.NewPublicKey(&j.X, &j.Y)}
}

// Secp256k1Scalar represents a scalar for secp256k1 operations
type Secp256k1Scalar struct {
	scalar *big.Int
}

// Bytes returns the scalar as a 32-byte slice (big-endian)
func (s *Secp256k1Scalar) Bytes() []byte {
	if s.scalar == nil {
		return nil
	}
	return s.scalar.FillBytes(make([]byte, 32))
}

// BigInt returns the scalar as a big.Int
func (s *Secp256k1Scalar) BigInt() *big.Int {
	return new(big.Int).Set(s.scalar)
}

func (s *Secp256k1Scalar) modN() *btcec.ModNScalar {
	var k btcec.ModNScalar
	k.SetByteSlice(s.Bytes())
	return &k
}

// Secp256k1Curve implements the Curve interface for secp256k1
type Secp256k1Curve struct{}

// NewSecp256k1 creates a new secp256k1 curve instance
func NewSecp256k1() Curve {
	return &Secp256k1Curve{}
}

// Name returns the curve name
func (c *Secp256k1Curve) Name() string {
	return "secp256k1"
}

// ParsePoint parses a point from bytes (33-byte compressed or 65-byte uncompressed)
func (c *Secp256k1Curve) ParsePoint(b []byte) (Point, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPoint
	}

	pubKey, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	point := &Secp256k1Point{point: pubKey}
	if err := c.ValidatePoint(point); err != nil {
		return nil, err
	}

	return point, nil
}

// ParseScalar parses a scalar from bytes (32 bytes, big-endian)
func (c *Secp256k1Curve) ParseScalar(b []byte) (Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidScalar, len(b))
	}

	scalar := new(big.Int).SetBytes(b)

	// Ensure scalar is in valid range [1, n-1] where n is the curve order
	if scalar.Sign() <= 0 || scalar.Cmp(c.Order()) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidScalar)
	}

	return &Secp256k1Scalar{scalar: scalar}, nil
}

// ScalarBaseMult computes s * G (scalar multiplication with generator)
func (c *Secp256k1Curve) ScalarBaseMult(s Scalar) Point {
	sc, ok := s.(*Secp256k1Scalar)
	if !ok || sc.scalar == nil {
		return nil
	}

	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(sc.modN(), &result)
	return secp256k1FromJacobian(&result)
}

// ScalarMult computes s * P (scalar multiplication)
func (c *Secp256k1Curve) ScalarMult(p Point, s Scalar) Point {
	pt, ok := p.(*Secp256k1Point)
	if !ok {
		return nil
	}
	sc, ok := s.(*Secp256k1Scalar)
	if !ok || sc.scalar == nil {
		return nil
	}

	var in, result btcec.JacobianPoint
	pt.jacobian(&in)
	btcec.ScalarMultNonConst(sc.modN(), &in, &result)
	return secp256k1FromJacobian(&result)
}

// Add adds two points: P + Q. The sum of a point and its negation is the
// identity and is returned as such rather than as nil.
func (c *Secp256k1Curve) Add(p, q Point) Point {
	a, ok := p.(*Secp256k1Point)
	if !ok {
		return nil
	}
	b, ok := q.(*Secp256k1Point)
	if !ok {
		return nil
	}

	var ja, jb, result btcec.JacobianPoint
	a.jacobian(&ja)
	b.jacobian(&jb)
	btcec.AddNonConst(&ja, &jb, &result)
	return secp256k1FromJacobian(&result)
}

// Order returns the order of the secp256k1 curve
func (c *Secp256k1Curve) Order() *big.Int {
	return btcec.S256().N
}

// GenerateScalar generates a cryptographically secure random scalar
func (c *Secp256k1Curve) GenerateScalar() (Scalar, error) {
	for {
		privKey, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate scalar: %w", err)
		}

		scalar := new(big.Int).SetBytes(privKey.Serialize())
		privKey.Zero()
		if scalar.Sign() == 0 {
			continue
		}
		return &Secp256k1Scalar{scalar: scalar}, nil
	}
}

// ValidatePoint validates that a point is on the curve and not the identity
func (c *Secp256k1Curve) ValidatePoint(p Point) error {
	pt, ok := p.(*Secp256k1Point)
	if !ok {
		return ErrInvalidPoint
	}

	if pt.IsIdentity() {
		return ErrIdentityPoint
	}

	if !btcec.S256().IsOnCurve(pt.point.X(), pt.point.Y()) {
		return ErrPointNotOnCurve
	}

	return nil
}

// EncodeCoordinates returns the affine x and y as 64-char lowercase hex.
func (c *Secp256k1Curve) EncodeCoordinates(p Point) (string, string, error) {
	if err := c.ValidatePoint(p); err != nil {
		return "", "", err
	}
	raw := p.(*Secp256k1Point).point.SerializeUncompressed()
	return hex.EncodeToString(raw[1:33]), hex.EncodeToString(raw[33:65]), nil
}

// DecodeCoordinates parses fixed-width hex coordinates. Short, long or
// out-of-field values are rejected, never padded or reduced.
func (c *Secp256k1Curve) DecodeCoordinates(x, y string) (Point, error) {
	if len(x) != secp256k1CoordHexLen || len(y) != secp256k1CoordHexLen {
		return nil, fmt.Errorf("%w: expected %d hex chars per coordinate", ErrInvalidCoordinates, secp256k1CoordHexLen)
	}
	xb, err := hex.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("%w: x: %v", ErrInvalidCoordinates, err)
	}
	yb, err := hex.DecodeString(y)
	if err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrInvalidCoordinates, err)
	}

	uncompressed := make([]byte, 0, 65)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, xb...)
	uncompressed = append(uncompressed, yb...)
	return c.ParsePoint(uncompressed)
}
