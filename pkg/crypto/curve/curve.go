// Package curve provides the prime-order group abstraction used by the zkid
// identity protocol.
//
// # Supported Groups
//
//   - secp256k1: the reference curve. Public keys are stored on the ledger as
//     affine coordinates (Sx, Sy), each 32 bytes hex encoded.
//
//   - ristretto255: a prime-order group built on Curve25519. It exposes no
//     affine coordinates, so the ledger stores its 32-byte canonical
//     encoding in Sx and leaves Sy empty.
//
// # Group Basics
//
// A group consists of a generator G and order n. Secret scalars k live in
// [1, n-1] and public points are S = k*G. The identity protocol only needs
// scalar multiplication, point addition and canonical encodings; everything
// else is built on top in the kdf and schnorr packages.
//
// # Untrusted Input
//
// Points and scalars that arrive from outside the process (ledger reads,
// HTTP bodies) must pass through ParsePoint, ParseScalar or
// DecodeCoordinates. Those reject off-curve points, the identity, and
// scalars outside [1, n-1]. Nothing is silently reduced; hash outputs are
// reduced explicitly with ReduceScalar.
package curve

import (
	"fmt"
	"math/big"
)

// Point represents an element of the group.
type Point interface {
	// Bytes returns the canonical serialization of the point.
	// For secp256k1: 33 bytes (compressed format: 0x02/0x03 prefix + x-coordinate)
	// For ristretto255: 32 bytes (canonical ristretto encoding)
	Bytes() []byte

	// Equal reports whether two points are equal in constant time.
	Equal(other Point) bool

	// IsIdentity checks if this is the identity point (point at infinity).
	IsIdentity() bool
}

// Scalar represents an integer modulo the group order n.
//
// Scalars are used as:
//   - Secret keys (k derived from biometric hash and salt, S = k*G)
//   - Nonces (random r in the commitment R = r*G)
//   - Challenges (hash output reduced mod n)
//   - Responses (s = r + c*k mod n)
type Scalar interface {
	// Bytes returns the scalar as a fixed-size big-endian byte slice.
	Bytes() []byte

	// BigInt returns the scalar as a big.Int for arithmetic operations.
	BigInt() *big.Int
}

// Curve abstracts the group operations for different curves.
//
// All implementations must be safe against:
//   - Invalid curve attacks (reject points not on curve)
//   - Small subgroup attacks (reject identity and low-order points)
//   - Timing attacks on point comparison
type Curve interface {
	// Name returns the curve identifier ("secp256k1", "ristretto255").
	// It is stored with every ledger record and carried in the envelope.
	Name() string

	// ParsePoint deserializes a point from its canonical bytes and validates it.
	ParsePoint(b []byte) (Point, error)

	// ParseScalar deserializes a 32-byte big-endian scalar.
	// Rejects zero and values >= n.
	ParseScalar(b []byte) (Scalar, error)

	// ScalarBaseMult computes s * G.
	ScalarBaseMult(s Scalar) Point

	// ScalarMult computes s * P.
	ScalarMult(p Point, s Scalar) Point

	// Add computes P + Q.
	Add(p, q Point) Point

	// Order returns n, the order of the group.
	Order() *big.Int

	// GenerateScalar returns a uniformly random scalar in [1, n-1] using
	// crypto/rand. A zero draw is resampled.
	GenerateScalar() (Scalar, error)

	// ValidatePoint checks that a point is on the curve and not the identity.
	ValidatePoint(p Point) error

	// EncodeCoordinates returns the fixed-width hex form the ledger stores.
	EncodeCoordinates(p Point) (x, y string, err error)

	// DecodeCoordinates parses ledger coordinates back into a validated point.
	DecodeCoordinates(x, y string) (Point, error)
}

var (
	// ErrInvalidPoint indicates an invalid point
	ErrInvalidPoint = fmt.Errorf("invalid point")

	// ErrInvalidScalar indicates an invalid scalar
	ErrInvalidScalar = fmt.Errorf("invalid scalar")

	// ErrIdentityPoint indicates the point is the identity point
	ErrIdentityPoint = fmt.Errorf("point is identity")

	// ErrPointNotOnCurve indicates the point is not on the curve
	ErrPointNotOnCurve = fmt.Errorf("point is not on curve")

	// ErrInvalidCoordinates indicates malformed ledger coordinates
	ErrInvalidCoordinates = fmt.Errorf("invalid coordinates")
)

// ScalarSize returns the fixed byte width of scalars for crv.
func ScalarSize(crv Curve) int {
	return (crv.Order().BitLen() + 7) / 8
}

// ScalarBytes converts a big.Int to a fixed-size big-endian byte slice.
//
// Example: 0x01 becomes [0,0,...,0,1] (32 bytes).
func ScalarBytes(crv Curve, num *big.Int) []byte {
	return num.FillBytes(make([]byte, ScalarSize(crv)))
}

// ReduceScalar interprets b as a big-endian integer and reduces it mod n.
// The result may be zero; callers decide how to handle that case.
func ReduceScalar(crv Curve, b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	return v.Mod(v, crv.Order())
}

// ScalarFromBigInt converts an already reduced value to a Scalar.
func ScalarFromBigInt(crv Curve, v *big.Int) (Scalar, error) {
	if v.Sign() < 0 || v.Cmp(crv.Order()) >= 0 {
		return nil, fmt.Errorf("%w: value not reduced", ErrInvalidScalar)
	}
	return crv.ParseScalar(ScalarBytes(crv, v))
}

// ScalarAdd returns a + b mod n.
func ScalarAdd(crv Curve, a, b Scalar) (Scalar, error) {
	sum := new(big.Int).Add(a.BigInt(), b.BigInt())
	sum.Mod(sum, crv.Order())
	return ScalarFromBigInt(crv, sum)
}

// ScalarMul returns a * b mod n.
func ScalarMul(crv Curve, a, b Scalar) (Scalar, error) {
	prod := new(big.Int).Mul(a.BigInt(), b.BigInt())
	prod.Mod(prod, crv.Order())
	return ScalarFromBigInt(crv, prod)
}
