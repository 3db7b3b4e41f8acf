package curve

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCurve indicates a curve name FromName does not know.
var ErrUnsupportedCurve = errors.New("unsupported curve")

// FromName returns a Curve implementation that matches the provided name.
func FromName(name string) (Curve, error) {
	switch strings.ToLower(name) {
	case "secp256k1":
		return NewSecp256k1(), nil
	case "ristretto255":
		return NewRistretto255(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, name)
	}
}

// SupportedCurves lists the curve identifiers understood by FromName.
func SupportedCurves() []string {
	return []string{"secp256k1", "ristretto255"}
}
