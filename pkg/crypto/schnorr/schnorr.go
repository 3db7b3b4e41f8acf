// Package schnorr implements the Schnorr identification protocol that proves
// possession of an identity's secret scalar k without revealing it.
//
// # Protocol
//
//  1. COMMITMENT (Prover):
//     - sample a fresh nonce r in [1, n-1]
//     - R = r*G
//
//  2. CHALLENGE (Verifier):
//     - c = H(DomainChallenge || R || S || nidHash) mod n
//
//  3. RESPONSE (Prover):
//     - s = r + c*k (mod n)
//
//  4. VERIFICATION (Verifier):
//     - accept iff s*G == R + c*S
//
// The verification equation holds because
//
//	s*G = (r + c*k)*G = r*G + c*k*G = R + c*S
//
// Binding the challenge to nidHash means a transcript produced for one
// identity never verifies against another identity's public key, even if the
// same public key were registered twice.
//
// # Nonce Reuse
//
// Two responses s1, s2 computed with the same r for challenges c1 != c2 leak
// the secret: k = (s1 - s2) / (c1 - c2) mod n. A Prover therefore commits
// exactly once and forgets r after responding.
package schnorr

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/allsmog/zkid-go/pkg/crypto/curve"
)

// DomainChallenge is the domain separator for challenge derivation.
// Format: H(DomainChallenge || R || S || nidHash)
const DomainChallenge = "zkid/1/chal"

// Rejection reasons reported in VerificationResult.Reason.
const (
	ReasonMalformedInput    = "malformed_input"
	ReasonChallengeMismatch = "challenge_mismatch"
	ReasonProofInvalid      = "proof_invalid"
)

var (
	// ErrInvalidState is returned when a Prover step is called out of order.
	ErrInvalidState = errors.New("schnorr: invalid prover state")

	// ErrZeroChallenge is returned in the negligible case that the
	// challenge hash reduces to zero.
	ErrZeroChallenge = errors.New("schnorr: challenge reduced to zero")
)

// State is the position of one proof attempt in the exchange.
type State int

const (
	StateIdle State = iota
	StateCommitmentGenerated
	StateChallengeIssued
	StateResponseGenerated
	StateVerified
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommitmentGenerated:
		return "commitment_generated"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateResponseGenerated:
		return "response_generated"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected
}

// Proof is the wire form of a transcript (R, c, s), all hex encoded.
type Proof struct {
	Commitment string `json:"commitment"`
	Challenge  string `json:"challenge"`
	Response   string `json:"response"`
}

// VerificationResult contains the result of Schnorr verification
type VerificationResult struct {
	Valid  bool
	State  State
	Reason string
	Error  error

	// Commitment is the canonical encoding of R, set by Verify on success.
	Commitment []byte
}

func rejected(reason string, err error) *VerificationResult {
	return &VerificationResult{Valid: false, State: StateRejected, Reason: reason, Error: err}
}

// VerifySchnorr checks s*G == R + c*S for already derived c.
//
// All inputs are parsed and validated before any group arithmetic: a point
// off the curve, the identity, or a scalar outside [1, n-1] is reported as
// malformed input. A well-formed transcript that fails the equation is a
// normal rejection, not an error.
func VerifySchnorr(crv curve.Curve, pk, R, c, s []byte) (*VerificationResult, error) {
	S, err := crv.ParsePoint(pk)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("invalid public key: %w", err)), nil
	}

	RR, err := crv.ParsePoint(R)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("invalid commitment point: %w", err)), nil
	}

	cs, err := crv.ParseScalar(c)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("invalid challenge scalar: %w", err)), nil
	}

	ss, err := crv.ParseScalar(s)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("invalid response scalar: %w", err)), nil
	}

	left := crv.ScalarBaseMult(ss)
	if left == nil {
		return nil, fmt.Errorf("failed to compute s*G")
	}

	cS := crv.ScalarMult(S, cs)
	if cS == nil {
		return nil, fmt.Errorf("failed to compute c*S")
	}

	right := crv.Add(RR, cS)
	if right == nil {
		return nil, fmt.Errorf("failed to compute R + c*S")
	}

	if !left.Equal(right) {
		return rejected(ReasonProofInvalid, nil), nil
	}
	return &VerificationResult{Valid: true, State: StateVerified}, nil
}

// DeriveChallenge computes the Fiat-Shamir challenge scalar
//
//	c = H(DomainChallenge || R || S || nidHash) mod n
//
// R and S are the canonical point encodings. The result is padded to the
// scalar width of crv. It is a pure function of public values, so prover and
// verifier compute the same c independently.
func DeriveChallenge(crv curve.Curve, R, S []byte, nidHash string) ([]byte, error) {
	h := sha256.New()
	h.Write([]byte(DomainChallenge))
	h.Write(R)
	h.Write(S)
	h.Write([]byte(nidHash))

	c := curve.ReduceScalar(crv, h.Sum(nil))
	if c.Sign() == 0 {
		return nil, ErrZeroChallenge
	}
	return curve.ScalarBytes(crv, c), nil
}

// GenerateCommitment samples a fresh nonce r and returns R = r*G.
//
// r must come from crypto/rand, be used for exactly one challenge, and never
// be logged or persisted.
func GenerateCommitment(crv curve.Curve) (R []byte, r curve.Scalar, err error) {
	for {
		r, err = crv.GenerateScalar()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate random scalar: %w", err)
		}
		if r.BigInt().Sign() != 0 {
			break
		}
	}

	point := crv.ScalarBaseMult(r)
	if point == nil || point.IsIdentity() {
		return nil, nil, fmt.Errorf("failed to compute commitment point")
	}

	return point.Bytes(), r, nil
}

// ComputeResponse computes s = r + c*k mod n.
func ComputeResponse(crv curve.Curve, r, c, k curve.Scalar) (curve.Scalar, error) {
	ck, err := curve.ScalarMul(crv, c, k)
	if err != nil {
		return nil, fmt.Errorf("failed to compute c*k: %w", err)
	}
	s, err := curve.ScalarAdd(crv, r, ck)
	if err != nil {
		return nil, fmt.Errorf("failed to compute response: %w", err)
	}
	return s, nil
}

// Prover runs the prover side of a single proof attempt. It is not safe for
// concurrent use and cannot be restarted: a new attempt needs a new Prover.
type Prover struct {
	crv   curve.Curve
	k     curve.Scalar
	r     curve.Scalar
	R     []byte
	c     []byte
	state State
}

// NewProver starts an attempt for the secret k.
func NewProver(crv curve.Curve, k curve.Scalar) *Prover {
	return &Prover{crv: crv, k: k, state: StateIdle}
}

// State returns the current position of the attempt.
func (p *Prover) State() State {
	return p.state
}

// Commit generates the nonce and returns the commitment R.
func (p *Prover) Commit() ([]byte, error) {
	if p.state != StateIdle {
		return nil, fmt.Errorf("%w: commit in %s", ErrInvalidState, p.state)
	}
	R, r, err := GenerateCommitment(p.crv)
	if err != nil {
		return nil, err
	}
	p.R, p.r = R, r
	p.state = StateCommitmentGenerated
	return R, nil
}

// Challenge derives c for the commitment against the public key S of the
// identity nidHash.
func (p *Prover) Challenge(S curve.Point, nidHash string) ([]byte, error) {
	if p.state != StateCommitmentGenerated {
		return nil, fmt.Errorf("%w: challenge in %s", ErrInvalidState, p.state)
	}
	if err := p.crv.ValidatePoint(S); err != nil {
		p.abort()
		return nil, fmt.Errorf("public key: %w", err)
	}
	c, err := DeriveChallenge(p.crv, p.R, S.Bytes(), nidHash)
	if err != nil {
		p.abort()
		return nil, err
	}
	p.c = c
	p.state = StateChallengeIssued
	return c, nil
}

// Respond computes s and returns the finished transcript. The nonce and
// secret are dropped afterwards, so Respond succeeds at most once.
func (p *Prover) Respond() (*Proof, error) {
	if p.state != StateChallengeIssued {
		return nil, fmt.Errorf("%w: respond in %s", ErrInvalidState, p.state)
	}
	defer p.forget()

	cs, err := p.crv.ParseScalar(p.c)
	if err != nil {
		p.state = StateRejected
		return nil, fmt.Errorf("challenge: %w", err)
	}
	s, err := ComputeResponse(p.crv, p.r, cs, p.k)
	if err != nil {
		p.state = StateRejected
		return nil, err
	}

	p.state = StateResponseGenerated
	return &Proof{
		Commitment: hex.EncodeToString(p.R),
		Challenge:  hex.EncodeToString(p.c),
		Response:   hex.EncodeToString(s.Bytes()),
	}, nil
}

func (p *Prover) abort() {
	p.forget()
	p.state = StateRejected
}

func (p *Prover) forget() {
	p.r = nil
	p.k = nil
}

// Verify checks a transcript against the registered public key S of the
// identity nidHash.
//
// The challenge is recomputed from (R, S, nidHash) and compared with the
// supplied one in constant time; a client-chosen challenge is never trusted.
// The equation is then checked with the recomputed value.
func Verify(crv curve.Curve, S curve.Point, nidHash string, proof Proof) *VerificationResult {
	R, err := hex.DecodeString(proof.Commitment)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("commitment: %w", err))
	}
	c, err := hex.DecodeString(proof.Challenge)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("challenge: %w", err))
	}
	s, err := hex.DecodeString(proof.Response)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("response: %w", err))
	}
	if S == nil {
		return rejected(ReasonMalformedInput, curve.ErrInvalidPoint)
	}
	if err := crv.ValidatePoint(S); err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("public key: %w", err))
	}

	point, err := crv.ParsePoint(R)
	if err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("commitment: %w", err))
	}
	// One transcript, one encoding: R must arrive in canonical form.
	if !bytes.Equal(point.Bytes(), R) {
		return rejected(ReasonMalformedInput, fmt.Errorf("commitment: %w: non-canonical encoding", curve.ErrInvalidPoint))
	}
	if _, err := crv.ParseScalar(c); err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("challenge: %w", err))
	}
	if _, err := crv.ParseScalar(s); err != nil {
		return rejected(ReasonMalformedInput, fmt.Errorf("response: %w", err))
	}

	expected, err := DeriveChallenge(crv, point.Bytes(), S.Bytes(), nidHash)
	if err != nil {
		return rejected(ReasonChallengeMismatch, err)
	}
	if subtle.ConstantTimeCompare(expected, c) != 1 {
		return rejected(ReasonChallengeMismatch, nil)
	}

	result, err := VerifySchnorr(crv, S.Bytes(), point.Bytes(), expected, s)
	if err != nil {
		return rejected(ReasonProofInvalid, err)
	}
	if result.Valid {
		result.Commitment = point.Bytes()
	}
	return result
}
