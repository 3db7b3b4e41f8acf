// Package identity sequences registration and login over the proof engine,
// the envelope and the two collaborators.
//
// Registration derives the secret from a fresh salt and the enrolment
// embedding, commits the public key to the ledger and hands the derivation
// material back sealed under the holder's password. Login reopens the
// envelope, checks the live face against the enrolled embedding and only then
// produces a Schnorr proof. Verify checks that proof against the ledger alone,
// so the verifier never sees the embedding or the secret.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/allsmog/zkid-go/pkg/biometric"
	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/crypto/kdf"
	"github.com/allsmog/zkid-go/pkg/crypto/schnorr"
	"github.com/allsmog/zkid-go/pkg/envelope"
	"github.com/allsmog/zkid-go/pkg/jwt"
	"github.com/allsmog/zkid-go/pkg/ledger"
	"github.com/allsmog/zkid-go/pkg/replay"
)

var log = logging.Logger("zkid/identity")

const (
	opRegister    = "register"
	opLogin       = "login"
	opLoginDirect = "login_direct"
	opVerify      = "verify"
)

// ReasonReplayed marks a transcript that was already accepted once.
const ReasonReplayed = "replayed"

// Config tunes the orchestrator.
type Config struct {
	// QRSize is the envelope QR width in pixels; zero scales by module.
	QRSize int

	// TokenAudience and TokenTTL shape identity tokens. Both are required
	// when a signer is configured.
	TokenAudience string
	TokenTTL      time.Duration

	// PairwiseSubject derives the token subject from the public key and
	// audience instead of using the nidHash.
	PairwiseSubject bool

	// AllowDirectLogin enables LoginDirect.
	AllowDirectLogin bool
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	Curve     curve.Curve
	Ledger    ledger.Ledger
	Biometric biometric.Service
	Sealer    *envelope.Sealer

	// Replay remembers verified transcripts. Defaults to a memory store.
	Replay replay.Store

	// Signer mints identity tokens after a successful Verify. Optional.
	Signer jwt.TokenSigner

	// Metrics is optional.
	Metrics *Metrics

	Config Config
}

// Service is the registration and login orchestrator. It holds no per-request
// state and is safe for concurrent use.
type Service struct {
	crv     curve.Curve
	ledger  ledger.Ledger
	bio     biometric.Service
	sealer  *envelope.Sealer
	replay  replay.Store
	signer  jwt.TokenSigner
	metrics *Metrics
	cfg     Config
}

// NewService checks deps and builds a Service.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Curve == nil:
		return nil, errors.New("identity: curve is required")
	case deps.Ledger == nil:
		return nil, errors.New("identity: ledger is required")
	case deps.Biometric == nil:
		return nil, errors.New("identity: biometric service is required")
	case deps.Sealer == nil:
		return nil, errors.New("identity: envelope sealer is required")
	}
	if deps.Signer != nil && (deps.Config.TokenAudience == "" || deps.Config.TokenTTL <= 0) {
		return nil, errors.New("identity: token audience and TTL are required with a signer")
	}
	if deps.Replay == nil {
		deps.Replay = replay.NewMemoryStore(replay.DefaultTTL, time.Minute)
	}

	return &Service{
		crv:     deps.Curve,
		ledger:  deps.Ledger,
		bio:     deps.Biometric,
		sealer:  deps.Sealer,
		replay:  deps.Replay,
		signer:  deps.Signer,
		metrics: deps.Metrics,
		cfg:     deps.Config,
	}, nil
}

// Curve returns the group the service proves over.
func (s *Service) Curve() curve.Curve {
	return s.crv
}

// RegisterRequest carries the registration inputs.
type RegisterRequest struct {
	NIDNumber string
	Image     []byte
	Password  string
}

// Registration is a committed identity and its envelope.
type Registration struct {
	Record   *ledger.Record
	Envelope []byte
	QR       []byte
}

// Register enrols a new identity.
//
// Everything before the ledger write is side-effect free and aborts cleanly.
// The ledger write is the commit point: a later failure is reported as
// ErrEnvelopeDelivery and the record is left in place.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (reg *Registration, err error) {
	defer func(start time.Time) { s.metrics.observe(opRegister, start, err) }(time.Now())

	nidHash, err := kdf.HashNID(req.NIDNumber)
	if err != nil {
		return nil, invalid("nid number is required")
	}
	if len(req.Image) == 0 {
		return nil, invalid("image is required")
	}
	if req.Password == "" {
		return nil, invalid("password is required")
	}

	emb, err := s.bio.Embed(ctx, req.Image)
	if err != nil {
		return nil, biometricErr(err)
	}
	faceHash := emb.Hash()

	exists, err := s.ledger.Exists(ctx, nidHash)
	if err != nil {
		return nil, ledgerErr(err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, nidHash)
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	k, err := kdf.DeriveSecretHex(s.crv, faceHash, salt)
	if err != nil {
		return nil, err
	}
	S, err := kdf.PublicKey(s.crv, k)
	if err != nil {
		return nil, err
	}
	sx, sy, err := s.crv.EncodeCoordinates(S)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.ledger.Register(ctx, ledger.Record{
		NIDHash: nidHash,
		Sx:      sx,
		Sy:      sy,
		Salt:    salt,
		Curve:   s.crv.Name(),
	})
	if err != nil {
		return nil, ledgerErr(err)
	}
	log.Infow("identity registered", "nidHash", nidHash, "curve", rec.Curve)

	blob, err := s.sealer.Seal(&envelope.Payload{
		Version:   envelope.PayloadVersion,
		Curve:     s.crv.Name(),
		NIDHash:   nidHash,
		FaceHash:  faceHash,
		Salt:      salt,
		Embedding: emb,
	}, req.Password)
	if err != nil {
		log.Errorw("envelope sealing failed after commit", "nidHash", nidHash, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeDelivery, err)
	}

	qr, err := envelope.EncodeQR(blob, s.cfg.QRSize)
	if err != nil {
		log.Errorw("envelope QR encoding failed after commit", "nidHash", nidHash, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeDelivery, err)
	}

	return &Registration{Record: rec, Envelope: blob, QR: qr}, nil
}

// LoginRequest carries the login inputs. Envelope takes precedence over QR.
type LoginRequest struct {
	Envelope []byte
	QR       []byte
	Password string
	Image    []byte
}

// Proof is a login transcript handed to a verifier.
type Proof struct {
	ID      string `json:"id"`
	NIDHash string `json:"nidHash"`
	Curve   string `json:"curve"`
	schnorr.Proof
	IssuedAt time.Time `json:"issuedAt"`
}

// Verification is the verifier's verdict.
type Verification struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	NIDHash   string `json:"nidHash"`
	Token     string `json:"access_token,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

// attempt is the per-login state after the biometric gate. k lives only as
// long as the attempt.
type attempt struct {
	payload *envelope.Payload
	rec     *ledger.Record
	S       curve.Point
	k       curve.Scalar
}

// Login opens the envelope, checks the live face and produces a proof for
// the enrolled identity. A face mismatch returns ErrBiometricMismatch before
// the secret is derived.
func (s *Service) Login(ctx context.Context, req LoginRequest) (proof *Proof, err error) {
	defer func(start time.Time) { s.metrics.observe(opLogin, start, err) }(time.Now())

	a, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	prover := schnorr.NewProver(s.crv, a.k)
	a.k = nil
	if _, err := prover.Commit(); err != nil {
		return nil, err
	}
	if _, err := prover.Challenge(a.S, a.rec.NIDHash); err != nil {
		return nil, err
	}
	p, err := prover.Respond()
	if err != nil {
		return nil, err
	}

	log.Debugw("proof generated", "nidHash", a.rec.NIDHash)
	return &Proof{
		ID:       uuid.NewString(),
		NIDHash:  a.rec.NIDHash,
		Curve:    s.crv.Name(),
		Proof:    *p,
		IssuedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) prepare(ctx context.Context, req LoginRequest) (*attempt, error) {
	if req.Password == "" {
		return nil, invalid("password is required")
	}
	if len(req.Image) == 0 {
		return nil, invalid("image is required")
	}

	blob := req.Envelope
	if len(blob) == 0 {
		if len(req.QR) == 0 {
			return nil, invalid("envelope is required")
		}
		var err error
		if blob, err = envelope.DecodeQR(req.QR); err != nil {
			return nil, envelopeErr(err)
		}
	}

	payload, err := s.sealer.Open(blob, req.Password)
	if err != nil {
		return nil, envelopeErr(err)
	}
	if !strings.EqualFold(payload.Curve, s.crv.Name()) {
		return nil, invalid("envelope curve %q, service uses %s", payload.Curve, s.crv.Name())
	}
	if !kdf.IsDigestHex(payload.NIDHash) || !kdf.IsDigestHex(payload.FaceHash) {
		return nil, invalid("envelope carries malformed hashes")
	}

	live, err := s.bio.Embed(ctx, req.Image)
	if err != nil {
		return nil, biometricErr(err)
	}
	cmp, err := s.bio.Compare(ctx, live, biometric.Embedding(payload.Embedding))
	if err != nil {
		return nil, biometricErr(err)
	}
	if !cmp.SamePerson {
		log.Infow("biometric mismatch", "nidHash", payload.NIDHash)
		return nil, ErrBiometricMismatch
	}

	rec, S, err := s.publicKey(ctx, payload.NIDHash)
	if err != nil {
		return nil, err
	}

	k, err := kdf.DeriveSecretHex(s.crv, payload.FaceHash, payload.Salt)
	if err != nil {
		return nil, invalid("envelope derivation material: %v", err)
	}
	return &attempt{payload: payload, rec: rec, S: S, k: k}, nil
}

// publicKey fetches and validates the registered key of nidHash.
func (s *Service) publicKey(ctx context.Context, nidHash string) (*ledger.Record, curve.Point, error) {
	rec, err := s.ledger.GetPublicKey(ctx, nidHash)
	if err != nil {
		return nil, nil, ledgerErr(err)
	}
	if !strings.EqualFold(rec.Curve, s.crv.Name()) {
		return nil, nil, invalid("identity registered on %s, service uses %s", rec.Curve, s.crv.Name())
	}
	S, err := s.crv.DecodeCoordinates(rec.Sx, rec.Sy)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: registered public key: %w", ErrInvalidInput, err)
	}
	return rec, S, nil
}

// Verify checks a proof against the registered public key. The challenge is
// recomputed from the ledger's S, and a transcript is accepted at most once.
//
// A rejected proof returns the verdict together with ErrProofInvalid, or
// ErrInvalidInput when the transcript is malformed.
func (s *Service) Verify(ctx context.Context, proof Proof) (v *Verification, err error) {
	defer func(start time.Time) { s.metrics.observe(opVerify, start, err) }(time.Now())

	if !kdf.IsDigestHex(proof.NIDHash) {
		return nil, invalid("malformed nidHash")
	}
	if proof.Commitment == "" || proof.Challenge == "" || proof.Response == "" {
		return nil, invalid("incomplete proof")
	}
	if proof.Curve != "" && !strings.EqualFold(proof.Curve, s.crv.Name()) {
		return nil, invalid("proof over %q, service uses %s", proof.Curve, s.crv.Name())
	}

	_, S, err := s.publicKey(ctx, proof.NIDHash)
	if err != nil {
		return nil, err
	}

	res := schnorr.Verify(s.crv, S, proof.NIDHash, proof.Proof)
	if !res.Valid {
		v := &Verification{Valid: false, Reason: res.Reason, NIDHash: proof.NIDHash}
		log.Infow("proof rejected", "nidHash", proof.NIDHash, "reason", res.Reason)
		if res.Reason == schnorr.ReasonMalformedInput {
			return v, fmt.Errorf("%w: %w", ErrInvalidInput, res.Error)
		}
		return v, fmt.Errorf("%w: %s", ErrProofInvalid, res.Reason)
	}

	if s.replay.Seen(replay.TranscriptKey(proof.NIDHash, res.Commitment)) {
		log.Warnw("replayed transcript", "nidHash", proof.NIDHash, "proof", proof.ID)
		return &Verification{Valid: false, Reason: ReasonReplayed, NIDHash: proof.NIDHash},
			fmt.Errorf("%w: %s", ErrProofInvalid, ReasonReplayed)
	}

	v = &Verification{Valid: true, NIDHash: proof.NIDHash}
	if err := s.mint(v, S, proof); err != nil {
		return nil, err
	}
	log.Infow("proof verified", "nidHash", proof.NIDHash)
	return v, nil
}

// LoginDirect is the single-call variant: the service derives k itself and
// compares k·G with the registered key. The service learns the secret, so it
// is off unless Config.AllowDirectLogin is set.
func (s *Service) LoginDirect(ctx context.Context, req LoginRequest) (v *Verification, err error) {
	defer func(start time.Time) { s.metrics.observe(opLoginDirect, start, err) }(time.Now())

	if !s.cfg.AllowDirectLogin {
		return nil, ErrDirectLoginDisabled
	}

	a, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	derived, err := kdf.PublicKey(s.crv, a.k)
	a.k = nil
	if err != nil {
		return nil, err
	}
	if !derived.Equal(a.S) {
		return &Verification{Valid: false, Reason: schnorr.ReasonProofInvalid, NIDHash: a.rec.NIDHash},
			fmt.Errorf("%w: derived key does not match", ErrProofInvalid)
	}

	v = &Verification{Valid: true, NIDHash: a.rec.NIDHash}
	if err := s.mint(v, a.S, Proof{ID: uuid.NewString(), NIDHash: a.rec.NIDHash}); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) mint(v *Verification, S curve.Point, proof Proof) error {
	if s.signer == nil {
		return nil
	}
	t := jwt.IdentityToken{
		Issuer:   issuerOf(s.signer),
		Audience: s.cfg.TokenAudience,
		NIDHash:  proof.NIDHash,
		Group:    s.crv.Name(),
		ProofID:  proof.ID,
		TTL:      s.cfg.TokenTTL,
	}
	t.Commitment, _ = hex.DecodeString(proof.Commitment)
	t.Challenge, _ = hex.DecodeString(proof.Challenge)
	if s.cfg.PairwiseSubject {
		t.PublicKey = S.Bytes()
	}

	token, err := jwt.MintIdentityToken(s.signer, t)
	if err != nil {
		return fmt.Errorf("identity: mint token: %w", err)
	}
	v.Token = token
	v.ExpiresIn = int64(s.cfg.TokenTTL.Seconds())
	return nil
}

func issuerOf(signer jwt.TokenSigner) string {
	if i, ok := signer.(interface{ Issuer() string }); ok {
		return i.Issuer()
	}
	return ""
}

// Lookup returns the public record of nidHash.
func (s *Service) Lookup(ctx context.Context, nidHash string) (*ledger.Record, error) {
	if !kdf.IsDigestHex(nidHash) {
		return nil, invalid("malformed nidHash")
	}
	rec, err := s.ledger.GetPublicKey(ctx, nidHash)
	return rec, ledgerErr(err)
}

// Users lists registered nidHashes in insertion order.
func (s *Service) Users(ctx context.Context) iter.Seq2[string, error] {
	return mapErrors(s.ledger.NIDHashes(ctx))
}

// History lists the changes recorded for nidHash.
func (s *Service) History(ctx context.Context, nidHash string) iter.Seq2[ledger.Modification, error] {
	if !kdf.IsDigestHex(nidHash) {
		return func(yield func(ledger.Modification, error) bool) {
			yield(ledger.Modification{}, invalid("malformed nidHash"))
		}
	}
	return mapErrors(s.ledger.History(ctx, nidHash))
}

// Pinger is implemented by collaborators that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the ledger and, when it supports it, the biometric service.
func (s *Service) Health(ctx context.Context) map[string]error {
	out := map[string]error{"ledger": s.ledger.Ping(ctx)}
	if p, ok := s.bio.(Pinger); ok {
		out["biometric"] = p.Ping(ctx)
	}
	return out
}

func mapErrors[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err != nil {
				yield(v, ledgerErr(err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
