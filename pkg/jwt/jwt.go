package jwt

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// Scheme names the proof that backs an identity token.
	Scheme = "schnorr-nid"

	// AlgES256 is the only JWS algorithm issued and accepted.
	AlgES256 = "ES256"
)

// TokenSigner defines the interface for JWT signing
type TokenSigner interface {
	// Sign creates a JWT with the given claims
	Sign(claims jwt.Claims) (string, error)

	// JWKS returns the public keys for JWT verification
	JWKS() jwk.Set

	// Algorithm returns the signing algorithm
	Algorithm() string
}

// TokenVerifier defines the interface for JWT verification
type TokenVerifier interface {
	Verify(token string, expectedAudience string) (*Claims, error)
}

// Claims are the claims of an identity token issued after a verified proof.
type Claims struct {
	ZK *ZKClaims `json:"zk,omitempty"`
	jwt.RegisteredClaims
}

// ZKClaims describe the proof transcript the token was minted for.
type ZKClaims struct {
	Scheme    string `json:"scheme"` // "schnorr-nid"
	Group     string `json:"grp"`    // "secp256k1" or "ristretto255"
	NIDHash   string `json:"nid"`
	RHash     string `json:"r_hash"` // base64 SHA-256 of the commitment
	Challenge string `json:"c"`      // base64 challenge scalar
}

// ES256Signer implements JWT signing using ECDSA P-256
type ES256Signer struct {
	privateKey *ecdsa.PrivateKey
	keyID      string
	issuer     string
	jwks       jwk.Set
}

// NewES256Signer creates a new ES256 JWT signer
func NewES256Signer(privateKey *ecdsa.PrivateKey, keyID, issuer string) (*ES256Signer, error) {
	publicJWK, err := jwk.FromRaw(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from public key: %w", err)
	}

	for k, v := range map[string]any{
		jwk.KeyIDKey:     keyID,
		jwk.AlgorithmKey: AlgES256,
		jwk.KeyUsageKey:  "sig",
	} {
		if err := publicJWK.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", k, err)
		}
	}

	jwks := jwk.NewSet()
	if err := jwks.AddKey(publicJWK); err != nil {
		return nil, fmt.Errorf("failed to build JWKS: %w", err)
	}

	return &ES256Signer{
		privateKey: privateKey,
		keyID:      keyID,
		issuer:     issuer,
		jwks:       jwks,
	}, nil
}

// Sign creates a JWT with the given claims
func (s *ES256Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	tokenString, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return tokenString, nil
}

// JWKS returns the public keys for JWT verification
func (s *ES256Signer) JWKS() jwk.Set {
	return s.jwks
}

// Algorithm returns the signing algorithm
func (s *ES256Signer) Algorithm() string {
	return AlgES256
}

// Issuer returns the issuer identifier tokens are minted with.
func (s *ES256Signer) Issuer() string {
	return s.issuer
}

// JWTVerifier verifies tokens against an issuer's JWKS.
type JWTVerifier struct {
	issuerJWKS jwk.Set
	issuer     string
}

// NewJWTVerifier creates a new JWT verifier. A non-empty issuer is enforced
// on every token.
func NewJWTVerifier(issuerJWKS jwk.Set, issuer string) *JWTVerifier {
	return &JWTVerifier{
		issuerJWKS: issuerJWKS,
		issuer:     issuer,
	}
}

// Verify verifies a JWT and returns the claims
func (v *JWTVerifier) Verify(tokenString string, expectedAudience string) (*Claims, error) {
	if expectedAudience == "" {
		return nil, errors.New("expected audience is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{AlgES256}),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := new(Claims)
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if claims.ZK == nil || claims.ZK.Scheme != Scheme {
		return nil, errors.New("token is not backed by an identity proof")
	}
	return claims, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing key ID")
	}

	key, ok := v.issuerJWKS.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to extract public key: %w", err)
	}
	publicKey, ok := raw.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", raw)
	}
	return publicKey, nil
}

// IdentityToken describes the token minted after a verified proof.
type IdentityToken struct {
	Issuer     string
	Audience   string
	NIDHash    string
	Group      string
	ProofID    string
	Commitment []byte
	Challenge  []byte
	// PublicKey, when set, replaces the nidHash subject with a pairwise
	// subject derived from the public key and audience.
	PublicKey []byte
	IssuedAt  time.Time
	TTL       time.Duration
}

// MintIdentityToken signs a token for a verified identity proof.
func MintIdentityToken(signer TokenSigner, t IdentityToken) (string, error) {
	if t.NIDHash == "" || t.Audience == "" || t.TTL <= 0 {
		return "", errors.New("nidHash, audience and a positive TTL are required")
	}
	now := t.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}

	subject := t.NIDHash
	if len(t.PublicKey) > 0 {
		subject = GeneratePairwiseSubject(t.PublicKey, t.Audience)
	}

	rHash := sha256.Sum256(t.Commitment)
	claims := &Claims{
		ZK: &ZKClaims{
			Scheme:    Scheme,
			Group:     t.Group,
			NIDHash:   t.NIDHash,
			RHash:     base64.StdEncoding.EncodeToString(rHash[:]),
			Challenge: base64.StdEncoding.EncodeToString(t.Challenge),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{t.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
			ID:        t.ProofID,
		},
	}

	return signer.Sign(claims)
}

// GeneratePairwiseSubject generates a pairwise subject identifier
func GeneratePairwiseSubject(pk []byte, audience string) string {
	h := sha256.New()
	h.Write([]byte("zkid/1/sub"))
	h.Write(pk)
	h.Write([]byte(audience))

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
