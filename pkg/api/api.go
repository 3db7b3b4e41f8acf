// Package api exposes the identity service over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allsmog/zkid-go/pkg/identity"
	"github.com/allsmog/zkid-go/pkg/jwt"
	mw "github.com/allsmog/zkid-go/pkg/middleware"
)

var log = logging.Logger("zkid/api")

const defaultMaxUploadBytes = 8 << 20

// Config contains configuration for the HTTP surface
type Config struct {
	Issuer   string // token issuer
	Audience string // token audience accepted by /me

	MaxUploadBytes int64         // multipart request limit
	RequestTimeout time.Duration // per-request deadline

	// RateLimit is requests per minute per client; zero disables it.
	RateLimit  int
	TrustProxy bool

	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer
}

// Handlers contains all identity handlers
type Handlers struct {
	svc      *identity.Service
	jwks     jwk.Set
	verifier jwt.TokenVerifier
	config   Config
}

// NewHandlers creates the handlers. signer may be nil, in which case no
// tokens are issued and /me and the JWKS endpoint are not mounted.
func NewHandlers(svc *identity.Service, signer jwt.TokenSigner, config Config) *Handlers {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	h := &Handlers{svc: svc, config: config}
	if signer != nil {
		h.jwks = signer.JWKS()
		h.verifier = jwt.NewJWTVerifier(h.jwks, config.Issuer)
	}
	return h
}

// Router builds the chi router with the middleware stack. The returned
// rate limiter, if any, must be run by the caller to evict idle clients.
func (h *Handlers) Router() (http.Handler, *mw.RateLimiter) {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.CORS)
	if h.config.RequestTimeout > 0 {
		r.Use(chimw.Timeout(h.config.RequestTimeout))
	}

	var rl *mw.RateLimiter
	if h.config.RateLimit > 0 {
		rl = mw.NewRateLimiter(h.config.RateLimit, time.Minute, h.config.TrustProxy)
	}

	r.Get("/health", h.Health)
	if h.config.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if rl != nil {
			r.Use(rl.Handler)
		}
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/login/direct", h.LoginDirect)
		r.Post("/verify", h.Verify)
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.Users)
		r.Get("/{nidHash}", h.User)
		r.Get("/{nidHash}/history", h.History)
	})

	if h.verifier != nil {
		r.Get("/.well-known/jwks.json", h.JWKS)
		r.With(mw.JWTMiddleware(h.verifier, h.config.Audience)).Get("/me", h.Me)
	}

	return r, rl
}
