package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	zkjwt "github.com/allsmog/zkid-go/pkg/jwt"
)

const (
	testIssuer   = "https://id.example.com"
	testAudience = "test-audience"
	testNIDHash  = "15e2b0d3c33891ebb0f1ef609ec419420c20e320ce94c65fbc8c3312448eb225"
)

func newTestSigner(t *testing.T) *zkjwt.ES256Signer {
	t.Helper()
	privateKey, err := zkjwt.GenerateES256KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := zkjwt.NewES256Signer(privateKey, "test-key", testIssuer)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func createTestJWT(t *testing.T, signer zkjwt.TokenSigner, audience, group string) string {
	t.Helper()
	token, err := zkjwt.MintIdentityToken(signer, zkjwt.IdentityToken{
		Issuer:     testIssuer,
		Audience:   audience,
		NIDHash:    testNIDHash,
		Group:      group,
		ProofID:    uuid.NewString(),
		Commitment: []byte("R"),
		Challenge:  []byte("c"),
		TTL:        time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create JWT: %v", err)
	}
	return token
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
})

func TestJWTMiddleware(t *testing.T) {
	signer := newTestSigner(t)
	middleware := JWTMiddleware(zkjwt.NewJWTVerifier(signer.JWKS(), testIssuer), testAudience)

	t.Run("ValidJWT", func(t *testing.T) {
		token := createTestJWT(t, signer, testAudience, "secp256k1")

		req := httptest.NewRequest("GET", "https://api.example.com/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetJWTClaims(r)
			if !ok {
				t.Fatal("JWT claims should be in context")
			}
			if claims.Subject != testNIDHash {
				t.Errorf("wrong subject: %s", claims.Subject)
			}
			if claims.ZK == nil || claims.ZK.Scheme != zkjwt.Scheme {
				t.Error("ZK claims mismatch")
			}
			w.WriteHeader(http.StatusOK)
		})

		middleware(handler).ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("LowercaseScheme", func(t *testing.T) {
		token := createTestJWT(t, signer, testAudience, "secp256k1")
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "bearer "+token)
		rr := httptest.NewRecorder()

		middleware(okHandler).ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	rejected := []struct {
		name   string
		header string
	}{
		{"MissingAuthorization", ""},
		{"InvalidAuthorizationFormat", "Basic dGVzdA=="},
		{"EmptyBearer", "Bearer "},
		{"WrongAudience", "Bearer " + createTestJWT(t, signer, "wrong-audience", "secp256k1")},
		{"Garbage", "Bearer not.a.jwt"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			middleware(okHandler).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rr.Code)
			}
			if rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate challenge")
			}
		})
	}
}

func TestRequireCurve(t *testing.T) {
	signer := newTestSigner(t)
	verifier := zkjwt.NewJWTVerifier(signer.JWKS(), testIssuer)
	chain := func(curve string) http.Handler {
		return JWTMiddleware(verifier, testAudience)(RequireCurve(curve)(okHandler))
	}

	t.Run("ValidCurve", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+createTestJWT(t, signer, testAudience, "secp256k1"))
		rr := httptest.NewRecorder()

		chain("secp256k1").ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("WrongCurve", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+createTestJWT(t, signer, testAudience, "ristretto255"))
		rr := httptest.NewRecorder()

		chain("secp256k1").ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rr.Code)
		}
	})

	t.Run("NoClaims", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RequireCurve("secp256k1")(okHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/me", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected 500 without JWTMiddleware, got %d", rr.Code)
		}
	})
}

func TestUtilityMiddleware(t *testing.T) {
	t.Run("CORS", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()

		CORS(okHandler).ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
			t.Errorf("expected CORS origin *, got %s", origin)
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Expose-Headers"), "X-NID-Hash") {
			t.Error("registration headers should be exposed to browsers")
		}
	})

	t.Run("CORSOptions", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		rr := httptest.NewRecorder()

		CORS(okHandler).ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if body := rr.Body.String(); body != "" {
			t.Error("OPTIONS should not call next handler")
		}
	})

	t.Run("RequestID", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

		requestID := rr.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			t.Errorf("expected generated UUID request ID, got %q", requestID)
		}
		if seen != requestID {
			t.Errorf("context request ID %q does not match header %q", seen, requestID)
		}
	})

	t.Run("RequestIDExisting", func(t *testing.T) {
		existingID := "test-request-123"
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, existingID)
		rr := httptest.NewRecorder()

		RequestID(okHandler).ServeHTTP(rr, req)

		if requestID := rr.Header().Get(RequestIDHeader); requestID != existingID {
			t.Errorf("expected request ID %s, got %s", existingID, requestID)
		}
	})

	t.Run("RequestIDOversized", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("a", 500))
		rr := httptest.NewRecorder()

		RequestID(okHandler).ServeHTTP(rr, req)

		if len(rr.Header().Get(RequestIDHeader)) > 128 {
			t.Error("oversized request ID should be replaced")
		}
	})

	t.Run("Recovery", func(t *testing.T) {
		panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
		rr := httptest.NewRecorder()

		Recovery(panicHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500 after panic, got %d", rr.Code)
		}
		if body := rr.Body.String(); !strings.Contains(body, "internal server error") {
			t.Errorf("expected error message, got %s", body)
		}
	})

	t.Run("RecoveryNoPanic", func(t *testing.T) {
		rr := httptest.NewRecorder()

		Recovery(okHandler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

		if body := rr.Body.String(); body != "OK" {
			t.Errorf("expected OK, got %s", body)
		}
	})
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, false)

	counter := 0
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/rate", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected request %d to succeed, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit to trigger, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	other := httptest.NewRequest("GET", "/rate", nil)
	other.RemoteAddr = "192.0.2.2:1234"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Errorf("other clients should have their own bucket, got %d", rr.Code)
	}

	if counter != 3 {
		t.Fatalf("expected handler to execute three times, ran %d times", counter)
	}
}

func TestRateLimitForwardedFor(t *testing.T) {
	newReq := func(xff string) *http.Request {
		req := httptest.NewRequest("GET", "/rate", nil)
		req.RemoteAddr = "10.0.0.1:999"
		req.Header.Set("X-Forwarded-For", xff)
		return req
	}

	t.Run("Trusted", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Minute, true)
		if got := rl.clientIP(newReq("203.0.113.9, 10.0.0.1")); got != "203.0.113.9" {
			t.Errorf("expected forwarded client, got %s", got)
		}
	})

	t.Run("Untrusted", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Minute, false)
		if got := rl.clientIP(newReq("203.0.113.9")); got != "10.0.0.1" {
			t.Errorf("forwarded header must be ignored, got %s", got)
		}
	})
}

func TestRateLimiterEviction(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	rl.getLimiter("192.0.2.1")
	rl.getLimiter("192.0.2.2")

	rl.evict(time.Now().Add(time.Second))

	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("idle visitors should be evicted, have %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Run should return when the context is cancelled")
	}
}

func TestLogging(t *testing.T) {
	handler := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/brew", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status should pass through, got %d", rr.Code)
	}
}
