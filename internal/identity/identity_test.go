package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		ws     bool
		want   string
	}{
		{name: "bearer header", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "basic scheme rejected", header: "Basic abc", want: ""},
		{name: "no credential", want: ""},
		{name: "query ignored on plain request", query: "abc", want: ""},
		{name: "query on websocket upgrade", query: "abc", ws: true, want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws/history"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.ws {
				req.Header.Set("Upgrade", "websocket")
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v, err := NewHS256Verifier(testSecret)
	if err != nil {
		t.Fatalf("NewHS256Verifier: %v", err)
	}
	valid, err := IssueHS256(testSecret, "user-1", "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueHS256: %v", err)
	}

	var gotUser, gotEmail string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotEmail = EmailFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(v)(next)

	tests := []struct {
		name      string
		header    string
		wantCode  int
		wantError string
	}{
		{name: "missing token", wantCode: http.StatusUnauthorized, wantError: "Authentication required. Token missing."},
		{name: "garbage token", header: "Bearer nope", wantCode: http.StatusUnauthorized, wantError: "Invalid or expired token."},
		{name: "valid token", header: "Bearer " + valid, wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotEmail = "", ""
			req := httptest.NewRequest(http.MethodGet, "/api/history/load", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantError != "" {
				var body map[string]string
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body["error"] != tt.wantError {
					t.Errorf("error = %q, want %q", body["error"], tt.wantError)
				}
				if gotUser != "" {
					t.Errorf("next handler ran for rejected request")
				}
				return
			}
			if gotUser != "user-1" || gotEmail != "a@example.com" {
				t.Errorf("identity = (%q, %q), want (user-1, a@example.com)", gotUser, gotEmail)
			}
		})
	}
}

func TestHS256Verifier(t *testing.T) {
	v, err := NewHS256Verifier(testSecret)
	if err != nil {
		t.Fatalf("NewHS256Verifier: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		tok, err := IssueHS256(testSecret, "user-2", "", time.Minute)
		if err != nil {
			t.Fatalf("IssueHS256: %v", err)
		}
		id, err := v.Verify(context.Background(), tok)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if id.UserID != "user-2" {
			t.Errorf("UserID = %q, want user-2", id.UserID)
		}
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := IssueHS256(testSecret, "user-2", "", -time.Minute)
		if err != nil {
			t.Fatalf("IssueHS256: %v", err)
		}
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(expired) error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := IssueHS256("other-secret", "user-2", "", time.Minute)
		if err != nil {
			t.Fatalf("IssueHS256: %v", err)
		}
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(wrong secret) error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "user-2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(wrong issuer) error = %v, want ErrInvalidToken", err)
		}
	})

	if _, err := NewHS256Verifier(""); err == nil {
		t.Error("NewHS256Verifier(\"\") should fail")
	}
}

func newCertServer(t *testing.T, kid string, key *rsa.PrivateKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
		_ = json.NewEncoder(w).Encode(map[string]string{kid: certPEM})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func signFirebase(t *testing.T, key *rsa.PrivateKey, kid, project, subject string, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		Email: "fb@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://securetoken.google.com/" + project,
			Audience:  jwt.ClaimStrings{project},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestFirebaseVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv, hits := newCertServer(t, "kid-1", key)

	v, err := NewFirebaseVerifier("ai-course", nil, WithCertsURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewFirebaseVerifier: %v", err)
	}
	ctx := context.Background()

	good := signFirebase(t, key, "kid-1", "ai-course", "uid-123", time.Now().Add(time.Hour))
	id, err := v.Verify(ctx, good)
	if err != nil {
		t.Fatalf("Verify(valid): %v", err)
	}
	if id.UserID != "uid-123" || id.Email != "fb@example.com" {
		t.Errorf("identity = %+v", id)
	}

	// Second verification is served from the cached certs.
	if _, err := v.Verify(ctx, good); err != nil {
		t.Fatalf("Verify(cached): %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("cert fetches = %d, want 1", n)
	}

	rejects := map[string]string{
		"wrong audience": signFirebase(t, key, "kid-1", "other-project", "uid-123", time.Now().Add(time.Hour)),
		"unknown kid":    signFirebase(t, key, "kid-9", "ai-course", "uid-123", time.Now().Add(time.Hour)),
		"expired":        signFirebase(t, key, "kid-1", "ai-course", "uid-123", time.Now().Add(-time.Minute)),
		"empty subject":  signFirebase(t, key, "kid-1", "ai-course", "", time.Now().Add(time.Hour)),
	}
	for name, tok := range rejects {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"public, max-age=19923, must-revalidate": 19923 * time.Second,
		"max-age=60":                             time.Minute,
		"no-cache":                               defaultCertTTL,
		"":                                       defaultCertTTL,
		"max-age=abc":                            defaultCertTTL,
	}
	for in, want := range tests {
		if got := maxAge(in); got != want {
			t.Errorf("maxAge(%q) = %v, want %v", in, got, want)
		}
	}
}
