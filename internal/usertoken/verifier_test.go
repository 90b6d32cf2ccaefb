package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"filevault/pkg/domain"
)

// jwksServer publishes whichever keys are currently set.
type jwksServer struct {
	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
	hits int
}

func (s *jwksServer) set(kid string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = map[string]*rsa.PublicKey{kid: &key.PublicKey}
}

func (s *jwksServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	doc := map[string]any{"keys": []map[string]string{}}
	for kid, key := range s.keys {
		doc["keys"] = append(doc["keys"].([]map[string]string), map[string]string{
			"kty": "RSA",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(doc)
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims callerClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func claimsFor(subject, role string, issuedAt time.Time) callerClaims {
	return callerClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "vault-auth",
			Audience:  jwt.ClaimStrings{"vault-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyCallerReadsRoleAndRefreshesOnUnknownKid(t *testing.T) {
	key1, key2 := generateKey(t), generateKey(t)
	jwks := &jwksServer{}
	jwks.set("kid-1", key1)
	srv := httptest.NewServer(jwks)
	defer srv.Close()

	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: srv.URL, Issuer: "vault-auth", Audience: "vault-api"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	caller, err := v.VerifyCaller(ctx, sign(t, key1, "kid-1", claimsFor("admin-7", "admin", time.Now())))
	if err != nil || caller.ID != "admin-7" || caller.Role != domain.RoleAdmin {
		t.Fatalf("verify admin token: caller=%+v err=%v", caller, err)
	}

	jwks.set("kid-2", key2)
	caller, err = v.VerifyCaller(ctx, sign(t, key2, "kid-2", claimsFor("user-3", "superuser", time.Now())))
	if err != nil || caller.ID != "user-3" || caller.Role != domain.RoleUser {
		t.Fatalf("verify rotated token: caller=%+v err=%v", caller, err)
	}
	if jwks.hits != 2 {
		t.Fatalf("jwks fetched %d times, want 2", jwks.hits)
	}
}

func TestVerifyCallerRejectsBadTokens(t *testing.T) {
	key, other := generateKey(t), generateKey(t)
	jwks := &jwksServer{}
	jwks.set("kid-1", key)
	srv := httptest.NewServer(jwks)
	defer srv.Close()

	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: srv.URL, Issuer: "vault-auth", Audience: "vault-api", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	wrongAudience := claimsFor("user-1", "", time.Now())
	wrongAudience.Audience = jwt.ClaimStrings{"elsewhere"}
	cases := map[string]string{
		"future iat":     sign(t, key, "kid-1", claimsFor("user-1", "", time.Now().Add(2*time.Minute))),
		"foreign key":    sign(t, other, "kid-1", claimsFor("user-1", "", time.Now())),
		"wrong audience": sign(t, key, "kid-1", wrongAudience),
		"no subject":     sign(t, key, "kid-1", claimsFor("", "", time.Now())),
		"garbage":        "not-a-token",
	}
	for name, token := range cases {
		if _, err := v.VerifyCaller(ctx, token); err == nil {
			t.Fatalf("%s: expected verification failure", name)
		}
	}
}

func TestMaxAge(t *testing.T) {
	if got := maxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("maxAge = %v, want 1m", got)
	}
	if got := maxAge("no-store"); got != 0 {
		t.Fatalf("maxAge = %v, want 0", got)
	}
}
