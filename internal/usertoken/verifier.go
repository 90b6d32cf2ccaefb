package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"filevault/pkg/domain"
)

const (
	defaultIssuer   = "filevault-auth"
	defaultAudience = "filevault-api"
	defaultLeeway   = 30 * time.Second
	defaultKeysTTL  = 5 * time.Minute
)

var errUnknownKey = errors.New("unknown token key")

// Config configures access-token verification against a JWKS endpoint.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// callerClaims are the registered claims plus the caller's role.
type callerClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 access tokens and turns them into callers.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	keys     *keySet
}

// NewVerifier fetches the key set once so misconfiguration fails at startup.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{
		issuer:   firstNonEmpty(cfg.Issuer, defaultIssuer),
		audience: firstNonEmpty(cfg.Audience, defaultAudience),
		leeway:   cfg.Leeway,
		keys:     &keySet{url: jwksURL, client: client},
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyCaller validates token and returns the subject with its role.
// Unknown roles collapse to the regular user role.
func (v *Verifier) VerifyCaller(ctx context.Context, token string) (domain.Caller, error) {
	claims, err := v.parse(token)
	if err != nil && (errors.Is(err, errUnknownKey) || v.keys.expired()) {
		if refreshErr := v.keys.refresh(ctx); refreshErr != nil {
			return domain.Caller{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Caller{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Caller{}, errors.New("token subject missing")
	}
	role := domain.RoleUser
	if domain.UserRole(claims.Role) == domain.RoleAdmin {
		role = domain.RoleAdmin
	}
	return domain.Caller{ID: subject, Role: role}, nil
}

func (v *Verifier) parse(token string) (callerClaims, error) {
	claims := callerClaims{}
	keys := v.keys.snapshot()
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

// keySet caches the RSA keys published at url.
type keySet struct {
	url    string
	client *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func (k *keySet) expired() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return time.Now().After(k.expires)
}

func (k *keySet) snapshot() map[string]*rsa.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]*rsa.PublicKey, len(k.keys))
	for kid, key := range k.keys {
		out[kid] = key
	}
	return out
}

type jwkDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (k *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc jwkDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		kid := strings.TrimSpace(jwk.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(jwk.Kty), "RSA") {
			continue
		}
		if pub, err := rsaKey(jwk.N, jwk.E); err == nil {
			keys[kid] = pub
		}
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeysTTL
	}
	k.mu.Lock()
	k.keys = keys
	k.expires = time.Now().Add(ttl)
	k.mu.Unlock()
	return nil
}

func rsaKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// maxAge reads max-age from a Cache-Control header.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		raw, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
