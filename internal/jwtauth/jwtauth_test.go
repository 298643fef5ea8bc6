package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://chat.example.com/hub"

type mockIssuer struct {
	srv     *httptest.Server
	issuer  string
	omitJWK bool
}

func newMockIssuer(t *testing.T, keysJSON []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		if !m.omitJWK {
			meta["jwks_uri"] = m.issuer + "/keys"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genKey(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "conn-key"
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func sign(t *testing.T, pk *rsa.PrivateKey, kid, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsFor(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "hub:connect hub:send",
	}
}

func newDiscovered(t *testing.T, mutate func(*Config)) (*Validator, *mockIssuer, *rsa.PrivateKey, string) {
	t.Helper()
	pk, kid, jwks := genKey(t)
	iss := newMockIssuer(t, jwks)
	cfg := DefaultConfig()
	cfg.Issuer = iss.issuer
	cfg.ExpectedAudiences = []string{testAudience}
	if mutate != nil {
		mutate(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v, iss, pk, kid
}

func TestValidator_HappyPath(t *testing.T) {
	v, iss, pk, kid := newDiscovered(t, nil)

	ui, err := v.CheckAuthentication(context.Background(), sign(t, pk, kid, "", claimsFor(iss.issuer)))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "hub:connect hub:send" {
		t.Fatalf("unexpected scope %q", out.Scope)
	}
}

func TestValidator_Static(t *testing.T) {
	pk, kid, jwks := genKey(t)
	iss := newMockIssuer(t, jwks)
	cfg := DefaultConfig()
	cfg.Issuer = iss.issuer
	cfg.ExpectedAudiences = []string{"https://other", testAudience}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, cfg, iss.issuer+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := claimsFor(iss.issuer)
	c["aud"] = []string{"https://unrelated", testAudience}
	if _, err := v.CheckAuthentication(ctx, sign(t, pk, kid, "", c)); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestValidator_DiscoveryWithoutJWKS(t *testing.T) {
	_, _, jwks := genKey(t)
	iss := newMockIssuer(t, jwks)
	iss.omitJWK = true
	cfg := DefaultConfig()
	cfg.Issuer = iss.issuer
	cfg.ExpectedAudiences = []string{testAudience}
	if _, err := NewFromDiscovery(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for missing jwks_uri")
	}
}

func TestValidator_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		typ    string
		claims func(jwt.MapClaims)
		want   error
	}{
		{name: "unknown audience", claims: func(c jwt.MapClaims) { c["aud"] = "https://unknown" }, want: ErrUnauthorized},
		{name: "issuer mismatch", claims: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, want: ErrUnauthorized},
		{name: "expired", claims: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, want: ErrUnauthorized},
		{name: "missing sub", claims: func(c jwt.MapClaims) { delete(c, "sub") }, want: ErrUnauthorized},
		{name: "typ required", mutate: func(c *Config) { c.RequireAccessTokenType = true }, typ: "JWT", want: ErrUnauthorized},
		{name: "all scopes required", mutate: func(c *Config) { c.RequiredScopes = []string{"hub:send", "hub:admin"} }, want: ErrInsufficientScope},
		{name: "any scope required", mutate: func(c *Config) { c.RequiredScopes = []string{"hub:admin"}; c.ScopeModeAny = true }, want: ErrInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, iss, pk, kid := newDiscovered(t, tt.mutate)
			c := claimsFor(iss.issuer)
			if tt.claims != nil {
				tt.claims(c)
			}
			_, err := v.CheckAuthentication(context.Background(), sign(t, pk, kid, tt.typ, c))
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidator_AnyScopeAccepted(t *testing.T) {
	v, iss, pk, kid := newDiscovered(t, func(c *Config) {
		c.RequiredScopes = []string{"hub:admin", "hub:send"}
		c.ScopeModeAny = true
		c.RequireAccessTokenType = true
	})
	if _, err := v.CheckAuthentication(context.Background(), sign(t, pk, kid, "at+jwt", claimsFor(iss.issuer))); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestValidator_NoneAlgorithmNeverAllowed(t *testing.T) {
	v, err := NewWithKeyfunc(&Config{Issuer: "iss", ExpectedAudiences: []string{testAudience}, AllowedAlgs: []string{"none", "RS256"}}, func(*jwt.Token) (any, error) {
		return jwt.UnsafeAllowNoneSignatureType, nil
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claimsFor("iss"))
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.CheckAuthentication(context.Background(), s); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}
