package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuerKeyID    = "sunworks-idp-2026"
	issuerURL      = "https://login.sunworks.example"
	issuerAudience = "voltplan-api"
)

// TestClaims describes the identity a test token carries. Extra entries
// override the registered claims, which lets a test forge e.g. a foreign
// audience.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Utility   string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the matching public key as a JWKS document.
type tokenIssuer struct {
	t    *testing.T
	key  *ecdsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	ti := &tokenIssuer{t: t, key: newP256Key(t)}

	pub := ti.key.PublicKey
	doc, err := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kid": issuerKeyID,
		"kty": "EC",
		"crv": "P-256",
		"alg": "ES256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}}})
	if err != nil {
		t.Fatalf("encode jwks: %v", err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func newP256Key(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate P-256 key: %v", err)
	}
	return key
}

// GenerateToken returns a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(ti.key, c, time.Now().Add(time.Hour))
}

// GenerateExpiredToken returns a token that expired an hour ago, well
// outside the verifier's clock leeway.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(ti.key, c, time.Now().Add(-time.Hour))
}

// GenerateForeignToken signs under the published kid with a key the JWKS
// document does not contain.
func (ti *tokenIssuer) GenerateForeignToken(c TestClaims) string {
	return ti.sign(newP256Key(ti.t), c, time.Now().Add(time.Hour))
}

func (ti *tokenIssuer) sign(key *ecdsa.PrivateKey, c TestClaims, exp time.Time) string {
	claims := jwt.MapClaims{
		"iss":       issuerURL,
		"aud":       issuerAudience,
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"iat":       jwt.NewNumericDate(exp.Add(-2 * time.Hour)),
		"exp":       jwt.NewNumericDate(exp),
	}
	if c.Utility != "" {
		claims["utility"] = c.Utility
	}
	if len(c.Roles) > 0 {
		claims["roles"] = c.Roles
	}
	for k, v := range c.Extra {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = issuerKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string      { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string       { return issuerURL }
func (ti *tokenIssuer) Audience() string     { return issuerAudience }
func (ti *tokenIssuer) Algorithms() []string { return []string{"ES256"} }
