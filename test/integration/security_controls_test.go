package integration

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/voltplan/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_no_auth_header_returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/catalog/types",
		"/v1/catalog/types/Combiner%20Panel/makes",
		"/v1/sizing?amps=32",
		ProjectPath(flowProject, "/fields"),
		ProjectPath(flowProject, "/configuration"),
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertErrorCode(t, h.GET(ep, ""), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_rejected_tokens_return401(t *testing.T) {
	h := NewTestHarness(t)

	wrongAudience := DesignerClaims()
	wrongAudience.Extra = map[string]any{"aud": "some-other-service"}

	noTenant := DesignerClaims()
	noTenant.TenantID = ""

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","tenant_id":"sunworks","roles":["catalog_admin"]}`))

	tests := []struct {
		name  string
		token string
	}{
		{"expired", h.GenerateExpiredToken(DesignerClaims())},
		{"untrusted signing key", h.GenerateForeignToken(DesignerClaims())},
		{"wrong audience", h.GenerateToken(wrongAudience)},
		{"missing tenant", h.GenerateToken(noTenant)},
		{"none algorithm", header + "." + payload + "."},
		{"malformed", "not.a.valid.jwt.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertStatus(t, h.GET("/v1/catalog/types", tt.token), http.StatusUnauthorized)
		})
	}
}

func TestSecurity_valid_jwt_returns200(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	h.AssertStatus(t, h.GET("/v1/catalog/types", token), http.StatusOK)
}

// ==========================================================================
// Capability Tests
// ==========================================================================

func TestSecurity_reviewer_cannot_edit_fields(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	h.AssertErrorCode(t, h.POST(ProjectPath(flowProject, "/fields"), map[string]any{
		"key": "backup_option", "value": "none", "expected_version": -1,
	}, token), http.StatusForbidden, model.ErrForbidden)

	h.AssertStatus(t, h.DELETE(ProjectPath(flowProject, "/slots/battery1"), token), http.StatusForbidden)
	h.AssertStatus(t, h.POST(ProjectPath(flowProject, "/recompute"), nil, token), http.StatusForbidden)
}

func TestSecurity_catalog_reload_requires_admin(t *testing.T) {
	h := NewTestHarness(t)

	designer := h.GenerateToken(DesignerClaims())
	h.AssertErrorCode(t, h.POST("/v1/catalog/reload", nil, designer), http.StatusForbidden, model.ErrForbidden)

	admin := h.GenerateToken(AdminClaims())
	h.AssertStatus(t, h.POST("/v1/catalog/reload", nil, admin), http.StatusOK)
}

func TestSecurity_error_response_no_stack_trace(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	resp := h.POST("/v1/catalog/reload", nil, token)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, pattern := range []string{"goroutine", ".go:", "panic", "runtime.", "/internal/"} {
		if strings.Contains(string(body), pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, body)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_headers(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "no-referrer",
	}

	cases := map[string]*http.Response{
		"authenticated": h.GET("/v1/catalog/types", token),
		"unauthorized":  h.GET("/v1/catalog/types", ""),
		"public":        h.GET("/health", ""),
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			resp.Body.Close()
			for header, want := range expected {
				if got := resp.Header.Get(header); got != want {
					t.Errorf("header %s = %q, want %q", header, got, want)
				}
			}
		})
	}
}

func TestSecurity_correlation_idreturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	resp1 := h.GET("/v1/catalog/types", token)
	resp1.Body.Close()
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/v1/catalog/types", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_cors(t *testing.T) {
	h := NewTestHarness(t)

	allowed := h.GETWithHeaders("/health", "", map[string]string{"Origin": "http://localhost:3000"})
	allowed.Body.Close()
	if allowed.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}

	denied := h.GETWithHeaders("/health", "", map[string]string{"Origin": "https://evil.example.com"})
	denied.Body.Close()
	if denied.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
