package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/config"
	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/model"
)

const (
	testTenant  = "tenant-1"
	testProject = "proj-1"
	anonymous   = ""
	noRoles     = "-"
)

func testRegistry() *catalog.Registry {
	return catalog.NewRegistry([]model.CatalogDocument{{
		Catalog: "transport-test",
		Entries: []model.CatalogEntry{
			{Type: "Combiner Panel", Make: "EATON", Model: "BR816L100RP", AmpRating: "100"},
			{Type: "Combiner Panel", Make: "EATON", Model: "BR816L125RP", AmpRating: "125"},
			{Type: "Combiner Panel", Make: "Enphase", Model: "X-IQ-AM1-240-4", AmpRating: "80"},
			{Type: "Battery", Make: "Tesla", Model: "Powerwall 3"},
			{Type: "Microinverter", Make: "Enphase", Model: "IQ8PLUS-72-2-US", Specs: &model.ElectricalSpecs{
				MaxContinuousOutputAmps: 1.21, MaxStringsOrBranches: 4,
			}},
		},
	}})
}

// roleResolver grants catalog:read to everyone plus the listed
// capabilities per role.
type roleResolver map[string][]string

func (rr roleResolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	caps := model.CapabilitySet{model.CapCatalogRead: true}
	for _, role := range rctx.Roles {
		for _, c := range rr[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

var testRoles = roleResolver{
	"designer": {model.CapFieldsRead, model.CapFieldsWrite},
	"reviewer": {model.CapFieldsRead},
	"admin":    {"*"},
}

// headerAuth stands in for JWT verification: X-Test-Roles becomes the
// roles claim of an authenticated caller.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := r.Header[http.CanonicalHeaderKey("X-Test-Roles")]
		if !ok {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		var roles []any
		for _, role := range strings.Split(raw[0], ",") {
			if role != "" && role != noRoles {
				roles = append(roles, role)
			}
		}
		claims := map[string]any{"sub": "user-1", "tenant_id": testTenant, "roles": roles}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type countingReloader struct {
	calls   int
	changed bool
	err     error
}

func (c *countingReloader) Reload(context.Context) (bool, error) {
	c.calls++
	return c.changed, c.err
}

type countingFlusher struct{ flushes int }

func (c *countingFlusher) Flush() { c.flushes++ }

type testServer struct {
	handler  http.Handler
	registry *catalog.Registry
	store    *fieldstore.MemoryStore
	reloader *countingReloader
	flusher  *countingFlusher
	metrics  *observability.Metrics
}

func newTestServer(t *testing.T, mutate ...func(*Dependencies)) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	reg := prometheus.NewRegistry()
	s := &testServer{
		registry: testRegistry(),
		store:    fieldstore.NewMemoryStore(),
		reloader: &countingReloader{changed: true},
		flusher:  &countingFlusher{},
		metrics:  observability.InitMetrics(reg),
	}
	deps := Dependencies{
		Config:             cfg,
		Logger:             zap.NewNop(),
		Engine:             engine.New(s.registry, s.store),
		Authenticate:       headerAuth,
		CapabilityResolver: testRoles,
		Reloader:           s.reloader,
		Flusher:            s.flusher,
		Metrics:            s.metrics,
		Gatherer:           reg,
		Readiness:          observability.ReadinessChecks{CatalogLoaded: s.registry.Loaded},
	}
	for _, m := range mutate {
		m(&deps)
	}
	s.handler = NewRouter(deps)
	return s
}

// do sends a request as a caller holding roles (comma separated). Use
// anonymous for an unauthenticated request.
func (s *testServer) do(t *testing.T, method, path, roles string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if roles != anonymous {
		req.Header.Set("X-Test-Roles", roles)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) seed(t *testing.T, fields map[string]string) int64 {
	t.Helper()
	snap, err := s.store.Apply(context.Background(), fieldstore.Mutation{
		TenantID:        testTenant,
		ProjectID:       testProject,
		Writes:          fields,
		ExpectedVersion: fieldstore.AnyVersion,
	})
	if err != nil {
		t.Fatalf("seeding project: %v", err)
	}
	return snap.Version
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/health", anonymous, nil)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body observability.HealthResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers should apply to public routes")
	}
}

func TestNewRouter_ready(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, "GET", "/ready", anonymous, nil); w.Code != 200 {
		t.Errorf("status = %d, want 200 with a loaded catalog", w.Code)
	}

	empty := newTestServer(t, func(d *Dependencies) {
		d.Readiness.CatalogLoaded = catalog.NewRegistry(nil).Loaded
	})
	if w := empty.do(t, "GET", "/ready", anonymous, nil); w.Code != 503 {
		t.Errorf("status = %d, want 503 without a catalog", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "GET", "/v1/catalog/types", noRoles, nil)

	w := s.do(t, "GET", "/metrics", anonymous, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "voltplan_http_requests_total") {
		t.Error("metrics endpoint should expose the HTTP counters")
	}
	got := testutil.ToFloat64(s.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/v1/catalog/types", "200"))
	if got != 1 {
		t.Errorf("requests recorded under the route pattern = %v, want 1", got)
	}
}

func TestNewRouter_authenticated_routes_are_registered(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/catalog/types"},
		{"GET", "/v1/catalog/types/Battery/makes"},
		{"GET", "/v1/catalog/types/Battery/models"},
		{"POST", "/v1/catalog/reload"},
		{"GET", "/v1/sizing"},
		{"POST", "/v1/distribution"},
		{"POST", "/v1/strings/validate"},
		{"GET", "/v1/projects/p1/fields"},
		{"POST", "/v1/projects/p1/fields"},
		{"GET", "/v1/projects/p1/history"},
		{"GET", "/v1/projects/p1/slots/battery1/options/make"},
		{"DELETE", "/v1/projects/p1/slots/battery1"},
		{"POST", "/v1/projects/p1/slots/inverter1/distribution"},
		{"POST", "/v1/projects/p1/recompute"},
		{"POST", "/v1/projects/p1/bos"},
		{"GET", "/v1/projects/p1/configuration"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := s.do(t, rt.method, rt.path, anonymous, nil)
			if w.Code != 401 {
				t.Errorf("status = %d, want 401 (route should exist and require auth)", w.Code)
			}
		})
	}
}

func TestNewRouter_unknown_route(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, "GET", "/v1/nothing-here", "admin", nil); w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_capability_gating(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		roles  string
		body   any
		want   int
	}{
		{"catalog read for everyone", "GET", "/v1/catalog/types", noRoles, nil, 200},
		{"fields read needs a role", "GET", "/v1/projects/proj-1/fields", noRoles, nil, 403},
		{"reviewer reads fields", "GET", "/v1/projects/proj-1/fields", "reviewer", nil, 200},
		{"reviewer cannot write", "POST", "/v1/projects/proj-1/fields", "reviewer",
			map[string]any{"key": "backup_option", "value": "none"}, 403},
		{"designer writes", "POST", "/v1/projects/proj-1/fields", "designer",
			map[string]any{"key": "backup_option", "value": "none", "expected_version": -1}, 200},
		{"designer cannot reload", "POST", "/v1/catalog/reload", "designer", nil, 403},
		{"admin reloads", "POST", "/v1/catalog/reload", "admin", nil, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(t, tt.method, tt.path, tt.roles, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestNewRouter_cors_preflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/v1/projects/proj-1/fields", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204 (preflight must not require auth)", w.Code)
	}
}
