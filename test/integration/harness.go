// Package integration provides a reusable test harness for end-to-end
// integration testing of the voltplan server. It starts a full HTTP server
// over the shipped catalog files, a mock equipment-catalog service, an
// in-memory field store, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/capability"
	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/catalogsource"
	"github.com/pitabwire/voltplan/internal/config"
	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/internal/events"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/transport"
	"github.com/pitabwire/voltplan/model"
)

// TestHarness encapsulates a fully wired voltplan instance with a mock
// catalog service for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	service *MockCatalogService

	// Internal components exposed for advanced test scenarios.
	Registry    *catalog.Registry
	Reloader    *catalog.Reloader
	Remote      *catalogsource.Client
	Store       *fieldstore.MemoryStore
	Engine      *engine.Engine
	CapResolver *capability.Resolver
	Redis       *miniredis.Miniredis
	Events      *recordingConn
	Metrics     *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	catalogDirs    []string
	policyFile     string
	remoteCatalog  map[string]map[string][]RemoteModel
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
	handlerTimeout time.Duration
}

// WithCatalogDirs sets the local catalog directories to load.
func WithCatalogDirs(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.catalogDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRemoteCatalog sets the equipment served by the mock catalog service.
func WithRemoteCatalog(catalog map[string]map[string][]RemoteModel) HarnessOption {
	return func(c *harnessConfig) {
		c.remoteCatalog = catalog
	}
}

// WithCircuitBreaker configures the catalog client's circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithRetry configures the catalog client's retry policy.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full voltplan test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.catalogDirs) == 0 {
		hc.catalogDirs = []string{filepath.Join(repoRoot(), "catalogs")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policy.yaml")
	}
	if hc.remoteCatalog == nil {
		hc.remoteCatalog = DefaultRemoteCatalog()
	}

	h := &TestHarness{t: t}

	// Step 1: Start the mock catalog service and write its spec.
	h.service = newMockCatalogService(t, hc.remoteCatalog)
	specPath := filepath.Join(t.TempDir(), "equipment-catalog.yaml")
	spec := strings.ReplaceAll(catalogServiceSpec, "{{CATALOG_SVC_URL}}", h.service.URL())
	if err := os.WriteFile(specPath, []byte(spec), 0o644); err != nil {
		t.Fatalf("write catalog service spec: %v", err)
	}

	// Step 2: Build config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Identity.Algorithms = h.issuer.Algorithms()
	h.cfg.Catalog.Directories = hc.catalogDirs
	h.cfg.CatalogSource.Enabled = true
	h.cfg.CatalogSource.SpecFile = specPath
	h.cfg.CatalogSource.Timeout = 2 * time.Second
	h.cfg.CatalogSource.Types = sortedKeys(hc.remoteCatalog)
	h.cfg.CatalogSource.CircuitBreaker = hc.breaker
	h.cfg.CatalogSource.Retry = hc.retry
	h.cfg.Capability.StaticPolicyFile = hc.policyFile
	h.cfg.Capability.Cache.TTL = 0 // no caching in tests
	if err := h.cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)

	// Step 3: Build the remote catalog client over a shared Redis cache.
	h.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ops, err := catalogsource.LoadOperations(specPath, "")
	if err != nil {
		t.Fatalf("load catalog service spec: %v", err)
	}
	h.Remote = catalogsource.New(h.cfg.CatalogSource, ops,
		catalogsource.WithRecorder(h.Metrics),
		catalogsource.WithSharedCache(catalogsource.NewRedisCache(rdb, h.cfg.CatalogSource.Redis.Prefix)),
		catalogsource.WithSnapshotLock(redislock.New(rdb), time.Second),
	)

	// Step 4: Load the catalog from files and the service.
	h.Registry = catalog.NewRegistry(nil)
	h.Reloader = catalog.NewReloader(h.Registry, catalog.NewValidator(),
		[]catalog.Source{
			catalog.DirSource{Loader: catalog.NewLoader(), Directories: hc.catalogDirs},
			h.Remote,
		},
		catalog.OnReload(func(ix *catalog.Index) { h.Metrics.SetCatalogEntriesLoaded(float64(ix.Len())) }),
	)
	if _, err := h.Reloader.Reload(context.Background()); err != nil {
		t.Fatalf("initial catalog load: %v", err)
	}

	// Step 5: Build capability resolver.
	policy, err := capability.NewStaticPolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(policy, 0)

	// Step 6: Build store, publisher and engine.
	h.Store = fieldstore.NewMemoryStore()
	h.Events = &recordingConn{}
	publisher := events.NewNATSPublisherWithConn(h.Events, h.cfg.Events.SubjectPrefix, logger)
	h.Engine = engine.New(h.Registry, h.Store,
		engine.WithPublisher(publisher),
		engine.WithRecorder(h.Metrics),
		engine.WithLogger(logger),
		engine.WithBranchCircuitAmps(h.cfg.Stringing.BranchCircuitAmps),
	)

	// Step 7: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Engine:             h.Engine,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Reloader:           h.Reloader,
		Flusher:            h.Remote,
		Metrics:            h.Metrics,
		Gatherer:           reg,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: h.Registry.Loaded,
			FieldStore:    observability.HealthCheckFunc(h.Store.Ping),
			Events:        publisher,
			CatalogSource: h.Remote,
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// CatalogService returns the mock equipment-catalog service.
func (h *TestHarness) CatalogService() *MockCatalogService {
	return h.service
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed by a key the server does not trust.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the envelope code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	return body.Error
}

// --- Default test claims ---

// DesignerClaims returns TestClaims for a designer who edits projects.
func DesignerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-designer",
		TenantID:  "sunworks",
		Roles:     []string{"designer"},
	}
}

// ReviewerClaims returns TestClaims for a read-only reviewer.
func ReviewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-reviewer",
		TenantID:  "sunworks",
		Roles:     []string{"reviewer"},
	}
}

// AdminClaims returns TestClaims for a catalog administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "sunworks",
		Roles:     []string{"catalog_admin", "designer"},
	}
}

// --- Event capture ---

// recordingConn stands in for a NATS connection and keeps every message.
type recordingConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (c *recordingConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *recordingConn) Status() nats.Status { return nats.CONNECTED }

func (c *recordingConn) Drain() error { return nil }

// Subjects returns the subjects published so far.
func (c *recordingConn) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Subject
	}
	return out
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// repoRoot returns the module root, two levels above this package.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// ProjectPath returns the API path of a project resource.
func ProjectPath(projectID, rest string) string {
	return fmt.Sprintf("/v1/projects/%s%s", projectID, rest)
}
