package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"
)

// Operation IDs published by the equipment-catalog test spec.
const (
	opListManufacturers = "listManufacturers"
	opListModels        = "listModels"
)

// catalogServiceSpec is the OpenAPI document the harness indexes. The
// server URL is replaced with the mock's address.
const catalogServiceSpec = `
openapi: 3.0.3
info:
  title: Equipment Catalog
  version: "1.0"
servers:
  - url: "{{CATALOG_SVC_URL}}"
paths:
  /v1/equipment-types/{type}/manufacturers:
    get:
      operationId: listManufacturers
      parameters:
        - {name: type, in: path, required: true, schema: {type: string}}
      responses:
        "200": {description: manufacturers}
  /v1/equipment-types/{type}/manufacturers/{make}/models:
    get:
      operationId: listModels
      parameters:
        - {name: type, in: path, required: true, schema: {type: string}}
        - {name: make, in: path, required: true, schema: {type: string}}
      responses:
        "200": {description: models}
`

// RemoteModel is one model record served by the mock catalog service.
type RemoteModel struct {
	Model     string         `json:"model"`
	AmpRating string         `json:"amp_rating,omitempty"`
	Specs     map[string]any `json:"specs,omitempty"`
}

// MockCatalogService simulates the equipment-catalog service. It serves
// manufacturers and models from an in-memory catalog, lets tests queue
// failures per operation, and counts the calls it receives.
type MockCatalogService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.RWMutex
	catalog  map[string]map[string][]RemoteModel
	failures map[string][]*mockResponse
	calls    map[string]int
}

type mockResponse struct {
	status    int
	delay     time.Duration
	connError bool
	sticky    bool
}

// OperationMock is a builder for configuring failures of one operation.
type OperationMock struct {
	service *MockCatalogService
	opID    string
}

// DefaultRemoteCatalog is the equipment the mock service offers. Its types
// do not overlap the shipped catalog files.
func DefaultRemoteCatalog() map[string]map[string][]RemoteModel {
	return map[string]map[string][]RemoteModel{
		"EV Charger": {
			"ChargePoint": {{Model: "CPH50-NEMA6-50", AmpRating: "50"}},
			"Tesla":       {{Model: "Wall Connector Gen 3", AmpRating: "60"}},
		},
	}
}

func newMockCatalogService(t *testing.T, catalog map[string]map[string][]RemoteModel) *MockCatalogService {
	t.Helper()

	ms := &MockCatalogService{
		t:        t,
		catalog:  catalog,
		failures: make(map[string][]*mockResponse),
		calls:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/equipment-types/{type}/manufacturers", ms.handle(opListManufacturers, func(r *http.Request) (any, bool) {
		makes, ok := ms.catalog[r.PathValue("type")]
		if !ok {
			return nil, false
		}
		names := make([]string, 0, len(makes))
		for name := range makes {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, true
	}))
	mux.HandleFunc("GET /v1/equipment-types/{type}/manufacturers/{make}/models", ms.handle(opListModels, func(r *http.Request) (any, bool) {
		models, ok := ms.catalog[r.PathValue("type")][r.PathValue("make")]
		return models, ok
	}))

	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

// URL returns the base URL of the mock service.
func (ms *MockCatalogService) URL() string {
	return ms.server.URL
}

// SetCatalog replaces the equipment the service offers.
func (ms *MockCatalogService) SetCatalog(catalog map[string]map[string][]RemoteModel) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.catalog = catalog
}

// OnOperation returns a builder for configuring failures of the named operation.
func (ms *MockCatalogService) OnOperation(operationID string) *OperationMock {
	return &OperationMock{service: ms, opID: operationID}
}

// FailWith queues one response with the given status.
func (om *OperationMock) FailWith(status int) *OperationMock {
	om.service.addFailure(om.opID, &mockResponse{status: status})
	return om
}

// AlwaysFailWith makes every later call answer with status until Reset.
func (om *OperationMock) AlwaysFailWith(status int) *OperationMock {
	om.service.addFailure(om.opID, &mockResponse{status: status, sticky: true})
	return om
}

// DelayBy queues one successful response that is delayed.
func (om *OperationMock) DelayBy(d time.Duration) *OperationMock {
	om.service.addFailure(om.opID, &mockResponse{delay: d})
	return om
}

// DropConnection queues one call whose connection is closed without an answer.
func (om *OperationMock) DropConnection() *OperationMock {
	om.service.addFailure(om.opID, &mockResponse{connError: true})
	return om
}

func (ms *MockCatalogService) addFailure(opID string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures[opID] = append(ms.failures[opID], resp)
}

func (ms *MockCatalogService) nextFailure(opID string) *mockResponse {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls[opID]++
	queue := ms.failures[opID]
	if len(queue) == 0 {
		return nil
	}
	resp := queue[0]
	if !resp.sticky {
		ms.failures[opID] = queue[1:]
	}
	return resp
}

func (ms *MockCatalogService) handle(opID string, lookup func(*http.Request) (any, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp := ms.nextFailure(opID); resp != nil {
			if resp.connError {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, _ := hj.Hijack(); conn != nil {
						conn.Close()
					}
				}
				return
			}
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			if resp.status != 0 {
				w.WriteHeader(resp.status)
				return
			}
		}

		ms.mu.RLock()
		data, ok := lookup(r)
		ms.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

// Calls returns how often the operation was called.
func (ms *MockCatalogService) Calls(operationID string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.calls[operationID]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (ms *MockCatalogService) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := ms.Calls(operationID); actual != expectedCount {
		t.Errorf("catalog service: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// Reset clears queued failures and call counts.
func (ms *MockCatalogService) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failures = make(map[string][]*mockResponse)
	ms.calls = make(map[string]int)
}
