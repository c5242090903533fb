package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready verifies. CatalogLoaded is mandatory;
// a nil checker is skipped.
type ReadinessChecks struct {
	CatalogLoaded func() bool

	FieldStore    HealthChecker
	Events        HealthChecker
	CatalogSource HealthChecker
}

const checkTimeout = 2 * time.Second

var errCatalogEmpty = errors.New("no catalog entries loaded")

type namedCheck struct {
	name    string
	checker HealthChecker
}

// list returns the checks to run. The catalog check is always present;
// the others only when configured.
func (c ReadinessChecks) list() []namedCheck {
	loaded := c.CatalogLoaded
	out := []namedCheck{{"catalog", HealthCheckFunc(func(context.Context) error {
		if loaded == nil || !loaded() {
			return errCatalogEmpty
		}
		return nil
	})}}
	for _, nc := range []namedCheck{
		{"field_store", c.FieldStore},
		{"events", c.Events},
		{"catalog_source", c.CatalogSource},
	} {
		if nc.checker != nil {
			out = append(out, nc)
		}
	}
	return out
}

// HandleHealth reports liveness along with the build identity.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every dependency check concurrently and answers 503
// unless all of them pass.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		outcomes := make([]CheckResult, len(list))

		var g errgroup.Group
		for i, nc := range list {
			g.Go(func() error {
				outcomes[i] = runCheck(r.Context(), nc.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		code := http.StatusOK
		for i, nc := range list {
			resp.Checks[nc.name] = outcomes[i]
			if outcomes[i].Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeStatus(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
