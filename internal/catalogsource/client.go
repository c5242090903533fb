package catalogsource

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/voltplan/internal/config"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/model"
)

// Recorder receives client metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration)
	SetBackendCircuitBreakerState(serviceID string, state float64)
	RecordBackendRetry(serviceID string)
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
	SetOpenAPIOperationsIndexed(serviceID string, count float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopRecorder) SetBackendCircuitBreakerState(string, float64)           {}
func (nopRecorder) RecordBackendRetry(string)                               {}
func (nopRecorder) RecordCacheHit(string)                                   {}
func (nopRecorder) RecordCacheMiss(string)                                  {}
func (nopRecorder) SetOpenAPIOperationsIndexed(string, float64)             {}

// Cache tiers as reported to the Recorder.
const (
	TierMemory = "memory"
	TierShared = "redis"
)

const (
	maxResponseBytes    = 10 << 20
	snapshotConcurrency = 4
)

var errBreakerOpen = errors.New("catalogsource: circuit breaker is open")

// Client reads manufacturers and models from the equipment-catalog service.
type Client struct {
	cfg      config.CatalogSourceConfig
	ops      *Operations
	http     *http.Client
	breaker  *Breaker
	memory   *MemoryCache
	shared   Cache
	group    singleflight.Group
	recorder Recorder
	logger   *zap.Logger
	locker   *redislock.Client
	lockWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSharedCache adds a second cache tier behind the in-memory one.
func WithSharedCache(cache Cache) Option {
	return func(c *Client) { c.shared = cache }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the operations in ops.
func New(cfg config.CatalogSourceConfig, ops *Operations, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 30 * time.Minute
	}
	c := &Client{
		cfg: cfg,
		ops: ops,
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        20,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			}),
		},
		memory:   NewMemoryCache(cfg.Cache.MaxEntries),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = NewBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.recorder.SetBackendCircuitBreakerState(c.cfg.ServiceID, float64(s))
		c.logger.Warn("catalog service breaker changed state",
			zap.String("service_id", c.cfg.ServiceID),
			zap.Stringer("state", s),
		)
	})
	c.recorder.SetOpenAPIOperationsIndexed(cfg.ServiceID, float64(ops.Len()))
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Flush drops the in-memory tier so the next reads go to the shared cache
// or the service.
func (c *Client) Flush() { c.memory.Flush() }

type envelope[T any] struct {
	Data T `json:"data"`
}

type modelRecord struct {
	Model     string                 `json:"model"`
	AmpRating string                 `json:"amp_rating,omitempty"`
	Specs     *model.ElectricalSpecs `json:"specs,omitempty"`
}

// ListManufacturers returns the manufacturers offering equipment of typ.
func (c *Client) ListManufacturers(ctx context.Context, typ string) ([]string, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, model.NewBadRequestError("equipment type is required")
	}
	return fetch[[]string](ctx, c, "makes:"+typ, OpListManufacturers, map[string]string{"type": typ})
}

// ListModels returns the catalog entries of one manufacturer for typ.
func (c *Client) ListModels(ctx context.Context, typ, mfr string) ([]model.CatalogEntry, error) {
	if strings.TrimSpace(typ) == "" || strings.TrimSpace(mfr) == "" {
		return nil, model.NewBadRequestError("equipment type and make are required")
	}
	recs, err := fetch[[]modelRecord](ctx, c, "models:"+typ+":"+mfr, OpListModels,
		map[string]string{"type": typ, "make": mfr})
	if err != nil {
		return nil, err
	}
	entries := make([]model.CatalogEntry, 0, len(recs))
	for _, r := range recs {
		if r.Model == "" {
			continue
		}
		entries = append(entries, model.CatalogEntry{
			Type:      typ,
			Make:      mfr,
			Model:     r.Model,
			AmpRating: r.AmpRating,
			Specs:     r.Specs,
		})
	}
	return entries, nil
}

// Snapshot assembles one catalog document holding every model of the given
// types. Types are fetched in parallel; any failure fails the snapshot.
func (c *Client) Snapshot(ctx context.Context, types []string) (model.CatalogDocument, error) {
	if len(types) == 0 {
		return model.CatalogDocument{}, fmt.Errorf("catalogsource: no equipment types to snapshot")
	}

	var (
		mu      sync.Mutex
		entries []model.CatalogEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)
	for _, typ := range types {
		g.Go(func() error {
			makes, err := c.ListManufacturers(gctx, typ)
			if err != nil {
				return fmt.Errorf("listing %s manufacturers: %w", typ, err)
			}
			for _, mk := range makes {
				models, err := c.ListModels(gctx, typ, mk)
				if err != nil {
					return fmt.Errorf("listing %s %s models: %w", typ, mk, err)
				}
				mu.Lock()
				entries = append(entries, models...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.CatalogDocument{}, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Make != b.Make {
			return a.Make < b.Make
		}
		return a.Model < b.Model
	})
	data, err := json.Marshal(entries)
	if err != nil {
		return model.CatalogDocument{}, fmt.Errorf("catalogsource: hashing snapshot: %w", err)
	}
	sum := fmt.Sprintf("%x", sha256.Sum256(data))
	return model.CatalogDocument{
		Catalog:    c.cfg.ServiceID,
		Version:    sum[:12],
		Entries:    entries,
		Checksum:   sum,
		SourceFile: c.cfg.ServiceID,
	}, nil
}

// Documents snapshots the configured types, making the client a
// catalog.Source.
func (c *Client) Documents(ctx context.Context) ([]model.CatalogDocument, error) {
	release := c.lockSnapshot(ctx)
	defer release()

	doc, err := c.Snapshot(ctx, c.cfg.Types)
	if err != nil {
		return nil, err
	}
	return []model.CatalogDocument{doc}, nil
}

// HealthCheck fails while the breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return fmt.Errorf("catalog service %s: %w", c.cfg.ServiceID, errBreakerOpen)
	}
	return nil
}

// fetch serves key from the cache tiers or calls the operation, sharing one
// in-flight call between concurrent readers of the same key.
func fetch[T any](ctx context.Context, c *Client, key, opID string, params map[string]string) (T, error) {
	var zero T
	if body, ok := c.cached(ctx, key); ok {
		var env envelope[T]
		if err := json.Unmarshal(body, &env); err == nil {
			return env.Data, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		body, err := c.execute(ctx, opID, params)
		if err != nil {
			return nil, err
		}
		var env envelope[T]
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("catalogsource: decoding %s response: %w", opID, err)
		}
		c.store(ctx, key, body)
		return env.Data, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (c *Client) cached(ctx context.Context, key string) ([]byte, bool) {
	if body, ok, _ := c.memory.Get(ctx, key); ok {
		c.recorder.RecordCacheHit(TierMemory)
		return body, true
	}
	c.recorder.RecordCacheMiss(TierMemory)
	if c.shared == nil {
		return nil, false
	}
	body, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared catalog cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		c.recorder.RecordCacheMiss(TierShared)
		return nil, false
	}
	c.recorder.RecordCacheHit(TierShared)
	_ = c.memory.Set(ctx, key, body, c.cfg.Cache.TTL)
	return body, true
}

func (c *Client) store(ctx context.Context, key string, body []byte) {
	_ = c.memory.Set(ctx, key, body, c.cfg.Cache.TTL)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, body, c.cfg.Cache.TTL); err != nil {
		c.logger.Warn("shared catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// execute runs an operation with retries and maps the final outcome to an
// error envelope.
func (c *Client) execute(ctx context.Context, opID string, params map[string]string) (body []byte, err error) {
	op, ok := c.ops.Get(opID)
	if !ok {
		return nil, fmt.Errorf("catalogsource: operation %s not indexed", opID)
	}
	ctx, span := observability.StartSpan(ctx, "catalogsource."+opID,
		observability.AttrServiceID.String(c.cfg.ServiceID),
		observability.AttrOperationID.String(opID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := op.URL(params, nil)
	attempts := c.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		status  int
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.recorder.RecordBackendRetry(c.cfg.ServiceID)
			select {
			case <-ctx.Done():
				return nil, model.NewBackendTimeoutError()
			case <-time.After(backoff(c.cfg.Retry, attempt)):
			}
		}

		status, body, lastErr = c.executeOnce(ctx, op, reqURL)
		if lastErr != nil {
			if errors.Is(lastErr, errBreakerOpen) || ctx.Err() != nil {
				break
			}
			c.logger.Debug("retrying catalog call after error",
				zap.String("operation_id", opID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			continue
		}
		if !isRetryableStatus(status) {
			break
		}
		c.logger.Debug("retrying catalog call after status",
			zap.String("operation_id", opID),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
		)
	}

	if lastErr != nil {
		return nil, c.translate(ctx, lastErr)
	}
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusNotFound:
		return nil, model.NewNotFoundError(fmt.Sprintf("catalog service has no result for %s", opID))
	case status >= 500:
		return nil, model.NewBackendUnavailableError()
	default:
		return nil, fmt.Errorf("catalogsource: %s returned status %d", opID, status)
	}
}

// executeOnce performs a single call behind the breaker.
func (c *Client) executeOnce(ctx context.Context, op Operation, reqURL string) (int, []byte, error) {
	if !c.breaker.Allow() {
		return 0, nil, errBreakerOpen
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("catalogsource: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.recorder.RecordBackendRequest(c.cfg.ServiceID, op.ID, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.Failure()
		return 0, nil, fmt.Errorf("catalogsource: read response: %w", err)
	}

	// 4xx answers say nothing about service health.
	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
	case resp.StatusCode < 400:
		c.breaker.Success()
	}
	return resp.StatusCode, body, nil
}

func (c *Client) translate(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errBreakerOpen):
		return model.NewBackendUnavailableError()
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError()
	case isConnectionError(err):
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("catalogsource: request failed: %w", err)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial, mult, ceiling := cfg.BackoffInitial, cfg.BackoffMultiplier, cfg.BackoffMax
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if mult <= 0 {
		mult = 2
	}
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}
