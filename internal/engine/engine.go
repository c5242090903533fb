// Package engine orchestrates project edits: it decodes slot chains from a
// project's field map, runs the cascade and sizing rules against the loaded
// catalog, persists the writes and reclassifies the system.
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/classify"
	"github.com/pitabwire/voltplan/internal/events"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/sizing"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/internal/stringing"
	"github.com/pitabwire/voltplan/model"
)

const defaultRecomputeWorkers = 8

// Recorder receives engine telemetry. *observability.Metrics satisfies it.
type Recorder interface {
	RecordOperation(operation, status string, d time.Duration)
	RecordAutoFill(level string)
	RecordUnsatisfiable(level string)
	RecordDistribution(mode, outcome string)
	RecordClassification(result string)
	RecordStringCheck(check string, valid bool)
	RecordEventPublished(eventType, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, time.Duration) {}
func (nopRecorder) RecordAutoFill(string)                         {}
func (nopRecorder) RecordUnsatisfiable(string)                    {}
func (nopRecorder) RecordDistribution(string, string)             {}
func (nopRecorder) RecordClassification(string)                   {}
func (nopRecorder) RecordStringCheck(string, bool)                {}
func (nopRecorder) RecordEventPublished(string, string)           {}

// Engine applies equipment rules to stored projects.
type Engine struct {
	registry   *catalog.Registry
	store      fieldstore.Store
	classifier *classify.Classifier
	publisher  events.Publisher
	recorder   Recorder
	logger     *zap.Logger

	limits          stringing.Limits
	maxPerString    int
	ceilings        map[string]int
	branchAmps      float64
	recomputeWorker int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the event publisher. Events are dropped by default.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStringingLimits sets the site assumptions for string checks and the
// fallback panels-per-string limit.
func WithStringingLimits(l stringing.Limits, defaultMaxPerString int) Option {
	return func(e *Engine) {
		e.limits = l
		if defaultMaxPerString > 0 {
			e.maxPerString = defaultMaxPerString
		}
	}
}

// WithModelCeilings caps the recommended protective rating for the listed
// models.
func WithModelCeilings(ceilings map[string]int) Option {
	return func(e *Engine) {
		e.ceilings = ceilings
	}
}

// WithBranchCircuitAmps sets the branch circuit used to size standard
// microinverter branches.
func WithBranchCircuitAmps(amps float64) Option {
	return func(e *Engine) {
		if amps > 0 {
			e.branchAmps = amps
		}
	}
}

// WithRecomputeWorkers bounds the slot fan-out of RecomputeAll.
func WithRecomputeWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recomputeWorker = n
		}
	}
}

// New creates an Engine over the catalog registry and field store.
func New(registry *catalog.Registry, store fieldstore.Store, opts ...Option) *Engine {
	e := &Engine{
		registry:        registry,
		store:           store,
		publisher:       events.Nop{},
		recorder:        nopRecorder{},
		logger:          zap.NewNop(),
		limits:          stringing.DefaultLimits(),
		maxPerString:    stringing.DefaultMaxPanelsPerString,
		branchAmps:      sizing.DefaultBranchCircuitAmps,
		recomputeWorker: defaultRecomputeWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.classifier = classify.NewClassifier(e.logger)
	return e
}

// Index returns the catalog view for utility, or CATALOG_UNAVAILABLE when
// nothing is loaded.
func (e *Engine) Index(utility string) (*catalog.Index, error) {
	if !e.registry.Loaded() {
		return nil, model.NewCatalogUnavailableError()
	}
	return e.registry.For(utility), nil
}

// utilityOf prefers the project's stored utility over the caller's.
func utilityOf(fields slot.Fields, rctx *model.RequestContext) string {
	if u := fields[slot.KeyUtility]; u != "" {
		return u
	}
	return rctx.Utility
}

// protectedRoles are sized from the inverter output of their system.
var protectedRoles = map[model.Role]bool{
	model.RoleACDisconnect:  true,
	model.RoleCombinerPanel: true,
	model.RoleBackupPanel:   true,
	model.RoleUtilityBOS:    true,
	model.RolePostCombine:   true,
}

// load is the continuous current a protective slot must carry.
type load struct {
	amps    float64
	ceiling int
}

// minAmp is the smallest rating the slot may offer, or zero when unsized.
func (l load) minAmp() float64 {
	if l.amps <= 0 {
		return 0
	}
	rating, ok := sizing.MinimumCompliantRating(l.amps, l.ceiling)
	if !ok {
		return 0
	}
	return float64(rating)
}

// loadFor sums the continuous output of every inverter in the slot's
// system. Slots outside protectedRoles carry no load.
func (e *Engine) loadFor(ix *catalog.Index, fields slot.Fields, addr model.SlotAddress) load {
	if !protectedRoles[addr.Role] {
		return load{}
	}

	total := decimal.Zero
	for _, inv := range slot.SlotsWithRole(fields, model.RoleInverter) {
		if inv.System != addr.System {
			continue
		}
		c := slot.DecodeChain(inv, fields)
		entry, ok := ix.Lookup(c.Type, c.Make, c.Model)
		if !ok || entry.Specs == nil || !sizing.Finite(entry.Specs.MaxContinuousOutputAmps) || entry.Specs.MaxContinuousOutputAmps <= 0 {
			continue
		}
		qty := quantityOf(fields, inv)
		total = total.Add(decimal.NewFromFloat(entry.Specs.MaxContinuousOutputAmps).Mul(decimal.NewFromInt(int64(qty))))
	}

	return load{amps: total.InexactFloat64(), ceiling: e.ceilingFor(fields, addr)}
}

// ceilingFor returns the configured cap for the slot's own model, or the
// lowest cap among combiner panels in the same system.
func (e *Engine) ceilingFor(fields slot.Fields, addr model.SlotAddress) int {
	if len(e.ceilings) == 0 {
		return 0
	}
	if c, ok := e.ceilings[fields[slot.Key(addr, slot.FieldModel)]]; ok {
		return c
	}
	ceiling := 0
	for _, cp := range slot.SlotsWithRole(fields, model.RoleCombinerPanel) {
		if cp.System != addr.System {
			continue
		}
		if c, ok := e.ceilings[fields[slot.Key(cp, slot.FieldModel)]]; ok && (ceiling == 0 || c < ceiling) {
			ceiling = c
		}
	}
	return ceiling
}

// quantityOf reads the slot quantity, defaulting to one.
func quantityOf(fields slot.Fields, addr model.SlotAddress) int {
	q, err := strconv.Atoi(fields[slot.Key(addr, slot.FieldQuantity)])
	if err != nil || q < 1 {
		return 1
	}
	return q
}

// statusOf maps an operation error to a metric label.
func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

// observe records the duration and outcome of one operation.
func (e *Engine) observe(op string, start time.Time, err error) {
	e.recorder.RecordOperation(op, statusOf(err), time.Since(start))
}
