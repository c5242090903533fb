package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/voltplan/internal/cascade"
	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// SlotRepair is what RecomputeAll changed on one slot.
type SlotRepair struct {
	Slot       model.SlotAddress `json:"slot"`
	Cleared    []model.Level     `json:"cleared,omitempty"`
	AutoFilled []model.Level     `json:"auto_filled,omitempty"`
	Flags      []string          `json:"flags,omitempty"`
}

// RecomputeResult reports a full project recompute.
type RecomputeResult struct {
	ChangeResult
	Repairs []SlotRepair `json:"repairs,omitempty"`
}

// RecomputeAll re-validates every slot of the project against the current
// catalog, typically after a reload. Stale selections are cleared and empty
// protective ratings are sized. Slots are processed in parallel; the
// combined writes are applied as one mutation.
func (e *Engine) RecomputeAll(ctx context.Context, rctx *model.RequestContext, projectID string) (res RecomputeResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.recompute_all",
		observability.AttrProjectID.String(projectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("recompute_all", start, err)
	}()

	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return RecomputeResult{}, err
	}
	ix, err := e.Index(utilityOf(snap.Fields, rctx))
	if err != nil {
		return RecomputeResult{}, err
	}
	resolver := cascade.NewResolver(ix)

	var (
		mu      sync.Mutex
		writes  = slot.Fields{}
		repairs []SlotRepair
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.recomputeWorker)
	for _, addr := range slot.Slots(snap.Fields) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w, rep, changed := e.recomputeSlot(resolver, ix, snap.Fields, addr)
			if !changed {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for k, v := range w {
				writes[k] = v
			}
			repairs = append(repairs, rep)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RecomputeResult{}, err
	}

	next := merged(snap.Fields, writes)
	cls, clsErr := e.reclassify(next, writes, utilityOf(next, rctx))
	writes = slot.Diff(snap.Fields, writes)

	res = RecomputeResult{
		ChangeResult: ChangeResult{
			ProjectID:          projectID,
			Version:            snap.Version,
			Writes:             writes,
			Classification:     cls,
			ConfigurationError: clsErr,
		},
		Repairs: sortRepairs(repairs),
	}
	if len(writes) == 0 {
		return res, nil
	}

	after, err := e.store.Apply(ctx, fieldstore.Mutation{
		TenantID:        rctx.TenantID,
		ProjectID:       projectID,
		Writes:          writes,
		ExpectedVersion: snap.Version,
		ActorID:         rctx.SubjectID,
		Reason:          "recompute against catalog " + ix.Checksum(),
	})
	if err != nil {
		return RecomputeResult{}, err
	}
	res.Version = after.Version
	e.logger.Info("project recomputed",
		zap.String("project_id", projectID),
		zap.Int("repaired_slots", len(res.Repairs)),
		zap.Int64("version", after.Version),
	)
	e.publishChanges(ctx, rctx, projectID, after.Version, snap.Fields, writes, nil, cls, clsErr)
	return res, nil
}

// recomputeSlot sanitizes one chain and sizes it when its amp and make are
// still open. It reads only the shared snapshot.
func (e *Engine) recomputeSlot(r *cascade.Resolver, ix *catalog.Index, fields slot.Fields, addr model.SlotAddress) (slot.Fields, SlotRepair, bool) {
	chain := slot.DecodeChain(addr, fields)
	if chain.Empty() {
		return nil, SlotRepair{}, false
	}
	ld := e.loadFor(ix, fields, addr)
	rep := SlotRepair{Slot: addr}

	clean, cleared := r.Sanitize(chain, ld.minAmp())
	rep.Cleared = cleared

	if ld.amps > 0 {
		if sized, ok := r.AutoSize(clean, ld.amps, ld.ceiling); ok {
			clean = sized.Chain
			rep.AutoFilled = sized.AutoFilled
			rep.Flags = sized.Flags
			for _, l := range sized.AutoFilled {
				e.recorder.RecordAutoFill(l.String())
			}
			for _, l := range sized.Unsatisfiable {
				e.recorder.RecordUnsatisfiable(l.String())
			}
		}
	}

	w := slot.Diff(slot.EncodeChain(addr, chain), slot.EncodeChain(addr, clean))
	if len(w) == 0 && len(rep.Flags) == 0 {
		return nil, SlotRepair{}, false
	}
	return w, rep, true
}

// sortRepairs orders repairs like slot.Slots.
func sortRepairs(in []SlotRepair) []SlotRepair {
	if len(in) < 2 {
		return in
	}
	order := make(map[model.SlotAddress]int)
	marks := slot.Fields{}
	for _, r := range in {
		marks[slot.Key(r.Slot, slot.FieldMake)] = "x"
	}
	for i, a := range slot.Slots(marks) {
		order[a] = i
	}
	out := make([]SlotRepair, len(in))
	for _, r := range in {
		out[order[r.Slot]] = r
	}
	return out
}
