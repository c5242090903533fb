package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/distribution"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/internal/stringing"
	"github.com/pitabwire/voltplan/model"
)

// EquipmentRef names one catalog SKU.
type EquipmentRef struct {
	Type  string `json:"type" validate:"required"`
	Make  string `json:"make" validate:"required"`
	Model string `json:"model" validate:"required"`
}

// DistributeRequest asks for a panel layout. When Inverter is set its
// published specs pick the mode and fill any zero Params.
type DistributeRequest struct {
	Total       int                      `json:"total" validate:"gte=0"`
	MaxBranches int                      `json:"max_branches,omitempty" validate:"gte=0"`
	Mode        model.DistributionMode   `json:"mode,omitempty"`
	Params      model.DistributionParams `json:"params"`
	Inverter    *EquipmentRef            `json:"inverter,omitempty"`
	Panel       *EquipmentRef            `json:"panel,omitempty"`
	CircuitAmps float64                  `json:"circuit_amps,omitempty" validate:"gte=0"`
	Utility     string                   `json:"utility,omitempty"`
	// Assignment, when set, is checked against Total instead of generated.
	Assignment []model.DistributionAssignment `json:"assignment,omitempty"`
}

// DistributionReport is a layout with its balance and, for string
// inverters, the advisory electrical checks per input.
type DistributionReport struct {
	model.DistributionResult
	Summary model.DistributionSummary `json:"summary"`
	Strings []stringing.InputCheck    `json:"strings,omitempty"`
}

// layoutPlan is the resolved mode and limits for one layout.
type layoutPlan struct {
	mode        model.DistributionMode
	params      model.DistributionParams
	maxBranches int
	panel       *model.ElectricalSpecs
	inverter    *model.ElectricalSpecs
}

// Distribute computes or checks a panel layout.
func (e *Engine) Distribute(ctx context.Context, req DistributeRequest) (rep DistributionReport, err error) {
	start := time.Now()
	_, span := observability.StartSpan(ctx, "engine.distribute")
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("distribute", start, err)
	}()

	if req.Total < 0 {
		return DistributionReport{}, model.NewValidationError([]model.FieldError{{
			Field: "total", Code: "INVALID_TOTAL", Message: "must not be negative",
		}})
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return DistributionReport{}, model.NewValidationError([]model.FieldError{{
			Field: "mode", Code: "INVALID_MODE", Message: fmt.Sprintf("unknown mode %q", req.Mode),
		}})
	}

	plan := layoutPlan{mode: req.Mode, params: req.Params, maxBranches: req.MaxBranches}
	if req.Inverter != nil || req.Panel != nil {
		ix, err := e.Index(req.Utility)
		if err != nil {
			return DistributionReport{}, err
		}
		inv, err := lookupRef(ix, req.Inverter)
		if err != nil {
			return DistributionReport{}, err
		}
		panel, err := lookupRef(ix, req.Panel)
		if err != nil {
			return DistributionReport{}, err
		}
		plan = e.plan(plan, inv, panel, req.CircuitAmps)
	}
	if plan.mode == "" {
		plan.mode = model.ModeStandard
	}
	span.SetAttributes(observability.AttrMode.String(string(plan.mode)))

	if len(req.Assignment) > 0 {
		rep.Mode = plan.mode
		rep.Branches = req.Assignment
		rep.Summary = distribution.ValidateAssignment(req.Total, req.Assignment)
		rep.Assigned = rep.Summary.Assigned
		rep.Remainder = req.Total - rep.Summary.Assigned
	} else {
		if plan.maxBranches <= 0 {
			return DistributionReport{}, model.NewValidationError([]model.FieldError{{
				Field: "max_branches", Code: "REQUIRED", Message: "required when the inverter publishes no branch limit",
			}})
		}
		rep.DistributionResult = distribution.AutoDistribute(req.Total, plan.maxBranches, plan.mode, plan.params)
		rep.Summary = distribution.ValidateAssignment(req.Total, rep.Branches)
	}

	e.recorder.RecordDistribution(string(plan.mode), outcomeOf(rep.Remainder))
	if plan.mode == model.ModeStringInverter {
		rep.Strings = e.checkInputs(rep.Branches, plan.panel, plan.inverter)
	}
	return rep, nil
}

// DistributeSlot lays out the panels of the inverter slot's system over the
// inverter's branches and stores the per-branch quantities on the slot. A
// total below zero uses the sum of the system's solar panel quantities.
func (e *Engine) DistributeSlot(ctx context.Context, rctx *model.RequestContext, projectID string, addr model.SlotAddress, total int, expectedVersion int64) (rep DistributionReport, res ChangeResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.distribute_slot",
		observability.AttrProjectID.String(projectID),
		observability.AttrSlot.String(addr.String()),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("distribute_slot", start, err)
	}()

	if addr.Role != model.RoleInverter {
		return rep, res, model.NewBadRequestError(fmt.Sprintf("slot %s is not an inverter", addr))
	}
	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return rep, res, err
	}
	if expectedVersion != fieldstore.AnyVersion && expectedVersion != snap.Version {
		return rep, res, model.NewConflictError(
			fmt.Sprintf("project %q is at version %d, not %d", projectID, snap.Version, expectedVersion))
	}
	ix, err := e.Index(utilityOf(snap.Fields, rctx))
	if err != nil {
		return rep, res, err
	}

	c := slot.DecodeChain(addr, snap.Fields)
	inv, ok := ix.Lookup(c.Type, c.Make, c.Model)
	if !ok {
		return rep, res, model.NewBadRequestError(fmt.Sprintf("slot %s has no catalog inverter selected", addr))
	}

	var panel *model.CatalogEntry
	var pool []model.BranchRow
	byModel := make(map[string]int)
	panelTotal := 0
	for _, p := range slot.SlotsWithRole(snap.Fields, model.RoleSolarPanel) {
		if p.System != addr.System {
			continue
		}
		pc := slot.DecodeChain(p, snap.Fields)
		if pe, ok := ix.Lookup(pc.Type, pc.Make, pc.Model); ok && panel == nil {
			panel = &pe
		}
		q, err := strconv.Atoi(snap.Fields[slot.Key(p, slot.FieldQuantity)])
		if err != nil {
			continue
		}
		panelTotal += q
		if pc.Model == "" {
			continue
		}
		key := strings.ToLower(pc.Make + "\x00" + pc.Model)
		if i, ok := byModel[key]; ok {
			pool[i].PanelQty += q
			continue
		}
		byModel[key] = len(pool)
		pool = append(pool, model.BranchRow{PanelType: strings.TrimSpace(pc.Make + " " + pc.Model), PanelQty: q})
	}
	if total < 0 {
		total = panelTotal
	}

	plan := e.plan(layoutPlan{params: model.DistributionParams{IsNew: c.IsNew}}, &inv, panel, 0)
	if plan.maxBranches <= 0 {
		return rep, res, model.NewBadRequestError(fmt.Sprintf("inverter %s %s publishes no branch limit", inv.Make, inv.Model))
	}

	rep.DistributionResult = distribution.AutoDistribute(total, plan.maxBranches, plan.mode, plan.params)
	if len(pool) > 1 {
		ratio := 0
		if plan.mode == model.ModeDualQuantity {
			ratio = plan.params.Ratio
			for i := range pool {
				pool[i].MicroModel = inv.Model
			}
		}
		rep.Branches = distribution.SplitByPanelType(rep.Branches, pool, ratio)
		e.logger.Debug("branches split by panel type",
			zap.String("slot", addr.String()),
			zap.Int("panel_types", len(pool)),
		)
	}
	rep.Summary = distribution.ValidateAssignment(total, rep.Branches)
	if plan.mode == model.ModeStringInverter {
		rep.Strings = e.checkInputs(rep.Branches, plan.panel, plan.inverter)
	}
	e.recorder.RecordDistribution(string(plan.mode), outcomeOf(rep.Remainder))

	clearTo := 0
	for _, b := range slot.DecodeBranches(addr, snap.Fields) {
		clearTo = max(clearTo, b.BranchIndex)
	}
	writes := slot.Diff(snap.Fields, slot.EncodeBranches(addr, rep.Branches, clearTo))
	res = ChangeResult{ProjectID: projectID, Version: snap.Version, Writes: writes}
	if len(writes) == 0 {
		return rep, res, nil
	}

	after, err := e.store.Apply(ctx, fieldstore.Mutation{
		TenantID:        rctx.TenantID,
		ProjectID:       projectID,
		Writes:          writes,
		ExpectedVersion: snap.Version,
		ActorID:         rctx.SubjectID,
		Reason:          "auto distribute " + addr.String(),
	})
	if err != nil {
		return DistributionReport{}, ChangeResult{}, err
	}
	res.Version = after.Version
	e.publishChanges(ctx, rctx, projectID, after.Version, snap.Fields, writes, nil, nil, nil)
	return rep, res, nil
}

// plan fills the zero fields of p from the inverter and panel specs.
func (e *Engine) plan(p layoutPlan, inv, panel *model.CatalogEntry, circuitAmps float64) layoutPlan {
	if circuitAmps <= 0 {
		circuitAmps = e.branchAmps
	}
	if panel != nil {
		p.panel = panel.Specs
	}
	if inv == nil {
		return p
	}
	p.inverter = inv.Specs
	if p.mode == "" {
		p.mode = distribution.ModeFor(*inv)
	}

	derived := distribution.ParamsFor(*inv, circuitAmps)
	if p.params.MaxPanelsPerBranch == 0 {
		p.params.MaxPanelsPerBranch = derived.MaxPanelsPerBranch
	}
	if p.params.MaxContinuousOutputAmps == 0 {
		p.params.MaxContinuousOutputAmps = derived.MaxContinuousOutputAmps
	}
	if p.params.Ratio == 0 {
		p.params.Ratio = derived.Ratio
	}
	if p.params.MaxUnitsPerBranch == 0 {
		p.params.MaxUnitsPerBranch = derived.MaxUnitsPerBranch
	}
	if p.maxBranches == 0 && inv.Specs != nil {
		p.maxBranches = inv.Specs.MaxStringsOrBranches
	}

	if p.mode == model.ModeStringInverter && p.params.MaxPanelsPerString == 0 {
		p.params.MaxPanelsPerString = e.maxPerString
		if p.panel != nil && p.inverter != nil {
			if n := e.limits.MaxPanelsPerString(p.panel.Voc, p.inverter.MaxVdc, p.panel.TempCoeffVoc); n > 0 {
				p.params.MaxPanelsPerString = n
			}
		}
	}
	return p
}

// ValidateStringsRequest checks a string-inverter layout. Explicit specs
// take precedence over catalog lookups.
type ValidateStringsRequest struct {
	Panel         *EquipmentRef                  `json:"panel,omitempty"`
	Inverter      *EquipmentRef                  `json:"inverter,omitempty"`
	PanelSpecs    *model.ElectricalSpecs         `json:"panel_specs,omitempty"`
	InverterSpecs *model.ElectricalSpecs         `json:"inverter_specs,omitempty"`
	Inputs        []model.DistributionAssignment `json:"inputs" validate:"required,min=1"`
	Utility       string                         `json:"utility,omitempty"`
}

// StringReport is the outcome of ValidateStrings.
type StringReport struct {
	MaxPanelsPerString int                    `json:"max_panels_per_string"`
	Inputs             []stringing.InputCheck `json:"inputs"`
	Valid              bool                   `json:"valid"`
	Flags              []string               `json:"flags,omitempty"`
}

// ValidateStrings runs the advisory voltage and current checks for every
// populated input.
func (e *Engine) ValidateStrings(ctx context.Context, req ValidateStringsRequest) (rep StringReport, err error) {
	start := time.Now()
	_, span := observability.StartSpan(ctx, "engine.validate_strings")
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("validate_strings", start, err)
	}()

	panel, inverter := req.PanelSpecs, req.InverterSpecs
	if (panel == nil && req.Panel != nil) || (inverter == nil && req.Inverter != nil) {
		ix, err := e.Index(req.Utility)
		if err != nil {
			return StringReport{}, err
		}
		if panel == nil {
			if panel, err = specsOf(ix, req.Panel); err != nil {
				return StringReport{}, err
			}
		}
		if inverter == nil {
			if inverter, err = specsOf(ix, req.Inverter); err != nil {
				return StringReport{}, err
			}
		}
	}
	if panel == nil || inverter == nil {
		return StringReport{}, model.NewBadRequestError("panel and inverter are required")
	}

	rep.MaxPanelsPerString = e.limits.MaxPanelsPerString(panel.Voc, inverter.MaxVdc, panel.TempCoeffVoc)
	if rep.MaxPanelsPerString == 0 {
		rep.MaxPanelsPerString = e.maxPerString
	}
	rep.Inputs = e.checkInputs(req.Inputs, panel, inverter)
	rep.Valid = true
	for _, in := range rep.Inputs {
		if !in.Valid() {
			rep.Valid = false
		}
		for _, f := range []string{in.Voltage.Flag, in.Current.Flag} {
			if f != "" {
				rep.Flags = appendUnique(rep.Flags, f)
			}
		}
	}
	return rep, nil
}

// checkInputs runs the string checks and records each outcome.
func (e *Engine) checkInputs(rows []model.DistributionAssignment, panel, inverter *model.ElectricalSpecs) []stringing.InputCheck {
	checks := e.limits.ValidateInputs(rows, panel, inverter)
	for _, c := range checks {
		e.recorder.RecordStringCheck("voltage", c.Voltage.IsValid)
		e.recorder.RecordStringCheck("current", c.Current.IsValid)
	}
	return checks
}

func lookupRef(ix *catalog.Index, ref *EquipmentRef) (*model.CatalogEntry, error) {
	if ref == nil {
		return nil, nil
	}
	entry, ok := ix.Lookup(ref.Type, ref.Make, ref.Model)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("no catalog entry for %s %s %s", ref.Type, ref.Make, ref.Model))
	}
	return &entry, nil
}

func specsOf(ix *catalog.Index, ref *EquipmentRef) (*model.ElectricalSpecs, error) {
	entry, err := lookupRef(ix, ref)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Specs == nil {
		return &model.ElectricalSpecs{}, nil
	}
	return entry.Specs, nil
}

func outcomeOf(remainder int) string {
	switch {
	case remainder == 0:
		return "complete"
	case remainder > 0:
		return "remainder"
	default:
		return "over"
	}
}
