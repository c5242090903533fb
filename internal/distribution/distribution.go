// Package distribution spreads a panel count over the branches or DC
// inputs of a microinverter or string-inverter layout.
package distribution

import (
	"fmt"
	"strings"

	"github.com/pitabwire/voltplan/internal/sizing"
	"github.com/pitabwire/voltplan/internal/stringing"
	"github.com/pitabwire/voltplan/model"
)

// MaxMicroAssignments bounds the per-unit panel listing of dual-quantity
// layouts.
const MaxMicroAssignments = 25

// AutoDistribute assigns total panels over at most maxBranches branches in
// branch order. Every branch up to maxBranches gets a row, unused ones with
// zero panels. It never fails: over- or under-capacity shows up in the
// result's Remainder.
func AutoDistribute(total, maxBranches int, mode model.DistributionMode, p model.DistributionParams) model.DistributionResult {
	if total < 0 {
		total = 0
	}
	if maxBranches < 0 {
		maxBranches = 0
	}

	var res model.DistributionResult
	switch mode {
	case model.ModeDualQuantity:
		res = dualQuantity(total, maxBranches, p)
	case model.ModeStringInverter:
		res = stringInverter(total, maxBranches, p)
	default:
		res = standard(total, maxBranches, p)
	}

	for _, b := range res.Branches {
		res.Assigned += b.PanelQty
	}
	res.Remainder = total - res.Assigned
	return res
}

// BranchCapacity returns the panel cap per branch or input for mode.
func BranchCapacity(mode model.DistributionMode, p model.DistributionParams) int {
	switch mode {
	case model.ModeDualQuantity:
		_, panelCap := dualLimits(p)
		return panelCap
	case model.ModeStringInverter:
		spi, perString := stringLimits(p)
		return spi * perString
	default:
		return standardCap(p)
	}
}

func standardCap(p model.DistributionParams) int {
	if p.MaxPanelsPerBranch > 0 {
		return p.MaxPanelsPerBranch
	}
	return sizing.MaxPanelsPerBranch(p.MaxContinuousOutputAmps)
}

func standard(total, maxBranches int, p model.DistributionParams) model.DistributionResult {
	res := model.DistributionResult{Mode: model.ModeStandard}
	perBranch := standardCap(p)

	remaining := total
	for i := 1; i <= maxBranches; i++ {
		qty := min(remaining, perBranch)
		remaining -= qty
		res.Branches = append(res.Branches, model.DistributionAssignment{
			BranchIndex: i,
			PanelQty:    qty,
			IsNew:       p.IsNew,
		})
	}
	return res
}

// dualLimits returns the ratio and the per-branch panel cap. A published
// panel cap below ratio × unit cap wins, rounded down to whole units.
func dualLimits(p model.DistributionParams) (ratio, panelCap int) {
	ratio = max(p.Ratio, 1)

	units := p.MaxUnitsPerBranch
	if units <= 0 {
		limit := p.MaxPanelsPerBranch
		if limit <= 0 {
			limit = sizing.DefaultMaxPanelsPerBranch
		}
		units = max(limit/ratio, 1)
	}

	panelCap = ratio * units
	if published := p.MaxPanelsPerBranch / ratio * ratio; published >= ratio && published < panelCap {
		panelCap = published
	}
	return ratio, panelCap
}

func dualQuantity(total, maxBranches int, p model.DistributionParams) model.DistributionResult {
	res := model.DistributionResult{Mode: model.ModeDualQuantity}
	ratio, panelCap := dualLimits(p)

	remaining := total
	for i := 1; i <= maxBranches; i++ {
		panels := min(remaining, panelCap)
		remaining -= panels
		res.Branches = append(res.Branches, model.DistributionAssignment{
			BranchIndex:  i,
			PanelQty:     panels,
			MicroUnitQty: ceilDiv(panels, ratio),
			IsNew:        p.IsNew,
		})
	}
	res.MicroAssignments = microAssignments(res.Branches, ratio)
	return res
}

// microAssignments lists the panels carried by each unit in branch order.
func microAssignments(branches []model.DistributionAssignment, ratio int) []model.MicroAssignment {
	var out []model.MicroAssignment
	for _, b := range branches {
		left := b.PanelQty
		for left > 0 {
			if len(out) == MaxMicroAssignments {
				return out
			}
			n := min(left, ratio)
			out = append(out, model.MicroAssignment{Index: len(out) + 1, PanelQty: n})
			left -= n
		}
	}
	return out
}

// MaxStringsPerInput is the most parallel strings one inverter input takes.
const MaxStringsPerInput = 2

func stringLimits(p model.DistributionParams) (stringsPerInput, perString int) {
	stringsPerInput = min(max(p.StringsPerInput, 1), MaxStringsPerInput)
	perString = p.MaxPanelsPerString
	if perString <= 0 {
		perString = stringing.DefaultMaxPanelsPerString
	}
	return stringsPerInput, perString
}

func stringInverter(total, maxInputs int, p model.DistributionParams) model.DistributionResult {
	res := model.DistributionResult{Mode: model.ModeStringInverter}
	spi, perString := stringLimits(p)
	capacity := spi * perString

	remaining := total
	for i := 1; i <= maxInputs; i++ {
		qty := min(remaining, capacity)
		remaining -= qty
		res.Branches = append(res.Branches, model.DistributionAssignment{
			BranchIndex: i,
			PanelQty:    qty,
			Strings:     ceilDiv(qty, perString),
			IsNew:       p.IsNew,
		})
	}
	return res
}

// ModeFor picks the distribution mode for the inverter or microinverter
// entry feeding the layout.
func ModeFor(e model.CatalogEntry) model.DistributionMode {
	typ := strings.ToLower(strings.TrimSpace(e.Type))
	if !strings.Contains(typ, "micro") && strings.Contains(typ, "inverter") {
		return model.ModeStringInverter
	}
	if e.Specs.Ratio() > 1 {
		return model.ModeDualQuantity
	}
	return model.ModeStandard
}

// ParamsFor derives layout limits from an entry's published specs.
// circuitAmps sizes standard branches; zero means a 20 A circuit.
func ParamsFor(e model.CatalogEntry, circuitAmps float64) model.DistributionParams {
	s := e.Specs
	if s == nil {
		return model.DistributionParams{}
	}

	p := model.DistributionParams{
		MaxContinuousOutputAmps: s.MaxContinuousOutputAmps,
		Ratio:                   s.Ratio(),
		MaxUnitsPerBranch:       s.MaxUnitsPerBranch,
		MaxPanelsPerBranch:      s.MaxPanelsPerBranch,
	}
	if p.MaxPanelsPerBranch == 0 && s.MaxContinuousOutputAmps > 0 {
		if circuitAmps <= 0 {
			circuitAmps = sizing.DefaultBranchCircuitAmps
		}
		p.MaxPanelsPerBranch = sizing.MaxPanelsOnCircuit(circuitAmps, s.MaxContinuousOutputAmps)
	}
	return p
}

// ValidateAssignment compares a possibly hand-edited assignment with the
// panel total.
func ValidateAssignment(total int, rows []model.DistributionAssignment) model.DistributionSummary {
	s := model.DistributionSummary{Total: total}
	for _, r := range rows {
		s.Assigned += r.PanelQty
	}
	s.Remaining = total - s.Assigned
	s.OverAssigned = s.Remaining < 0
	s.UnderAssigned = s.Remaining > 0

	switch {
	case s.OverAssigned:
		s.Message = fmt.Sprintf("%d %s over-assigned", -s.Remaining, plural(-s.Remaining))
	case s.UnderAssigned:
		s.Message = fmt.Sprintf("%d %s remaining to assign", s.Remaining, plural(s.Remaining))
	default:
		s.Message = fmt.Sprintf("all %d %s assigned", total, plural(total))
	}
	return s
}

// SplitBranch replaces row's quantities with per-panel-type sub-rows.
// With ratio > 1, sub-rows without a unit count get ceil(qty/ratio) units.
func SplitBranch(row model.DistributionAssignment, parts []model.BranchRow, ratio int) model.DistributionAssignment {
	row.SubRows = nil
	row.PanelQty = 0
	row.MicroUnitQty = 0
	for _, part := range parts {
		part.PanelQty = max(part.PanelQty, 0)
		if ratio > 1 && part.MicroUnitQty == 0 {
			part.MicroUnitQty = ceilDiv(part.PanelQty, ratio)
		}
		row.PanelQty += part.PanelQty
		row.MicroUnitQty += part.MicroUnitQty
		row.SubRows = append(row.SubRows, part)
	}
	return row
}

// SplitByPanelType spreads the panel types in pool over the populated rows
// in branch order, each type filling branches before the next starts, and
// gives every populated row its sub-rows. pool quantities are the panels
// available per type. A pool with fewer than two types leaves rows as
// they are.
func SplitByPanelType(rows []model.DistributionAssignment, pool []model.BranchRow, ratio int) []model.DistributionAssignment {
	if len(pool) < 2 {
		return rows
	}
	left := make([]int, len(pool))
	for i, p := range pool {
		left[i] = max(p.PanelQty, 0)
	}

	out := make([]model.DistributionAssignment, len(rows))
	next := 0
	for i, row := range rows {
		out[i] = row
		need := row.PanelQty
		var parts []model.BranchRow
		for need > 0 && next < len(pool) {
			take := min(need, left[next])
			if take > 0 {
				part := pool[next]
				part.PanelQty = take
				part.MicroUnitQty = 0
				parts = append(parts, part)
				need -= take
				left[next] -= take
			}
			if left[next] == 0 {
				next++
			}
		}
		if len(parts) == 0 {
			continue
		}
		if need > 0 {
			parts[len(parts)-1].PanelQty += need
		}
		out[i] = SplitBranch(row, parts, ratio)
	}
	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 || a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func plural(n int) string {
	if n == 1 {
		return "panel"
	}
	return "panels"
}
