// Package sizing computes NEC minimum protective-device ratings for
// continuous loads.
package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// StandardRatings is the ascending sequence of standard overcurrent device
// ratings, in amps.
var StandardRatings = []int{
	15, 20, 25, 30, 35, 40, 45, 50, 60, 70, 80, 90, 100, 110, 125,
	150, 175, 200, 225, 250, 300, 350, 400, 450, 500, 600,
}

// DefaultBranchCircuitAmps is the branch circuit breaker used for
// microinverter branches.
const DefaultBranchCircuitAmps = 20

// DefaultMaxPanelsPerBranch is returned when the unit output is unknown.
const DefaultMaxPanelsPerBranch = 20

var continuousFactor = decimal.RequireFromString("1.25")

// MinimumCompliantRating returns the smallest standard rating at or above
// continuousAmps × 1.25. A positive ceiling caps the result. ok is false
// when continuousAmps is zero, negative or not finite.
func MinimumCompliantRating(continuousAmps float64, ceiling int) (rating int, ok bool) {
	if !Finite(continuousAmps) {
		return 0, false
	}
	r := resolve(decimal.NewFromFloat(continuousAmps), ceiling)
	return r.rating, r.ok
}

// Input describes the load being protected. When MicroAmps and Quantity are
// both positive the load is MicroAmps × Quantity, otherwise InverterAmps.
type Input struct {
	MicroAmps    float64 `json:"micro_amps,omitempty"`
	Quantity     int     `json:"quantity,omitempty"`
	InverterAmps float64 `json:"inverter_amps,omitempty"`
	Ceiling      int     `json:"ceiling,omitempty"`
}

// Result is a full sizing breakdown.
type Result struct {
	OK                  bool    `json:"ok"`
	MaxContinuousOutput float64 `json:"max_continuous_output"`
	MinimumRequired     float64 `json:"minimum_required"`
	Recommended         int     `json:"recommended,omitempty"`
	Capped              bool    `json:"capped,omitempty"`
	AboveTable          bool    `json:"above_table,omitempty"`
	Calculation         string  `json:"calculation"`
}

// Calculate sizes the device for in and explains the arithmetic.
func Calculate(in Input) Result {
	if !Finite(in.MicroAmps) || !Finite(in.InverterAmps) {
		return Result{Calculation: "load is not a finite number"}
	}

	var load decimal.Decimal
	var calc string

	if in.MicroAmps > 0 && in.Quantity > 0 {
		unit := decimal.NewFromFloat(in.MicroAmps)
		load = unit.Mul(decimal.NewFromInt(int64(in.Quantity)))
		calc = fmt.Sprintf("%d × %sA = %sA", in.Quantity, unit.String(), load.StringFixed(2))
	} else {
		load = decimal.NewFromFloat(in.InverterAmps)
		calc = fmt.Sprintf("%sA", load.StringFixed(2))
	}

	r := resolve(load, in.Ceiling)
	required := load.Mul(continuousFactor)

	res := Result{
		OK:                  r.ok,
		MaxContinuousOutput: load.InexactFloat64(),
		MinimumRequired:     required.InexactFloat64(),
		Recommended:         r.rating,
		Capped:              r.capped,
		AboveTable:          r.aboveTable,
	}
	if !r.ok {
		res.Calculation = calc + " (no continuous load)"
		return res
	}

	res.Calculation = fmt.Sprintf("%s × 1.25 = %sA → %dA", calc, required.StringFixed(2), r.rating)
	switch {
	case r.capped:
		res.Calculation += fmt.Sprintf(" (capped at %dA)", in.Ceiling)
	case r.aboveTable:
		res.Calculation += " (exceeds standard table)"
	}
	return res
}

// MaxPanelsPerBranch returns how many units with the given continuous output
// fit on a 20 A branch circuit.
func MaxPanelsPerBranch(maxContOutputAmps float64) int {
	return MaxPanelsOnCircuit(DefaultBranchCircuitAmps, maxContOutputAmps)
}

// MaxPanelsOnCircuit returns floor(circuitAmps / (amps × 1.25)), or
// DefaultMaxPanelsPerBranch when either value is not a positive finite
// number.
func MaxPanelsOnCircuit(circuitAmps, maxContOutputAmps float64) int {
	if !Finite(circuitAmps) || !Finite(maxContOutputAmps) || maxContOutputAmps <= 0 || circuitAmps <= 0 {
		return DefaultMaxPanelsPerBranch
	}
	per := decimal.NewFromFloat(maxContOutputAmps).Mul(continuousFactor)
	return int(decimal.NewFromFloat(circuitAmps).Div(per).Floor().IntPart())
}

// Finite reports whether v can be represented as a decimal amount.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type resolution struct {
	rating     int
	ok         bool
	capped     bool
	aboveTable bool
}

func resolve(amps decimal.Decimal, ceiling int) resolution {
	if !amps.IsPositive() {
		return resolution{}
	}
	required := amps.Mul(continuousFactor)

	out := resolution{ok: true}
	out.rating, out.aboveTable = roundUp(required)
	if ceiling > 0 && out.rating > ceiling {
		out.rating = ceiling
		out.capped = true
		out.aboveTable = false
	}
	return out
}

// roundUp returns the first standard rating >= v. Values above the largest
// rating return the largest rating and true.
func roundUp(v decimal.Decimal) (int, bool) {
	for _, r := range StandardRatings {
		if decimal.NewFromInt(int64(r)).GreaterThanOrEqual(v) {
			return r, false
		}
	}
	return StandardRatings[len(StandardRatings)-1], true
}
