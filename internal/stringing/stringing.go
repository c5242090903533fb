// Package stringing checks string-inverter strings against the inverter's
// DC voltage and input current limits. Results are advisory.
package stringing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/voltplan/model"
)

const (
	// DefaultColdDesignTempC is the record-low design temperature used when
	// none is configured.
	DefaultColdDesignTempC = -10.0
	// DefaultTempCoeffVoc is the Voc temperature coefficient (%/°C) assumed
	// when a panel publishes none.
	DefaultTempCoeffVoc = -0.3
	// DefaultMaxPanelsPerString is used when the panel or inverter lacks
	// the specs needed to compute a limit.
	DefaultMaxPanelsPerString = 15
	// stcTempC is the standard test condition cell temperature.
	stcTempC = 25
)

var (
	continuousFactor = decimal.RequireFromString("1.25")
	hundred          = decimal.NewFromInt(100)
)

// Check is the outcome of one advisory electrical check.
type Check struct {
	IsValid     bool    `json:"is_valid"`
	Computed    float64 `json:"computed"`
	Limit       float64 `json:"limit"`
	PercentUsed float64 `json:"percent_used"`
	Margin      float64 `json:"margin"`
	Message     string  `json:"message"`
	Flag        string  `json:"flag,omitempty"`
}

// InputCheck holds both checks for one inverter input.
type InputCheck struct {
	InputIndex      int   `json:"input_index"`
	PanelsPerString int   `json:"panels_per_string"`
	Voltage         Check `json:"voltage"`
	Current         Check `json:"current"`
}

// Valid reports whether both checks passed.
func (c InputCheck) Valid() bool {
	return c.Voltage.IsValid && c.Current.IsValid
}

// Limits holds the site assumptions used by the checks.
type Limits struct {
	ColdDesignTempC     float64
	DefaultTempCoeffVoc float64
}

// DefaultLimits returns the standard design assumptions.
func DefaultLimits() Limits {
	return Limits{ColdDesignTempC: DefaultColdDesignTempC, DefaultTempCoeffVoc: DefaultTempCoeffVoc}
}

func (l Limits) coeff(tempCoeff float64) decimal.Decimal {
	if tempCoeff == 0 || !finite(tempCoeff) {
		tempCoeff = l.DefaultTempCoeffVoc
	}
	if tempCoeff == 0 || !finite(tempCoeff) {
		tempCoeff = DefaultTempCoeffVoc
	}
	return amount(tempCoeff)
}

// VocAtCold returns a panel's open-circuit voltage at the cold design
// temperature.
func (l Limits) VocAtCold(voc, tempCoeff float64) decimal.Decimal {
	cold := l.ColdDesignTempC
	if !finite(cold) {
		cold = DefaultColdDesignTempC
	}
	delta := decimal.NewFromFloat(cold).Sub(decimal.NewFromInt(stcTempC))
	factor := decimal.NewFromInt(1).Add(l.coeff(tempCoeff).Div(hundred).Mul(delta))
	return amount(voc).Mul(factor)
}

// MaxPanelsPerString returns floor(maxVdc / Voc at cold). It returns 0
// when either voltage is not positive.
func (l Limits) MaxPanelsPerString(voc, maxVdc, tempCoeff float64) int {
	if !finite(voc) || !finite(maxVdc) || voc <= 0 || maxVdc <= 0 {
		return 0
	}
	cold := l.VocAtCold(voc, tempCoeff)
	if !cold.IsPositive() {
		return 0
	}
	return int(amount(maxVdc).Div(cold).Floor().IntPart())
}

// ValidateStringVoltage checks a string of panels against the inverter's
// maximum DC voltage.
func (l Limits) ValidateStringVoltage(panels int, voc, tempCoeff, maxVdc float64) Check {
	computed := l.VocAtCold(voc, tempCoeff).Mul(decimal.NewFromInt(int64(panels)))
	c := newCheck(computed, maxVdc)
	switch {
	case c.Limit <= 0:
		c.Message = "inverter publishes no maximum DC voltage"
	case c.IsValid:
		c.Message = fmt.Sprintf("string voltage %sV is within the %sV limit (%s%% used)",
			fmtDec(c.Computed), fmtDec(c.Limit), fmtDec(c.PercentUsed))
	default:
		c.Flag = model.FlagVoltageExceeded
		c.Message = fmt.Sprintf("string voltage %sV exceeds the %sV inverter limit by %sV",
			fmtDec(c.Computed), fmtDec(c.Limit), fmtDec(-c.Margin))
	}
	return c
}

// ValidateStringCurrent checks the continuous current of the strings on
// one input, 1.25 × strings × Isc, against the input's maximum.
func (l Limits) ValidateStringCurrent(strings int, isc, maxInputIsc float64) Check {
	computed := continuousFactor.Mul(decimal.NewFromInt(int64(strings))).Mul(amount(isc))
	c := newCheck(computed, maxInputIsc)
	switch {
	case c.Limit <= 0:
		c.Message = "inverter publishes no maximum input current"
	case c.IsValid:
		c.Message = fmt.Sprintf("input current %sA is within the %sA limit (%s%% used)",
			fmtDec(c.Computed), fmtDec(c.Limit), fmtDec(c.PercentUsed))
	default:
		c.Flag = model.FlagCurrentExceeded
		c.Message = fmt.Sprintf("input current %sA exceeds the %sA inverter limit by %sA",
			fmtDec(c.Computed), fmtDec(c.Limit), fmtDec(-c.Margin))
	}
	return c
}

// ValidateInputs runs both checks for every populated input of a
// string-inverter layout. The longest string on an input sets its voltage.
func (l Limits) ValidateInputs(rows []model.DistributionAssignment, panel, inverter *model.ElectricalSpecs) []InputCheck {
	if panel == nil {
		panel = &model.ElectricalSpecs{}
	}
	if inverter == nil {
		inverter = &model.ElectricalSpecs{}
	}

	var out []InputCheck
	for _, row := range rows {
		if row.PanelQty <= 0 {
			continue
		}
		strings := row.Strings
		if strings < 1 {
			strings = 1
		}
		perString := (row.PanelQty + strings - 1) / strings
		out = append(out, InputCheck{
			InputIndex:      row.BranchIndex,
			PanelsPerString: perString,
			Voltage:         l.ValidateStringVoltage(perString, panel.Voc, panel.TempCoeffVoc, inverter.MaxVdc),
			Current:         l.ValidateStringCurrent(strings, panel.Isc, inverter.MaxInputIsc),
		})
	}
	return out
}

// MaxPanelsPerString uses the default design assumptions.
func MaxPanelsPerString(voc, maxVdc, tempCoeff float64) int {
	return DefaultLimits().MaxPanelsPerString(voc, maxVdc, tempCoeff)
}

// ValidateStringVoltage uses the default design assumptions.
func ValidateStringVoltage(panels int, voc, tempCoeff, maxVdc float64) Check {
	return DefaultLimits().ValidateStringVoltage(panels, voc, tempCoeff, maxVdc)
}

// ValidateStringCurrent uses the default design assumptions.
func ValidateStringCurrent(strings int, isc, maxInputIsc float64) Check {
	return DefaultLimits().ValidateStringCurrent(strings, isc, maxInputIsc)
}

func newCheck(computed decimal.Decimal, limit float64) Check {
	if !finite(limit) {
		limit = 0
	}
	lim := decimal.NewFromFloat(limit)
	c := Check{
		Computed: computed.Round(2).InexactFloat64(),
		Limit:    limit,
		IsValid:  true,
	}
	if limit <= 0 {
		return c
	}
	c.IsValid = computed.LessThanOrEqual(lim)
	c.Margin = lim.Sub(computed).Round(2).InexactFloat64()
	c.PercentUsed = computed.Div(lim).Mul(hundred).Round(1).InexactFloat64()
	return c
}

func fmtDec(v float64) string {
	return amount(v).String()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// amount converts v, treating NaN and infinities as zero.
func amount(v float64) decimal.Decimal {
	if !finite(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
