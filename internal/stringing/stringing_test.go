package stringing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/model"
)

func TestMaxPanelsPerString(t *testing.T) {
	tests := []struct {
		name      string
		voc       float64
		maxVdc    float64
		tempCoeff float64
		want      int
	}{
		{"default coefficient", 40, 600, 0, 13},
		{"explicit coefficient", 40, 600, -0.3, 13},
		{"low coefficient panel", 49.5, 600, -0.25, 11},
		{"1000V inverter", 40, 1000, -0.3, 22},
		{"no voc", 0, 600, -0.3, 0},
		{"no limit", 40, 0, -0.3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxPanelsPerString(tt.voc, tt.maxVdc, tt.tempCoeff))
		})
	}
}

func TestVocAtCold(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, "44.2", l.VocAtCold(40, -0.3).String())

	colder := Limits{ColdDesignTempC: -20, DefaultTempCoeffVoc: -0.3}
	assert.Equal(t, "45.4", colder.VocAtCold(40, 0).String())
	assert.Equal(t, 13, colder.MaxPanelsPerString(40, 600, 0))
}

func TestValidateStringVoltage(t *testing.T) {
	ok := ValidateStringVoltage(13, 40, -0.3, 600)
	assert.True(t, ok.IsValid)
	assert.Equal(t, 574.6, ok.Computed)
	assert.Equal(t, 600.0, ok.Limit)
	assert.Equal(t, 25.4, ok.Margin)
	assert.Equal(t, 95.8, ok.PercentUsed)
	assert.Empty(t, ok.Flag)
	assert.Equal(t, "string voltage 574.6V is within the 600V limit (95.8% used)", ok.Message)

	over := ValidateStringVoltage(14, 40, -0.3, 600)
	assert.False(t, over.IsValid)
	assert.Equal(t, 618.8, over.Computed)
	assert.Equal(t, -18.8, over.Margin)
	assert.Equal(t, model.FlagVoltageExceeded, over.Flag)
	assert.Equal(t, "string voltage 618.8V exceeds the 600V inverter limit by 18.8V", over.Message)

	unknown := ValidateStringVoltage(14, 40, -0.3, 0)
	assert.True(t, unknown.IsValid)
	assert.Equal(t, "inverter publishes no maximum DC voltage", unknown.Message)
}

func TestValidateStringCurrent(t *testing.T) {
	atLimit := ValidateStringCurrent(2, 10, 25)
	assert.True(t, atLimit.IsValid)
	assert.Equal(t, 25.0, atLimit.Computed)
	assert.Equal(t, 100.0, atLimit.PercentUsed)
	assert.Equal(t, 0.0, atLimit.Margin)

	over := ValidateStringCurrent(2, 11, 25)
	assert.False(t, over.IsValid)
	assert.Equal(t, 27.5, over.Computed)
	assert.Equal(t, -2.5, over.Margin)
	assert.Equal(t, model.FlagCurrentExceeded, over.Flag)
}

func TestValidateInputs(t *testing.T) {
	rows := []model.DistributionAssignment{
		{BranchIndex: 1, PanelQty: 26, Strings: 2},
		{BranchIndex: 2, PanelQty: 0},
		{BranchIndex: 3, PanelQty: 14},
	}
	panel := &model.ElectricalSpecs{Voc: 40, Isc: 10}
	inverter := &model.ElectricalSpecs{MaxVdc: 600, MaxInputIsc: 25}

	got := DefaultLimits().ValidateInputs(rows, panel, inverter)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].InputIndex)
	assert.Equal(t, 13, got[0].PanelsPerString)
	assert.Equal(t, 25.0, got[0].Current.Computed)
	assert.True(t, got[0].Valid())

	assert.Equal(t, 3, got[1].InputIndex)
	assert.Equal(t, 14, got[1].PanelsPerString)
	assert.False(t, got[1].Voltage.IsValid)
	assert.True(t, got[1].Current.IsValid)
	assert.False(t, got[1].Valid())
}

func TestValidateInputs_missing_specs(t *testing.T) {
	rows := []model.DistributionAssignment{{BranchIndex: 1, PanelQty: 10, Strings: 1}}
	got := DefaultLimits().ValidateInputs(rows, nil, nil)
	require.Len(t, got, 1)
	assert.True(t, got[0].Valid(), "unknown limits are not violations")
}

func TestChecks_non_finite_specs(t *testing.T) {
	l := DefaultLimits()
	nan, inf := math.NaN(), math.Inf(1)

	assert.True(t, l.VocAtCold(nan, 0).IsZero())
	assert.Equal(t, "44.2", l.VocAtCold(40, inf).String(), "non-finite coefficient falls back to the default")
	assert.Zero(t, l.MaxPanelsPerString(inf, 600, 0))
	assert.Zero(t, l.MaxPanelsPerString(40, nan, 0))

	v := l.ValidateStringVoltage(13, 40, 0, inf)
	assert.True(t, v.IsValid)
	assert.Zero(t, v.Limit)
	assert.Equal(t, "inverter publishes no maximum DC voltage", v.Message)

	c := l.ValidateStringCurrent(2, nan, 25)
	assert.True(t, c.IsValid)
	assert.Zero(t, c.Computed)

	cold := Limits{ColdDesignTempC: nan}
	assert.Equal(t, "44.2", cold.VocAtCold(40, -0.3).String())
}
