package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimumCompliantRating(t *testing.T) {
	tests := []struct {
		name    string
		amps    float64
		ceiling int
		want    int
		wantOK  bool
	}{
		{"exact standard size", 32, 0, 40, true},
		{"rounds up", 41, 0, 60, true},
		{"smallest", 1, 0, 15, true},
		{"boundary 12A", 12, 0, 15, true},
		{"just over 12A", 12.01, 0, 20, true},
		{"fractional micro output", 15.73, 0, 20, true},
		{"110 step", 85, 0, 110, true},
		{"top of table", 480, 0, 600, true},
		{"above table", 700, 0, 600, true},
		{"ceiling caps", 100, 125, 125, true},
		{"ceiling not reached", 32, 125, 40, true},
		{"zero", 0, 0, 0, false},
		{"negative", -5, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MinimumCompliantRating(tt.amps, tt.ceiling)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMinimumCompliantRating_monotonic_and_factor(t *testing.T) {
	prev := 0
	for a := 0.5; a <= 480; a += 0.5 {
		got, ok := MinimumCompliantRating(a, 0)
		require.True(t, ok)
		assert.GreaterOrEqual(t, got, prev, "rating dropped at %v A", a)
		assert.GreaterOrEqual(t, float64(got), a*1.25, "rating below 1.25x at %v A", a)
		prev = got
	}
}

func TestCalculate_micro(t *testing.T) {
	res := Calculate(Input{MicroAmps: 1.21, Quantity: 13})

	require.True(t, res.OK)
	assert.InDelta(t, 15.73, res.MaxContinuousOutput, 1e-9)
	assert.InDelta(t, 19.6625, res.MinimumRequired, 1e-9)
	assert.Equal(t, 20, res.Recommended)
	assert.False(t, res.Capped)
	assert.Contains(t, res.Calculation, "13 × 1.21A = 15.73A")
	assert.Contains(t, res.Calculation, "→ 20A")
}

func TestCalculate_inverter_capped(t *testing.T) {
	res := Calculate(Input{InverterAmps: 120, Ceiling: 125})

	require.True(t, res.OK)
	assert.Equal(t, 125, res.Recommended)
	assert.True(t, res.Capped)
	assert.Contains(t, res.Calculation, "capped at 125A")
}

func TestCalculate_above_table(t *testing.T) {
	res := Calculate(Input{InverterAmps: 500})

	require.True(t, res.OK)
	assert.Equal(t, 600, res.Recommended)
	assert.True(t, res.AboveTable)
	assert.Contains(t, res.Calculation, "exceeds standard table")
}

func TestCalculate_no_load(t *testing.T) {
	res := Calculate(Input{})

	assert.False(t, res.OK)
	assert.Zero(t, res.Recommended)
}

func TestMaxPanelsPerBranch(t *testing.T) {
	tests := []struct {
		amps float64
		want int
	}{
		{1.21, 13},
		{1.0, 16},
		{1.45, 11},
		{0, DefaultMaxPanelsPerBranch},
		{-1, DefaultMaxPanelsPerBranch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxPanelsPerBranch(tt.amps), "amps=%v", tt.amps)
	}
	assert.Equal(t, 8, MaxPanelsOnCircuit(15, 1.45))
}

func TestNonFiniteLoads(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		rating, ok := MinimumCompliantRating(v, 0)
		assert.False(t, ok, "amps=%v", v)
		assert.Zero(t, rating)

		res := Calculate(Input{InverterAmps: v})
		assert.False(t, res.OK)
		assert.Zero(t, res.Recommended)

		res = Calculate(Input{MicroAmps: v, Quantity: 13})
		assert.False(t, res.OK)

		assert.Equal(t, DefaultMaxPanelsPerBranch, MaxPanelsPerBranch(v))
		assert.Equal(t, DefaultMaxPanelsPerBranch, MaxPanelsOnCircuit(v, 1.21))
	}
	assert.True(t, Finite(32))
	assert.False(t, Finite(math.NaN()))
}
