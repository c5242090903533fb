package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/model"
)

func panelQtys(res model.DistributionResult) []int {
	out := make([]int, len(res.Branches))
	for i, b := range res.Branches {
		out[i] = b.PanelQty
	}
	return out
}

func TestAutoDistribute_standard(t *testing.T) {
	res := AutoDistribute(10, 4, model.ModeStandard, model.DistributionParams{MaxPanelsPerBranch: 3})
	assert.Equal(t, []int{3, 3, 3, 1}, panelQtys(res))
	assert.Equal(t, 10, res.Assigned)
	assert.Equal(t, 0, res.Remainder)
	for i, b := range res.Branches {
		assert.Equal(t, i+1, b.BranchIndex)
	}
}

func TestAutoDistribute_standard_reports_unused_and_remainder(t *testing.T) {
	res := AutoDistribute(4, 3, model.ModeStandard, model.DistributionParams{MaxPanelsPerBranch: 3})
	assert.Equal(t, []int{3, 1, 0}, panelQtys(res))

	short := AutoDistribute(10, 2, model.ModeStandard, model.DistributionParams{MaxPanelsPerBranch: 3})
	assert.Equal(t, []int{3, 3}, panelQtys(short))
	assert.Equal(t, 4, short.Remainder)

	none := AutoDistribute(7, 0, model.ModeStandard, model.DistributionParams{MaxPanelsPerBranch: 3})
	assert.Empty(t, none.Branches)
	assert.Equal(t, 7, none.Remainder)
}

func TestAutoDistribute_standard_cap_from_output_current(t *testing.T) {
	res := AutoDistribute(30, 3, model.ModeStandard, model.DistributionParams{MaxContinuousOutputAmps: 1.21, IsNew: true})
	assert.Equal(t, []int{13, 13, 4}, panelQtys(res))
	assert.True(t, res.Branches[0].IsNew)
}

func TestAutoDistribute_dual_quantity(t *testing.T) {
	res := AutoDistribute(10, 3, model.ModeDualQuantity, model.DistributionParams{Ratio: 4, MaxUnitsPerBranch: 1})
	assert.Equal(t, []int{4, 4, 2}, panelQtys(res))
	assert.Equal(t, 0, res.Remainder)
	for _, b := range res.Branches {
		assert.Equal(t, 1, b.MicroUnitQty)
	}
	assert.Equal(t, []model.MicroAssignment{
		{Index: 1, PanelQty: 4},
		{Index: 2, PanelQty: 4},
		{Index: 3, PanelQty: 2},
	}, res.MicroAssignments)
}

func TestAutoDistribute_dual_quantity_catalog_limits(t *testing.T) {
	// HM-600NT: 2:1, 9 units, 18 panels per branch.
	p := model.DistributionParams{Ratio: 2, MaxUnitsPerBranch: 9, MaxPanelsPerBranch: 18}
	res := AutoDistribute(21, 3, model.ModeDualQuantity, p)
	assert.Equal(t, []int{18, 3, 0}, panelQtys(res))
	assert.Equal(t, 9, res.Branches[0].MicroUnitQty)
	assert.Equal(t, 2, res.Branches[1].MicroUnitQty)
	assert.Equal(t, 0, res.Branches[2].MicroUnitQty)
	require.Len(t, res.MicroAssignments, 11)
	assert.Equal(t, 1, res.MicroAssignments[10].PanelQty)
}

func TestAutoDistribute_dual_quantity_published_cap_rounds_to_units(t *testing.T) {
	p := model.DistributionParams{Ratio: 4, MaxUnitsPerBranch: 5, MaxPanelsPerBranch: 18}
	assert.Equal(t, 16, BranchCapacity(model.ModeDualQuantity, p))

	res := AutoDistribute(36, 3, model.ModeDualQuantity, p)
	assert.Equal(t, []int{16, 16, 4}, panelQtys(res))
	assert.Equal(t, 0, res.Remainder)
}

func TestAutoDistribute_micro_assignments_bounded(t *testing.T) {
	res := AutoDistribute(100, 5, model.ModeDualQuantity, model.DistributionParams{Ratio: 2, MaxUnitsPerBranch: 10})
	assert.Equal(t, 0, res.Remainder)
	assert.Len(t, res.MicroAssignments, MaxMicroAssignments)
}

func TestAutoDistribute_string_inverter(t *testing.T) {
	res := AutoDistribute(40, 2, model.ModeStringInverter, model.DistributionParams{StringsPerInput: 2, MaxPanelsPerString: 13})
	assert.Equal(t, []int{26, 14}, panelQtys(res))
	assert.Equal(t, 2, res.Branches[0].Strings)
	assert.Equal(t, 2, res.Branches[1].Strings)

	def := AutoDistribute(20, 2, model.ModeStringInverter, model.DistributionParams{})
	assert.Equal(t, []int{15, 5}, panelQtys(def))
	assert.Equal(t, 1, def.Branches[1].Strings)
}

func TestAutoDistribute_string_inverter_clamps_strings_per_input(t *testing.T) {
	res := AutoDistribute(60, 2, model.ModeStringInverter, model.DistributionParams{StringsPerInput: 5, MaxPanelsPerString: 13})
	assert.Equal(t, []int{26, 26}, panelQtys(res))
	assert.Equal(t, 8, res.Remainder)
	assert.Equal(t, 2, res.Branches[0].Strings)
}

func TestAutoDistribute_properties(t *testing.T) {
	params := map[model.DistributionMode][]model.DistributionParams{
		model.ModeStandard: {
			{MaxPanelsPerBranch: 3},
			{MaxContinuousOutputAmps: 1.58},
		},
		model.ModeDualQuantity: {
			{Ratio: 4, MaxUnitsPerBranch: 1},
			{Ratio: 2, MaxUnitsPerBranch: 7, MaxPanelsPerBranch: 14},
			{Ratio: 4, MaxUnitsPerBranch: 5, MaxPanelsPerBranch: 18},
		},
		model.ModeStringInverter: {
			{StringsPerInput: 1, MaxPanelsPerString: 11},
			{StringsPerInput: 2},
		},
	}

	for mode, list := range params {
		for _, p := range list {
			capacity := BranchCapacity(mode, p)
			for total := 0; total <= 60; total++ {
				for branches := 0; branches <= 6; branches++ {
					res := AutoDistribute(total, branches, mode, p)

					assert.LessOrEqual(t, res.Assigned, total)
					assert.Equal(t, total-res.Assigned, res.Remainder)
					if total <= branches*capacity {
						assert.Zero(t, res.Remainder, "%s %+v total=%d branches=%d", mode, p, total, branches)
					}
					assert.Equal(t, res, AutoDistribute(total, branches, mode, p), "deterministic")

					if mode == model.ModeDualQuantity {
						assertRatio(t, res, max(p.Ratio, 1))
					}
				}
			}
		}
	}
}

// Every populated branch but the last holds whole units.
func assertRatio(t *testing.T, res model.DistributionResult, ratio int) {
	t.Helper()
	last := -1
	for i, b := range res.Branches {
		assert.Equal(t, (b.PanelQty+ratio-1)/ratio, b.MicroUnitQty)
		if b.PanelQty > 0 {
			last = i
		}
	}
	for i := 0; i < last; i++ {
		assert.Zero(t, res.Branches[i].PanelQty%ratio, "branch %d", i+1)
	}
}

func TestModeFor(t *testing.T) {
	tests := []struct {
		name  string
		entry model.CatalogEntry
		want  model.DistributionMode
	}{
		{"string inverter", model.CatalogEntry{Type: "Inverter", Specs: &model.ElectricalSpecs{MaxVdc: 600}}, model.ModeStringInverter},
		{"string inverter without specs", model.CatalogEntry{Type: "inverter"}, model.ModeStringInverter},
		{"4:1 micro", model.CatalogEntry{Type: "Micro Inverter", Specs: &model.ElectricalSpecs{PanelRatio: "4:1"}}, model.ModeDualQuantity},
		{"1:1 micro", model.CatalogEntry{Type: "Micro Inverter", Specs: &model.ElectricalSpecs{PanelRatio: "1:1"}}, model.ModeStandard},
		{"micro without specs", model.CatalogEntry{Type: "Micro Inverter"}, model.ModeStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModeFor(tt.entry))
		})
	}
}

func TestParamsFor(t *testing.T) {
	iq8 := model.CatalogEntry{Type: "Micro Inverter", Specs: &model.ElectricalSpecs{MaxContinuousOutputAmps: 1.21}}
	assert.Equal(t, 13, ParamsFor(iq8, 0).MaxPanelsPerBranch)
	assert.Equal(t, 19, ParamsFor(iq8, 30).MaxPanelsPerBranch)

	hms := model.CatalogEntry{Type: "Micro Inverter", Specs: &model.ElectricalSpecs{
		MaxContinuousOutputAmps: 6.67, PanelRatio: "4:1", MaxUnitsPerBranch: 4, MaxPanelsPerBranch: 16,
	}}
	p := ParamsFor(hms, 0)
	assert.Equal(t, 4, p.Ratio)
	assert.Equal(t, 4, p.MaxUnitsPerBranch)
	assert.Equal(t, 16, p.MaxPanelsPerBranch)

	assert.Equal(t, model.DistributionParams{}, ParamsFor(model.CatalogEntry{Type: "Micro Inverter"}, 0))
}

func TestValidateAssignment(t *testing.T) {
	rows := func(qty ...int) []model.DistributionAssignment {
		out := make([]model.DistributionAssignment, len(qty))
		for i, q := range qty {
			out[i] = model.DistributionAssignment{BranchIndex: i + 1, PanelQty: q}
		}
		return out
	}

	under := ValidateAssignment(10, rows(4, 4))
	assert.Equal(t, 2, under.Remaining)
	assert.True(t, under.UnderAssigned)
	assert.False(t, under.OverAssigned)
	assert.Equal(t, "2 panels remaining to assign", under.Message)

	over := ValidateAssignment(10, rows(4, 4, 3))
	assert.Equal(t, -1, over.Remaining)
	assert.True(t, over.OverAssigned)
	assert.Equal(t, "1 panel over-assigned", over.Message)

	exact := ValidateAssignment(10, rows(4, 4, 2))
	assert.Zero(t, exact.Remaining)
	assert.False(t, exact.UnderAssigned || exact.OverAssigned)
	assert.Equal(t, "all 10 panels assigned", exact.Message)
}

func TestSplitBranch(t *testing.T) {
	row := model.DistributionAssignment{BranchIndex: 2, PanelQty: 8, MicroUnitQty: 2, IsNew: true}
	got := SplitBranch(row, []model.BranchRow{
		{PanelType: "REC Alpha Pure 405", PanelQty: 6, MicroModel: "HMS-1600-4T-NA"},
		{PanelType: "Qcells Q.PEAK DUO 400", PanelQty: 2, MicroModel: "HMS-1600-4T-NA"},
	}, 4)

	assert.Equal(t, 2, got.BranchIndex)
	assert.True(t, got.IsNew)
	assert.Equal(t, 8, got.PanelQty)
	assert.Equal(t, 3, got.MicroUnitQty, "each panel type needs its own units")
	require.Len(t, got.SubRows, 2)
	assert.Equal(t, 2, got.SubRows[0].MicroUnitQty)
	assert.Equal(t, 1, got.SubRows[1].MicroUnitQty)

	standard := SplitBranch(row, []model.BranchRow{{PanelType: "a", PanelQty: 5}, {PanelType: "b", PanelQty: -1}}, 1)
	assert.Equal(t, 5, standard.PanelQty)
	assert.Zero(t, standard.MicroUnitQty)
}

func TestSplitByPanelType(t *testing.T) {
	rows := []model.DistributionAssignment{
		{BranchIndex: 1, PanelQty: 8, MicroUnitQty: 2},
		{BranchIndex: 2, PanelQty: 8, MicroUnitQty: 2},
		{BranchIndex: 3, PanelQty: 0},
	}
	pool := []model.BranchRow{
		{PanelType: "REC Alpha Pure 405", PanelQty: 10, MicroModel: "HMS-1600-4T-NA"},
		{PanelType: "Qcells Q.PEAK DUO 400", PanelQty: 6, MicroModel: "HMS-1600-4T-NA"},
	}

	got := SplitByPanelType(rows, pool, 4)
	require.Len(t, got, 3)

	require.Len(t, got[0].SubRows, 1)
	assert.Equal(t, "REC Alpha Pure 405", got[0].SubRows[0].PanelType)
	assert.Equal(t, 8, got[0].PanelQty)
	assert.Equal(t, 2, got[0].MicroUnitQty)

	require.Len(t, got[1].SubRows, 2)
	assert.Equal(t, 2, got[1].SubRows[0].PanelQty)
	assert.Equal(t, 1, got[1].SubRows[0].MicroUnitQty)
	assert.Equal(t, "Qcells Q.PEAK DUO 400", got[1].SubRows[1].PanelType)
	assert.Equal(t, 6, got[1].SubRows[1].PanelQty)
	assert.Equal(t, 2, got[1].SubRows[1].MicroUnitQty)
	assert.Equal(t, "HMS-1600-4T-NA", got[1].SubRows[1].MicroModel)
	assert.Equal(t, 8, got[1].PanelQty)
	assert.Equal(t, 3, got[1].MicroUnitQty)

	assert.Empty(t, got[2].SubRows)
	assert.Equal(t, 2, rows[1].MicroUnitQty, "input rows are not modified")
}

func TestSplitByPanelType_single_type_is_a_no_op(t *testing.T) {
	rows := []model.DistributionAssignment{{BranchIndex: 1, PanelQty: 13}}
	got := SplitByPanelType(rows, []model.BranchRow{{PanelType: "REC400AA", PanelQty: 13}}, 1)
	assert.Equal(t, rows, got)
}
