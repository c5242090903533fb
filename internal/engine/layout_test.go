package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

func panelQtys(rows []model.DistributionAssignment) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.PanelQty
	}
	return out
}

var (
	iq8   = &EquipmentRef{Type: "Microinverter", Make: "Enphase", Model: "IQ8PLUS-72-2-US"}
	sma   = &EquipmentRef{Type: "Inverter", Make: "SMA", Model: "SB7.7-1SP-US-41"}
	rec40 = &EquipmentRef{Type: "Solar Panel", Make: "REC", Model: "REC400AA"}
)

func TestDistribute(t *testing.T) {
	tests := []struct {
		name      string
		req       DistributeRequest
		wantMode  model.DistributionMode
		wantQtys  []int
		remainder int
	}{
		{
			name:     "explicit standard params",
			req:      DistributeRequest{Total: 10, MaxBranches: 4, Params: model.DistributionParams{MaxPanelsPerBranch: 3}},
			wantMode: model.ModeStandard,
			wantQtys: []int{3, 3, 3, 1},
		},
		{
			name:     "micro branches from catalog specs",
			req:      DistributeRequest{Total: 30, Inverter: iq8},
			wantMode: model.ModeStandard,
			wantQtys: []int{13, 13, 4, 0},
		},
		{
			name:     "string inverter sized from panel voltage",
			req:      DistributeRequest{Total: 30, Inverter: sma, Panel: rec40},
			wantMode: model.ModeStringInverter,
			wantQtys: []int{11, 11, 8},
		},
		{
			name:      "over capacity leaves a remainder",
			req:       DistributeRequest{Total: 60, Inverter: iq8},
			wantMode:  model.ModeStandard,
			wantQtys:  []int{13, 13, 13, 13},
			remainder: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rep, err := f.engine.Distribute(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMode, rep.Mode)
			assert.Equal(t, tt.wantQtys, panelQtys(rep.Branches))
			assert.Equal(t, tt.remainder, rep.Remainder)
			assert.Equal(t, tt.req.Total-tt.remainder, rep.Summary.Assigned)
		})
	}
}

func TestDistribute_string_checks_attached(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Distribute(context.Background(), DistributeRequest{Total: 22, Inverter: sma, Panel: rec40})
	require.NoError(t, err)

	require.Len(t, rep.Strings, 2)
	for _, in := range rep.Strings {
		assert.True(t, in.Valid(), "input %d", in.InputIndex)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.StringChecksTotal.WithLabelValues("voltage", "true")))
}

func TestDistribute_checks_hand_edited_assignment(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Distribute(context.Background(), DistributeRequest{
		Total: 10,
		Assignment: []model.DistributionAssignment{
			{BranchIndex: 1, PanelQty: 7},
			{BranchIndex: 2, PanelQty: 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, -2, rep.Remainder)
	assert.True(t, rep.Summary.OverAssigned)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DistributionsTotal.WithLabelValues("standard", "over")))
}

func TestDistribute_rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      DistributeRequest
		wantCode string
	}{
		{"negative total", DistributeRequest{Total: -1, MaxBranches: 2}, model.ErrValidationError},
		{"unknown mode", DistributeRequest{Total: 4, MaxBranches: 2, Mode: "parallel"}, model.ErrValidationError},
		{"no branch limit", DistributeRequest{Total: 4}, model.ErrValidationError},
		{"unknown inverter", DistributeRequest{Total: 4, Inverter: &EquipmentRef{Type: "Inverter", Make: "ACME", Model: "X"}}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFixture(t).engine.Distribute(context.Background(), tt.req)
			assert.Equal(t, tt.wantCode, errCode(err))
		})
	}
}

func TestDistributeSlot_stores_branches(t *testing.T) {
	f := newFixture(t)
	fields := microSystem()
	fields["solar_panel1_equipment_type"] = "Solar Panel"
	fields["solar_panel1_make"] = "REC"
	fields["solar_panel1_model"] = "REC400AA"
	fields["solar_panel1_quantity"] = "30"
	fields["inverter1_branch_5_panel_qty"] = "2"
	version := f.seed(t, fields)

	inverter := model.SlotAddress{System: 1, Role: model.RoleInverter, Index: 1}
	rep, res, err := f.engine.DistributeSlot(context.Background(), testRctx(), project, inverter, -1, version)
	require.NoError(t, err)

	assert.Equal(t, []int{13, 13, 4, 0}, panelQtys(rep.Branches))
	assert.Equal(t, version+1, res.Version)

	stored := f.fields(t)
	assert.Equal(t, "13", stored["inverter1_branch_1_panel_qty"])
	assert.Equal(t, "4", stored["inverter1_branch_3_panel_qty"])
	assert.NotContains(t, stored, "inverter1_branch_5_panel_qty", "stale branches are cleared")
	assert.Equal(t, []int{13, 13, 4, 0}, panelQtys(slot.DecodeBranches(inverter, stored)))
}

func TestDistributeSlot_mixed_panel_types(t *testing.T) {
	f := newFixture(t)
	version := f.seed(t, slot.Fields{
		"inverter1_equipment_type":    "Microinverter",
		"inverter1_make":              "Hoymiles",
		"inverter1_model":             "HMS-1600-4T-NA",
		"inverter1_quantity":          "4",
		"solar_panel1_equipment_type": "Solar Panel",
		"solar_panel1_make":           "REC",
		"solar_panel1_model":          "REC400AA",
		"solar_panel1_quantity":       "10",
		"solar_panel2_equipment_type": "Solar Panel",
		"solar_panel2_make":           "Qcells",
		"solar_panel2_model":          "Q.PEAK DUO BLK ML-G10+ 400",
		"solar_panel2_quantity":       "6",
	})

	inverter := model.SlotAddress{System: 1, Role: model.RoleInverter, Index: 1}
	rep, res, err := f.engine.DistributeSlot(context.Background(), testRctx(), project, inverter, -1, version)
	require.NoError(t, err)
	assert.Equal(t, version+1, res.Version)

	assert.Equal(t, model.ModeDualQuantity, rep.Mode)
	assert.Equal(t, []int{8, 8, 0}, panelQtys(rep.Branches))
	assert.Zero(t, rep.Summary.Remaining)

	mixed := rep.Branches[1]
	require.Len(t, mixed.SubRows, 2)
	assert.Equal(t, model.BranchRow{PanelType: "REC REC400AA", PanelQty: 2, MicroUnitQty: 1, MicroModel: "HMS-1600-4T-NA"}, mixed.SubRows[0])
	assert.Equal(t, model.BranchRow{PanelType: "Qcells Q.PEAK DUO BLK ML-G10+ 400", PanelQty: 6, MicroUnitQty: 2, MicroModel: "HMS-1600-4T-NA"}, mixed.SubRows[1])
	assert.Equal(t, 3, mixed.MicroUnitQty)

	stored := f.fields(t)
	assert.Equal(t, "3", stored["inverter1_branch_2_micro_qty"])
	assert.Contains(t, stored["inverter1_branch_2_sub_rows"], `"micro_model":"HMS-1600-4T-NA"`)
	assert.Contains(t, stored, "inverter1_branch_1_sub_rows")
	assert.NotContains(t, stored, "inverter1_branch_3_sub_rows")

	decoded := slot.DecodeBranches(inverter, stored)
	require.Len(t, decoded, 3)
	assert.Equal(t, mixed.SubRows, decoded[1].SubRows)
}

func TestDistributeSlot_rejections(t *testing.T) {
	f := newFixture(t)
	version := f.seed(t, slot.Fields{"inverter1_equipment_type": "Microinverter"})

	battery := model.SlotAddress{System: 1, Role: model.RoleBattery, Index: 1}
	_, _, err := f.engine.DistributeSlot(context.Background(), testRctx(), project, battery, 10, fieldstore.AnyVersion)
	assert.Equal(t, model.ErrBadRequest, errCode(err))

	inverter := model.SlotAddress{System: 1, Role: model.RoleInverter, Index: 1}
	_, _, err = f.engine.DistributeSlot(context.Background(), testRctx(), project, inverter, 10, version)
	assert.Equal(t, model.ErrBadRequest, errCode(err), "no model selected")

	_, _, err = f.engine.DistributeSlot(context.Background(), testRctx(), project, inverter, 10, version+3)
	assert.Equal(t, model.ErrConflict, errCode(err))
}

func TestValidateStrings(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.ValidateStrings(context.Background(), ValidateStringsRequest{
		Panel:    rec40,
		Inverter: sma,
		Inputs: []model.DistributionAssignment{
			{BranchIndex: 1, PanelQty: 12, Strings: 1},
			{BranchIndex: 2, PanelQty: 20, Strings: 2},
			{BranchIndex: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 11, rep.MaxPanelsPerString)
	require.Len(t, rep.Inputs, 2, "empty inputs are skipped")
	assert.False(t, rep.Inputs[0].Voltage.IsValid)
	assert.True(t, rep.Inputs[0].Current.IsValid)
	assert.True(t, rep.Inputs[1].Voltage.IsValid)
	assert.False(t, rep.Inputs[1].Current.IsValid)
	assert.False(t, rep.Valid)
	assert.ElementsMatch(t, []string{model.FlagVoltageExceeded, model.FlagCurrentExceeded}, rep.Flags)
}

func TestValidateStrings_explicit_specs(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.ValidateStrings(context.Background(), ValidateStringsRequest{
		PanelSpecs:    &model.ElectricalSpecs{Voc: 40, Isc: 9},
		InverterSpecs: &model.ElectricalSpecs{MaxVdc: 480, MaxInputIsc: 15},
		Inputs:        []model.DistributionAssignment{{BranchIndex: 1, PanelQty: 8}},
	})
	require.NoError(t, err)
	assert.True(t, rep.Valid)

	_, err = f.engine.ValidateStrings(context.Background(), ValidateStringsRequest{PanelSpecs: &model.ElectricalSpecs{Voc: 40}})
	assert.Equal(t, model.ErrBadRequest, errCode(err))
}
