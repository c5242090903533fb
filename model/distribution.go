package model

// DistributionMode selects how panels are spread over branches or inputs.
type DistributionMode string

// Supported distribution modes.
const (
	ModeStandard       DistributionMode = "standard"
	ModeDualQuantity   DistributionMode = "dual_quantity"
	ModeStringInverter DistributionMode = "string_inverter"
)

// Valid reports whether m is a known mode.
func (m DistributionMode) Valid() bool {
	switch m {
	case ModeStandard, ModeDualQuantity, ModeStringInverter:
		return true
	}
	return false
}

// DistributionAssignment is one branch (or DC input) of a layout.
type DistributionAssignment struct {
	BranchIndex  int         `json:"branch_index"`
	PanelQty     int         `json:"panel_qty"`
	MicroUnitQty int         `json:"micro_unit_qty,omitempty"`
	Strings      int         `json:"strings,omitempty"`
	IsNew        bool        `json:"is_new"`
	SubRows      []BranchRow `json:"sub_rows,omitempty"`
}

// BranchRow is the share of one panel type on a mixed branch.
type BranchRow struct {
	PanelType    string `json:"panel_type"`
	PanelQty     int    `json:"panel_qty"`
	MicroUnitQty int    `json:"micro_unit_qty,omitempty"`
	MicroModel   string `json:"micro_model,omitempty"`
}

// MicroAssignment is the number of panels served by one dual-quantity unit.
type MicroAssignment struct {
	Index    int `json:"index"`
	PanelQty int `json:"panel_qty"`
}

// DistributionParams carries the per-mode limits for a layout.
type DistributionParams struct {
	// Standard mode.
	MaxPanelsPerBranch      int     `json:"max_panels_per_branch,omitempty"`
	MaxContinuousOutputAmps float64 `json:"max_continuous_output_amps,omitempty"`

	// Dual-quantity mode.
	Ratio             int `json:"ratio,omitempty"`
	MaxUnitsPerBranch int `json:"max_units_per_branch,omitempty"`

	// String-inverter mode. An input takes one or two parallel strings.
	StringsPerInput    int `json:"strings_per_input,omitempty" validate:"omitempty,oneof=1 2"`
	MaxPanelsPerString int `json:"max_panels_per_string,omitempty"`

	// IsNew is copied onto every generated row.
	IsNew bool `json:"is_new,omitempty"`
}

// DistributionResult is the output of a distribution run.
type DistributionResult struct {
	Mode             DistributionMode         `json:"mode"`
	Branches         []DistributionAssignment `json:"branches"`
	MicroAssignments []MicroAssignment        `json:"micro_assignments,omitempty"`
	Assigned         int                      `json:"assigned"`
	Remainder        int                      `json:"remainder"`
}

// DistributionSummary reports how an assignment compares to the total.
type DistributionSummary struct {
	Total         int    `json:"total"`
	Assigned      int    `json:"assigned"`
	Remaining     int    `json:"remaining"`
	OverAssigned  bool   `json:"over_assigned"`
	UnderAssigned bool   `json:"under_assigned"`
	Message       string `json:"message"`
}
