// Package slot maps equipment slot addresses to the flat field keys used by
// the field store, and back.
//
// Keys take three shapes:
//
//	battery1_make                   system 1, role battery, index 1
//	sys2_battery1_make              system 2
//	postcombine_2_3_equipment_type  positional role: system 2, index 3
package slot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/voltplan/model"
)

// Slot field names.
const (
	FieldEquipmentType = "equipment_type"
	FieldAmpRating     = "amp_rating"
	FieldMake          = "make"
	FieldModel         = "model"
	FieldIsNew         = "is_new"
	FieldTag           = "tag"
	FieldQuantity      = "quantity"
)

// Project-level keys that belong to no slot.
const (
	KeyBackupOption      = "backup_option"
	KeyMeterCollar       = "meter_collar_location"
	KeyUtility           = "utility"
	KeyConfigurationID   = "configuration_id"
	KeyConfigurationRule = "configuration_rule"
)

var chainFields = [model.ChainDepth]string{FieldEquipmentType, FieldAmpRating, FieldMake, FieldModel}

// LevelField returns the field name that stores level l.
func LevelField(l model.Level) string {
	if !l.Valid() {
		return ""
	}
	return chainFields[l]
}

// FieldLevel returns the chain level stored in field.
func FieldLevel(field string) (model.Level, bool) {
	for i, f := range chainFields {
		if f == field {
			return model.Level(i), true
		}
	}
	return 0, false
}

// positional roles encode system and index as separate segments.
func positional(r model.Role) bool {
	return r == model.RolePostCombine
}

// Key renders the flat key for field of the slot at addr.
func Key(addr model.SlotAddress, field string) string {
	if positional(addr.Role) {
		return fmt.Sprintf("%s_%d_%d_%s", addr.Role, addr.System, addr.Index, field)
	}
	if addr.System > 1 {
		return fmt.Sprintf("sys%d_%s%d_%s", addr.System, addr.Role, addr.Index, field)
	}
	return fmt.Sprintf("%s%d_%s", addr.Role, addr.Index, field)
}

// Prefix returns the key prefix shared by every field of the slot.
func Prefix(addr model.SlotAddress) string {
	return Key(addr, "")
}

// BranchField names the panel quantity field of a 1-based branch.
func BranchField(branch int) string {
	return fmt.Sprintf("branch_%d_panel_qty", branch)
}

// BranchUnitsField names the micro unit quantity field of a 1-based branch.
func BranchUnitsField(branch int) string {
	return fmt.Sprintf("branch_%d_micro_qty", branch)
}

// BranchSubRowsField names the per-panel-type breakdown of a 1-based
// branch. Its value is a JSON array of model.BranchRow.
func BranchSubRowsField(branch int) string {
	return fmt.Sprintf("branch_%d_sub_rows", branch)
}

// Parse splits a flat key into its slot address and field name. Keys that
// do not address a slot, such as project-level keys, report false.
func Parse(key string) (model.SlotAddress, string, bool) {
	system := 1
	rest := key

	if strings.HasPrefix(rest, "sys") {
		head, tail, ok := strings.Cut(rest[3:], "_")
		if !ok {
			return model.SlotAddress{}, "", false
		}
		n, err := strconv.Atoi(head)
		if err != nil || n < 1 {
			return model.SlotAddress{}, "", false
		}
		system, rest = n, tail
	}

	if p := string(model.RolePostCombine) + "_"; system == 1 && strings.HasPrefix(rest, p) {
		parts := strings.SplitN(strings.TrimPrefix(rest, p), "_", 3)
		if len(parts) != 3 {
			return model.SlotAddress{}, "", false
		}
		sys, err1 := strconv.Atoi(parts[0])
		idx, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || !validField(parts[2]) {
			return model.SlotAddress{}, "", false
		}
		addr := model.SlotAddress{System: sys, Role: model.RolePostCombine, Index: idx}
		return addr, parts[2], addr.Validate() == nil
	}

	for _, role := range model.Roles {
		if positional(role) || !strings.HasPrefix(rest, string(role)) {
			continue
		}
		tail := rest[len(role):]
		digits := 0
		for digits < len(tail) && tail[digits] >= '0' && tail[digits] <= '9' {
			digits++
		}
		if digits == 0 || digits >= len(tail) || tail[digits] != '_' {
			continue
		}
		idx, _ := strconv.Atoi(tail[:digits])
		field := tail[digits+1:]
		if !validField(field) {
			return model.SlotAddress{}, "", false
		}
		addr := model.SlotAddress{System: system, Role: role, Index: idx}
		return addr, field, addr.Validate() == nil
	}
	return model.SlotAddress{}, "", false
}

func validField(f string) bool {
	switch f {
	case FieldEquipmentType, FieldAmpRating, FieldMake, FieldModel, FieldIsNew, FieldTag, FieldQuantity:
		return true
	}
	if _, ok := ParseBranchField(f); ok {
		return true
	}
	return false
}

// ParseBranchField returns the branch number of a branch_<n>_panel_qty,
// branch_<n>_micro_qty or branch_<n>_sub_rows field.
func ParseBranchField(f string) (int, bool) {
	rest, ok := strings.CutPrefix(f, "branch_")
	if !ok {
		return 0, false
	}
	num, suffix, ok := strings.Cut(rest, "_")
	if !ok || (suffix != "panel_qty" && suffix != "micro_qty" && suffix != "sub_rows") {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
