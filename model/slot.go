package model

import "fmt"

// Role is the equipment role of a slot.
type Role string

// Equipment roles.
const (
	RoleSolarPanel    Role = "solar_panel"
	RoleOptimizer     Role = "optimizer"
	RoleInverter      Role = "inverter"
	RoleBattery       Role = "battery"
	RoleCombinerPanel Role = "combiner_panel"
	RoleBackupPanel   Role = "backup_panel"
	RoleACDisconnect  Role = "ac_disconnect"
	RoleSMS           Role = "sms"
	RoleMeter         Role = "meter"
	RoleUtilityBOS    Role = "utility_bos"
	RolePostCombine   Role = "postcombine"
)

// Roles lists every role in a stable order.
var Roles = []Role{
	RoleSolarPanel, RoleOptimizer, RoleInverter, RoleBattery,
	RoleCombinerPanel, RoleBackupPanel, RoleACDisconnect, RoleSMS,
	RoleMeter, RoleUtilityBOS, RolePostCombine,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, k := range Roles {
		if k == r {
			return true
		}
	}
	return false
}

// SlotAddress identifies one equipment slot in a project.
// System and Index are 1-based.
type SlotAddress struct {
	System int  `json:"system"`
	Role   Role `json:"role"`
	Index  int  `json:"index"`
}

// String renders a compact, human-readable form such as "sys1/battery/2".
func (a SlotAddress) String() string {
	return fmt.Sprintf("sys%d/%s/%d", a.System, a.Role, a.Index)
}

// Validate checks that the address is well formed.
func (a SlotAddress) Validate() error {
	if a.System < 1 {
		return fmt.Errorf("slot: system must be >= 1, got %d", a.System)
	}
	if a.Index < 1 {
		return fmt.Errorf("slot: index must be >= 1, got %d", a.Index)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("slot: unknown role %q", a.Role)
	}
	return nil
}
