package model

// BackupScope is the breadth of backup requested by the homeowner.
type BackupScope string

// Backup scopes.
const (
	BackupNone    BackupScope = "none"
	BackupPartial BackupScope = "partial"
	BackupWhole   BackupScope = "whole"
)

// MeterCollar is where the meter collar adapter sits.
type MeterCollar string

// Meter collar locations. MeterCollarUnset means not yet chosen.
const (
	MeterCollarUnset       MeterCollar = ""
	MeterCollarBehindMeter MeterCollar = "behind_meter"
	MeterCollarDiscrete    MeterCollar = "discrete"
)

// ConfigurationFacts is the fact vector the classifier works from.
type ConfigurationFacts struct {
	HasBattery       bool        `json:"has_battery"`
	HasSolar         bool        `json:"has_solar"`
	Backup           BackupScope `json:"backup"`
	LegacyPV         bool        `json:"legacy_pv"`
	MeterCollar      MeterCollar `json:"meter_collar"`
	MixedMicroSeries bool        `json:"mixed_micro_series"`
}

// WantsBackup reports whether any backup breadth is requested.
func (f ConfigurationFacts) WantsBackup() bool {
	return f.Backup == BackupPartial || f.Backup == BackupWhole
}

// ConfigurationID identifies one supported system configuration.
type ConfigurationID int

// Supported configurations.
const (
	ConfigSolarOnly             ConfigurationID = 1
	ConfigBatteryOnly           ConfigurationID = 2
	ConfigSolarBattery          ConfigurationID = 3
	ConfigSolarBatteryLegacyPV  ConfigurationID = 4
	ConfigWholeHomeBehindMeter  ConfigurationID = 5
	ConfigWholeHomeLegacyBehind ConfigurationID = 6
	ConfigWholeHomeDiscrete     ConfigurationID = 7
	ConfigPartialHomeDiscrete   ConfigurationID = 8
	ConfigPartialHomeLegacyPV   ConfigurationID = 9
)

// SystemType distinguishes grid-tied from grid-forming configurations.
type SystemType string

// System types.
const (
	SystemGridTied    SystemType = "grid-tied"
	SystemGridForming SystemType = "grid-forming"
)

// Configuration describes a ConfigurationID for downstream consumers.
type Configuration struct {
	ID           ConfigurationID `json:"id"`
	Name         string          `json:"name"`
	SystemType   SystemType      `json:"system_type"`
	RequiresCTs  bool            `json:"requires_cts"`
	MeterCollar  MeterCollar     `json:"meter_collar,omitempty"`
	Planned      bool            `json:"planned,omitempty"`
	NotSupported bool            `json:"not_supported,omitempty"`
}

// Classification is the outcome of classifying one fact vector.
type Classification struct {
	Configuration Configuration      `json:"configuration"`
	Facts         ConfigurationFacts `json:"facts"`
	Provisional   bool               `json:"provisional"`
	Corrections   []FactCorrection   `json:"corrections,omitempty"`
	Rule          string             `json:"rule"`
	// BOS lists the default balance-of-system devices of the configuration
	// in the project's utility vocabulary.
	BOS []BOSItem `json:"bos,omitempty"`
}

// BOSSection is where a balance-of-system device sits on the line diagram.
type BOSSection string

// Line diagram sections.
const (
	BOSSectionUtility BOSSection = "utility"
	BOSSectionBattery BOSSection = "battery"
	BOSSectionBackup  BOSSection = "backup"
	BOSSectionPostSMS BOSSection = "post_sms"
)

// BOSItem is one default balance-of-system device. Role is the slot role
// that holds it; Block is the diagram block label.
type BOSItem struct {
	Section       BOSSection `json:"section"`
	Role          Role       `json:"role"`
	EquipmentType string     `json:"equipment_type"`
	Block         string     `json:"block"`
}

// FactCorrection records a fact the classifier rewrote before matching.
type FactCorrection struct {
	Fact   string `json:"fact"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}
