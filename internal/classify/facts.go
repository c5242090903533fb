package classify

import (
	"slices"
	"strings"

	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// BatteryOnlyMake is the solar panel make recorded for storage-only jobs.
const BatteryOnlyMake = "Battery Only"

// ThirdPartyInverterMakes are inverter makes whose PV counts as legacy when
// storage is added.
var ThirdPartyInverterMakes = []string{"SolarEdge", "SMA", "Fronius", "Generac", "Other"}

// LegacyMicroPrefixes are Enphase model prefixes of legacy M and S series.
var LegacyMicroPrefixes = []string{"M", "S"}

// DetectFacts derives the classifier facts from a project's field map.
// Microinverter generations are compared across every system.
func DetectFacts(fields slot.Fields) model.ConfigurationFacts {
	f := model.ConfigurationFacts{
		Backup:      ParseBackup(fields[slot.KeyBackupOption]),
		MeterCollar: ParseMeterCollar(fields[slot.KeyMeterCollar]),
	}

	batteryOnly := false
	var iq8, iq67 bool

	for _, addr := range slot.Slots(fields) {
		mfr := strings.TrimSpace(fields[slot.Key(addr, slot.FieldMake)])
		mdl := strings.ToUpper(strings.TrimSpace(fields[slot.Key(addr, slot.FieldModel)]))
		if mfr == "" {
			continue
		}

		switch addr.Role {
		case model.RoleBattery:
			f.HasBattery = true
		case model.RoleSolarPanel:
			if strings.EqualFold(mfr, BatteryOnlyMake) {
				batteryOnly = true
			} else {
				f.HasSolar = true
			}
		case model.RoleInverter:
			f.HasSolar = true
			if legacyInverter(mfr, mdl) {
				f.LegacyPV = true
			}
			iq8 = iq8 || strings.Contains(mdl, "IQ8")
			iq67 = iq67 || strings.Contains(mdl, "IQ6") || strings.Contains(mdl, "IQ7")
		}
	}

	if f.WantsBackup() {
		f.HasBattery = true
	}
	if batteryOnly {
		f.HasSolar = false
	}
	f.MixedMicroSeries = iq8 && iq67
	return f
}

func legacyInverter(mfr, upperModel string) bool {
	if slices.ContainsFunc(ThirdPartyInverterMakes, func(m string) bool { return strings.EqualFold(m, mfr) }) {
		return true
	}
	if !strings.EqualFold(mfr, "Enphase") {
		return false
	}
	for _, p := range LegacyMicroPrefixes {
		if strings.HasPrefix(upperModel, p) {
			return true
		}
	}
	return false
}

// ParseBackup accepts both the form labels ("Whole Home") and the API
// values ("whole").
func ParseBackup(s string) model.BackupScope {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whole", "whole home", "whole_home":
		return model.BackupWhole
	case "partial", "partial home", "partial_home":
		return model.BackupPartial
	}
	return model.BackupNone
}

// ParseMeterCollar accepts both the form values and the API values.
func ParseMeterCollar(s string) model.MeterCollar {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "behind_meter", "behind_utility_meter":
		return model.MeterCollarBehindMeter
	case "discrete", "discrete_meter_pan":
		return model.MeterCollarDiscrete
	}
	return model.MeterCollarUnset
}
