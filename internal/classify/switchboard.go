package classify

import (
	"strings"

	"github.com/pitabwire/voltplan/model"
)

// Generic BOS equipment names. Utilities with their own vocabulary rename
// them through utilityBOSNames.
const (
	BOSTypePVMeter      = "PV Meter"
	BOSTypeACDisconnect = "AC Disconnect"
)

// Diagram block labels.
const (
	BlockPreCombine = "PRE COMBINE"
	BlockESS        = "ESS"
	BlockBackup     = "BACKUP LOAD SUB PANEL"
	BlockPostSMS    = "POST SMS"
)

var sectionRoles = map[model.BOSSection]model.Role{
	model.BOSSectionUtility: model.RoleUtilityBOS,
	model.BOSSectionBattery: model.RoleACDisconnect,
	model.BOSSectionBackup:  model.RoleACDisconnect,
	model.BOSSectionPostSMS: model.RoleACDisconnect,
}

var sectionBlocks = map[model.BOSSection]string{
	model.BOSSectionUtility: BlockPreCombine,
	model.BOSSectionBattery: BlockESS,
	model.BOSSectionBackup:  BlockBackup,
	model.BOSSectionPostSMS: BlockPostSMS,
}

type bosDevice struct {
	section model.BOSSection
	typ     string
}

var (
	utilityPair = []bosDevice{
		{model.BOSSectionUtility, BOSTypePVMeter},
		{model.BOSSectionUtility, BOSTypeACDisconnect},
	}
	essDisconnect     = bosDevice{model.BOSSectionBattery, BOSTypeACDisconnect}
	backupDisconnect  = bosDevice{model.BOSSectionBackup, BOSTypeACDisconnect}
	postSMSDisconnect = bosDevice{model.BOSSectionPostSMS, BOSTypeACDisconnect}
)

func devices(groups ...[]bosDevice) []bosDevice {
	var out []bosDevice
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// bosByConfiguration is the switchboard: the default BOS devices of each
// configuration in generic names, ordered by section.
var bosByConfiguration = map[model.ConfigurationID][]bosDevice{
	model.ConfigSolarOnly:             devices(utilityPair),
	model.ConfigBatteryOnly:           {essDisconnect},
	model.ConfigSolarBattery:          devices(utilityPair, []bosDevice{essDisconnect}),
	model.ConfigSolarBatteryLegacyPV:  devices(utilityPair, []bosDevice{essDisconnect}),
	model.ConfigWholeHomeBehindMeter:  devices(utilityPair, []bosDevice{essDisconnect, postSMSDisconnect}),
	model.ConfigWholeHomeLegacyBehind: devices(utilityPair, []bosDevice{essDisconnect, postSMSDisconnect}),
	model.ConfigWholeHomeDiscrete:     devices(utilityPair, []bosDevice{essDisconnect, postSMSDisconnect}),
	model.ConfigPartialHomeDiscrete:   devices(utilityPair, []bosDevice{essDisconnect, backupDisconnect}),
	model.ConfigPartialHomeLegacyPV:   devices(utilityPair, []bosDevice{essDisconnect, backupDisconnect}),
}

// utilityVocabulary renames generic devices for one utility. match lists
// lower-case fragments of the utility names it answers to.
type utilityVocabulary struct {
	match []string
	names map[bosDevice]string
}

var utilityBOSNames = []utilityVocabulary{
	{
		match: []string{"aps", "arizona public service"},
		names: map[bosDevice]string{
			utilityPair[0]:    "Uni-Directional Meter",
			utilityPair[1]:    "Uni-Directional Meter Line Side Disconnect",
			postSMSDisconnect: "Utility Disconnect",
		},
	},
	{
		match: []string{"srp", "salt river"},
		names: map[bosDevice]string{
			utilityPair[0]: "Dedicated DER Meter",
			utilityPair[1]: "DER Meter Disconnect Switch",
		},
	},
	{
		match: []string{"tep", "tucson electric"},
		names: map[bosDevice]string{
			utilityPair[0]: "Utility DG Meter",
			utilityPair[1]: "DG Disconnect Switch",
		},
	},
	{
		match: []string{"trico"},
		names: map[bosDevice]string{
			utilityPair[0]: "Co-Generation Meter",
			utilityPair[1]: "Co-Generation System Utility Disconnect",
		},
	},
	{
		match: []string{"xcel", "public service company of colorado"},
		names: map[bosDevice]string{
			utilityPair[0]: "Production Meter",
		},
	},
}

func vocabularyFor(utility string) map[bosDevice]string {
	u := strings.ToLower(strings.TrimSpace(utility))
	if u == "" {
		return nil
	}
	for _, v := range utilityBOSNames {
		for _, m := range v.match {
			if strings.Contains(u, m) {
				return v.names
			}
		}
	}
	return nil
}

// DefaultBOS returns the default balance-of-system devices for a
// configuration, named the way utility names them. Unknown configurations
// have none.
func DefaultBOS(id model.ConfigurationID, utility string) []model.BOSItem {
	devs := bosByConfiguration[id]
	if len(devs) == 0 {
		return nil
	}
	names := vocabularyFor(utility)

	out := make([]model.BOSItem, 0, len(devs))
	for _, d := range devs {
		typ := d.typ
		if n, ok := names[d]; ok {
			typ = n
		}
		out = append(out, model.BOSItem{
			Section:       d.section,
			Role:          sectionRoles[d.section],
			EquipmentType: typ,
			Block:         sectionBlocks[d.section],
		})
	}
	return out
}
