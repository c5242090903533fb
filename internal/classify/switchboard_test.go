package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/model"
)

func bosTypes(items []model.BOSItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it.Section) + ":" + it.EquipmentType
	}
	return out
}

func TestDefaultBOS(t *testing.T) {
	tests := []struct {
		name    string
		id      model.ConfigurationID
		utility string
		want    []string
	}{
		{"solar only", model.ConfigSolarOnly, "", []string{"utility:PV Meter", "utility:AC Disconnect"}},
		{"battery only", model.ConfigBatteryOnly, "", []string{"battery:AC Disconnect"}},
		{"solar + battery", model.ConfigSolarBattery, "", []string{
			"utility:PV Meter", "utility:AC Disconnect", "battery:AC Disconnect",
		}},
		{"whole home uses post SMS", model.ConfigWholeHomeDiscrete, "", []string{
			"utility:PV Meter", "utility:AC Disconnect", "battery:AC Disconnect", "post_sms:AC Disconnect",
		}},
		{"partial home uses backup panel", model.ConfigPartialHomeLegacyPV, "", []string{
			"utility:PV Meter", "utility:AC Disconnect", "battery:AC Disconnect", "backup:AC Disconnect",
		}},
		{"aps whole home", model.ConfigWholeHomeBehindMeter, "Arizona Public Service", []string{
			"utility:Uni-Directional Meter", "utility:Uni-Directional Meter Line Side Disconnect",
			"battery:AC Disconnect", "post_sms:Utility Disconnect",
		}},
		{"tep", model.ConfigSolarOnly, "TEP", []string{"utility:Utility DG Meter", "utility:DG Disconnect Switch"}},
		{"trico", model.ConfigSolarOnly, "Trico Electric Cooperative", []string{
			"utility:Co-Generation Meter", "utility:Co-Generation System Utility Disconnect",
		}},
		{"xcel keeps generic disconnect", model.ConfigSolarOnly, "Xcel Energy", []string{
			"utility:Production Meter", "utility:AC Disconnect",
		}},
		{"unknown utility is generic", model.ConfigSolarOnly, "PG&E", []string{"utility:PV Meter", "utility:AC Disconnect"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bosTypes(DefaultBOS(tt.id, tt.utility)))
		})
	}
}

func TestDefaultBOS_roles_and_blocks(t *testing.T) {
	items := DefaultBOS(model.ConfigPartialHomeDiscrete, "srp")
	require.Len(t, items, 4)

	assert.Equal(t, model.RoleUtilityBOS, items[0].Role)
	assert.Equal(t, BlockPreCombine, items[0].Block)
	assert.Equal(t, "Dedicated DER Meter", items[0].EquipmentType)
	assert.Equal(t, model.RoleACDisconnect, items[2].Role)
	assert.Equal(t, BlockESS, items[2].Block)
	assert.Equal(t, BlockBackup, items[3].Block)
}

func TestDefaultBOS_every_descriptor_has_devices(t *testing.T) {
	for id := range Descriptors {
		assert.NotEmpty(t, DefaultBOS(id, ""), "configuration %d", id)
	}
	assert.Nil(t, DefaultBOS(model.ConfigurationID(99), "APS"))
}
