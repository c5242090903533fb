// Package classify maps a system's fact vector to one of the supported
// storage and backup configurations.
package classify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/model"
)

// Descriptors is the fixed table of supported configurations.
var Descriptors = map[model.ConfigurationID]model.Configuration{
	model.ConfigSolarOnly: {
		ID: model.ConfigSolarOnly, Name: "Solar Only (Grid-Tied)",
		SystemType: model.SystemGridTied, RequiresCTs: true,
	},
	model.ConfigBatteryOnly: {
		ID: model.ConfigBatteryOnly, Name: "Battery Only (Grid-Tied)",
		SystemType: model.SystemGridTied, RequiresCTs: true,
	},
	model.ConfigSolarBattery: {
		ID: model.ConfigSolarBattery, Name: "Solar + Battery (Grid-Tied)",
		SystemType: model.SystemGridTied, RequiresCTs: true,
	},
	model.ConfigSolarBatteryLegacyPV: {
		ID: model.ConfigSolarBatteryLegacyPV, Name: "Solar + Battery + Legacy PV (Grid-Tied)",
		SystemType: model.SystemGridTied, RequiresCTs: true,
	},
	model.ConfigWholeHomeBehindMeter: {
		ID: model.ConfigWholeHomeBehindMeter, Name: "Whole Home Backup (Behind Utility Meter)",
		SystemType: model.SystemGridForming, MeterCollar: model.MeterCollarBehindMeter,
	},
	model.ConfigWholeHomeLegacyBehind: {
		ID: model.ConfigWholeHomeLegacyBehind, Name: "Whole Home + Legacy PV (Behind Utility Meter)",
		SystemType: model.SystemGridForming, MeterCollar: model.MeterCollarBehindMeter, Planned: true,
	},
	model.ConfigWholeHomeDiscrete: {
		ID: model.ConfigWholeHomeDiscrete, Name: "Whole Home Backup (Stand Alone Meter)",
		SystemType: model.SystemGridForming, MeterCollar: model.MeterCollarDiscrete,
	},
	model.ConfigPartialHomeDiscrete: {
		ID: model.ConfigPartialHomeDiscrete, Name: "Partial Home Backup (Stand Alone Meter)",
		SystemType: model.SystemGridForming, RequiresCTs: true, MeterCollar: model.MeterCollarDiscrete,
		Planned: true, NotSupported: true,
	},
	model.ConfigPartialHomeLegacyPV: {
		ID: model.ConfigPartialHomeLegacyPV, Name: "Partial Home + Legacy PV (Stand Alone Meter)",
		SystemType: model.SystemGridForming, RequiresCTs: true, MeterCollar: model.MeterCollarDiscrete,
		Planned: true, NotSupported: true,
	},
}

// Describe returns the descriptor of id.
func Describe(id model.ConfigurationID) (model.Configuration, bool) {
	c, ok := Descriptors[id]
	return c, ok
}

// rule maps facts that satisfy match to a configuration. pick chooses
// between the legacy and non-legacy variants where a rule has both.
type rule struct {
	name        string
	match       func(model.ConfigurationFacts) bool
	pick        func(model.ConfigurationFacts) model.ConfigurationID
	provisional bool
}

func fixed(id model.ConfigurationID) func(model.ConfigurationFacts) model.ConfigurationID {
	return func(model.ConfigurationFacts) model.ConfigurationID { return id }
}

func legacy(plain, withLegacy model.ConfigurationID) func(model.ConfigurationFacts) model.ConfigurationID {
	return func(f model.ConfigurationFacts) model.ConfigurationID {
		if f.LegacyPV {
			return withLegacy
		}
		return plain
	}
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		name:  "battery-only",
		match: func(f model.ConfigurationFacts) bool { return f.HasBattery && !f.HasSolar },
		pick:  fixed(model.ConfigBatteryOnly),
	},
	{
		name:  "solar-only",
		match: func(f model.ConfigurationFacts) bool { return !f.HasBattery && f.HasSolar },
		pick:  fixed(model.ConfigSolarOnly),
	},
	{
		name:  "grid-tied-storage",
		match: func(f model.ConfigurationFacts) bool { return f.HasBattery && f.HasSolar && !f.WantsBackup() },
		pick:  legacy(model.ConfigSolarBattery, model.ConfigSolarBatteryLegacyPV),
	},
	{
		name: "backup-behind-meter",
		match: func(f model.ConfigurationFacts) bool {
			return f.HasBattery && f.HasSolar && f.WantsBackup() && f.MeterCollar == model.MeterCollarBehindMeter
		},
		pick: legacy(model.ConfigWholeHomeBehindMeter, model.ConfigWholeHomeLegacyBehind),
	},
	{
		name: "whole-home-discrete",
		match: func(f model.ConfigurationFacts) bool {
			return f.HasBattery && f.HasSolar && f.Backup == model.BackupWhole && f.MeterCollar == model.MeterCollarDiscrete
		},
		pick: fixed(model.ConfigWholeHomeDiscrete),
	},
	{
		name: "partial-home-discrete",
		match: func(f model.ConfigurationFacts) bool {
			return f.HasBattery && f.HasSolar && f.Backup == model.BackupPartial && f.MeterCollar == model.MeterCollarDiscrete
		},
		pick: legacy(model.ConfigPartialHomeDiscrete, model.ConfigPartialHomeLegacyPV),
	},
	{
		name: "whole-home-collar-pending",
		match: func(f model.ConfigurationFacts) bool {
			return f.HasBattery && f.HasSolar && f.Backup == model.BackupWhole && f.MeterCollar == model.MeterCollarUnset
		},
		pick:        fixed(model.ConfigWholeHomeDiscrete),
		provisional: true,
	},
}

// Classifier applies the rule list. It is safe for concurrent use.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier creates a Classifier. A nil logger discards output.
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify returns exactly one configuration for f, or an error envelope:
// INVALID_CONFIGURATION for mutually exclusive facts and
// UNDETERMINED_CONFIGURATION when no rule matches.
func (c *Classifier) Classify(f model.ConfigurationFacts) (model.Classification, error) {
	if f.WantsBackup() && f.MixedMicroSeries {
		return model.Classification{}, model.NewInvalidConfigurationError(
			"grid-forming backup cannot mix IQ8 microinverters with IQ6 or IQ7 in the same system")
	}

	// A collar filled in by correction still awaits the designer's answer.
	collarPending := f.MeterCollar == model.MeterCollarUnset
	f, corrections := c.correct(f)

	for _, r := range rules {
		if !r.match(f) {
			continue
		}
		desc, ok := Describe(r.pick(f))
		if !ok {
			continue
		}
		provisional := r.provisional || (collarPending && desc.MeterCollar != model.MeterCollarUnset)
		c.logger.Debug("configuration classified",
			zap.Int("configuration_id", int(desc.ID)),
			zap.String("rule", r.name),
			zap.Bool("provisional", provisional),
		)
		return model.Classification{
			Configuration: desc,
			Facts:         f,
			Provisional:   provisional,
			Corrections:   corrections,
			Rule:          r.name,
		}, nil
	}

	return model.Classification{}, model.NewUndeterminedConfigurationError(
		fmt.Sprintf("no configuration matches battery=%t solar=%t backup=%q meter_collar=%q",
			f.HasBattery, f.HasSolar, f.Backup, f.MeterCollar))
}

// correct rewrites facts that have exactly one legal value. Partial-home
// backup only works with a stand-alone meter collar.
func (c *Classifier) correct(f model.ConfigurationFacts) (model.ConfigurationFacts, []model.FactCorrection) {
	var out []model.FactCorrection
	if f.Backup == model.BackupPartial && f.MeterCollar != model.MeterCollarDiscrete {
		fc := model.FactCorrection{
			Fact:   "meter_collar",
			From:   string(f.MeterCollar),
			To:     string(model.MeterCollarDiscrete),
			Reason: "partial home backup requires a stand-alone meter collar",
		}
		c.logger.Info("meter collar corrected",
			zap.String("from", fc.From),
			zap.String("to", fc.To),
			zap.String("backup", string(f.Backup)),
		)
		f.MeterCollar = model.MeterCollarDiscrete
		out = append(out, fc)
	}
	return f, out
}
