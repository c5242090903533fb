package catalog

import "strings"

// utilityTranslations maps a utility to its standard → utility-specific
// equipment type names.
var utilityTranslations = map[string]map[string]string{
	"APS": {
		"AC Disconnect":        "Utility Disconnect",
		"Fused AC Disconnect":  "Photovoltaic System Disconnect Switch",
		"PV Meter":             "APS Production Meter",
		"Bi-Directional Meter": "APS Net Meter",
	},
	"SRP": {
		"AC Disconnect":        "DER Meter Disconnect Switch",
		"Fused AC Disconnect":  "SRP System Disconnect",
		"PV Meter":             "Dedicated DER Meter",
		"Bi-Directional Meter": "SRP Net Metering Device",
	},
	"TEP": {
		"AC Disconnect":        "DG Disconnect Switch",
		"Fused AC Disconnect":  "TEP Fused Disconnect",
		"PV Meter":             "Utility DG Meter",
		"Bi-Directional Meter": "TEP Bi-Directional Meter",
	},
	"TRICO": {
		"AC Disconnect":       "Co-Generation System Utility Disconnect",
		"Fused AC Disconnect": "TRICO System Disconnect",
		"PV Meter":            "TRICO Generation Meter",
	},
}

// globalAliases maps common alternative spellings to catalog type names.
var globalAliases = map[string]string{
	"Uni-Directional Meter": "PV Meter",
	"Production Meter":      "PV Meter",
	"Net Meter":             "Bi-Directional Meter",
	"Disconnect":            "AC Disconnect",
	"Fused Disconnect":      "Fused AC Disconnect",
	"Combiner":              "Combiner Panel",
	"Microinverter":         "Micro Inverter",
	"Micro-Inverter":        "Micro Inverter",
	"ESS":                   "Battery",
}

// Translator resolves utility-specific and aliased type names to catalog
// type names. All keys are compared case-insensitively.
type Translator struct {
	// utility (upper) → utility name (lower) → standard type
	reverse map[string]map[string]string
	// utility (upper) → standard type (lower) → utility name
	forward map[string]map[string]string
	// alias (lower) → standard type
	aliases map[string]string
}

// NewTranslator builds a Translator from the built-in tables merged with
// the given overrides. Overrides win on conflict.
func NewTranslator(utilities map[string]map[string]string, aliases map[string]string) *Translator {
	t := &Translator{
		reverse: make(map[string]map[string]string),
		forward: make(map[string]map[string]string),
		aliases: make(map[string]string),
	}
	for u, m := range utilityTranslations {
		t.addUtility(u, m)
	}
	for u, m := range utilities {
		t.addUtility(u, m)
	}
	for k, v := range globalAliases {
		t.aliases[fold(k)] = v
	}
	for k, v := range aliases {
		t.aliases[fold(k)] = v
	}
	return t
}

func (t *Translator) addUtility(utility string, m map[string]string) {
	u := strings.ToUpper(strings.TrimSpace(utility))
	if t.reverse[u] == nil {
		t.reverse[u] = make(map[string]string)
		t.forward[u] = make(map[string]string)
	}
	for standard, local := range m {
		t.reverse[u][fold(local)] = standard
		t.forward[u][fold(standard)] = local
	}
}

// Canonical translates typ into a catalog type name. The utility table is
// consulted first, then the global aliases; otherwise typ is returned
// unchanged.
func (t *Translator) Canonical(utility, typ string) string {
	key := fold(typ)
	if m, ok := t.reverse[strings.ToUpper(strings.TrimSpace(utility))]; ok {
		if std, ok := m[key]; ok {
			return std
		}
	}
	if std, ok := t.aliases[key]; ok {
		return std
	}
	return typ
}

// UtilityName returns the display name a utility uses for a standard type,
// or the standard type itself when the utility has no translation.
func (t *Translator) UtilityName(utility, standard string) string {
	if m, ok := t.forward[strings.ToUpper(strings.TrimSpace(utility))]; ok {
		if local, ok := m[fold(standard)]; ok {
			return local
		}
	}
	return standard
}

// Utilities lists the utilities with translation tables.
func (t *Translator) Utilities() []string {
	out := make([]string, 0, len(t.reverse))
	for u := range t.reverse {
		out = append(out, u)
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
