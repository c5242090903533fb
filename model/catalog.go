package model

import (
	"strconv"
	"strings"
)

// CatalogDocument is the root structure of a catalog file. One document
// carries a set of entries plus the type synonym tables that apply to them.
type CatalogDocument struct {
	Catalog   string                       `yaml:"catalog"   json:"catalog"`
	Version   string                       `yaml:"version"   json:"version"`
	Entries   []CatalogEntry               `yaml:"entries"   json:"entries"   validate:"dive"`
	Aliases   map[string]string            `yaml:"aliases"   json:"aliases,omitempty"`
	Utilities map[string]map[string]string `yaml:"utilities" json:"utilities,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// CatalogEntry is one purchasable SKU. Entries are immutable reference data.
type CatalogEntry struct {
	Type      string           `yaml:"type"       json:"type"                 validate:"required"`
	Make      string           `yaml:"make"       json:"make"                 validate:"required"`
	Model     string           `yaml:"model"      json:"model"                validate:"required"`
	AmpRating string           `yaml:"amp_rating" json:"amp_rating,omitempty" validate:"omitempty,amprating"`
	Specs     *ElectricalSpecs `yaml:"specs"      json:"specs,omitempty"`
}

// ElectricalSpecs holds the optional electrical attributes of an entry.
// Zero values mean the attribute is not published for the SKU.
type ElectricalSpecs struct {
	Voc                     float64 `yaml:"voc"                        json:"voc,omitempty"                        validate:"gte=0"`
	Isc                     float64 `yaml:"isc"                        json:"isc,omitempty"                        validate:"gte=0"`
	Vmp                     float64 `yaml:"vmp"                        json:"vmp,omitempty"                        validate:"gte=0"`
	Imp                     float64 `yaml:"imp"                        json:"imp,omitempty"                        validate:"gte=0"`
	TempCoeffVoc            float64 `yaml:"temp_coeff_voc"             json:"temp_coeff_voc,omitempty"`
	MaxContinuousOutputAmps float64 `yaml:"max_continuous_output_amps" json:"max_continuous_output_amps,omitempty" validate:"gte=0"`
	MaxStringsOrBranches    int     `yaml:"max_strings_or_branches"    json:"max_strings_or_branches,omitempty"    validate:"gte=0"`
	MaxVdc                  float64 `yaml:"max_vdc"                    json:"max_vdc,omitempty"                    validate:"gte=0"`
	MinVdc                  float64 `yaml:"min_vdc"                    json:"min_vdc,omitempty"                    validate:"gte=0"`
	MaxInputIsc             float64 `yaml:"max_input_isc"              json:"max_input_isc,omitempty"              validate:"gte=0"`

	// Dual-quantity microinverter stringing attributes.
	PanelRatio         string `yaml:"panel_ratio"           json:"panel_ratio,omitempty"           validate:"omitempty,panelratio"`
	MaxUnitsPerBranch  int    `yaml:"max_units_per_branch"  json:"max_units_per_branch,omitempty"  validate:"gte=0"`
	MaxPanelsPerBranch int    `yaml:"max_panels_per_branch" json:"max_panels_per_branch,omitempty" validate:"gte=0"`
}

// AmpValue parses the numeric part of the amp rating ("125A" -> 125).
// It returns false when the entry carries no usable rating.
func (e CatalogEntry) AmpValue() (float64, bool) {
	return ParseAmp(e.AmpRating)
}

// ParseAmp parses an amp rating string such as "125", "125A" or "125 A".
func ParseAmp(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "A"), "a")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// FormatAmp renders an amp value without a trailing ".0".
func FormatAmp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Option is a {label, value} pair rendered in a dropdown.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ModelOption is a model choice together with its amp rating.
type ModelOption struct {
	Model string `json:"model"`
	Amp   string `json:"amp,omitempty"`
}

// ParsePanelRatio parses a "N:1" panel-to-unit ratio and returns N.
func ParsePanelRatio(s string) (int, bool) {
	panels, units, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || strings.TrimSpace(units) != "1" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(panels))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Ratio returns the panel-to-unit ratio, 1 when none is published.
func (s *ElectricalSpecs) Ratio() int {
	if s == nil {
		return 1
	}
	if n, ok := ParsePanelRatio(s.PanelRatio); ok {
		return n
	}
	return 1
}
