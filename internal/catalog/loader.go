package catalog

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/voltplan/model"
)

// SpreadsheetSheet is the sheet read from catalog workbooks.
const SpreadsheetSheet = "Catalog"

// Loader scans directories for catalog files, parses them, and computes
// SHA-256 checksums. YAML documents and xlsx workbooks are supported.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.xlsx files.
func (l *Loader) LoadAll(directories []string) ([]model.CatalogDocument, error) {
	var docs []model.CatalogDocument

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml", ".xlsx":
			default:
				return nil
			}

			doc, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return docs, nil
}

// LoadFile loads a single catalog file, choosing the parser by extension.
func (l *Loader) LoadFile(path string) (model.CatalogDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CatalogDocument{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc model.CatalogDocument
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		doc, err = parseWorkbook(data)
		if doc.Catalog == "" {
			doc.Catalog = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return model.CatalogDocument{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	doc.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	doc.SourceFile = path
	return doc, nil
}

// parseWorkbook reads the Catalog sheet. The first row is a header naming
// the columns; unknown columns are ignored.
func parseWorkbook(data []byte) (model.CatalogDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return model.CatalogDocument{}, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SpreadsheetSheet)
	if err != nil {
		return model.CatalogDocument{}, fmt.Errorf("reading sheet %s: %w", SpreadsheetSheet, err)
	}
	if len(rows) == 0 {
		return model.CatalogDocument{}, fmt.Errorf("sheet %s is empty", SpreadsheetSheet)
	}

	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"type", "make", "model"} {
		if _, ok := cols[required]; !ok {
			return model.CatalogDocument{}, fmt.Errorf("sheet %s: missing %q column", SpreadsheetSheet, required)
		}
	}

	var doc model.CatalogDocument
	for n, row := range rows[1:] {
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if cell("type") == "" && cell("make") == "" && cell("model") == "" {
			continue
		}

		e := model.CatalogEntry{
			Type:      cell("type"),
			Make:      cell("make"),
			Model:     cell("model"),
			AmpRating: cell("amp_rating"),
		}
		specs, err := parseSpecs(cell)
		if err != nil {
			return model.CatalogDocument{}, fmt.Errorf("sheet %s row %d: %w", SpreadsheetSheet, n+2, err)
		}
		e.Specs = specs
		doc.Entries = append(doc.Entries, e)
	}
	return doc, nil
}

var floatColumns = []string{
	"voc", "isc", "vmp", "imp", "temp_coeff_voc", "max_continuous_output_amps",
	"max_vdc", "min_vdc", "max_input_isc",
}

var intColumns = []string{
	"max_strings_or_branches", "max_units_per_branch", "max_panels_per_branch",
}

func parseSpecs(cell func(string) string) (*model.ElectricalSpecs, error) {
	var s model.ElectricalSpecs
	present := false

	floats := map[string]*float64{
		"voc":                        &s.Voc,
		"isc":                        &s.Isc,
		"vmp":                        &s.Vmp,
		"imp":                        &s.Imp,
		"temp_coeff_voc":             &s.TempCoeffVoc,
		"max_continuous_output_amps": &s.MaxContinuousOutputAmps,
		"max_vdc":                    &s.MaxVdc,
		"min_vdc":                    &s.MinVdc,
		"max_input_isc":              &s.MaxInputIsc,
	}
	for _, name := range floatColumns {
		raw := cell(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		*floats[name] = v
		present = true
	}

	ints := map[string]*int{
		"max_strings_or_branches": &s.MaxStringsOrBranches,
		"max_units_per_branch":    &s.MaxUnitsPerBranch,
		"max_panels_per_branch":   &s.MaxPanelsPerBranch,
	}
	for _, name := range intColumns {
		raw := cell(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		*ints[name] = v
		present = true
	}

	if r := cell("panel_ratio"); r != "" {
		s.PanelRatio = r
		present = true
	}

	if !present {
		return nil, nil
	}
	return &s, nil
}
