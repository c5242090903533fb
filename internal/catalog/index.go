// Package catalog loads equipment catalogs, validates them, and serves
// case-insensitive lookups from an immutable snapshot.
package catalog

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/voltplan/model"
)

// Index is an immutable, query-optimized view of one catalog snapshot.
// Lookups translate utility-specific type names before matching.
type Index struct {
	byType     map[string][]model.CatalogEntry
	typeNames  []string
	translator *Translator
	utility    string
	checksum   string
	size       int
}

// NewIndex builds an Index from catalog documents. When two documents carry
// the same (type, make, model) the first one wins.
func NewIndex(docs []model.CatalogDocument) *Index {
	ix := &Index{byType: make(map[string][]model.CatalogEntry)}

	utilities := make(map[string]map[string]string)
	aliases := make(map[string]string)
	var checksumParts []string
	for _, doc := range docs {
		checksumParts = append(checksumParts, doc.Checksum)
		for k, v := range doc.Aliases {
			aliases[k] = v
		}
		for u, m := range doc.Utilities {
			if utilities[u] == nil {
				utilities[u] = make(map[string]string)
			}
			for k, v := range m {
				utilities[u][k] = v
			}
		}
	}
	ix.translator = NewTranslator(utilities, aliases)

	// Entries are filed under the canonical type so that a catalog written
	// with an alias ("Microinverter") answers the same lookups as one
	// written with the catalog name ("Micro Inverter").
	seen := make(map[string]bool)
	for _, doc := range docs {
		for _, e := range doc.Entries {
			canonical := ix.translator.Canonical("", e.Type)
			key := entryKey(canonical, e.Make, e.Model)
			if seen[key] {
				continue
			}
			seen[key] = true
			t := fold(canonical)
			if _, ok := ix.byType[t]; !ok {
				ix.typeNames = append(ix.typeNames, canonical)
			}
			e.Type = canonical
			ix.byType[t] = append(ix.byType[t], e)
			ix.size++
		}
	}

	for t := range ix.byType {
		sortEntries(ix.byType[t])
	}
	sort.Slice(ix.typeNames, func(i, j int) bool {
		return fold(ix.typeNames[i]) < fold(ix.typeNames[j])
	})

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	ix.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return ix
}

// WithUtility returns a view of the same snapshot that translates type
// names through the given utility's synonym table.
func (ix *Index) WithUtility(utility string) *Index {
	cp := *ix
	cp.utility = utility
	return &cp
}

// Utility returns the utility the view translates for.
func (ix *Index) Utility() string { return ix.utility }

// Checksum returns the combined checksum of the source documents.
func (ix *Index) Checksum() string { return ix.checksum }

// Len returns the number of entries in the snapshot.
func (ix *Index) Len() int { return ix.size }

// Types returns the catalog type names sorted alphabetically.
func (ix *Index) Types() []string {
	return append([]string(nil), ix.typeNames...)
}

// Canonical translates typ to the catalog type name for this view.
func (ix *Index) Canonical(typ string) string {
	return ix.translator.Canonical(ix.utility, typ)
}

// UtilityName returns the display name for a standard type under this
// view's utility.
func (ix *Index) UtilityName(standard string) string {
	return ix.translator.UtilityName(ix.utility, standard)
}

// HasAmpRatings reports whether any entry of typ carries an amp rating.
func (ix *Index) HasAmpRatings(typ string) bool {
	for _, e := range ix.entries(typ) {
		if _, ok := e.AmpValue(); ok {
			return true
		}
	}
	return false
}

// FindByType returns every entry of the given type.
func (ix *Index) FindByType(typ string) []model.CatalogEntry {
	return append([]model.CatalogEntry(nil), ix.entries(typ)...)
}

// FindByTypeAndAmp returns entries of typ whose amp rating equals amp.
func (ix *Index) FindByTypeAndAmp(typ, amp string) []model.CatalogEntry {
	want, ok := model.ParseAmp(amp)
	if !ok {
		return nil
	}
	return ix.filter(typ, func(e model.CatalogEntry) bool {
		v, ok := e.AmpValue()
		return ok && v == want
	})
}

// FindByTypeMakeAmp returns entries of typ and mfr whose amp rating
// equals amp. An empty amp matches every rating.
func (ix *Index) FindByTypeMakeAmp(typ, mfr, amp string) []model.CatalogEntry {
	want, hasAmp := model.ParseAmp(amp)
	mk := fold(mfr)
	return ix.filter(typ, func(e model.CatalogEntry) bool {
		if fold(e.Make) != mk {
			return false
		}
		if !hasAmp {
			return true
		}
		v, ok := e.AmpValue()
		return ok && v == want
	})
}

// FindByTypeMinAmp returns entries of typ rated at least minAmp, ordered
// by ascending rating.
func (ix *Index) FindByTypeMinAmp(typ string, minAmp float64) []model.CatalogEntry {
	out := ix.filter(typ, func(e model.CatalogEntry) bool {
		v, ok := e.AmpValue()
		return ok && v >= minAmp
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].AmpValue()
		b, _ := out[j].AmpValue()
		return a < b
	})
	return out
}

// SmallestCompliant returns the lowest-rated entry of typ at or above
// minAmp.
func (ix *Index) SmallestCompliant(typ string, minAmp float64) (model.CatalogEntry, bool) {
	entries := ix.FindByTypeMinAmp(typ, minAmp)
	if len(entries) == 0 {
		return model.CatalogEntry{}, false
	}
	return entries[0], true
}

// Lookup returns the entry identified by (type, make, model).
func (ix *Index) Lookup(typ, mfr, mdl string) (model.CatalogEntry, bool) {
	mk, md := fold(mfr), fold(mdl)
	for _, e := range ix.entries(typ) {
		if fold(e.Make) == mk && fold(e.Model) == md {
			return e, true
		}
	}
	return model.CatalogEntry{}, false
}

// DistinctMakes returns the makes offered for typ, optionally restricted
// to one amp rating, sorted alphabetically.
func (ix *Index) DistinctMakes(typ, amp string) []string {
	entries := ix.entries(typ)
	if amp != "" {
		entries = ix.FindByTypeAndAmp(typ, amp)
	}
	return distinctMakes(entries)
}

// DistinctModels returns the models of mfr within typ, optionally
// restricted to one amp rating, sorted by amp then model.
func (ix *Index) DistinctModels(typ, mfr, amp string) []model.ModelOption {
	return distinctModels(ix.FindByTypeMakeAmp(typ, mfr, amp))
}

// DistinctAmps returns the amp ratings offered for typ that are at least
// minAmp, ascending.
func (ix *Index) DistinctAmps(typ string, minAmp float64) []string {
	seen := make(map[float64]bool)
	var amps []float64
	for _, e := range ix.entries(typ) {
		v, ok := e.AmpValue()
		if !ok || v < minAmp || seen[v] {
			continue
		}
		seen[v] = true
		amps = append(amps, v)
	}
	sort.Float64s(amps)
	out := make([]string, len(amps))
	for i, v := range amps {
		out[i] = model.FormatAmp(v)
	}
	return out
}

func (ix *Index) entries(typ string) []model.CatalogEntry {
	return ix.byType[fold(ix.Canonical(typ))]
}

func (ix *Index) filter(typ string, keep func(model.CatalogEntry) bool) []model.CatalogEntry {
	var out []model.CatalogEntry
	for _, e := range ix.entries(typ) {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// MakesOf returns the distinct makes of entries sorted alphabetically.
func MakesOf(entries []model.CatalogEntry) []string {
	return distinctMakes(entries)
}

// ModelsOf returns the distinct models of entries sorted by amp then model.
func ModelsOf(entries []model.CatalogEntry) []model.ModelOption {
	return distinctModels(entries)
}

func distinctMakes(entries []model.CatalogEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		k := fold(e.Make)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e.Make)
	}
	sort.Slice(out, func(i, j int) bool { return fold(out[i]) < fold(out[j]) })
	return out
}

func distinctModels(entries []model.CatalogEntry) []model.ModelOption {
	seen := make(map[string]bool)
	var out []model.ModelOption
	for _, e := range entries {
		k := fold(e.Model)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, model.ModelOption{Model: e.Model, Amp: e.AmpRating})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := model.ParseAmp(out[i].Amp)
		b, _ := model.ParseAmp(out[j].Amp)
		if a != b {
			return a < b
		}
		return fold(out[i].Model) < fold(out[j].Model)
	})
	return out
}

func sortEntries(entries []model.CatalogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if mi, mj := fold(entries[i].Make), fold(entries[j].Make); mi != mj {
			return mi < mj
		}
		return fold(entries[i].Model) < fold(entries[j].Model)
	})
}

func entryKey(typ, mfr, mdl string) string {
	return fold(typ) + "\x00" + fold(mfr) + "\x00" + fold(mdl)
}
