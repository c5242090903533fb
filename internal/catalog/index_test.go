package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/voltplan/model"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	docs, err := NewLoader().LoadAll([]string{"testdata/catalog"})
	require.NoError(t, err)
	return NewIndex(docs)
}

func models(entries []model.CatalogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Model
	}
	return out
}

func TestIndex_find_by_type(t *testing.T) {
	ix := testIndex(t)

	got := ix.FindByType("ac disconnect")
	assert.Equal(t, []string{"DG221URB", "DG222URB", "DG223URB", "GNF323R", "LNF222R", "DU221RB"}, models(got))
	assert.Empty(t, ix.FindByType("Flux Capacitor"))
}

func TestIndex_find_by_type_and_amp(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, []string{"DG222URB", "LNF222R"}, models(ix.FindByTypeAndAmp("AC Disconnect", "60")))
	assert.Equal(t, []string{"DG223URB", "GNF323R"}, models(ix.FindByTypeAndAmp("AC Disconnect", "100")),
		"100A and 100 compare numerically")
	assert.Empty(t, ix.FindByTypeAndAmp("AC Disconnect", "45"))
	assert.Empty(t, ix.FindByTypeAndAmp("AC Disconnect", ""))
}

func TestIndex_find_by_type_make_amp(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, []string{"DG222URB"}, models(ix.FindByTypeMakeAmp("AC DISCONNECT", "eaton", "60")))
	assert.Len(t, ix.FindByTypeMakeAmp("AC Disconnect", "EATON", ""), 3)
	assert.Empty(t, ix.FindByTypeMakeAmp("AC Disconnect", "GE", ""))
}

func TestIndex_distinct_makes(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, []string{"EATON", "SIEMENS", "Square D"}, ix.DistinctMakes("AC Disconnect", ""))
	assert.Equal(t, []string{"EATON", "Square D"}, ix.DistinctMakes("AC Disconnect", "30"))
	assert.Empty(t, ix.DistinctMakes("AC Disconnect", "400"))
}

func TestIndex_distinct_models(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, []model.ModelOption{
		{Model: "DG221URB", Amp: "30"},
		{Model: "DG222URB", Amp: "60"},
		{Model: "DG223URB", Amp: "100"},
	}, ix.DistinctModels("AC Disconnect", "eaton", ""))

	assert.Equal(t, []model.ModelOption{
		{Model: "X-IQ-AM1-240-4", Amp: "80"},
		{Model: "X-IQ-AM1-240-6C", Amp: "125"},
	}, ix.DistinctModels("Combiner Panel", "Enphase", ""))

	assert.Equal(t, []model.ModelOption{{Model: "X-IQ-AM1-240-6C", Amp: "125"}},
		ix.DistinctModels("Combiner Panel", "Enphase", "125"))
}

func TestIndex_distinct_amps(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, []string{"30", "60", "100"}, ix.DistinctAmps("AC Disconnect", 0))
	assert.Equal(t, []string{"60", "100"}, ix.DistinctAmps("AC Disconnect", 50))
	assert.Empty(t, ix.DistinctAmps("Battery", 0))
}

func TestIndex_find_by_type_min_amp(t *testing.T) {
	ix := testIndex(t)

	got := ix.FindByTypeMinAmp("AC Disconnect", 50)
	assert.Equal(t, []string{"DG222URB", "LNF222R", "DG223URB", "GNF323R"}, models(got))
}

func TestIndex_smallest_compliant(t *testing.T) {
	ix := testIndex(t)

	e, ok := ix.SmallestCompliant("AC Disconnect", 61)
	require.True(t, ok)
	assert.Equal(t, "DG223URB", e.Model)

	_, ok = ix.SmallestCompliant("AC Disconnect", 250)
	assert.False(t, ok)
}

func TestIndex_lookup(t *testing.T) {
	ix := testIndex(t)

	e, ok := ix.Lookup("combiner panel", "ENPHASE", "x-iq-am1-240-6c")
	require.True(t, ok)
	assert.Equal(t, "125", e.AmpRating)

	_, ok = ix.Lookup("Combiner Panel", "Enphase", "X-IQ-AM1-240-9")
	assert.False(t, ok)
}

func TestIndex_utility_translation(t *testing.T) {
	ix := testIndex(t)

	assert.Empty(t, ix.FindByType("Utility Disconnect"), "APS name without a utility")
	assert.Len(t, ix.WithUtility("APS").FindByType("Utility Disconnect"), 6)
	assert.Len(t, ix.WithUtility("acme").FindByType("ACME Service Disconnect"), 6, "document utility table")
	assert.Len(t, ix.FindByType("Net Metering Device"), 1, "document alias")
	assert.Equal(t, "APS", ix.WithUtility("APS").Utility())
	assert.Equal(t, "", ix.Utility(), "WithUtility must not mutate the base view")
}

func TestIndex_utility_name(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, "APS Production Meter", ix.WithUtility("aps").UtilityName("PV Meter"))
	assert.Equal(t, "PV Meter", ix.UtilityName("PV Meter"))
	assert.Equal(t, "Junction Box", ix.WithUtility("APS").UtilityName("Junction Box"))
}

func TestIndex_metadata(t *testing.T) {
	ix := testIndex(t)

	assert.Equal(t, 14, ix.Len())
	assert.Equal(t, []string{
		"AC Disconnect", "Battery", "Bi-Directional Meter",
		"Combiner Panel", "Junction Box", "Micro Inverter",
	}, ix.Types())
	assert.True(t, ix.HasAmpRatings("AC Disconnect"))
	assert.False(t, ix.HasAmpRatings("Battery"))
	assert.False(t, ix.HasAmpRatings("Junction Box"))
	assert.NotEmpty(t, ix.Checksum())
}

func TestIndex_first_duplicate_wins(t *testing.T) {
	ix := NewIndex([]model.CatalogDocument{
		{Entries: []model.CatalogEntry{{Type: "Battery", Make: "Tesla", Model: "PW3", AmpRating: "48"}}},
		{Entries: []model.CatalogEntry{{Type: "battery", Make: "TESLA", Model: "pw3", AmpRating: "60"}}},
	})
	require.Equal(t, 1, ix.Len())
	e, ok := ix.Lookup("Battery", "Tesla", "PW3")
	require.True(t, ok)
	assert.Equal(t, "48", e.AmpRating)
}

func TestIndex_results_are_copies(t *testing.T) {
	ix := testIndex(t)

	got := ix.FindByType("AC Disconnect")
	got[0].Model = "MUTATED"
	assert.Equal(t, "DG221URB", ix.FindByType("AC Disconnect")[0].Model)
}

func TestIndex_alias_named_entry_types(t *testing.T) {
	ix := NewIndex([]model.CatalogDocument{{Entries: []model.CatalogEntry{
		{Type: "Microinverter", Make: "Enphase", Model: "IQ8PLUS-72-2-US"},
		{Type: "Combiner", Make: "Enphase", Model: "X-IQ-AM1-240-4", AmpRating: "80"},
		{Type: "Combiner Panel", Make: "Enphase", Model: "x-iq-am1-240-4", AmpRating: "80"},
		{Type: "ESS", Make: "Tesla", Model: "Powerwall 3"},
	}}})

	assert.Equal(t, []string{"Battery", "Combiner Panel", "Micro Inverter"}, ix.Types())
	assert.Equal(t, 3, ix.Len(), "alias and catalog spelling of one model collapse")

	for _, typ := range []string{"Microinverter", "Micro Inverter", "micro-inverter"} {
		assert.Len(t, ix.FindByType(typ), 1, typ)
	}
	e, ok := ix.Lookup("Micro Inverter", "Enphase", "IQ8PLUS-72-2-US")
	require.True(t, ok)
	assert.Equal(t, "Micro Inverter", e.Type)

	assert.Equal(t, []string{"Enphase"}, ix.DistinctMakes("Combiner", ""))
	assert.Equal(t, []string{"80"}, ix.DistinctAmps("Combiner Panel", 0))
	assert.Len(t, ix.FindByType("ess"), 1)
}
