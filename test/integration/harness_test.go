package integration

import (
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"
)

func TestHarness_startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_health_endpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/health", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
		for _, name := range []string{"catalog", "field_store", "events", "catalog_source"} {
			if body.Checks[name]["status"] != "ok" {
				t.Errorf("check %s = %v, want ok", name, body.Checks[name])
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(data), "voltplan_catalog_entries_loaded") {
			t.Error("metrics should report the loaded catalog size")
		}
	})
}

func TestHarness_authentication_required(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/v1/catalog/types", ""), http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(DesignerClaims())
		h.AssertStatus(t, h.GET("/v1/catalog/types", token), http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/v1/catalog/types", "invalid-token"), http.StatusUnauthorized)
	})
}

func TestHarness_catalog_merges_files_and_service(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReviewerClaims())

	var types struct {
		Types   []string `json:"types"`
		Entries int      `json:"entries"`
	}
	h.AssertJSON(t, h.GET("/v1/catalog/types", token), http.StatusOK, &types)

	for _, want := range []string{"Combiner Panel", "Micro Inverter", "Battery", "EV Charger"} {
		if !slices.Contains(types.Types, want) {
			t.Errorf("types = %v, missing %q", types.Types, want)
		}
	}

	var makes struct {
		Makes []string `json:"makes"`
	}
	h.AssertJSON(t, h.GET("/v1/catalog/types/EV%20Charger/makes", token), http.StatusOK, &makes)
	if !slices.Equal(makes.Makes, []string{"ChargePoint", "Tesla"}) {
		t.Errorf("EV Charger makes = %v, want [ChargePoint Tesla]", makes.Makes)
	}

	h.CatalogService().AssertCalled(t, opListManufacturers, 1)
	h.CatalogService().AssertCalled(t, opListModels, 2)
}
