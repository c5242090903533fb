package transport

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/internal/sizing"
	"github.com/pitabwire/voltplan/model"
)

// CatalogReloader refreshes the catalog snapshot on demand.
type CatalogReloader interface {
	Reload(ctx context.Context) (bool, error)
}

// CacheFlusher drops cached remote catalog responses.
type CacheFlusher interface {
	Flush()
}

type typesResponse struct {
	Utility  string   `json:"utility,omitempty"`
	Types    []string `json:"types"`
	Entries  int      `json:"entries"`
	Checksum string   `json:"checksum"`
}

type makesResponse struct {
	Type  string   `json:"type"`
	Amp   string   `json:"amp,omitempty"`
	Makes []string `json:"makes"`
}

type modelsResponse struct {
	Type   string              `json:"type"`
	Make   string              `json:"make"`
	Amp    string              `json:"amp,omitempty"`
	Models []model.ModelOption `json:"models"`
}

type reloadResponse struct {
	Changed  bool   `json:"changed"`
	Entries  int    `json:"entries"`
	Checksum string `json:"checksum"`
}

// pathParam returns the decoded URL parameter. Equipment types contain
// spaces, so clients send them escaped.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// utilityFor prefers an explicit query parameter over the caller's utility.
func utilityFor(r *http.Request) string {
	if u := r.URL.Query().Get("utility"); u != "" {
		return u
	}
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		return rctx.Utility
	}
	return ""
}

// typeIndex resolves the catalog view and rejects unknown types and
// malformed amp filters.
func typeIndex(e *engine.Engine, r *http.Request) (*catalog.Index, string, string, error) {
	ix, err := e.Index(utilityFor(r))
	if err != nil {
		return nil, "", "", err
	}
	typ := pathParam(r, "type")
	if len(ix.FindByType(typ)) == 0 {
		return nil, "", "", model.NewNotFoundError("unknown equipment type " + typ)
	}
	amp := r.URL.Query().Get("amp")
	if amp != "" {
		if _, ok := model.ParseAmp(amp); !ok {
			return nil, "", "", model.NewBadRequestError("amp must be a positive number")
		}
	}
	return ix, ix.Canonical(typ), amp, nil
}

func handleListTypes(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, err := e.Index(utilityFor(r))
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, typesResponse{
			Utility:  ix.Utility(),
			Types:    ix.Types(),
			Entries:  ix.Len(),
			Checksum: ix.Checksum(),
		})
	}
}

func handleListMakes(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, typ, amp, err := typeIndex(e, r)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		makes := ix.DistinctMakes(typ, amp)
		if makes == nil {
			makes = []string{}
		}
		WriteJSON(w, http.StatusOK, makesResponse{Type: typ, Amp: amp, Makes: makes})
	}
}

func handleListModels(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, typ, amp, err := typeIndex(e, r)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		mfr := r.URL.Query().Get("make")
		if mfr == "" {
			RespondError(w, r, logger, model.NewBadRequestError("make is required"))
			return
		}
		models := ix.DistinctModels(typ, mfr, amp)
		if models == nil {
			models = []model.ModelOption{}
		}
		WriteJSON(w, http.StatusOK, modelsResponse{Type: typ, Make: mfr, Amp: amp, Models: models})
	}
}

// handleSizing explains the protective rating for a load. With qty the load
// is amps × qty, otherwise amps is the inverter output.
func handleSizing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("amps") == "" {
			RespondError(w, r, logger, model.NewBadRequestError("amps is required"))
			return
		}
		amps, err := queryFloat(r, "amps", 0)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		ceiling, err := queryInt(r, "ceiling", 0)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		qty, err := queryInt(r, "qty", 0)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}

		in := sizing.Input{InverterAmps: amps, Ceiling: ceiling}
		if qty > 0 {
			in = sizing.Input{MicroAmps: amps, Quantity: qty, Ceiling: ceiling}
		}
		WriteJSON(w, http.StatusOK, sizing.Calculate(in))
	}
}

// handleReloadCatalog flushes cached remote responses and rebuilds the
// snapshot. A failed reload leaves the previous snapshot serving.
func handleReloadCatalog(e *engine.Engine, reloader CatalogReloader, flusher CacheFlusher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reloader == nil {
			RespondError(w, r, logger, model.NewNotFoundError("catalog reload is not configured"))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		changed, err := reloader.Reload(r.Context())
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		ix, err := e.Index("")
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, reloadResponse{
			Changed:  changed,
			Entries:  ix.Len(),
			Checksum: ix.Checksum(),
		})
	}
}
