package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/engine"
	"github.com/pitabwire/voltplan/model"
)

const defaultHistoryLimit = 50

type slotDistributionRequest struct {
	// Total defaults to the summed panel quantities of the system.
	Total           *int  `json:"total,omitempty" validate:"omitempty,gte=0"`
	ExpectedVersion int64 `json:"expected_version"`
}

type applyBOSRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type slotDistributionResponse struct {
	Distribution engine.DistributionReport `json:"distribution"`
	Change       engine.ChangeResult       `json:"change"`
}

// requestContext fetches the caller built by BuildRequestContextMiddleware.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func slotParam(r *http.Request) (model.SlotAddress, error) {
	return engine.ParseSlot(pathParam(r, "slot"))
}

func handleGetFields(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		snap, err := e.Fields(r.Context(), rctx, pathParam(r, "projectId"))
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func handleChangeField(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var change engine.FieldChange
		if err := decodeBody(w, r, &change); err != nil {
			RespondError(w, r, logger, err)
			return
		}
		res, err := e.ChangeField(r.Context(), rctx, pathParam(r, "projectId"), change)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleHistory(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		limit, err := queryInt(r, "limit", defaultHistoryLimit)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		revs, err := e.History(r.Context(), rctx, pathParam(r, "projectId"), limit)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"revisions": revs})
	}
}

func handleOptions(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		addr, err := slotParam(r)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		level, ok := model.ParseLevel(pathParam(r, "level"))
		if !ok {
			RespondError(w, r, logger, model.NewBadRequestError("level must be one of type, amp, make, model"))
			return
		}
		set, err := e.Options(r.Context(), rctx, pathParam(r, "projectId"), addr, level)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, set)
	}
}

func handleRemoveSlot(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		addr, err := slotParam(r)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		res, err := e.RemoveSlot(r.Context(), rctx, pathParam(r, "projectId"), addr)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDistributeSlot(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		addr, err := slotParam(r)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		var req slotDistributionRequest
		if err := decodeBody(w, r, &req); err != nil {
			RespondError(w, r, logger, err)
			return
		}
		total := -1
		if req.Total != nil {
			total = *req.Total
		}
		rep, res, err := e.DistributeSlot(r.Context(), rctx, pathParam(r, "projectId"), addr, total, req.ExpectedVersion)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, slotDistributionResponse{Distribution: rep, Change: res})
	}
}

func handleRecompute(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		res, err := e.RecomputeAll(r.Context(), rctx, pathParam(r, "projectId"))
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleConfiguration(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		cls, err := e.Classify(r.Context(), rctx, pathParam(r, "projectId"))
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, cls)
	}
}

func handleApplyBOS(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req applyBOSRequest
		if err := decodeBody(w, r, &req); err != nil {
			RespondError(w, r, logger, err)
			return
		}
		res, err := e.ApplyBOS(r.Context(), rctx, pathParam(r, "projectId"), req.ExpectedVersion)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
