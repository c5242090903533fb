package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/engine"
)

func handleDistribute(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.DistributeRequest
		if err := decodeBody(w, r, &req); err != nil {
			RespondError(w, r, logger, err)
			return
		}
		if req.Utility == "" {
			req.Utility = utilityFor(r)
		}
		rep, err := e.Distribute(r.Context(), req)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}

func handleValidateStrings(e *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.ValidateStringsRequest
		if err := decodeBody(w, r, &req); err != nil {
			RespondError(w, r, logger, err)
			return
		}
		if req.Utility == "" {
			req.Utility = utilityFor(r)
		}
		rep, err := e.ValidateStrings(r.Context(), req)
		if err != nil {
			RespondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}
