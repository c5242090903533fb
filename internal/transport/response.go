// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the voltplan API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:                http.StatusBadRequest,
	model.ErrUnauthorized:              http.StatusUnauthorized,
	model.ErrForbidden:                 http.StatusForbidden,
	model.ErrNotFound:                  http.StatusNotFound,
	model.ErrConflict:                  http.StatusConflict,
	model.ErrValidationError:           http.StatusUnprocessableEntity,
	model.ErrInvalidConfiguration:      http.StatusUnprocessableEntity,
	model.ErrUndeterminedConfiguration: http.StatusUnprocessableEntity,
	model.ErrInternalError:             http.StatusInternalServerError,
	model.ErrCatalogUnavailable:        http.StatusServiceUnavailable,
	model.ErrBackendUnavailable:        http.StatusBadGateway,
	model.ErrBackendTimeout:            http.StatusGatewayTimeout,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that carry no envelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeOf(err)
	WriteJSON(w, statusOf(ee), errorResponse{Error: ee})
}

// RespondError is WriteError for handlers: it stamps the trace ID of the
// request onto the envelope and logs server-side failures.
func RespondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	ee := *envelopeOf(err)
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}

	status := statusOf(&ee)
	log := observability.RequestLogger(r.Context(), logger)
	switch {
	case status >= 500:
		log.Error("request failed", zap.String("code", ee.Code), zap.Error(err))
	case status != http.StatusNotFound:
		log.Warn("request rejected", zap.String("code", ee.Code), zap.String("message", ee.Message))
	}
	WriteJSON(w, status, errorResponse{Error: &ee})
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

func envelopeOf(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	var ve *catalog.ValidationError
	if errors.As(err, &ve) {
		details := make([]model.FieldError, len(ve.Errors))
		for i, e := range ve.Errors {
			details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
		}
		out := model.NewValidationError(details)
		out.Message = "The catalog failed validation"
		return out
	}
	return model.NewInternalError()
}

func statusOf(ee *model.ErrorEnvelope) int {
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
