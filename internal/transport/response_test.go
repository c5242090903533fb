package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/model"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]any{"makes": []string{"EATON", "SIEMENS"}})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"makes":["EATON","SIEMENS"]}`, w.Body.String())
}

func TestWriteJSON_nil_body(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"envelope", model.NewNotFoundError("project proj-1042 not found"), http.StatusNotFound, model.ErrNotFound},
		{"wrapped envelope", fmt.Errorf("change field: %w", model.NewConflictError("version 4 is stale")), http.StatusConflict, model.ErrConflict},
		{"plain error", errors.New("redis: connection refused"), http.StatusInternalServerError, model.ErrInternalError},
		{"forbidden", model.NewForbiddenError("missing capability catalog:reload"), http.StatusForbidden, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeEnvelope(t, w).Code)
		})
	}
}

func TestWriteError_hides_internal_detail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("pgx: relation project_fields does not exist"))

	assert.NotContains(t, w.Body.String(), "project_fields")
}

func TestWriteError_catalog_validation(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("catalog reload: %w", &catalog.ValidationError{Errors: []catalog.VError{
		{Path: "catalogs[0].entries[2].model", Code: "REQUIRED", Message: "model is required"},
	}}))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	ee := decodeEnvelope(t, w)
	assert.Equal(t, "The catalog failed validation", ee.Message)
	require.Len(t, ee.Details, 1)
	assert.Equal(t, "catalogs[0].entries[2].model", ee.Details[0].Field)
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantLogs  int
	}{
		{"server failure logs an error", model.NewCatalogUnavailableError(), zapcore.ErrorLevel, 1},
		{"rejection logs a warning", model.NewConflictError("stale version"), zapcore.WarnLevel, 1},
		{"not found stays quiet", model.NewNotFoundError("slot battery3 not found"), zapcore.InfoLevel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			r := httptest.NewRequest(http.MethodGet, "/v1/catalog/types", nil)
			w := httptest.NewRecorder()

			RespondError(w, r, zap.New(core), tt.err)

			require.Equal(t, tt.wantLogs, logs.Len())
			if tt.wantLogs > 0 {
				assert.Equal(t, tt.wantLevel, logs.All()[0].Level)
			}
		})
	}
}

func TestRespondError_leaves_shared_envelope_untouched(t *testing.T) {
	shared := model.NewCatalogUnavailableError()
	r := httptest.NewRequest(http.MethodGet, "/v1/catalog/types", nil)
	w := httptest.NewRecorder()

	RespondError(w, r, zap.NewNop(), shared)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, shared.TraceID)
}

func TestStatusOf(t *testing.T) {
	want := map[string]int{
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
		"SOMETHING_NEW":                    http.StatusInternalServerError,
	}
	for code, status := range want {
		assert.Equal(t, status, statusOf(&model.ErrorEnvelope{Code: code}), code)
	}
}
