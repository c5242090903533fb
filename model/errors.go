package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Engine-specific error and flag codes.
const (
	// ErrInvalidConfiguration blocks finalizing a design whose facts are
	// mutually exclusive.
	ErrInvalidConfiguration = "INVALID_CONFIGURATION"
	// ErrUndeterminedConfiguration is returned when no classifier rule
	// matches a fact vector.
	ErrUndeterminedConfiguration = "UNDETERMINED_CONFIGURATION"
	// ErrCatalogUnavailable is returned when no catalog snapshot is loaded.
	ErrCatalogUnavailable = "CATALOG_UNAVAILABLE"

	// FlagNoCompliantEquipment marks an option set emptied by the
	// minimum-amp filter.
	FlagNoCompliantEquipment = "NO_COMPLIANT_EQUIPMENT"
	// FlagVoltageExceeded marks a string whose cold-temperature voltage is
	// above the inverter limit.
	FlagVoltageExceeded = "STRING_VOLTAGE_EXCEEDED"
	// FlagCurrentExceeded marks an input whose continuous current is above
	// the inverter limit.
	FlagCurrentExceeded = "INPUT_CURRENT_EXCEEDED"
	// FlagProvisional marks a configuration derived from a defaulted fact.
	FlagProvisional = "PROVISIONAL"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidConfigurationError returns a blocking INVALID_CONFIGURATION
// error.
func NewInvalidConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidConfiguration, Message: msg}
}

// NewUndeterminedConfigurationError returns an UNDETERMINED_CONFIGURATION
// error.
func NewUndeterminedConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUndeterminedConfiguration, Message: msg}
}

// NewCatalogUnavailableError returns a CATALOG_UNAVAILABLE error.
func NewCatalogUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCatalogUnavailable,
		Message: "No equipment catalog is loaded",
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The equipment catalog service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The equipment catalog service did not respond in time",
	}
}
