package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/internal/telemetry"
)

// Error codes carried in error bodies
const (
	codeValidation        = "validation_error"
	codeReplyTimeout      = "reply_timeout"
	codeBrokerUnavailable = "broker_unavailable"
	codeInternal          = "internal_error"
)

// ValidationError rejects a request before anything is published
type ValidationError struct {
	Message       string
	MissingFields []string
}

func (e *ValidationError) Error() string {
	if len(e.MissingFields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.MissingFields, ", ")
}

func missingFieldsError(fields []string) error {
	return &ValidationError{Message: "missing required fields", MissingFields: fields}
}

type errorBody struct {
	Status        string   `json:"status"`
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	Details       string   `json:"details,omitempty"`
	MissingFields []string `json:"missingFields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: "error", Code: code, Message: message})
}

// writeFailure maps a build or bridge error to its HTTP answer.
// timeoutMessage is the route's message for a missing reply.
func writeFailure(w http.ResponseWriter, r *http.Request, timeoutMessage string, err error) {
	logger := telemetry.FromContext(r.Context())

	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:        "error",
			Code:          codeValidation,
			Message:       validation.Message,
			MissingFields: validation.MissingFields,
		})

	case errors.Is(err, bridge.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Status:  "error",
			Code:    codeValidation,
			Message: "invalid request",
			Details: err.Error(),
		})

	case r.Context().Err() != nil || errors.Is(err, bridge.ErrCancelled):
		// nobody is listening any more
		logger.Info("client went away before the reply", "error", err)

	case errors.Is(err, bridge.ErrReplyTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{
			Status:  "error",
			Code:    codeReplyTimeout,
			Message: timeoutMessage,
		})

	case errors.Is(err, bridge.ErrBrokerUnavailable), errors.Is(err, bridge.ErrBridgeClosed):
		logger.Error("broker unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Status:  "error",
			Code:    codeBrokerUnavailable,
			Message: "broker service unavailable",
			Details: err.Error(),
		})

	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Status:  "error",
			Code:    codeInternal,
			Message: "could not complete the request",
			Details: err.Error(),
		})
	}
}
