package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/logging"
)

// ErrorBody is the JSON envelope carried by every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the coded error surfaced to API clients.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON renders v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as a coded error response. Errors that are not
// ServiceErrors are reported as internal without leaking their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("request failed", nil)
	}

	body := ErrorBody{Error: ErrorDetail{
		Code:    string(svcErr.Code),
		Message: svcErr.Message,
		Details: svcErr.Details,
	}}
	if r != nil {
		body.Error.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, svcErr.HTTPStatus, body)
}
