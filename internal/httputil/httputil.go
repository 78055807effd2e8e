// Package httputil has the small request/response helpers shared by the
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/neboloop/lens/internal/fault"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a fault to its HTTP status and writes the error body.
func WriteError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	WriteJSON(w, statusFor(code), ErrorBody{Success: false, Code: code, Message: err.Error()})
}

// WriteCode writes an explicit error code with a message.
func WriteCode(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Success: false, Code: code, Message: message})
}

func statusFor(code string) int {
	switch code {
	case fault.CodeMissingUserID, fault.CodeInvalidQuery, fault.CodeQueryTooLong:
		return http.StatusBadRequest
	case fault.CodeTaskNotFound, fault.CodeAgentNotFound:
		return http.StatusNotFound
	case fault.CodeForbidden:
		return http.StatusForbidden
	case fault.CodeDaemonUnavailable, fault.CodeQuotaExceeded, fault.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case fault.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ParseBody decodes a JSON request body into v.
func ParseBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
