package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/denon"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// CommandID is set when the error is a failed command ack.
	CommandID string `json:"command_id,omitempty"`
}

// Common error codes. Receiver failures use the bridge's upper-case ack
// codes (TIMEOUT, BUSY, ...) instead.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeReceiverError maps a bridge error onto an HTTP status via its ack code.
func writeReceiverError(w http.ResponseWriter, err error) {
	code := denon.ErrorCode(err)
	writeError(w, receiverErrorStatus(code), code, err.Error())
}

// writeAckError writes a failed command ack as a structured error.
func writeAckError(w http.ResponseWriter, ack denon.AckMessage) {
	status := receiverErrorStatus(ack.Error.Code)
	writeJSON(w, status, Error{
		Status:    status,
		Code:      ack.Error.Code,
		Message:   ack.Error.Message,
		CommandID: ack.CommandID,
	})
}

// receiverErrorStatus maps bridge ack codes to HTTP statuses.
func receiverErrorStatus(code string) int {
	switch code {
	case denon.ErrCodeNotConfigured:
		return http.StatusNotFound
	case denon.ErrCodeInvalidCommand, denon.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case denon.ErrCodeBusy:
		return http.StatusConflict
	case denon.ErrCodeNotSupported:
		return http.StatusNotImplemented
	case denon.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		// Connection, protocol and device-rejected failures are upstream faults.
		return http.StatusBadGateway
	}
}
