// Package api provides HTTP handlers for the tutor API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/synapse-tutor/internal/inference"
	"github.com/ashureev/synapse-tutor/internal/tutor"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Error kinds surfaced to clients.
const (
	KindInvalidRequest = "invalid_request"
	KindRateLimited    = "rate_limited"
	KindUpstream       = "upstream_error"
	KindTransport      = "transport_error"
	KindProtocol       = "protocol_error"
	KindInternal       = "internal_error"
)

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, ErrorBody{Error: kind, Message: message, Status: status})
}

var errRateLimited = errors.New("rate limit exceeded")

// classifyError maps a chat failure to an HTTP status and client-facing body.
// Only upstream rejections carry their own status; every other failure is a 500
// and the error kind tells them apart. Unknown failures get a generic message.
func classifyError(err error) ErrorBody {
	var (
		ue *inference.UpstreamError
		te *inference.TransportError
		pe *inference.ProtocolError
	)
	switch {
	case errors.Is(err, errRateLimited):
		return ErrorBody{Error: KindRateLimited, Message: "too many chat requests, slow down", Status: http.StatusTooManyRequests}
	case errors.Is(err, tutor.ErrMissingUserID):
		return ErrorBody{Error: KindInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest}
	case errors.As(err, &ue):
		status := ue.Status
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}
		return ErrorBody{Error: KindUpstream, Message: "inference service error: " + ue.Body, Status: status}
	case errors.As(err, &te):
		if te.Timeout {
			return ErrorBody{Error: KindTransport, Message: "inference service timed out", Status: http.StatusInternalServerError}
		}
		return ErrorBody{Error: KindTransport, Message: "could not reach inference service", Status: http.StatusInternalServerError}
	case errors.As(err, &pe):
		return ErrorBody{Error: KindProtocol, Message: "inference service returned a malformed response", Status: http.StatusInternalServerError}
	default:
		return ErrorBody{Error: KindInternal, Message: "internal server error", Status: http.StatusInternalServerError}
	}
}
