package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zombor/spendsight/internal/failure"
	"github.com/zombor/spendsight/internal/receipt"
)

type errorResponse struct {
	Error   string               `json:"error"`
	Kind    failure.Kind         `json:"kind"`
	Capture *receipt.CaptureView `json:"capture,omitempty"`
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.AuthError:
		return http.StatusUnauthorized
	case failure.NotFound:
		return http.StatusNotFound
	case failure.Conflict:
		return http.StatusConflict
	case failure.MalformedResponse, failure.InvalidAmount, failure.InvalidDate:
		return http.StatusUnprocessableEntity
	case failure.UploadFailed, failure.ProcessingFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError reports a failure as {"error","kind"}. Untagged errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, err error) {
	writeErrorWithCapture(w, err, nil)
}

func writeErrorWithCapture(w http.ResponseWriter, err error, capture *receipt.CaptureView) {
	kind := failure.KindOf(err)
	message := err.Error()

	var tagged *failure.Error
	if !errors.As(err, &tagged) {
		slog.Error("Unexpected error", "error", err)
		message = "Internal server error"
	}

	writeJSON(w, statusFor(kind), errorResponse{Error: message, Kind: kind, Capture: capture})
}
