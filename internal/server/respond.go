package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/docingest/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

// statusForBatchError maps a rejected batch onto an HTTP status.
func statusForBatchError(err error) int {
	if errors.Is(err, models.ErrInvalidBatch) || errors.Is(err, models.ErrMissingActor) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
