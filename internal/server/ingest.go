package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/services"
)

type SyncIngestor interface {
	Ingest(ctx context.Context, actor models.ActorContext, files []models.File) (services.BatchResult, error)
}

// IngestHandler ingests a multipart batch and answers once every file has
// settled. Per-file failures are part of a 200 response.
func IngestHandler(in SyncIngestor, maxBytes int64, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
			return
		}
		actor, files, err := ParseUpload(r, maxBytes)
		if err != nil {
			logger.Warn("Rejected upload.", "error", err)
			writeError(w, statusForBatchError(err), err.Error())
			return
		}

		result, err := in.Ingest(r.Context(), actor, files)
		if err != nil {
			logger.Warn("Rejected batch.", "actorId", actor.ActorID, "error", err)
			writeError(w, statusForBatchError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result.Response())
	}
}
