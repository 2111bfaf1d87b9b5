package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/server"
	"github.com/Lllllllleong/docingest/internal/services"
)

var (
	handler http.HandlerFunc
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleIngest", handleIngest)
}

// main is required by the Go Functions Framework.
func main() {}

// handleIngest accepts a multipart batch and answers once every file has
// settled.
func handleIngest(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var ingestor *services.Ingestor
		ingestor, initErr = services.NewIngestor(context.Background(), slog.Default(), metrics.NewIngestMetrics())
		if initErr != nil {
			return
		}
		maxBytes := int64(gcp.GetEnvInt("MAX_UPLOAD_BYTES", server.DefaultMaxUploadBytes))
		handler = server.IngestHandler(ingestor, maxBytes, slog.Default())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler(w, r)
}
