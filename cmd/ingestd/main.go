// Command ingestd serves the asynchronous batch API with live progress.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/logging"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/server"
	"github.com/Lllllllleong/docingest/internal/services"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	logger := logging.NewJSONLogger("ingestd", gcp.GetEnv("LOG_LEVEL", "info"))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ingestd stopped.", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewIngestMetrics()
	ingestor, err := services.NewIngestor(ctx, logger, m)
	if err != nil {
		return err
	}
	defer ingestor.Close()

	// Batches are cancelled only once the HTTP server has drained.
	batchCtx, cancelBatches := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBatches()

	srv := server.New(batchCtx, ingestor, m, server.Config{
		MaxUploadBytes: int64(gcp.GetEnvInt("MAX_UPLOAD_BYTES", server.DefaultMaxUploadBytes)),
		Retention:      gcp.GetEnvDuration("BATCH_RETENTION", time.Hour),
	}, logger)

	httpServer := &http.Server{
		Addr:              gcp.GetEnv("HTTP_ADDR", ":8080"),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestd listening.", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gcp.GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
