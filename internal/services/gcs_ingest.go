package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
)

// BlobReader downloads an object by its gs:// URL.
type BlobReader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type BatchIngestor interface {
	Ingest(ctx context.Context, actor models.ActorContext, files []models.File) (BatchResult, error)
}

// GCSIngestFunction ingests objects dropped into an inbox bucket. Object
// names are <actorId>/<fileName>.
type GCSIngestFunction struct {
	ingestor      BatchIngestor
	reader        BlobReader
	uploadsBucket string
	logger        *slog.Logger
}

func NewGCSIngestFunction(ingestor BatchIngestor, reader BlobReader, uploadsBucket string, logger *slog.Logger) *GCSIngestFunction {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSIngestFunction{ingestor: ingestor, reader: reader, uploadsBucket: uploadsBucket, logger: logger}
}

// NewGCSIngest builds the function and its ingestor from the environment.
func NewGCSIngest(ctx context.Context) (*GCSIngestFunction, error) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	in, err := NewIngestor(ctx, slog.Default(), metrics.NewIngestMetrics())
	if err != nil {
		return nil, err
	}
	reader, ok := in.Blobs.(BlobReader)
	if !ok {
		_ = in.Close()
		return nil, fmt.Errorf("blob store %T cannot read objects", in.Blobs)
	}
	slog.Info("GCS ingest logic initialized.", "uploadsBucket", cfg.UploadsBucket)
	return NewGCSIngestFunction(in, reader, cfg.UploadsBucket, slog.Default()), nil
}

// Process ingests one object as a batch of one. Only a failed download is
// returned so the event is redelivered; per-file failures are already on
// the provenance log.
func (f *GCSIngestFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := f.logger.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if e.Bucket == f.uploadsBucket {
		logCtx.Warn("Ignoring object in the uploads bucket.")
		return nil
	}
	actorID, fileName, ok := splitObjectName(e.Name)
	if !ok {
		logCtx.Error("Object name is not <actorId>/<fileName>, skipping.")
		return nil
	}

	data, err := f.reader.Get(ctx, "gs://"+e.Bucket+"/"+e.Name)
	if err != nil {
		logCtx.Error("Failed to download object.", "error", err)
		return fmt.Errorf("failed to download gs://%s/%s: %w", e.Bucket, e.Name, err)
	}

	actor := models.ActorContext{
		ActorID:       actorID,
		DeviceContext: map[string]string{"source": "gcs", "bucket": e.Bucket},
	}
	result, err := f.ingestor.Ingest(ctx, actor, []models.File{{Name: fileName, MimeType: e.ContentType, Data: data}})
	if err != nil {
		logCtx.Error("Batch rejected.", "error", err)
		return nil
	}
	for _, task := range result.Tasks {
		if task.Stage == models.StageError {
			logCtx.Warn("Object ingestion failed.", "batchId", result.BatchID, "error", task.ErrorMessage)
			return nil
		}
	}
	logCtx.Info("Object ingested.", "batchId", result.BatchID, "documentId", result.Documents[0].ID)
	return nil
}

func splitObjectName(name string) (actorID, fileName string, ok bool) {
	actorID, rest, found := strings.Cut(name, "/")
	if !found || actorID == "" || rest == "" || strings.HasSuffix(rest, "/") {
		return "", "", false
	}
	return actorID, path.Base(rest), true
}
