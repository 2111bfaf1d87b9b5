package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docingest/internal/classify"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/ocr"
	"github.com/Lllllllleong/docingest/internal/postgres"
	"github.com/Lllllllleong/docingest/internal/rasterize"
	"github.com/Lllllllleong/docingest/internal/resilience"
	"github.com/Lllllllleong/docingest/internal/runner"
	"github.com/Lllllllleong/docingest/internal/status"
	"golang.org/x/time/rate"
)

type IngestorConfig struct {
	RasterScale        float64
	ClassifyTimeout    time.Duration // per attempt
	UploadTimeout      time.Duration // whole upload including retries
	PersistTimeout     time.Duration // per store write
	MaxConcurrentFiles int
}

func (c IngestorConfig) withDefaults() IngestorConfig {
	if c.RasterScale <= 0 {
		c.RasterScale = 1.0
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 90 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 3 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 15 * time.Second
	}
	if c.MaxConcurrentFiles <= 0 {
		c.MaxConcurrentFiles = 8
	}
	return c
}

// EnvConfig is everything NewIngestor reads from the environment.
type EnvConfig struct {
	ProjectID         string
	VertexRegion      string
	ClassifierModel   string
	OCREngine         string
	OCRModel          string
	OCRLanguage       string
	OCRConcurrency    int
	OCRFailurePolicy  ocr.FailurePolicy
	OCRPageTimeout    time.Duration
	PdftoppmBin       string
	RasterPageTimeout time.Duration
	TesseractBin      string
	TessdataDir       string
	MaxPages          int

	UploadsBucket      string
	StorageMaxAttempts int
	DocumentBackend    string
	PostgresDSN        string

	ClassifyMaxAttempts    int
	ClassifyRPS            float64
	ClassifyBreakerEnabled bool

	WorkflowID       string
	WorkflowLocation string

	NATSURL           string
	NATSSubjectPrefix string

	Ingestor IngestorConfig
}

func LoadEnvConfig() (EnvConfig, error) {
	cfg := EnvConfig{
		ProjectID:         gcp.GetEnv("PROJECT_ID", ""),
		VertexRegion:      gcp.GetEnv("VERTEX_AI_REGION", "europe-west1"),
		ClassifierModel:   gcp.GetEnv("CLASSIFIER_MODEL", "gemini-1.5-pro"),
		OCREngine:         gcp.GetEnv("OCR_ENGINE", "tesseract"),
		OCRModel:          gcp.GetEnv("OCR_MODEL", ""),
		OCRLanguage:       gcp.GetEnv("OCR_LANGUAGE", "fr"),
		OCRConcurrency:    gcp.GetEnvInt("OCR_CONCURRENCY", 4),
		OCRFailurePolicy:  ocr.ParsePolicy(gcp.GetEnv("OCR_FAILURE_POLICY", string(ocr.PolicyDegrade))),
		OCRPageTimeout:    gcp.GetEnvDuration("OCR_PAGE_TIMEOUT", 60*time.Second),
		PdftoppmBin:       gcp.GetEnv("PDFTOPPM_BIN", "pdftoppm"),
		RasterPageTimeout: gcp.GetEnvDuration("RASTER_PAGE_TIMEOUT", 60*time.Second),
		TesseractBin:      gcp.GetEnv("TESSERACT_BIN", "tesseract"),
		TessdataDir:       gcp.GetEnv("TESSDATA_DIR", ""),
		MaxPages:          gcp.GetEnvInt("MAX_PAGES", 0),

		UploadsBucket:      gcp.GetEnv("UPLOADS_BUCKET", ""),
		StorageMaxAttempts: gcp.GetEnvInt("STORAGE_MAX_ATTEMPTS", 4),
		DocumentBackend:    gcp.GetEnv("DOCUMENT_BACKEND", "firestore"),
		PostgresDSN:        gcp.GetEnv("POSTGRES_DSN", ""),

		ClassifyMaxAttempts:    gcp.GetEnvInt("CLASSIFY_MAX_ATTEMPTS", 3),
		ClassifyRPS:            gcp.GetEnvFloat("CLASSIFY_RPS", 0),
		ClassifyBreakerEnabled: gcp.GetEnvBool("CLASSIFY_BREAKER_ENABLED", true),

		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "europe-west1"),

		NATSURL:           gcp.GetEnv("NATS_URL", ""),
		NATSSubjectPrefix: gcp.GetEnv("NATS_SUBJECT_PREFIX", "docingest.tasks"),

		Ingestor: IngestorConfig{
			RasterScale:        gcp.GetEnvFloat("RASTER_SCALE", 1.0),
			ClassifyTimeout:    gcp.GetEnvDuration("CLASSIFY_TIMEOUT", 90*time.Second),
			UploadTimeout:      gcp.GetEnvDuration("UPLOAD_TIMEOUT", 3*time.Minute),
			PersistTimeout:     gcp.GetEnvDuration("PERSIST_TIMEOUT", 15*time.Second),
			MaxConcurrentFiles: gcp.GetEnvInt("MAX_CONCURRENT_FILES", 8),
		},
	}
	return cfg, cfg.validate()
}

func (c EnvConfig) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if c.UploadsBucket == "" {
		return fmt.Errorf("UPLOADS_BUCKET environment variable must be set")
	}
	switch c.OCREngine {
	case "tesseract", "gemini":
	default:
		return fmt.Errorf("OCR_ENGINE must be tesseract or gemini, got %q", c.OCREngine)
	}
	switch c.DocumentBackend {
	case "firestore":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN environment variable must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("DOCUMENT_BACKEND must be firestore or postgres, got %q", c.DocumentBackend)
	}
	return nil
}

// executors keeps classifier, upload and status retries on separate
// policies and breakers.
type executors struct {
	classify *resilience.Executor
	storage  *resilience.Executor
	publish  *resilience.Executor
}

func newExecutors(cfg EnvConfig, logger *slog.Logger) executors {
	return executors{
		classify: resilience.NewExecutor(resilience.ClassifyPolicy(cfg.ClassifyMaxAttempts, cfg.ClassifyBreakerEnabled), logger),
		storage:  resilience.NewExecutor(resilience.StoragePolicy(cfg.StorageMaxAttempts), logger),
		publish:  resilience.NewExecutor(resilience.PublishPolicy(), logger),
	}
}

// NewIngestor builds an Ingestor and all its clients from the environment.
// Close the Ingestor to release them.
func NewIngestor(ctx context.Context, logger *slog.Logger, m *metrics.IngestMetrics) (*Ingestor, error) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	fail := func(err error) (*Ingestor, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	executors := newExecutors(cfg, logger)

	vertexClient, err := gcp.NewVertexClient(ctx, gcp.VertexConfig{
		ProjectID:       cfg.ProjectID,
		Region:          cfg.VertexRegion,
		ClassifierModel: cfg.ClassifierModel,
		OCRModel:        cfg.OCRModel,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create vertex client: %w", err))
	}
	closers = append(closers, vertexClient.Close)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to create Storage client: %w", err))
	}
	closers = append(closers, storageClient.Close)

	var engine ocr.Engine
	if cfg.OCREngine == "gemini" {
		engine = ocr.NewGeminiEngine(vertexClient.OCRModel)
	} else {
		engine = ocr.NewTesseractEngine(cfg.TesseractBin, cfg.TessdataDir, runner.Exec{})
	}
	extractor := ocr.NewExtractor(engine, ocr.Config{
		Language:    cfg.OCRLanguage,
		Concurrency: cfg.OCRConcurrency,
		PageTimeout: cfg.OCRPageTimeout,
		Policy:      cfg.OCRFailurePolicy,
	}, logger).WithObserver(m)

	deps := IngestorDeps{
		Rasterizer: rasterize.NewRasterizer(rasterize.Config{
			Pdftoppm:    cfg.PdftoppmBin,
			PageTimeout: cfg.RasterPageTimeout,
			MaxPages:    cfg.MaxPages,
		}, runner.Exec{}, logger),
		Extractor:        extractor,
		Classifier:       classify.NewGeminiClassifier(vertexClient.ClassifierModel, classify.Config{}, logger),
		Blobs:            gcp.NewGCSBlobStore(storageClient, cfg.UploadsBucket, executors.storage, 50*time.Second, logger),
		ClassifyExecutor: executors.classify,
		Metrics:          m,
		Logger:           logger,
	}
	if cfg.ClassifyRPS > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(cfg.ClassifyRPS), max(1, int(cfg.ClassifyRPS)))
	}

	switch cfg.DocumentBackend {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("failed to open postgres: %w", err))
		}
		store := postgres.NewStore(db)
		closers = append(closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		deps.Documents, deps.Logs = store, store
	default:
		firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("failed to create firestore client: %w", err))
		}
		store := gcp.NewFirestoreStore(firestoreClient)
		closers = append(closers, store.Close)
		deps.Documents, deps.Logs = store, store
	}

	if cfg.WorkflowID != "" {
		notifier, err := gcp.NewWorkflowNotifier(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, notifier.Close)
		deps.Notifier = notifier
	}

	if cfg.NATSURL != "" {
		sink, err := status.NewNATSSink(cfg.NATSURL, cfg.NATSSubjectPrefix, status.NATSOptions{
			ResilienceExecutor: executors.publish,
			Logger:             logger,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { sink.Close(); return nil })
		deps.Sinks = append(deps.Sinks, sink)
	}

	in := New(deps, cfg.Ingestor)
	in.closers = closers
	logger.Info("Ingestor initialized.",
		"ocrEngine", cfg.OCREngine,
		"documentBackend", cfg.DocumentBackend,
		"workflowId", cfg.WorkflowID,
	)
	return in, nil
}
