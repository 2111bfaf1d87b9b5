package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/docingest/internal/classify"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/ocr"
	"github.com/Lllllllleong/docingest/internal/rasterize"
	"github.com/Lllllllleong/docingest/internal/resilience"
	"github.com/Lllllllleong/docingest/internal/status"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type PageRasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, opts rasterize.Options, progress rasterize.ProgressFunc) (*rasterize.Pages, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, pages []models.PageImage, progress ocr.ProgressFunc) (models.ExtractedText, error)
}

type BlobStore interface {
	Put(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
}

type DocumentStore interface {
	Insert(ctx context.Context, collectionPath string, doc models.Document) (string, error)
}

type LogStore interface {
	Append(ctx context.Context, logCollectionPath string, entry models.ProvenanceLogEntry) error
}

// Notifier is told about every settled batch that created documents.
type Notifier interface {
	Notify(ctx context.Context, summary gcp.BatchSummary) (string, error)
}

// Limiter paces classifier calls; *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// IngestorDeps are the collaborators of an Ingestor. ClassifyExecutor,
// Limiter, Metrics, Notifier and Sinks are optional.
type IngestorDeps struct {
	Rasterizer PageRasterizer
	Extractor  TextExtractor
	Classifier classify.Classifier
	Blobs      BlobStore
	Documents  DocumentStore
	Logs       LogStore
	// ClassifyExecutor retries classifier calls. Blob and sink retries
	// belong to those stores.
	ClassifyExecutor *resilience.Executor
	Limiter          Limiter
	Metrics          *metrics.IngestMetrics
	Notifier         Notifier
	Sinks            []status.Sink
	Logger           *slog.Logger
}

// Ingestor runs batches of files through the ingestion pipeline.
type Ingestor struct {
	IngestorDeps
	cfg     IngestorConfig
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
	closers []func() error
}

func New(deps IngestorDeps, cfg IngestorConfig) *Ingestor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		IngestorDeps: deps,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// Close releases the clients created by NewIngestor.
func (in *Ingestor) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BatchResult is what a settled batch produced. Documents holds only the
// files that completed, in submission order.
type BatchResult struct {
	BatchID   string
	Documents []models.Document
	Tasks     []models.UploadTask
}

// Response renders r as the HTTP payload.
func (r BatchResult) Response() models.BatchResponse {
	return models.BatchResponse{
		BatchID:   r.BatchID,
		Done:      true,
		Succeeded: len(r.Documents),
		Failed:    len(r.Tasks) - len(r.Documents),
		Tasks:     r.Tasks,
		Documents: r.Documents,
	}
}

// Batch is a running ingestion. Its tracker is the live read model.
type Batch struct {
	ID    string
	Actor models.ActorContext

	tracker *status.Tracker
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	fileCancels map[string]context.CancelFunc
	documents   []*models.Document
	result      BatchResult
}

func (b *Batch) Tracker() *status.Tracker { return b.tracker }

// Cancel stops work on one file. Writes that already started are allowed
// to finish.
func (b *Batch) Cancel(fileName string) bool {
	b.mu.Lock()
	cancel, ok := b.fileCancels[fileName]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (b *Batch) CancelAll() { b.cancel() }

// Done is closed once every file has settled.
func (b *Batch) Done() <-chan struct{} { return b.done }

func (b *Batch) Wait() BatchResult {
	<-b.done
	return b.result
}

// Ingest runs a batch and waits until every file has settled. Per-file
// failures are reported in the returned tasks; the error is non-nil only
// for an invalid batch.
func (in *Ingestor) Ingest(ctx context.Context, actor models.ActorContext, files []models.File) (BatchResult, error) {
	batch, err := in.Start(ctx, actor, files)
	if err != nil {
		return BatchResult{}, err
	}
	result := batch.Wait()
	batch.Tracker().Close()
	return result, nil
}

// Start validates the batch, registers one UploadTask per file and
// processes all files concurrently. It does not wait for them.
func (in *Ingestor) Start(ctx context.Context, actor models.ActorContext, files []models.File) (*Batch, error) {
	if err := validateBatch(actor, files); err != nil {
		return nil, err
	}
	actor = actor.WithDefaults()

	batchID := in.newID()
	logCtx := in.logger.With("batchId", batchID, "actorId", actor.ActorID)
	tracker := status.NewTracker(batchID, in.logger, in.Sinks...)

	bctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		ID:          batchID,
		Actor:       actor,
		tracker:     tracker,
		cancel:      cancel,
		done:        make(chan struct{}),
		fileCancels: make(map[string]context.CancelFunc, len(files)),
		documents:   make([]*models.Document, len(files)),
	}

	jobs := make([]fileJob, len(files))
	for i, f := range files {
		kind, mimeType, detectErr := DetectKind(f)
		if mimeType == "" {
			mimeType = f.MimeType
		}
		fctx, fcancel := context.WithCancel(bctx)
		b.fileCancels[f.Name] = fcancel
		jobs[i] = fileJob{index: i, file: f, kind: kind, mimeType: mimeType, detectErr: detectErr, ctx: fctx, cancel: fcancel}
		if err := tracker.Register(models.UploadTask{
			FileName:  f.Name,
			FileKind:  kind,
			SizeBytes: int64(len(f.Data)),
			MimeType:  mimeType,
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register task %q: %w", f.Name, err)
		}
	}

	in.Metrics.StartBatch()
	logCtx.Info("Batch accepted.", "fileCount", len(files))

	go func() {
		defer close(b.done)
		defer cancel()

		var eg errgroup.Group
		eg.SetLimit(in.cfg.MaxConcurrentFiles)
		for _, job := range jobs {
			eg.Go(func() error {
				defer job.cancel()
				if doc, ok := in.processFile(job.ctx, b, job); ok {
					b.mu.Lock()
					b.documents[job.index] = &doc
					b.mu.Unlock()
				}
				return nil
			})
		}
		_ = eg.Wait()

		b.mu.Lock()
		docs := make([]models.Document, 0, len(files))
		for _, d := range b.documents {
			if d != nil {
				docs = append(docs, *d)
			}
		}
		b.result = BatchResult{BatchID: batchID, Documents: docs, Tasks: tracker.Snapshot()}
		b.mu.Unlock()

		logCtx.Info("Batch settled.", "succeeded", len(docs), "failed", len(files)-len(docs))
		in.notify(context.WithoutCancel(ctx), logCtx, b)
	}()

	return b, nil
}

func validateBatch(actor models.ActorContext, files []models.File) error {
	if actor.ActorID == "" {
		return models.ErrMissingActor
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no files", models.ErrInvalidBatch)
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if f.Name == "" {
			return fmt.Errorf("%w: file without a name", models.ErrInvalidBatch)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate file name %q", models.ErrInvalidBatch, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

func (in *Ingestor) notify(ctx context.Context, logCtx *slog.Logger, b *Batch) {
	if in.Notifier == nil || len(b.result.Documents) == 0 {
		return
	}
	ids := make([]string, 0, len(b.result.Documents))
	for _, d := range b.result.Documents {
		ids = append(ids, d.ID)
	}
	nctx, cancel := context.WithTimeout(ctx, in.cfg.PersistTimeout)
	defer cancel()
	execution, err := in.Notifier.Notify(nctx, gcp.BatchSummary{
		BatchID:     b.ID,
		ActorID:     b.Actor.ActorID,
		DocumentIDs: ids,
		Failed:      len(b.result.Tasks) - len(ids),
	})
	if err != nil {
		logCtx.Error("Failed to hand off batch to workflow.", "error", err)
		return
	}
	logCtx.Info("Hand-off to workflow complete.", "execution", execution)
}
