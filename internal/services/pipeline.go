package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/Lllllllleong/docingest/internal/classify"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/rasterize"
	"github.com/Lllllllleong/docingest/internal/resilience"
)

// Progress checkpoints of the PDF pipeline.
const (
	pdfRasterEnd   = 30
	pdfOCREnd      = 70
	pdfAnalyzing   = 75
	pdfPersisting  = 90
	imageUploading = 10
	imageAnalyzing = 50
)

type fileJob struct {
	index     int
	file      models.File
	kind      models.FileKind
	mimeType  string
	detectErr error
	ctx       context.Context
	cancel    context.CancelFunc
}

type uploadResult struct {
	url string
	err error
}

// processFile drives one file to a terminal stage. It never returns an
// error: failures end up on the file's UploadTask.
func (in *Ingestor) processFile(ctx context.Context, b *Batch, job fileJob) (models.Document, bool) {
	start := time.Now()
	in.Metrics.StartFile()
	logCtx := in.logger.With("batchId", b.ID, "fileName", job.file.Name, "fileKind", job.kind)
	logCtx.Info("Processing file.", "sizeBytes", len(job.file.Data), "mimeType", job.mimeType)

	var (
		doc models.Document
		err error
	)
	switch {
	case ctx.Err() != nil:
		// Abandoned before it started: nothing may be written for it.
		err = ctx.Err()
	case job.detectErr != nil:
		err = job.detectErr
	case job.kind == models.KindPDF:
		doc, err = in.processPDF(ctx, logCtx, b, job)
	default:
		doc, err = in.processImage(ctx, logCtx, b, job)
	}

	if err != nil {
		task, _ := b.tracker.Get(job.file.Name)
		in.failTask(ctx, logCtx, b, job, err)
		in.Metrics.FinishFile(string(job.kind), time.Since(start), string(task.Stage))
		return models.Document{}, false
	}

	b.tracker.Complete(job.file.Name)
	in.Metrics.FinishFile(string(job.kind), time.Since(start), "")
	logCtx.Info("File ingested.", "documentId", doc.ID, "classification", doc.Classification, "duration", time.Since(start).String())
	return doc, true
}

func (in *Ingestor) processPDF(ctx context.Context, logCtx *slog.Logger, b *Batch, job fileJob) (models.Document, error) {
	name := job.file.Name
	upload := in.startUpload(ctx, logCtx, job)

	b.tracker.Advance(name, models.StageRasterizing, 0)
	pages, err := in.Rasterizer.Rasterize(ctx, job.file.Data, rasterize.Options{Scale: in.cfg.RasterScale}, func(current, total int) {
		b.tracker.Progress(name, current*pdfRasterEnd/total)
	})
	if err != nil {
		return models.Document{}, err
	}
	defer pages.Close()

	images, err := pages.Collect(ctx)
	if err != nil {
		return models.Document{}, err
	}
	logCtx.Info("PDF rasterized.", "pageCount", len(images))

	b.tracker.Advance(name, models.StageExtractingText, pdfRasterEnd)
	text, err := in.Extractor.Extract(ctx, images, func(completed, total int) {
		b.tracker.Progress(name, pdfRasterEnd+completed*(pdfOCREnd-pdfRasterEnd)/total)
	})
	if err != nil {
		return models.Document{}, err
	}
	concatenated := text.Concat()
	logCtx.Info("Text extracted.", "textLength", len(concatenated))

	b.tracker.Advance(name, models.StageAnalyzing, pdfAnalyzing)
	result, err := in.classify(ctx, logCtx, classify.Input{
		Text:     concatenated,
		Image:    &classify.Image{MimeType: images[0].MimeType, Data: images[0].Data},
		FileName: name,
	})
	if err != nil {
		return models.Document{}, err
	}

	b.tracker.Advance(name, models.StageUploading, pdfPersisting)
	doc := in.newDocument(b, job, result)
	if concatenated != "" {
		doc.Text = concatenated
	}
	doc.PageCount = len(images)
	return in.persist(ctx, logCtx, b, upload, doc)
}

func (in *Ingestor) processImage(ctx context.Context, logCtx *slog.Logger, b *Batch, job fileJob) (models.Document, error) {
	name := job.file.Name
	b.tracker.Advance(name, models.StageUploading, imageUploading)
	upload := in.startUpload(ctx, logCtx, job)

	b.tracker.Advance(name, models.StageAnalyzing, imageAnalyzing)
	result, err := in.classify(ctx, logCtx, classify.Input{
		Image:    &classify.Image{MimeType: job.mimeType, Data: job.file.Data},
		FileName: name,
	})
	if err != nil {
		return models.Document{}, err
	}
	return in.persist(ctx, logCtx, b, upload, in.newDocument(b, job, result))
}

// startUpload writes the original file to blob storage in the background.
// Once started the write is detached from ctx so a cancelled file never
// leaves a half-written object behind; a file already cancelled writes
// nothing.
func (in *Ingestor) startUpload(ctx context.Context, logCtx *slog.Logger, job fileJob) <-chan uploadResult {
	ch := make(chan uploadResult, 1)
	if err := ctx.Err(); err != nil {
		ch <- uploadResult{err: err}
		return ch
	}
	objectPath := path.Join(in.newID(), job.file.Name)
	go func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cfg.UploadTimeout)
		defer cancel()
		url, err := in.Blobs.Put(uctx, objectPath, job.file.Data, job.mimeType)
		if err != nil {
			err = models.WrapError(models.ErrStorageWriteFailed, "upload", err)
		} else {
			logCtx.Info("Original file stored.", "storageUrl", url)
		}
		ch <- uploadResult{url: url, err: err}
	}()
	return ch
}

// classify calls the classifier under the retry policy. Only
// ServiceUnavailable is retried.
func (in *Ingestor) classify(ctx context.Context, logCtx *slog.Logger, input classify.Input) (models.ClassificationResult, error) {
	var result models.ClassificationResult
	attempt := func(ctx context.Context) error {
		if in.Limiter != nil {
			if err := in.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		actx, cancel := context.WithTimeout(ctx, in.cfg.ClassifyTimeout)
		defer cancel()
		r, err := in.Classifier.Classify(actx, input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !models.IsClassificationFailure(err) {
				err = models.WrapError(models.ErrServiceUnavailable, "classify", err)
			}
			return err
		}
		result = r
		return nil
	}

	var err error
	if in.ClassifyExecutor != nil {
		err = in.ClassifyExecutor.Execute(ctx, "classify", attempt, classifyRetryPolicy)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		if resilience.IsCircuitOpen(err) {
			err = models.WrapError(models.ErrServiceUnavailable, "classify", err)
		}
		if errors.Is(err, models.ErrInvalidCredentials) {
			logCtx.Error("Classifier rejected credentials.", "error", err)
		}
		return models.ClassificationResult{}, err
	}
	return result, nil
}

func classifyRetryPolicy(err error) resilience.ErrorClassification {
	if errors.Is(err, models.ErrServiceUnavailable) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
}

func (in *Ingestor) newDocument(b *Batch, job fileJob, result models.ClassificationResult) models.Document {
	metadata := result.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return models.Document{
		Name:           job.file.Name,
		Classification: result.Category,
		Text:           result.FullText,
		Metadata:       metadata,
		MimeType:       job.mimeType,
		SizeBytes:      int64(len(job.file.Data)),
		IsArchived:     false,
		FileHash:       fileHash(job.file.Data),
		ActorID:        b.Actor.ActorID,
		BatchID:        b.ID,
	}
}

// persist waits for the upload and writes the Document and its provenance
// entry. From here on the file runs to completion even if cancelled.
func (in *Ingestor) persist(ctx context.Context, logCtx *slog.Logger, b *Batch, upload <-chan uploadResult, doc models.Document) (models.Document, error) {
	ctx = context.WithoutCancel(ctx)

	res := <-upload
	if res.err != nil {
		return models.Document{}, res.err
	}
	doc.StorageURL = res.url
	doc.CreatedAt = in.now()

	pctx, cancel := context.WithTimeout(ctx, in.cfg.PersistTimeout)
	defer cancel()
	id, err := in.Documents.Insert(pctx, b.Actor.CollectionPath, doc)
	if err != nil {
		return models.Document{}, models.WrapError(models.ErrPersistenceFailed, "insert document", err)
	}
	doc.ID = id

	in.appendLog(ctx, logCtx, b, models.ProvenanceLogEntry{
		Event:      models.EventDocumentUploaded,
		DocumentID: id,
		Details:    fmt.Sprintf("%s classified as %s", doc.Name, doc.Classification),
	})
	return doc, nil
}

// failTask records err on the file's task and in the provenance log.
func (in *Ingestor) failTask(ctx context.Context, logCtx *slog.Logger, b *Batch, job fileJob, err error) {
	if isCancellation(ctx, err) {
		err = models.WrapError(models.ErrCancelled, "ingest", err)
	}
	logCtx.Error("File ingestion failed.", "error", err)
	b.tracker.Fail(job.file.Name, err)

	in.appendLog(context.WithoutCancel(ctx), logCtx, b, models.ProvenanceLogEntry{
		Event:   models.EventDocumentUploadFailed,
		Details: fmt.Sprintf("%s: %v", job.file.Name, err),
	})
}

// isCancellation reports whether err is the file being abandoned rather
// than a stage failing. Writes that ran to completion keep their own error.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(err, models.ErrStorageWriteFailed) || errors.Is(err, models.ErrPersistenceFailed) {
		return false
	}
	return true
}

// appendLog is best effort: a lost entry never fails the file.
func (in *Ingestor) appendLog(ctx context.Context, logCtx *slog.Logger, b *Batch, entry models.ProvenanceLogEntry) {
	if in.Logs == nil {
		return
	}
	entry.CreatedAt = in.now()
	entry.ActorID = b.Actor.ActorID
	entry.DeviceContext = b.Actor.DeviceContext

	lctx, cancel := context.WithTimeout(ctx, in.cfg.PersistTimeout)
	defer cancel()
	if err := in.Logs.Append(lctx, b.Actor.LogCollectionPath, entry); err != nil {
		logCtx.Warn("Failed to write provenance entry.", "event", entry.Event, "error", err)
	}
}

func fileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
