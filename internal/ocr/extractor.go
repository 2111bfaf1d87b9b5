// Package ocr recognizes text on page images.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"golang.org/x/sync/errgroup"
)

// Engine recognizes the text of a single image.
type Engine interface {
	Recognize(ctx context.Context, page models.PageImage, language string) (string, error)
}

// FailurePolicy decides what a failed page does to the whole extraction.
type FailurePolicy string

const (
	// PolicyDegrade records an empty string for the failed page.
	PolicyDegrade FailurePolicy = "degrade"
	// PolicyAbort fails the extraction on the first failed page.
	PolicyAbort FailurePolicy = "abort"
)

// ParsePolicy maps a configuration value onto a policy, defaulting to degrade.
func ParsePolicy(s string) FailurePolicy {
	if FailurePolicy(s) == PolicyAbort {
		return PolicyAbort
	}
	return PolicyDegrade
}

type Config struct {
	Language    string        // ISO-639-1 code, default "fr"
	Concurrency int           // max pages in flight, default 4
	PageTimeout time.Duration // per-page bound, default 60s
	Policy      FailurePolicy
}

// ProgressFunc receives the number of pages resolved so far.
type ProgressFunc func(completed, total int)

// PageObserver is told about every page outcome.
type PageObserver interface {
	ObserveOCRPage(failed bool)
}

type Extractor struct {
	engine   Engine
	cfg      Config
	logger   *slog.Logger
	observer PageObserver
}

func NewExtractor(engine Engine, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDegrade
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{engine: engine, cfg: cfg, logger: logger}
}

// WithObserver returns a copy of e reporting page outcomes to o.
func (e *Extractor) WithObserver(o PageObserver) *Extractor {
	cp := *e
	cp.observer = o
	return &cp
}

// Language is the configured recognition language.
func (e *Extractor) Language() string { return e.cfg.Language }

// Extract runs OCR over all pages concurrently. The result has exactly one
// entry per input page keyed by its ordinal, whatever order pages finish in.
func (e *Extractor) Extract(ctx context.Context, pages []models.PageImage, progress ProgressFunc) (models.ExtractedText, error) {
	total := len(pages)
	result := make(models.ExtractedText, total)

	var (
		mu        sync.Mutex
		completed int
	)
	record := func(ordinal int, text string) {
		mu.Lock()
		defer mu.Unlock()
		result[ordinal] = text
		completed++
		if progress != nil {
			progress(completed, total)
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Concurrency)

	for _, page := range pages {
		eg.Go(func() error {
			text, err := e.recognize(gctx, page)
			if e.observer != nil {
				e.observer.ObserveOCRPage(err != nil)
			}
			if err != nil {
				if e.cfg.Policy == PolicyAbort {
					return models.WrapError(models.ErrOCRFailure, fmt.Sprintf("page %d", page.Ordinal), err)
				}
				e.logger.Warn("OCR failed for page, continuing with empty text.", "page", page.Ordinal, "error", err)
				text = ""
			}
			record(page.Ordinal, text)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Extractor) recognize(ctx context.Context, page models.PageImage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pageCtx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()
	return e.engine.Recognize(pageCtx, page, e.cfg.Language)
}
