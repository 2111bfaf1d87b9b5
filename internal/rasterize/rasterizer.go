// Package rasterize turns a PDF into an ordered sequence of page images.
package rasterize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/runner"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pointsPerInch is the PDF user-space unit; scale 1.0 renders pages at their
// native size.
const pointsPerInch = 72.0

// ErrPagesConsumed is returned when a page sequence is iterated twice.
var ErrPagesConsumed = errors.New("page sequence already consumed")

func init() {
	// Cloud Functions have a read-only home directory.
	api.DisableConfigDir()
}

type Config struct {
	Pdftoppm    string        // binary name or absolute path; if empty -> "pdftoppm"
	PageTimeout time.Duration // per-page render bound; 0 -> 60s
	MaxPages    int           // 0 = no limit
}

type Options struct {
	Scale float64 // multiplier on native page size; <= 0 -> 1.0
}

// ProgressFunc is called after each page is rendered.
type ProgressFunc func(current, total int)

type Rasterizer struct {
	cfg    Config
	runner runner.Runner
	logger *slog.Logger
}

func NewRasterizer(cfg Config, r runner.Runner, logger *slog.Logger) *Rasterizer {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if r == nil {
		r = runner.Exec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rasterizer{cfg: cfg, runner: r, logger: logger}
}

// Rasterize validates pdf and returns a lazy page sequence. Nothing is
// rendered until the sequence is iterated. Unparsable, empty or page-less
// input fails with models.ErrMalformedDocument.
func (r *Rasterizer) Rasterize(ctx context.Context, pdf []byte, opts Options, progress ProgressFunc) (*Pages, error) {
	if len(pdf) == 0 {
		return nil, models.WrapError(models.ErrMalformedDocument, "rasterize", errors.New("document is empty"))
	}
	total, err := pageCount(pdf)
	if err != nil {
		return nil, models.WrapError(models.ErrMalformedDocument, "rasterize", err)
	}
	if total == 0 {
		return nil, models.WrapError(models.ErrMalformedDocument, "rasterize", errors.New("document has no pages"))
	}
	if r.cfg.MaxPages > 0 && total > r.cfg.MaxPages {
		r.logger.Warn("Document exceeds page limit, extra pages are ignored.", "pageCount", total, "maxPages", r.cfg.MaxPages)
		total = r.cfg.MaxPages
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scale := opts.Scale
	if scale <= 0 {
		scale = 1.0
	}

	dir, err := os.MkdirTemp("", "rasterize-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	src := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(src, pdf, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write source pdf: %w", err)
	}

	return &Pages{
		r:        r,
		dir:      dir,
		src:      src,
		total:    total,
		dpi:      strconv.FormatFloat(pointsPerInch*scale, 'f', -1, 64),
		progress: progress,
	}, nil
}

// pageCount parses and validates the document, returning its page count.
func pageCount(pdf []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pdf parser panic: %v", rec)
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(pdf), conf); err != nil {
		return 0, fmt.Errorf("failed to validate pdf: %w", err)
	}
	n, err = api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Pages is a finite, single-use sequence of rendered pages in ascending
// ordinal order.
type Pages struct {
	r        *Rasterizer
	dir      string
	src      string
	total    int
	dpi      string
	progress ProgressFunc

	consumed  atomic.Bool
	closeOnce sync.Once
}

// Len is the number of pages the sequence will yield.
func (p *Pages) Len() int { return p.total }

// All renders and yields one page per step. Iteration stops at the first
// error, which is yielded with a zero PageImage.
func (p *Pages) All(ctx context.Context) iter.Seq2[models.PageImage, error] {
	return func(yield func(models.PageImage, error) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			yield(models.PageImage{}, ErrPagesConsumed)
			return
		}
		defer p.Close()

		for i := 1; i <= p.total; i++ {
			img, err := p.render(ctx, i)
			if err != nil {
				yield(models.PageImage{}, err)
				return
			}
			if p.progress != nil {
				p.progress(i, p.total)
			}
			if !yield(img, nil) {
				return
			}
		}
	}
}

// Collect renders every page. On any failure it returns no pages at all.
func (p *Pages) Collect(ctx context.Context) ([]models.PageImage, error) {
	pages := make([]models.PageImage, 0, p.total)
	for img, err := range p.All(ctx) {
		if err != nil {
			return nil, err
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// Close removes the scratch directory. It is safe to call more than once.
func (p *Pages) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = os.RemoveAll(p.dir)
	})
	return err
}

func (p *Pages) render(ctx context.Context, ordinal int) (models.PageImage, error) {
	pageCtx, cancel := context.WithTimeout(ctx, p.r.cfg.PageTimeout)
	defer cancel()

	n := strconv.Itoa(ordinal)
	outBase := filepath.Join(p.dir, fmt.Sprintf("page-%05d", ordinal))
	// pdftoppm -f N -l N -r <dpi> -png -singlefile <in.pdf> <out> -> <out>.png
	_, errb, err := p.r.runner.Run(pageCtx, p.r.cfg.Pdftoppm, "-f", n, "-l", n, "-r", p.dpi, "-png", "-singlefile", p.src, outBase)
	if err != nil {
		if ctx.Err() != nil {
			return models.PageImage{}, ctx.Err()
		}
		return models.PageImage{}, models.WrapError(models.ErrMalformedDocument,
			fmt.Sprintf("render page %d", ordinal),
			fmt.Errorf("%w: %s", err, runner.Truncate(string(errb), 512)))
	}

	outPath := outBase + ".png"
	data, err := os.ReadFile(outPath)
	if err != nil {
		return models.PageImage{}, models.WrapError(models.ErrMalformedDocument,
			fmt.Sprintf("render page %d", ordinal),
			fmt.Errorf("pdftoppm produced no image: %w", err))
	}
	_ = os.Remove(outPath)

	p.r.logger.Debug("Page rendered.", "page", ordinal, "total", p.total, "bytes", len(data))
	return models.PageImage{Ordinal: ordinal, MimeType: "image/png", Data: data}, nil
}
