package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/runner"
)

// iso639ToTesseract maps ISO-639-1 codes to tesseract traineddata names.
var iso639ToTesseract = map[string]string{
	"fr": "fra",
	"en": "eng",
	"de": "deu",
	"es": "spa",
	"it": "ita",
	"nl": "nld",
	"pt": "por",
	"ar": "ara",
}

// TesseractLanguage returns the tesseract language for an ISO-639 code.
// Unknown codes are passed through so that "fra+eng" style values still work.
func TesseractLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "eng"
	}
	if t, ok := iso639ToTesseract[code]; ok {
		return t
	}
	return code
}

var reBoxNoise = regexp.MustCompile(`[\x{2500}-\x{257F}\x{2580}-\x{259F}]+`)

// TesseractEngine runs the tesseract CLI on each page.
type TesseractEngine struct {
	Binary      string // default "tesseract"
	TessdataDir string
	runner      runner.Runner
}

func NewTesseractEngine(binary, tessdataDir string, r runner.Runner) *TesseractEngine {
	if binary == "" {
		binary = "tesseract"
	}
	if r == nil {
		r = runner.Exec{}
	}
	return &TesseractEngine{Binary: binary, TessdataDir: tessdataDir, runner: r}
}

func (t *TesseractEngine) Recognize(ctx context.Context, page models.PageImage, language string) (string, error) {
	dir, err := os.MkdirTemp("", "ocr-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	imgPath := filepath.Join(dir, fmt.Sprintf("page-%05d%s", page.Ordinal, extensionFor(page.MimeType)))
	if err := os.WriteFile(imgPath, page.Data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write page image: %w", err)
	}

	args := []string{imgPath, "stdout", "-l", TesseractLanguage(language)}
	if t.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.TessdataDir)
	}
	// tesseract <file> stdout -l <lang>
	out, errb, err := t.runner.Run(ctx, t.Binary, args...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, runner.Truncate(string(errb), 512))
	}
	return normalize(reBoxNoise.ReplaceAllString(string(out), "")), nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// normalize trims trailing spaces on every line and collapses runs of blank
// lines.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\f", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		if ln == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
