// Package classify assigns one of the closed document categories to a
// document and returns the model's transcription alongside it.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Image is a representative image sent with (or instead of) the text.
type Image struct {
	MimeType string
	Data     []byte
}

type Input struct {
	Text     string
	Image    *Image
	FileName string
}

// Classifier makes exactly one model call per Classify. Retrying is the
// caller's business.
type Classifier interface {
	Classify(ctx context.Context, in Input) (models.ClassificationResult, error)
}

// ContentGenerator is the part of *genai.GenerativeModel the classifier uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Config struct {
	// MaxImageDimension bounds the longest side of the image sent to the model.
	MaxImageDimension int
	// MaxTextChars truncates very long OCR output before it goes in the prompt.
	MaxTextChars int
}

func (c Config) withDefaults() Config {
	if c.MaxImageDimension <= 0 {
		c.MaxImageDimension = 1600
	}
	if c.MaxTextChars <= 0 {
		c.MaxTextChars = 30000
	}
	return c
}

type GeminiClassifier struct {
	model  ContentGenerator
	cfg    Config
	logger *slog.Logger
}

func NewGeminiClassifier(model ContentGenerator, cfg Config, logger *slog.Logger) *GeminiClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClassifier{model: model, cfg: cfg.withDefaults(), logger: logger}
}

func (c *GeminiClassifier) Classify(ctx context.Context, in Input) (models.ClassificationResult, error) {
	text := strings.TrimSpace(in.Text)
	hasImage := in.Image != nil && len(in.Image.Data) > 0
	if text == "" && !hasImage {
		return models.ClassificationResult{}, models.WrapError(models.ErrEmptyInput, "classify", nil)
	}
	logCtx := c.logger.With("fileName", in.FileName)

	var parts []genai.Part
	if hasImage {
		img, err := PrepareImage(*in.Image, c.cfg.MaxImageDimension)
		if err != nil {
			logCtx.Warn("Image could not be prepared, sending it as uploaded.", "error", err)
			img = *in.Image
		}
		if img.MimeType == "" {
			img.MimeType = "image/png"
		}
		parts = append(parts, genai.Blob{MIMEType: img.MimeType, Data: img.Data})
	}
	parts = append(parts, genai.Text(fmt.Sprintf(gcp.ClassifierUserPrompt,
		"- "+strings.Join(models.Categories, "\n- "),
		models.CategoryUnknown,
		in.FileName,
		truncateRunes(text, c.cfg.MaxTextChars),
	)))

	resp, err := c.model.GenerateContent(ctx, parts...)
	if err != nil {
		return models.ClassificationResult{}, mapError(err)
	}

	raw := responseText(resp)
	result, err := parseResult(raw)
	if err != nil {
		logCtx.Warn("Classifier output unusable, falling back to unknown category.", "error", err)
		result = models.ClassificationResult{Category: models.CategoryUnknown}
		if !isRefusal(raw) {
			result.FullText = raw
		}
	}
	if strings.TrimSpace(result.FullText) == "" {
		result.FullText = text
	}
	logCtx.Info("Document classified.", "category", result.Category, "fullTextLength", len(result.FullText))
	return result, nil
}

// mapError sorts transport failures into the classifier's failure kinds.
// Caller cancellation is passed through untouched.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isAuthError(err) {
		return models.WrapError(models.ErrInvalidCredentials, "classify", err)
	}
	return models.WrapError(models.ErrServiceUnavailable, "classify", err)
}

func isAuthError(err error) bool {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return true
		}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden
	}
	return false
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
	"je ne peux pas",
}

func isRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
