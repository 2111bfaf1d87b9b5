package ocr

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/models"
)

// ContentGenerator is the part of *genai.GenerativeModel the engine uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiEngine runs OCR through a Vertex AI multimodal model.
type GeminiEngine struct {
	model ContentGenerator
}

func NewGeminiEngine(model ContentGenerator) *GeminiEngine {
	return &GeminiEngine{model: model}
}

func (g *GeminiEngine) Recognize(ctx context.Context, page models.PageImage, language string) (string, error) {
	mimeType := page.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	resp, err := g.model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: page.Data},
		genai.Text(fmt.Sprintf(gcp.TranscribeUserPrompt, language)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate transcription from gemini: %w", err)
	}
	return normalize(responseText(resp)), nil
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
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return s
}
