package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/docingest/internal/models"
)

// --- Classifier Model Prompts ---
const ClassifierSystemPrompt = "You are a document analysis assistant for personal administrative paperwork written mostly in French. You classify one document at a time and transcribe its text. You must output your response as a single valid JSON object."
const ClassifierUserPrompt = `Classify the provided document into exactly one of these categories:
%s

Follow these rules precisely:
1.  "category" must be copied verbatim from the list above. If no category fits, or you are unsure, use "%s".
2.  "fullText" must contain all text you can read in the document, in reading order. If an extracted text is provided below, correct obvious OCR mistakes but do not invent content.
3.  "metadata" may contain the keys "date", "amount", "currency", "issuer", "recipient" and "reference" when they are clearly present. Omit unknown keys.
4.  Do not include any text before or after the JSON object.

File name: %s
Extracted text:
%s`

// --- OCR Model Prompts ---
const TranscribeSystemPrompt = "You are an OCR engine. You transcribe scanned pages verbatim."
const TranscribeUserPrompt = `Transcribe all text visible in this scanned page exactly as written.
Preserve line breaks and reading order. Do not translate, summarise or comment.
If the page contains no text, return an empty response.
Expected language (ISO-639-1): %s`

// ClassificationSchema constrains the classifier model's JSON output.
func ClassificationSchema() *genai.Schema {
	metadata := map[string]*genai.Schema{}
	for _, key := range []string{"date", "amount", "currency", "issuer", "recipient", "reference"} {
		metadata[key] = &genai.Schema{Type: genai.TypeString}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category": {Type: genai.TypeString, Enum: models.Categories},
			"fullText": {Type: genai.TypeString},
			"metadata": {Type: genai.TypeObject, Properties: metadata},
		},
		Required: []string{"category", "fullText"},
	}
}

// VertexConfig names the models used for each task.
type VertexConfig struct {
	ProjectID       string
	Region          string
	ClassifierModel string
	OCRModel        string
}

// VertexClient holds all pre-configured generative models for our app.
type VertexClient struct {
	ClassifierModel *genai.GenerativeModel
	OCRModel        *genai.GenerativeModel
	baseClient      *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = "gemini-1.5-pro"
	}
	if cfg.OCRModel == "" {
		cfg.OCRModel = cfg.ClassifierModel
	}

	baseClient, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the classifier model ---
	classifierModel := baseClient.GenerativeModel(cfg.ClassifierModel)
	classifierModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ClassifierSystemPrompt)},
	}
	classifierModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   ClassificationSchema(),
		Temperature:      genai.Ptr[float32](0.0),
	}
	classifierModel.SafetySettings = relaxedSafety()

	// --- Configure the OCR model ---
	ocrModel := baseClient.GenerativeModel(cfg.OCRModel)
	ocrModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranscribeSystemPrompt)},
	}
	ocrModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	ocrModel.SafetySettings = relaxedSafety()

	return &VertexClient{
		ClassifierModel: classifierModel,
		OCRModel:        ocrModel,
		baseClient:      baseClient,
	}, nil
}

// Scanned paperwork routinely trips the default filters (IDs, payslips).
func relaxedSafety() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
