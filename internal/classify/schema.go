package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The model is asked for an enum but free-text categories are still
// accepted here; NormalizeCategory folds them onto the enumeration.
const resultSchemaJSON = `{
  "type": "object",
  "required": ["category"],
  "properties": {
    "category": {"type": "string"},
    "fullText": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var resultSchema = jsonschema.MustCompileString("classification.json", resultSchemaJSON)

type rawResult struct {
	Category string         `json:"category"`
	FullText string         `json:"fullText"`
	Metadata map[string]any `json:"metadata"`
}

// parseResult validates the model output and maps it onto a
// ClassificationResult with a category from the enumeration.
func parseResult(raw string) (models.ClassificationResult, error) {
	body := jsonObject(raw)
	if body == "" {
		return models.ClassificationResult{}, fmt.Errorf("no JSON object in classifier output")
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("failed to decode classifier output: %w", err)
	}
	if err := resultSchema.Validate(v); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("classifier output does not match schema: %w", err)
	}

	var out rawResult
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("failed to unmarshal classifier output: %w", err)
	}
	return models.ClassificationResult{
		Category: models.NormalizeCategory(out.Category),
		FullText: strings.TrimSpace(out.FullText),
		Metadata: out.Metadata,
	}, nil
}

// jsonObject returns the outermost {...} span of s, tolerating chatter
// around it.
func jsonObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
