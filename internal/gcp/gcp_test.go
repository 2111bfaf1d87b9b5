package gcp

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("DOCINGEST_TEST_INT", "12")
	t.Setenv("DOCINGEST_TEST_BAD_INT", "twelve")
	t.Setenv("DOCINGEST_TEST_DURATION", "1m30s")
	t.Setenv("DOCINGEST_TEST_FLOAT", "2.5")
	t.Setenv("DOCINGEST_TEST_BOOL", "true")
	t.Setenv("DOCINGEST_TEST_EMPTY", "")

	assert.Equal(t, 12, GetEnvInt("DOCINGEST_TEST_INT", 3))
	assert.Equal(t, 3, GetEnvInt("DOCINGEST_TEST_BAD_INT", 3))
	assert.Equal(t, 90*time.Second, GetEnvDuration("DOCINGEST_TEST_DURATION", time.Second))
	assert.Equal(t, 2.5, GetEnvFloat("DOCINGEST_TEST_FLOAT", 1))
	assert.True(t, GetEnvBool("DOCINGEST_TEST_BOOL", false))
	assert.Equal(t, "fallback", GetEnv("DOCINGEST_TEST_EMPTY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("DOCINGEST_TEST_UNSET", "fallback"))
}

func TestParseGSURL(t *testing.T) {
	bucket, object, err := ParseGSURL("gs://uploads/3f2a/invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, "uploads", bucket)
	assert.Equal(t, "3f2a/invoice.pdf", object)

	for _, bad := range []string{"https://uploads/x", "gs://uploads", "gs:///x", "gs://uploads/"} {
		_, _, err := ParseGSURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestClassifyStorageError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{"server error", &googleapi.Error{Code: http.StatusServiceUnavailable}, true},
		{"throttled", fmt.Errorf("write: %w", &googleapi.Error{Code: http.StatusTooManyRequests}), true},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, false},
		{"cancelled", context.Canceled, false},
		{"network", fmt.Errorf("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retry, classifyStorageError(tt.err).Retryable)
		})
	}
}

func TestClassificationSchemaListsEveryCategory(t *testing.T) {
	schema := ClassificationSchema()
	assert.Equal(t, models.Categories, schema.Properties["category"].Enum)
	assert.ElementsMatch(t, []string{"category", "fullText"}, schema.Required)
}
