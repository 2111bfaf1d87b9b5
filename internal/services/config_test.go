package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROJECT_ID", "docingest-test")
	t.Setenv("UPLOADS_BUCKET", "uploads")
}

func TestLoadEnvConfigStageTimeoutsAreSeparate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OCR_PAGE_TIMEOUT", "5s")
	t.Setenv("RASTER_PAGE_TIMEOUT", "20s")

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.OCRPageTimeout)
	assert.Equal(t, 20*time.Second, cfg.RasterPageTimeout)
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.RasterPageTimeout)
	assert.Equal(t, 3, cfg.ClassifyMaxAttempts)
	assert.Equal(t, 4, cfg.StorageMaxAttempts)
	assert.True(t, cfg.ClassifyBreakerEnabled)
	assert.Equal(t, "firestore", cfg.DocumentBackend)
}

func TestLoadEnvConfigRejects(t *testing.T) {
	t.Run("missing bucket", func(t *testing.T) {
		t.Setenv("PROJECT_ID", "docingest-test")
		t.Setenv("UPLOADS_BUCKET", "")
		_, err := LoadEnvConfig()
		assert.ErrorContains(t, err, "UPLOADS_BUCKET")
	})
	t.Run("postgres without dsn", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("DOCUMENT_BACKEND", "postgres")
		t.Setenv("POSTGRES_DSN", "")
		_, err := LoadEnvConfig()
		assert.ErrorContains(t, err, "POSTGRES_DSN")
	})
	t.Run("unknown ocr engine", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("OCR_ENGINE", "abbyy")
		_, err := LoadEnvConfig()
		assert.ErrorContains(t, err, "OCR_ENGINE")
	})
}

func TestClassifySettingsDoNotChangeUploadRetries(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CLASSIFY_MAX_ATTEMPTS", "7")
	t.Setenv("CLASSIFY_BREAKER_ENABLED", "false")
	t.Setenv("STORAGE_MAX_ATTEMPTS", "2")

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	ex := newExecutors(cfg, nil)

	assert.Equal(t, 7, ex.classify.Policy().MaxAttempts)
	assert.Nil(t, ex.classify.Policy().Breaker)

	assert.Equal(t, 2, ex.storage.Policy().MaxAttempts)
	assert.Equal(t, "storage", ex.storage.Policy().Name)

	assert.Equal(t, "publish", ex.publish.Policy().Name)
	assert.NotNil(t, ex.publish.Policy().Breaker)
	assert.NotSame(t, ex.classify, ex.storage)
	assert.NotSame(t, ex.storage, ex.publish)
}
