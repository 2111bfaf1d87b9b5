package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docingest/internal/resilience"
	"google.golang.org/api/googleapi"
)

// GCSBlobStore writes and reads raw uploads in a single bucket.
type GCSBlobStore struct {
	client   *storage.Client
	bucket   string
	executor *resilience.Executor
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGCSBlobStore returns a blob store over bucket. Each write attempt is
// bounded by attemptTimeout and retried through executor.
func NewGCSBlobStore(client *storage.Client, bucket string, executor *resilience.Executor, attemptTimeout time.Duration, logger *slog.Logger) *GCSBlobStore {
	if attemptTimeout <= 0 {
		attemptTimeout = 50 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSBlobStore{client: client, bucket: bucket, executor: executor, timeout: attemptTimeout, logger: logger}
}

// Put writes data to objectPath and returns its gs:// URL.
func (s *GCSBlobStore) Put(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	write := func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(writeCtx)
		w.ContentType = contentType
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			_ = w.Close()
			return fmt.Errorf("io.Copy to GCS failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
		}
		return nil
	}

	var err error
	if s.executor != nil {
		err = s.executor.Execute(ctx, "gcs.put", write, classifyStorageError)
	} else {
		err = write(ctx)
	}
	if err != nil {
		s.logger.Error("Upload failed.", "bucket", s.bucket, "gcsObject", objectPath, "error", err)
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

// Get reads the object behind a gs:// URL.
func (s *GCSBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, object, err := ParseGSURL(url)
	if err != nil {
		return nil, err
	}
	return ReadObject(ctx, s.client, bucket, object)
}

// ReadObject downloads a whole object into memory.
func ReadObject(ctx context.Context, client *storage.Client, bucket, object string) ([]byte, error) {
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// ParseGSURL splits gs://bucket/object.
func ParseGSURL(url string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// url: %q", url)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// url: %q", url)
	}
	return bucket, object, nil
}

// classifyStorageError retries server-side and throttling failures only.
func classifyStorageError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		retry := gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 || gerr.Code == http.StatusRequestTimeout
		return resilience.ErrorClassification{Retryable: retry, RecordFailure: retry}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
