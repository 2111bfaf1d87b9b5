package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/docingest/internal/classify"
	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/services"
	"github.com/Lllllllleong/docingest/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedClassifier blocks every call until release is closed.
type gatedClassifier struct {
	release chan struct{}
}

func (g *gatedClassifier) Classify(ctx context.Context, in classify.Input) (models.ClassificationResult, error) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return models.ClassificationResult{}, ctx.Err()
		}
	}
	return models.ClassificationResult{Category: models.CategoryReceipt, FullText: in.FileName}, nil
}

type memoryStore struct {
	mu sync.Mutex
	n  int
}

func (m *memoryStore) Put(_ context.Context, objectPath string, _ []byte, _ string) (string, error) {
	return "gs://uploads/" + objectPath, nil
}

func (m *memoryStore) Insert(_ context.Context, _ string, _ models.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("doc-%d", m.n), nil
}

func (m *memoryStore) Append(context.Context, string, models.ProvenanceLogEntry) error { return nil }

func newIngestor(classifier classify.Classifier, m *metrics.IngestMetrics) *services.Ingestor {
	store := &memoryStore{}
	return services.New(services.IngestorDeps{
		Classifier: classifier,
		Blobs:      store,
		Documents:  store,
		Logs:       store,
		Metrics:    m,
	}, services.IngestorConfig{})
}

func newTestServer(t *testing.T, classifier classify.Classifier) (*httptest.Server, *metrics.IngestMetrics) {
	t.Helper()
	m := metrics.NewIngestMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(New(ctx, newIngestor(classifier, m), m, Config{}, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func multipartBody(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, name))
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(testutil.PNG(t, 8, 8))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postBatch(t *testing.T, srv *httptest.Server, actorID string, names ...string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, names...)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/batches", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if actorID != "" {
		req.Header.Set(HeaderActorID, actorID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func getBatch(t *testing.T, srv *httptest.Server, id string) (int, models.BatchResponse) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/v1/batches/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, models.BatchResponse{}
	}
	return resp.StatusCode, decode[models.BatchResponse](t, resp.Body)
}

func TestCreateBatchAndPoll(t *testing.T) {
	srv, _ := newTestServer(t, &gatedClassifier{})

	resp := postBatch(t, srv, "u1", "a.png", "b.png")
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[models.BatchResponse](t, resp.Body)
	require.NotEmpty(t, created.BatchID)
	assert.Equal(t, "/v1/batches/"+created.BatchID, resp.Header.Get("Location"))
	assert.Len(t, created.Tasks, 2)

	var final models.BatchResponse
	require.Eventually(t, func() bool {
		_, final = getBatch(t, srv, created.BatchID)
		return final.Done
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, final.Succeeded)
	assert.Zero(t, final.Failed)
	assert.Len(t, final.Documents, 2)
}

func TestCreateBatchRejected(t *testing.T) {
	srv, _ := newTestServer(t, &gatedClassifier{})

	resp := postBatch(t, srv, "", "a.png")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postBatch(t, srv, "u1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[models.ErrorResponse](t, resp.Body).Error, "invalid batch")

	code, _ := getBatch(t, srv, "nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventsStream(t *testing.T) {
	gate := &gatedClassifier{release: make(chan struct{})}
	srv, _ := newTestServer(t, gate)

	resp := postBatch(t, srv, "u1", "a.png")
	created := decode[models.BatchResponse](t, resp.Body)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/batches/" + created.BatchID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "task", first.Type)
	require.NotNil(t, first.Task)
	assert.Equal(t, "a.png", first.Task.FileName)

	close(gate.release)

	var last Event
	for last.Type != "done" {
		last = Event{}
		require.NoError(t, conn.ReadJSON(&last))
	}
	require.NotNil(t, last.Batch)
	assert.Equal(t, 1, last.Batch.Succeeded)
	assert.Equal(t, models.StageCompleted, last.Batch.Tasks[0].Stage)
}

func TestCancelFileAndDismiss(t *testing.T) {
	gate := &gatedClassifier{release: make(chan struct{})}
	defer close(gate.release)
	srv, _ := newTestServer(t, gate)

	resp := postBatch(t, srv, "u1", "a.png")
	created := decode[models.BatchResponse](t, resp.Body)
	resp.Body.Close()

	cancelURL := srv.URL + "/v1/batches/" + created.BatchID + "/files/a.png/cancel"
	resp, err := srv.Client().Post(cancelURL, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/v1/batches/"+created.BatchID+"/files/missing.png/cancel", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var final models.BatchResponse
	require.Eventually(t, func() bool {
		_, final = getBatch(t, srv, created.BatchID)
		return final.Done
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, final.Failed)
	assert.Contains(t, final.Tasks[0].ErrorMessage, "Cancelled")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/batches/"+created.BatchID, nil)
	require.NoError(t, err)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	code, _ := getBatch(t, srv, created.BatchID)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &gatedClassifier{})
	resp := postBatch(t, srv, "u1", "a.png")
	resp.Body.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "docingest_pipeline_batches_total")
}

type syncIngestorFake struct {
	result services.BatchResult
	err    error
	actor  models.ActorContext
	files  []models.File
}

func (f *syncIngestorFake) Ingest(_ context.Context, actor models.ActorContext, files []models.File) (services.BatchResult, error) {
	f.actor, f.files = actor, files
	return f.result, f.err
}

func TestIngestHandler(t *testing.T) {
	fake := &syncIngestorFake{result: services.BatchResult{
		BatchID:   "b1",
		Documents: []models.Document{{ID: "doc-1", Name: "a.png"}},
		Tasks: []models.UploadTask{
			{FileName: "a.png", Stage: models.StageCompleted},
			{FileName: "b.png", Stage: models.StageError, ErrorMessage: "ServiceUnavailable: classify"},
		},
	}}
	handler := IngestHandler(fake, 0, nil)

	body, contentType := multipartBody(t, "a.png", "b.png")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderActorID, "u1")
	req.Header.Set(HeaderDeviceID, "pixel-8")
	req.Header.Set("User-Agent", "docingest-test")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.BatchResponse](t, rec.Body)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)

	require.Len(t, fake.files, 2)
	assert.Equal(t, "image/png", fake.files[0].MimeType)
	assert.Equal(t, "users/u1/documents", fake.actor.CollectionPath)
	assert.Equal(t, "pixel-8", fake.actor.DeviceContext["deviceId"])
	assert.Equal(t, "docingest-test", fake.actor.DeviceContext["userAgent"])

	fake.err = fmt.Errorf("%w: no files", models.ErrInvalidBatch)
	body, contentType = multipartBody(t)
	req = httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderActorID, "u1")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	fake.err = errors.New("boom")
	body, contentType = multipartBody(t, "a.png")
	req = httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderActorID, "u1")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseUploadTooLarge(t *testing.T) {
	body, contentType := multipartBody(t, "a.png")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderActorID, "u1")

	_, _, err := ParseUpload(req, 16)
	assert.ErrorIs(t, err, models.ErrInvalidBatch)
}
