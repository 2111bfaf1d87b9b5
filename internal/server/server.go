// Package server exposes the ingestion pipeline over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Lllllllleong/docingest/internal/metrics"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/services"
)

type Starter interface {
	Start(ctx context.Context, actor models.ActorContext, files []models.File) (*services.Batch, error)
}

type Config struct {
	MaxUploadBytes int64
	// Retention is how long a settled batch stays queryable.
	Retention time.Duration
}

// Server runs batches asynchronously and keeps them addressable by id
// until they are dismissed or their retention runs out.
type Server struct {
	ctx      context.Context
	ingestor Starter
	metrics  *metrics.IngestMetrics
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	batches map[string]*services.Batch
}

// New returns a Server whose batches live as long as ctx.
func New(ctx context.Context, ingestor Starter, m *metrics.IngestMetrics, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctx:      ctx,
		ingestor: ingestor,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		batches:  make(map[string]*services.Batch),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("DELETE /v1/batches/{id}", s.handleDismissBatch)
	mux.HandleFunc("GET /v1/batches/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/batches/{id}/files/{name}/cancel", s.handleCancelFile)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, files, err := ParseUpload(r, s.cfg.MaxUploadBytes)
	if err != nil {
		s.logger.Warn("Rejected upload.", "error", err)
		writeError(w, statusForBatchError(err), err.Error())
		return
	}

	// The batch outlives this request.
	batch, err := s.ingestor.Start(s.ctx, actor, files)
	if err != nil {
		s.logger.Warn("Rejected batch.", "actorId", actor.ActorID, "error", err)
		writeError(w, statusForBatchError(err), err.Error())
		return
	}
	s.track(batch)

	w.Header().Set("Location", "/v1/batches/"+batch.ID)
	writeJSON(w, http.StatusAccepted, progressResponse(batch))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, progressResponse(batch))
}

// handleDismissBatch cancels what is still running and forgets the batch.
// Writes already in flight complete; their updates are discarded.
func (s *Server) handleDismissBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.forget(batch)
	batch.CancelAll()
	batch.Tracker().Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelFile(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if !batch.Cancel(name) {
		writeError(w, http.StatusNotFound, "no file "+name+" in batch")
		return
	}
	task, _ := batch.Tracker().Get(name)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*services.Batch, bool) {
	id := r.PathValue("id")
	s.mu.RLock()
	batch, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown batch "+id)
	}
	return batch, ok
}

func (s *Server) track(batch *services.Batch) {
	s.mu.Lock()
	s.batches[batch.ID] = batch
	s.mu.Unlock()

	go func() {
		select {
		case <-batch.Done():
		case <-s.ctx.Done():
			return
		}
		timer := time.NewTimer(s.cfg.Retention)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.forget(batch)
			batch.Tracker().Close()
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) forget(batch *services.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batches[batch.ID] == batch {
		delete(s.batches, batch.ID)
	}
}

func progressResponse(batch *services.Batch) models.BatchResponse {
	select {
	case <-batch.Done():
		return batch.Wait().Response()
	default:
	}
	resp := models.BatchResponse{BatchID: batch.ID, Tasks: batch.Tracker().Snapshot()}
	for _, task := range resp.Tasks {
		switch task.Stage {
		case models.StageCompleted:
			resp.Succeeded++
		case models.StageError:
			resp.Failed++
		}
	}
	return resp
}
