// Package postgres stores Documents and provenance entries in PostgreSQL
// as an alternative to Firestore.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Lllllllleong/docingest/internal/models"
)

// Store keeps the Firestore collection path as a column so both backends
// address records the same way.
type Store struct {
	db    *sql.DB
	newID func() string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, newID: uuid.NewString}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	collection_path TEXT NOT NULL,
	name TEXT NOT NULL,
	classification TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	storage_url TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	file_hash TEXT NOT NULL,
	page_count INTEGER NOT NULL DEFAULT 0,
	actor_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection_path, created_at DESC);

CREATE TABLE IF NOT EXISTS provenance_log (
	id BIGSERIAL PRIMARY KEY,
	collection_path TEXT NOT NULL,
	event TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL,
	device_context JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provenance_log_collection_created ON provenance_log(collection_path, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Insert stores doc under collectionPath and returns its generated id.
func (s *Store) Insert(ctx context.Context, collectionPath string, doc models.Document) (string, error) {
	metadataJSON, err := marshalObject(doc.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	id := s.newID()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (
	id, collection_path, name, classification, text, metadata, storage_url, mime_type, size_bytes,
	is_archived, file_hash, page_count, actor_id, batch_id, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		id, collectionPath, doc.Name, doc.Classification, doc.Text, metadataJSON, doc.StorageURL, doc.MimeType,
		doc.SizeBytes, doc.IsArchived, doc.FileHash, doc.PageCount, doc.ActorID, doc.BatchID, doc.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Append adds a provenance entry under logCollectionPath.
func (s *Store) Append(ctx context.Context, logCollectionPath string, entry models.ProvenanceLogEntry) error {
	deviceJSON, err := marshalObject(entry.DeviceContext)
	if err != nil {
		return fmt.Errorf("marshal device context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO provenance_log (collection_path, event, document_id, details, actor_id, device_context, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`,
		logCollectionPath, entry.Event, entry.DocumentID, entry.Details, entry.ActorID, deviceJSON, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert provenance entry: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// marshalObject encodes nil maps as {} to satisfy the NOT NULL columns.
func marshalObject[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
