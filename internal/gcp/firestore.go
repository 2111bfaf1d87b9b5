package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/docingest/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreStore persists Documents and provenance log entries. Both are
// append-only from the pipeline's point of view.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// Insert adds doc to the collection at collectionPath and returns the
// generated document ID.
func (s *FirestoreStore) Insert(ctx context.Context, collectionPath string, doc models.Document) (string, error) {
	coll := s.client.Collection(collectionPath)
	if coll == nil {
		return "", fmt.Errorf("invalid collection path %q", collectionPath)
	}
	ref, _, err := coll.Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return ref.ID, nil
}

// Append adds a provenance entry to the collection at logCollectionPath.
func (s *FirestoreStore) Append(ctx context.Context, logCollectionPath string, entry models.ProvenanceLogEntry) error {
	coll := s.client.Collection(logCollectionPath)
	if coll == nil {
		return fmt.Errorf("invalid log collection path %q", logCollectionPath)
	}
	if _, _, err := coll.Add(ctx, entry); err != nil {
		return fmt.Errorf("failed to append provenance entry: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
