package models

import (
	"sort"
	"strings"
	"time"
)

// PageImage is one rasterized page (or the single uploaded image).
// Ordinal is 1-based.
type PageImage struct {
	Ordinal  int
	MimeType string
	Data     []byte
}

// ExtractedText maps page ordinal to recognized text.
type ExtractedText map[int]string

// Concat joins the pages in ascending ordinal order, one page per line.
func (t ExtractedText) Concat() string {
	ordinals := make([]int, 0, len(t))
	for o := range t {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)

	parts := make([]string, 0, len(ordinals))
	for _, o := range ordinals {
		parts = append(parts, t[o])
	}
	return strings.Join(parts, "\n")
}

// ClassificationResult is what the classifier returns for one document.
type ClassificationResult struct {
	Category string         `json:"category"`
	FullText string         `json:"fullText"`
	Metadata map[string]any `json:"metadata"`
}

// Document is the persisted record created once per completed UploadTask.
type Document struct {
	ID             string         `firestore:"-" json:"id"`
	Name           string         `firestore:"name" json:"name"`
	Classification string         `firestore:"classification" json:"classification"`
	Text           string         `firestore:"text" json:"text"`
	Metadata       map[string]any `firestore:"metadata" json:"metadata"`
	CreatedAt      time.Time      `firestore:"createdAt" json:"createdAt"`
	StorageURL     string         `firestore:"storageUrl" json:"storageUrl"`
	MimeType       string         `firestore:"mimeType" json:"mimeType"`
	SizeBytes      int64          `firestore:"sizeBytes" json:"sizeBytes"`
	IsArchived     bool           `firestore:"isArchived" json:"isArchived"`
	FileHash       string         `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	PageCount      int            `firestore:"pageCount,omitempty" json:"pageCount,omitempty"`
	ActorID        string         `firestore:"actorId,omitempty" json:"actorId,omitempty"`
	BatchID        string         `firestore:"batchId,omitempty" json:"batchId,omitempty"`
}

// Provenance log events.
const (
	EventDocumentUploaded     = "DOCUMENT_UPLOADED"
	EventDocumentUploadFailed = "DOCUMENT_UPLOAD_FAILED"
)

// ProvenanceLogEntry is an audit trail record written next to the Document.
type ProvenanceLogEntry struct {
	Event         string            `firestore:"event" json:"event"`
	DocumentID    string            `firestore:"documentId" json:"documentId"`
	CreatedAt     time.Time         `firestore:"createdAt" json:"createdAt"`
	Details       string            `firestore:"details" json:"details"`
	ActorID       string            `firestore:"actorId" json:"actorId"`
	DeviceContext map[string]string `firestore:"deviceContext,omitempty" json:"deviceContext,omitempty"`
}
