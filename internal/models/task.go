package models

import "time"

// FileKind selects the stage sequence a file goes through.
type FileKind string

const (
	KindPDF   FileKind = "PDF"
	KindImage FileKind = "IMAGE"
)

// Stage is the position of an UploadTask in its pipeline.
type Stage string

const (
	StageWaiting        Stage = "waiting"
	StageUploading      Stage = "uploading"
	StageRasterizing    Stage = "rasterizing"
	StageExtractingText Stage = "extracting_text"
	StageAnalyzing      Stage = "analyzing"
	StageCompleted      Stage = "completed"
	StageError          Stage = "error"
)

var stageOrder = map[FileKind][]Stage{
	KindImage: {StageWaiting, StageUploading, StageAnalyzing, StageCompleted},
	KindPDF:   {StageWaiting, StageRasterizing, StageExtractingText, StageAnalyzing, StageUploading, StageCompleted},
}

// Rank returns the position of s in the stage sequence of kind, or -1 when
// the stage is not part of that sequence. StageError ranks after every other
// stage.
func (s Stage) Rank(kind FileKind) int {
	order := stageOrder[kind]
	if s == StageError {
		return len(order)
	}
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// UploadTask is the ephemeral, per-session record of one file's journey
// through the pipeline. It is never persisted.
type UploadTask struct {
	FileName        string    `json:"fileName"`
	FileKind        FileKind  `json:"fileKind"`
	SizeBytes       int64     `json:"sizeBytes"`
	MimeType        string    `json:"mimeType"`
	Stage           Stage     `json:"currentStage"`
	ProgressPercent int       `json:"progressPercent"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	BatchID         string    `json:"batchId"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// File is one input of a batch.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// ActorContext carries the identity and destinations of the submitting user.
// It replaces any ambient "current user" lookup.
type ActorContext struct {
	ActorID           string
	CollectionPath    string
	LogCollectionPath string
	DeviceContext     map[string]string
}

// WithDefaults fills the collection paths from the actor id when unset.
func (a ActorContext) WithDefaults() ActorContext {
	if a.CollectionPath == "" && a.ActorID != "" {
		a.CollectionPath = "users/" + a.ActorID + "/documents"
	}
	if a.LogCollectionPath == "" && a.ActorID != "" {
		a.LogCollectionPath = "users/" + a.ActorID + "/logs"
	}
	return a
}
