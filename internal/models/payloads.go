package models

// These structs define the JSON payloads returned by the HTTP entry points.

// BatchResponse is the body returned for a batch, either while it runs or
// once every file has settled.
type BatchResponse struct {
	BatchID   string       `json:"batchId"`
	Done      bool         `json:"done"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Tasks     []UploadTask `json:"tasks"`
	Documents []Document   `json:"documents,omitempty"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GCSEvent is the payload of a Cloud Storage object event.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        string `json:"size"`
}
