package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
)

// Request headers carrying the actor context. Authentication happens in
// front of this service; the headers are trusted as-is.
const (
	HeaderActorID           = "X-Actor-ID"
	HeaderCollectionPath    = "X-Collection-Path"
	HeaderLogCollectionPath = "X-Log-Collection-Path"
	HeaderDeviceID          = "X-Device-ID"
	HeaderPlatform          = "X-Platform"
)

// DefaultMaxUploadBytes bounds a whole multipart batch.
const DefaultMaxUploadBytes = 64 << 20

// ParseUpload reads the actor context from headers and the files from the
// multipart field "files".
func ParseUpload(r *http.Request, maxBytes int64) (models.ActorContext, []models.File, error) {
	actor := ActorFromRequest(r)
	if actor.ActorID == "" {
		return actor, nil, models.ErrMissingActor
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return actor, nil, fmt.Errorf("%w: upload exceeds %d bytes", models.ErrInvalidBatch, maxBytes)
		}
		return actor, nil, fmt.Errorf("%w: could not parse multipart form: %v", models.ErrInvalidBatch, err)
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]models.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return actor, nil, fmt.Errorf("failed to open upload %q: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return actor, nil, fmt.Errorf("failed to read upload %q: %w", fh.Filename, err)
		}
		files = append(files, models.File{
			Name:     filepath.Base(fh.Filename),
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return actor, files, nil
}

// ActorFromRequest builds the actor context of r, including the device
// context recorded on provenance entries.
func ActorFromRequest(r *http.Request) models.ActorContext {
	device := map[string]string{}
	if ua := r.UserAgent(); ua != "" {
		device["userAgent"] = ua
	}
	if id := r.Header.Get(HeaderDeviceID); id != "" {
		device["deviceId"] = id
	}
	if p := r.Header.Get(HeaderPlatform); p != "" {
		device["platform"] = p
	}
	if ip := clientIP(r); ip != "" {
		device["ip"] = ip
	}
	return models.ActorContext{
		ActorID:           strings.TrimSpace(r.Header.Get(HeaderActorID)),
		CollectionPath:    r.Header.Get(HeaderCollectionPath),
		LogCollectionPath: r.Header.Get(HeaderLogCollectionPath),
		DeviceContext:     device,
	}.WithDefaults()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
