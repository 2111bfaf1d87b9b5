package services

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/gabriel-vasile/mimetype"
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
	"image/tiff": true,
	"image/bmp":  true,
}

// DetectKind decides which pipeline a file goes through. Content sniffing
// wins over the declared MIME type, which wins over the file extension, so
// a broken PDF named *.pdf still goes down the PDF path and fails there.
func DetectKind(f models.File) (models.FileKind, string, error) {
	if len(f.Data) > 0 {
		sniffed := mimetype.Detect(f.Data).String()
		if kind, ok := kindOf(sniffed); ok {
			return kind, mediaType(sniffed), nil
		}
	}
	if kind, ok := kindOf(f.MimeType); ok {
		return kind, mediaType(f.MimeType), nil
	}
	byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name)))
	if kind, ok := kindOf(byExt); ok {
		return kind, mediaType(byExt), nil
	}
	return "", f.MimeType, models.WrapError(models.ErrUnsupportedFile, "detect",
		fmt.Errorf("%s is neither a PDF nor a supported image", f.Name))
}

func kindOf(contentType string) (models.FileKind, bool) {
	mt := mediaType(contentType)
	switch {
	case mt == "application/pdf":
		return models.KindPDF, true
	case imageTypes[mt]:
		return models.KindImage, true
	}
	return "", false
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
