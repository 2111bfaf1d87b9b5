package classify

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Formats the model accepts as-is when they are already small enough.
var passthroughFormats = map[string]bool{"png": true, "jpeg": true, "webp": true}

// PrepareImage bounds the longest side of in to maxDim pixels and converts
// formats the model does not accept (TIFF, BMP) to PNG. Images that are
// already acceptable are returned untouched.
func PrepareImage(in Image, maxDim int) (Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return in, fmt.Errorf("failed to decode image header: %w", err)
	}
	longest := max(cfg.Width, cfg.Height)
	fits := maxDim <= 0 || longest <= maxDim
	if passthroughFormats[format] && fits {
		return Image{MimeType: "image/" + format, Data: in.Data}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return in, fmt.Errorf("failed to decode %s image: %w", format, err)
	}

	var dst image.Image = src
	if !fits {
		w := cfg.Width * maxDim / longest
		h := cfg.Height * maxDim / longest
		scaled := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Over, nil)
		dst = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return in, fmt.Errorf("failed to encode png: %w", err)
	}
	return Image{MimeType: "image/png", Data: buf.Bytes()}, nil
}
