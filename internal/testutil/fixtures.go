// Package testutil holds fixtures shared by package tests: generated PDFs,
// PNGs and a pdftoppm/tesseract stand-in.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/go-pdf/fpdf"
)

// PDF builds a valid PDF with one page per entry of pages, each page showing
// its text.
func PDF(t testing.TB, pages ...string) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Arial", "", 12)
	for _, text := range pages {
		doc.AddPage()
		doc.Cell(40, 10, text)
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("fpdf output: %v", err)
	}
	return buf.Bytes()
}

// PNG encodes a solid w×h image.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// Call is one recorded command invocation.
type Call struct {
	Name string
	Args []string
}

// FakePdftoppm emulates `pdftoppm -f N -l N ... -singlefile <in> <out>` by
// writing a small PNG to <out>.png. FailPages makes the listed pages fail.
type FakePdftoppm struct {
	FailPages map[string]bool

	mu    sync.Mutex
	calls []Call
}

func (f *FakePdftoppm) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	page := argAfter(args, "-f")
	if f.FailPages[page] {
		return nil, []byte("Syntax Error: page " + page), errors.New("exit status 1")
	}
	out := args[len(args)-1] + ".png"
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o600); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// Calls returns a copy of the recorded invocations.
func (f *FakePdftoppm) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// ArgAfter returns the value following flag in c's arguments.
func (c Call) ArgAfter(flag string) string { return argAfter(c.Args, flag) }

// String renders the call like a shell command line.
func (c Call) String() string {
	return fmt.Sprintf("%s %s", c.Name, strings.Join(c.Args, " "))
}
