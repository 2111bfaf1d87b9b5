package rasterize

import (
	"context"
	"os"
	"testing"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressCall struct{ current, total int }

func TestRasterizeYieldsEveryPageInOrder(t *testing.T) {
	fake := &testutil.FakePdftoppm{}
	r := NewRasterizer(Config{}, fake, nil)

	var calls []progressCall
	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "one", "two", "three"), Options{}, func(current, total int) {
		calls = append(calls, progressCall{current, total})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages.Len())

	imgs, err := pages.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, imgs, 3)
	for i, img := range imgs {
		assert.Equal(t, i+1, img.Ordinal)
		assert.Equal(t, "image/png", img.MimeType)
		assert.NotEmpty(t, img.Data)
	}
	assert.Equal(t, []progressCall{{1, 3}, {2, 3}, {3, 3}}, calls)

	for i, c := range fake.Calls() {
		assert.Equal(t, "pdftoppm", c.Name)
		assert.Equal(t, c.ArgAfter("-f"), c.ArgAfter("-l"))
		assert.Equal(t, []string{"1", "2", "3"}[i], c.ArgAfter("-f"))
		assert.Equal(t, "72", c.ArgAfter("-r"))
	}
}

func TestRasterizeAppliesScale(t *testing.T) {
	fake := &testutil.FakePdftoppm{}
	r := NewRasterizer(Config{Pdftoppm: "/usr/bin/pdftoppm"}, fake, nil)

	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "page"), Options{Scale: 2.5}, nil)
	require.NoError(t, err)
	_, err = pages.Collect(context.Background())
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/pdftoppm", calls[0].Name)
	assert.Equal(t, "180", calls[0].ArgAfter("-r"))
}

func TestRasterizeRejectsMalformedInput(t *testing.T) {
	r := NewRasterizer(Config{}, &testutil.FakePdftoppm{}, nil)

	cases := map[string][]byte{
		"zero bytes": {},
		"not a pdf":  []byte("this is definitely not a PDF document"),
		"truncated":  []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog"),
		"no pages": []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
			"2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			pages, err := r.Rasterize(context.Background(), input, Options{}, nil)
			assert.Nil(t, pages)
			assert.ErrorIs(t, err, models.ErrMalformedDocument)
		})
	}
}

func TestRasterizeReturnsNoPartialPageSet(t *testing.T) {
	fake := &testutil.FakePdftoppm{FailPages: map[string]bool{"2": true}}
	r := NewRasterizer(Config{}, fake, nil)

	progressed := 0
	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "a", "b", "c"), Options{}, func(int, int) {
		progressed++
	})
	require.NoError(t, err)

	imgs, err := pages.Collect(context.Background())
	assert.Nil(t, imgs)
	assert.ErrorIs(t, err, models.ErrMalformedDocument)
	assert.Contains(t, err.Error(), "render page 2")
	assert.Equal(t, 1, progressed)
	assert.Len(t, fake.Calls(), 2)
}

func TestPagesAreNotRestartable(t *testing.T) {
	r := NewRasterizer(Config{}, &testutil.FakePdftoppm{}, nil)
	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "a", "b"), Options{}, nil)
	require.NoError(t, err)

	first, err := pages.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	_, err = pages.Collect(context.Background())
	assert.ErrorIs(t, err, ErrPagesConsumed)

	_, statErr := os.Stat(pages.dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRasterizeStopsEarlyWhenConsumerBreaks(t *testing.T) {
	fake := &testutil.FakePdftoppm{}
	r := NewRasterizer(Config{}, fake, nil)
	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "a", "b", "c"), Options{}, nil)
	require.NoError(t, err)

	for img, err := range pages.All(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, 1, img.Ordinal)
		break
	}
	assert.Len(t, fake.Calls(), 1)
	_, statErr := os.Stat(pages.dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRasterizeHonoursMaxPages(t *testing.T) {
	r := NewRasterizer(Config{MaxPages: 2}, &testutil.FakePdftoppm{}, nil)
	pages, err := r.Rasterize(context.Background(), testutil.PDF(t, "a", "b", "c"), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pages.Len())
	require.NoError(t, pages.Close())
}
