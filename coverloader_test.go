package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArtCache_GetPut(t *testing.T) {
	cache, err := OpenArtCache("", time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put("art/1/32/true/true", []byte("png")))
	data, ok, err := cache.Get("art/1/32/true/true")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("png"), data)
}

func TestArtCache_OnDisk(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenArtCache(dir, 0)
	require.NoError(t, err)
	require.NoError(t, cache.Put("k", []byte("v")))
	require.NoError(t, cache.Close())

	cache, err = OpenArtCache(dir, 0)
	require.NoError(t, err)
	defer cache.Close()
	data, ok, err := cache.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), data)
}

func solidImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img
}

func TestScaleAndPad(t *testing.T) {
	tests := []struct {
		name string
		opts CoverLoaderOptions
		w, h int
		outW int
		outH int
	}{
		{"wide scaled and padded", CoverLoaderOptions{DesiredHeight: 32, ScaleOutputImage: true, PadOutputImage: true}, 200, 100, 32, 32},
		{"tall scaled only", CoverLoaderOptions{DesiredHeight: 32, ScaleOutputImage: true}, 50, 100, 16, 32},
		{"padded only", CoverLoaderOptions{DesiredHeight: 64, PadOutputImage: true}, 10, 10, 64, 64},
		{"untouched", CoverLoaderOptions{DesiredHeight: 32}, 10, 20, 10, 20},
		{"no height", CoverLoaderOptions{ScaleOutputImage: true, PadOutputImage: true}, 10, 20, 10, 20},
	}

	for _, test := range tests {
		out := ScaleAndPad(test.opts, solidImage(test.w, test.h))
		assert.Equal(t, test.outW, out.Bounds().Dx(), test.name)
		assert.Equal(t, test.outH, out.Bounds().Dy(), test.name)
	}

	assert.Nil(t, ScaleAndPad(CoverLoaderOptions{DesiredHeight: 32}, nil))
}

func TestScaleAndPad_Transparent(t *testing.T) {
	opts := CoverLoaderOptions{DesiredHeight: 32, ScaleOutputImage: true, PadOutputImage: true}
	out := ScaleAndPad(opts, solidImage(64, 32))

	_, _, _, a := out.At(16, 0).RGBA()
	assert.Zero(t, a, "padding is transparent")
	r, _, _, a := out.At(16, 16).RGBA()
	assert.NotZero(t, a)
	assert.NotZero(t, r)
}

// id3WithPicture builds a minimal ID3v2.3 tag with one APIC frame.
func id3WithPicture(t *testing.T, pic []byte) []byte {
	t.Helper()
	var frame bytes.Buffer
	frame.WriteByte(0) // ISO-8859-1
	frame.WriteString("image/png")
	frame.WriteByte(0)
	frame.WriteByte(3) // front cover
	frame.WriteByte(0) // empty description
	frame.Write(pic)

	var frames bytes.Buffer
	frames.WriteString("APIC")
	require.NoError(t, binary.Write(&frames, binary.BigEndian, uint32(frame.Len())))
	frames.Write([]byte{0, 0})
	frames.Write(frame.Bytes())

	size := frames.Len()
	var tag bytes.Buffer
	tag.WriteString("ID3")
	tag.Write([]byte{3, 0, 0})
	tag.Write([]byte{
		byte(size >> 21 & 0x7f),
		byte(size >> 14 & 0x7f),
		byte(size >> 7 & 0x7f),
		byte(size & 0x7f),
	})
	tag.Write(frames.Bytes())
	// Some audio after the tag.
	tag.Write(make([]byte, 256))
	return tag.Bytes()
}

func TestAlbumCoverLoader_EmbeddedArt(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(100, 50)))
	track := id3WithPicture(t, buf.Bytes())

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(track)
	}))
	defer server.Close()

	cache, err := OpenArtCache("", time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	loop := NewEventLoop()
	runLoop(t, loop)
	client := NewClient(zap.NewNop(), server.URL, "", 5*time.Second)
	loader := NewAlbumCoverLoader(zap.NewNop(), loop, client, cache)
	defer loader.Close()

	type loaded struct {
		id  uint64
		img image.Image
	}
	results := make(chan loaded, 2)
	opts := CoverLoaderOptions{DesiredHeight: 32, ScaleOutputImage: true, PadOutputImage: true}
	s := Song{ID: "7", URL: StreamURL(server.URL, "7")}

	var first, second uint64
	require.NoError(t, loop.Call(context.Background(), func() {
		loader.OnImageLoaded(func(id uint64, img image.Image) { results <- loaded{id, img} })
		first = loader.LoadImageAsync(opts, s)
	}))
	assert.Equal(t, uint64(1), first)

	select {
	case got := <-results:
		assert.Equal(t, first, got.id)
		require.NotNil(t, got.img)
		assert.Equal(t, 32, got.img.Bounds().Dx())
		assert.Equal(t, 32, got.img.Bounds().Dy())
	case <-time.After(5 * time.Second):
		t.Fatal("art never loaded")
	}

	// The second load is served from the cache.
	require.NoError(t, loop.Call(context.Background(), func() {
		second = loader.LoadImageAsync(opts, s)
	}))
	assert.Equal(t, uint64(2), second)
	select {
	case got := <-results:
		assert.Equal(t, second, got.id)
		assert.NotNil(t, got.img)
	case <-time.After(5 * time.Second):
		t.Fatal("cached art never loaded")
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestAlbumCoverLoader_Failures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "404" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("not an audio file at all"))
	}))
	defer server.Close()

	loop := NewEventLoop()
	runLoop(t, loop)
	client := NewClient(zap.NewNop(), server.URL, "", 5*time.Second)
	loader := NewAlbumCoverLoader(zap.NewNop(), loop, client, nil)
	defer loader.Close()

	results := make(chan image.Image, 3)
	opts := CoverLoaderOptions{DesiredHeight: 32}
	require.NoError(t, loop.Call(context.Background(), func() {
		loader.OnImageLoaded(func(id uint64, img image.Image) { results <- img })
		loader.LoadImageAsync(opts, Song{ID: "404", URL: StreamURL(server.URL, "404")})
		loader.LoadImageAsync(opts, Song{ID: "1", URL: StreamURL(server.URL, "1")})
		loader.LoadImageAsync(opts, Song{ID: "no-url"})
	}))

	for i := 0; i < 3; i++ {
		select {
		case img := <-results:
			assert.Nil(t, img)
		case <-time.After(5 * time.Second):
			t.Fatal("failed load was never delivered")
		}
	}
}
