package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"

	"github.com/dhowden/tag"
	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Tags are read from the head of the stream; embedded art past this is
// ignored.
const DefaultArtHeadBytes = 2 << 20

var errNoEmbeddedArt = errors.New("no embedded picture")

// CoverLoaderOptions controls the size of delivered images.
type CoverLoaderOptions struct {
	DesiredHeight    int
	ScaleOutputImage bool
	PadOutputImage   bool
}

// AlbumCoverLoader fetches cover art for songs in the background. Task ids
// and listeners belong to the event loop.
type AlbumCoverLoader struct {
	log       *zap.Logger
	loop      Poster
	client    *Client
	cache     *ArtCache
	headBytes int64

	ctx       context.Context
	cancel    context.CancelFunc
	nextID    uint64
	listeners []func(id uint64, img image.Image)
}

// NewAlbumCoverLoader builds a loader. cache may be nil.
func NewAlbumCoverLoader(log *zap.Logger, loop Poster, client *Client, cache *ArtCache) *AlbumCoverLoader {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AlbumCoverLoader{
		log:       log.Named("covers"),
		loop:      loop,
		client:    client,
		cache:     cache,
		headBytes: DefaultArtHeadBytes,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (l *AlbumCoverLoader) Close() {
	l.cancel()
}

// OnImageLoaded registers a listener for finished loads. Failed loads deliver
// a nil image.
func (l *AlbumCoverLoader) OnImageLoaded(fn func(id uint64, img image.Image)) {
	l.listeners = append(l.listeners, fn)
}

// LoadImageAsync starts loading art for song and returns the task id.
func (l *AlbumCoverLoader) LoadImageAsync(opts CoverLoaderOptions, song Song) uint64 {
	l.nextID++
	id := l.nextID

	go func() {
		img, err := l.load(opts, song)
		if err != nil {
			l.log.Debug("no cover", zap.Uint64("task", id), zap.String("song", song.ID), zap.Error(err))
		}
		l.loop.Post(func() { l.imageLoaded(id, img) })
	}()
	return id
}

func (l *AlbumCoverLoader) imageLoaded(id uint64, img image.Image) {
	for _, fn := range l.listeners {
		fn(id, img)
	}
}

func (l *AlbumCoverLoader) load(opts CoverLoaderOptions, song Song) (image.Image, error) {
	key := fmt.Sprintf("art/%s/%d/%t/%t", song.ID, opts.DesiredHeight, opts.ScaleOutputImage, opts.PadOutputImage)
	if l.cache != nil {
		data, ok, err := l.cache.Get(key)
		if err != nil {
			l.log.Warn("art cache read failed", zap.String("key", key), zap.Error(err))
		}
		if ok {
			img, _, err := image.Decode(bytes.NewReader(data))
			if err == nil {
				return img, nil
			}
		}
	}

	pic, err := l.embeddedPicture(song)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(pic))
	if err != nil {
		return nil, fmt.Errorf("decode embedded picture: %w", err)
	}
	img = ScaleAndPad(opts, img)

	if l.cache != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			if err := l.cache.Put(key, buf.Bytes()); err != nil {
				l.log.Warn("art cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return img, nil
}

func (l *AlbumCoverLoader) embeddedPicture(song Song) ([]byte, error) {
	if song.URL == "" {
		return nil, errNoEmbeddedArt
	}
	body, err := l.client.Open(l.ctx, song.URL, l.headBytes)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	head, err := io.ReadAll(io.LimitReader(body, l.headBytes))
	if err != nil {
		return nil, err
	}
	m, err := tag.ReadFrom(bytes.NewReader(head))
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	pic := m.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, errNoEmbeddedArt
	}
	return pic.Data, nil
}

// ScaleAndPad fits img into a DesiredHeight square and optionally centers it
// on a transparent square canvas.
func ScaleAndPad(opts CoverLoaderOptions, img image.Image) image.Image {
	size := opts.DesiredHeight
	if img == nil || size <= 0 {
		return img
	}

	if opts.ScaleOutputImage {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > 0 && h > 0 {
			if w >= h {
				h = h * size / w
				w = size
			} else {
				w = w * size / h
				h = size
			}
			if w < 1 {
				w = 1
			}
			if h < 1 {
				h = 1
			}
			dst := image.NewRGBA(image.Rect(0, 0, w, h))
			draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
			img = dst
		}
	}

	if opts.PadOutputImage {
		dc := gg.NewContext(size, size)
		dc.DrawImageAnchored(img, size/2, size/2, 0.5, 0.5)
		img = dc.Image()
	}
	return img
}
