// Package media downloads remote photos and re-encodes them into bounded JPEGs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	// Decoders registered for image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxDimension = 1600
	DefaultQuality      = 85
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBytes     = 32 << 20
	// DefaultMaxPixels caps the decoded canvas. A small compressed payload can
	// declare a huge one.
	DefaultMaxPixels = 50_000_000
)

// Image is one transcoded JPEG.
type Image struct {
	Data   []byte
	Width  int
	Height int
	Source string
}

// Result is the outcome of one transcode. Err != nil means the image is absent.
type Result struct {
	Image Image
	Err   error
}

func (r Result) OK() bool { return r.Err == nil }

type Config struct {
	Timeout      time.Duration
	MaxDimension int
	Quality      int
	MaxBytes     int64
	MaxPixels    int64
	UserAgent    string
}

// Transcoder is safe for concurrent use.
type Transcoder struct {
	cfg    Config
	client *http.Client
}

func NewTranscoder(cfg Config, client *http.Client) *Transcoder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Transcoder{cfg: cfg, client: client}
}

// Transcode fetches src and returns it as a JPEG no larger than MaxDimension on either side.
// Failures are reported in Result.Err; Transcode never panics on bad input.
func (t *Transcoder) Transcode(ctx context.Context, src string) Result {
	raw, err := t.fetch(ctx, src)
	if err != nil {
		return Result{Err: err}
	}
	img, err := Reencode(raw, t.cfg.MaxDimension, t.cfg.Quality, t.cfg.MaxPixels)
	if err != nil {
		return Result{Err: err}
	}
	img.Source = src
	return Result{Image: img}
}

func (t *Transcoder) fetch(ctx context.Context, src string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("download: http %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if int64(len(b)) > t.cfg.MaxBytes {
		return nil, fmt.Errorf("download: body exceeds %d bytes", t.cfg.MaxBytes)
	}
	return b, nil
}

// Reencode decodes raw, flattens it onto an opaque RGB canvas, shrinks it to fit
// maxDim x maxDim and encodes it as JPEG. Images declaring more than maxPixels
// pixels are refused before decoding; maxPixels <= 0 uses DefaultMaxPixels.
func Reencode(raw []byte, maxDim, quality int, maxPixels int64) (Image, error) {
	if len(raw) == 0 {
		return Image{}, errors.New("decode: empty payload")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	hdr, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode: %w", err)
	}
	if px := int64(hdr.Width) * int64(hdr.Height); px > maxPixels {
		return Image{}, fmt.Errorf("decode: %dx%d exceeds %d pixels", hdr.Width, hdr.Height, maxPixels)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode: %w", err)
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Image{}, errors.New("decode: zero-sized image")
	}

	w, h := FitWithin(b.Dx(), b.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return Image{}, fmt.Errorf("encode: %w", err)
	}
	return Image{Data: buf.Bytes(), Width: w, Height: h}, nil
}

// FitWithin scales (w, h) down so neither side exceeds maxDim, preserving aspect ratio.
// Images already within bounds are returned unchanged.
func FitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := int(float64(h)*float64(maxDim)/float64(w) + 0.5)
		return maxDim, max(nh, 1)
	}
	nw := int(float64(w)*float64(maxDim)/float64(h) + 0.5)
	return max(nw, 1), maxDim
}
