// Package qrcode renders access URLs as PNG QR codes.
package qrcode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	goqrcode "github.com/skip2/go-qrcode"
)

// ErrEmptyContent is returned when asked to encode an empty string.
var ErrEmptyContent = errors.New("qrcode: empty content")

// Renderer encodes content into a PNG image.
type Renderer interface {
	Render(ctx context.Context, content string) ([]byte, error)
}

// PNGRenderer renders with github.com/skip2/go-qrcode. Each render is bounded
// by Timeout and by the caller's context, whichever ends first.
type PNGRenderer struct {
	Size    int
	Timeout time.Duration
	Level   goqrcode.RecoveryLevel

	encode func(content string, level goqrcode.RecoveryLevel, size int) ([]byte, error)
}

// NewPNGRenderer returns a renderer producing size x size images at medium
// error correction.
func NewPNGRenderer(size int, timeout time.Duration) *PNGRenderer {
	return &PNGRenderer{
		Size:    size,
		Timeout: timeout,
		Level:   goqrcode.Medium,
		encode:  goqrcode.Encode,
	}
}

type result struct {
	png []byte
	err error
}

// Render encodes content. The encoder runs on its own goroutine so a slow
// render is abandoned when the deadline passes.
func (r *PNGRenderer) Render(ctx context.Context, content string) ([]byte, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		png, err := r.encode(content, r.Level, r.Size)
		done <- result{png: png, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("encode qr code: %w", res.err)
		}
		return res.png, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("render qr code: %w", ctx.Err())
	}
}

// DataURL wraps PNG bytes as a data URL suitable for an <img> src.
func DataURL(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
