// Package imaging validates uploaded room photos by decoding their headers.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	_ "golang.org/x/image/webp"
)

// MaxPixels bounds decoded dimensions so a tiny file cannot claim a huge
// canvas.
const MaxPixels = 40_000_000

// ErrUnsupported is returned for anything that is not a JPEG, PNG or WebP.
var ErrUnsupported = errors.New("only JPEG, PNG and WebP images are supported")

// Info describes an accepted image.
type Info struct {
	Format      string
	ContentType string
	Ext         string
	Width       int
	Height      int
}

var formats = map[string]Info{
	"jpeg": {Format: "jpeg", ContentType: "image/jpeg", Ext: ".jpg"},
	"png":  {Format: "png", ContentType: "image/png", Ext: ".png"},
	"webp": {Format: "webp", ContentType: "image/webp", Ext: ".webp"},
}

// AllowedContentTypes lists the accepted MIME types.
func AllowedContentTypes() []string {
	return []string{"image/jpeg", "image/png", "image/webp"}
}

// Inspect sniffs and decodes the header of r. The declared file name or
// content type is never trusted.
func Inspect(r io.Reader) (*Info, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("image is empty")
		}
		return nil, fmt.Errorf("read image: %w", err)
	}
	head = head[:n]
	sniffed := http.DetectContentType(head)
	if !allowedSniff(sniffed) {
		return nil, ErrUnsupported
	}

	cfg, format, err := image.DecodeConfig(io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	info, ok := formats[format]
	if !ok {
		return nil, ErrUnsupported
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.New("image has no pixels")
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, fmt.Errorf("image is %dx%d, larger than %d pixels", cfg.Width, cfg.Height, MaxPixels)
	}
	info.Width, info.Height = cfg.Width, cfg.Height
	return &info, nil
}

func allowedSniff(contentType string) bool {
	for _, ct := range AllowedContentTypes() {
		if contentType == ct {
			return true
		}
	}
	return false
}
