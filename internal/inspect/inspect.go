package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/ledongthuc/pdf"

	"himan-converter/internal/shared/storage/object"
	"himan-converter/internal/uploads"
)

const (
	mimePDF  = "application/pdf"
	mimeJPEG = "image/jpeg"
	mimeJPG  = "image/jpg"
	mimePNG  = "image/png"
)

// ErrUnsupported is returned for payloads that carry no inspectable metadata.
var ErrUnsupported = errors.New("unsupported mime type")

// Info describes a source file for display next to the result.
type Info struct {
	Pages  int
	Width  int
	Height int
}

// Source reads a stored object and inspects it.
func Source(ctx context.Context, store object.ObjectStore, storageKey, mimeType string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	body, err := store.Open(ctx, storageKey)
	if err != nil {
		return Info{}, fmt.Errorf("inspect key=%s mime=%s: %w", storageKey, mimeType, err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return Info{}, fmt.Errorf("inspect key=%s mime=%s: read: %w", storageKey, mimeType, err)
	}

	info, err := Bytes(ctx, raw, mimeType)
	if err != nil {
		return Info{}, fmt.Errorf("inspect key=%s mime=%s: %w", storageKey, mimeType, err)
	}
	return info, nil
}

// Bytes inspects an in-memory payload. The declared type decides the parser;
// an empty declaration falls back to content sniffing.
func Bytes(ctx context.Context, data []byte, mimeType string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	normalized := uploads.NormalizeMIME(mimeType)
	if normalized == "" {
		normalized = uploads.NormalizeMIME(http.DetectContentType(data))
	}
	switch normalized {
	case mimePDF:
		pages, err := pageCount(data)
		if err != nil {
			return Info{}, err
		}
		return Info{Pages: pages}, nil
	case mimeJPEG, mimeJPG, mimePNG:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Info{}, fmt.Errorf("decode image config: %w", err)
		}
		return Info{Width: cfg.Width, Height: cfg.Height}, nil
	default:
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, normalized)
	}
}

// pageCount reads the page tree of a PDF. The parser panics on some
// malformed inputs, so panics are turned into errors.
func pageCount(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	if len(data) == 0 {
		return 0, errors.New("empty pdf data")
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	return reader.NumPage(), nil
}
