package object

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrInvalidKey is returned when a storage key escapes the store root.
var ErrInvalidKey = errors.New("invalid storage key")

// ObjectStore defines the contract for saving and retrieving binary objects.
type ObjectStore interface {
	Save(ctx context.Context, sessionID string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, sniffedType string, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageKey string) error
}

// URLSigner is implemented by stores that can hand out time-limited direct
// download links. Download falls back to it when streaming fails.
type URLSigner interface {
	SignedURL(ctx context.Context, storageKey, downloadName string, ttl time.Duration) (string, error)
}
