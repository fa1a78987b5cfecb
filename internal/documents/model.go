package documents

import "time"

// Document is an uploaded file. While ReleasedAt is nil it is the pending
// selection of its session.
type Document struct {
	ID              string
	SessionID       string
	FileName        string
	MimeType        string
	SniffedType     string
	SizeBytes       int64
	StorageProvider string
	StorageKey      string
	CreatedAt       time.Time
	ReleasedAt      *time.Time
}

// Pending reports whether the document is still the session's selection.
func (d Document) Pending() bool {
	return d.ReleasedAt == nil
}
