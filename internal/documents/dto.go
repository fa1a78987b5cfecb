package documents

import (
	"time"

	"himan-converter/internal/uploads"
)

// SelectionResponse is the outward-facing representation of a selection.
type SelectionResponse struct {
	DocumentID string    `json:"documentId"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	Kind       string    `json:"kind"`
	SizeBytes  int64     `json:"sizeBytes"`
	SelectedAt time.Time `json:"selectedAt"`
}

// ToResponse renders a document as a selection.
func ToResponse(doc Document) SelectionResponse {
	return SelectionResponse{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		MimeType:   doc.MimeType,
		Kind:       uploads.Kind(doc.MimeType),
		SizeBytes:  doc.SizeBytes,
		SelectedAt: doc.CreatedAt,
	}
}
