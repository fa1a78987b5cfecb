package conversions

import "time"

// Conversion is one run of the pipeline for a session's selection.
type Conversion struct {
	ID            string
	SessionID     string
	DocumentID    string
	Phase         Phase
	OriginalName  string
	ConvertedName string
	Recipient     string
	ResultToken   string
	SourcePages   int
	SourceWidth   int
	SourceHeight  int
	CreatedAt     time.Time
	SendingAt     *time.Time
	SucceededAt   *time.Time
	DiscardedAt   *time.Time
}

// Discarded reports whether a reset has hidden the conversion.
func (c Conversion) Discarded() bool {
	return c.DiscardedAt != nil
}

// GeneratedResult is the synthetic outcome shown once a conversion succeeds.
type GeneratedResult struct {
	OriginalName  string `json:"originalName"`
	ConvertedName string `json:"convertedName"`
	Recipient     string `json:"recipient"`
	ResultURL     string `json:"resultUrl"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	SourcePages   int    `json:"sourcePages,omitempty"`
	SourceWidth   int    `json:"sourceWidth,omitempty"`
	SourceHeight  int    `json:"sourceHeight,omitempty"`
}
