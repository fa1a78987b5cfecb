package outbox

import (
	"encoding/json"
	"time"
)

// NoticeVersion is the current payload version.
const NoticeVersion = 1

// Notice is the payload handed to downstream consumers when a result is
// "sent".
type Notice struct {
	ConversionID  string `json:"conversionId"`
	Recipient     string `json:"recipient"`
	ConvertedName string `json:"convertedName"`
	RequestID     string `json:"requestId"`
	EnqueuedAt    string `json:"enqueuedAt"`
	Version       int    `json:"version"`
}

// NewNotice fills in the enqueue time and version.
func NewNotice(conversionID, recipient, convertedName, requestID string, now time.Time) Notice {
	return Notice{
		ConversionID:  conversionID,
		Recipient:     recipient,
		ConvertedName: convertedName,
		RequestID:     requestID,
		EnqueuedAt:    now.UTC().Format(time.RFC3339),
		Version:       NoticeVersion,
	}
}

// EncodeNotice returns the JSON representation of a notice.
func EncodeNotice(notice Notice) ([]byte, error) {
	return json.Marshal(notice)
}

// DecodeNotice parses a JSON payload into a Notice.
func DecodeNotice(payload []byte) (Notice, error) {
	var notice Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return Notice{}, err
	}
	return notice, nil
}
