package uploads

import (
	"errors"
	"mime"
	"strings"
)

// ErrInvalidFileType is returned for any declared type outside the allowed set.
var ErrInvalidFileType = errors.New("invalid file type")

// UserMessage is shown to the client when a selection is rejected.
const UserMessage = "Please upload a valid PDF, JPG, or PNG file."

const (
	KindImage    = "image"
	KindDocument = "document"
)

var allowedContentTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/jpg":       {},
	"image/png":       {},
}

// NormalizeMIME lowercases a declared media type and drops its parameters.
func NormalizeMIME(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		return strings.ToLower(mediaType)
	}
	if idx := strings.IndexByte(declared, ';'); idx >= 0 {
		declared = declared[:idx]
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

// ValidateMIME accepts only PDF, JPEG and PNG declarations. File contents
// are not inspected.
func ValidateMIME(declared string) error {
	if _, ok := allowedContentTypes[NormalizeMIME(declared)]; !ok {
		return ErrInvalidFileType
	}
	return nil
}

// Kind classifies an accepted type for display.
func Kind(declared string) string {
	if strings.HasPrefix(NormalizeMIME(declared), "image/") {
		return KindImage
	}
	return KindDocument
}

// Allowed lists the accepted media types.
func Allowed() []string {
	return []string{"application/pdf", "image/jpeg", "image/jpg", "image/png"}
}
