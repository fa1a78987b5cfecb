package util

import (
	"errors"
	"strings"
	"unicode"
)

var ErrInvalidFileName = errors.New("invalid file name")

// SanitizeFileName flattens path separators, drops control characters and
// rejects traversal patterns. The result is safe as a single path segment.
func SanitizeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidFileName
	}
	s := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(name))
	if s == "" {
		return "", ErrInvalidFileName
	}
	return s, nil
}

// AttachmentHeader builds a Content-Disposition value for downloads.
// Quotes and backslashes are stripped so the filename stays a single token.
func AttachmentHeader(fileName string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, fileName)
	if clean == "" {
		clean = "download"
	}
	return `attachment; filename="` + clean + `"`
}
