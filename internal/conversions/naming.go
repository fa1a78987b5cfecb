package conversions

import "strings"

// DefaultExtension is the extension given to converted files.
const DefaultExtension = "cdr"

// ConvertedName replaces the text after the last dot of original with ext.
// Names without a dot get ext appended.
func ConvertedName(original, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = DefaultExtension
	}
	base := original
	if idx := strings.LastIndex(original, "."); idx >= 0 {
		base = original[:idx]
	}
	return base + "." + ext
}
