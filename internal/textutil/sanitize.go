package textutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// pathSegmentReplacer replaces filesystem-unsafe characters with safe alternatives.
var pathSegmentReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizePathSegment makes a string safe to use as a single directory or file
// name. Unicode is normalized to NFC so the same artist always produces the
// same directory, slashes and colons become dashes, other unsafe characters
// are removed, and leading dots are stripped.
func SanitizePathSegment(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	cleaned := strings.TrimSpace(pathSegmentReplacer.Replace(name))
	cleaned = strings.TrimLeft(cleaned, ".")
	return strings.TrimSpace(cleaned)
}

// EqualFold compares two titles or artist names ignoring case, surrounding
// whitespace, and Unicode normalization differences.
func EqualFold(a, b string) bool {
	na := norm.NFC.String(strings.TrimSpace(a))
	nb := norm.NFC.String(strings.TrimSpace(b))
	return strings.EqualFold(na, nb)
}
