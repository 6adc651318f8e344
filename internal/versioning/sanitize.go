package versioning

import (
	"strings"
	"unicode/utf8"
)

// MaxChangeSummaryLength is the longest change summary kept, in characters.
const MaxChangeSummaryLength = 2048

// Source records where a version came from.
type Source string

const (
	SourceManual  Source = "manual"
	SourceRestore Source = "restore"
	SourceAuto    Source = "auto"
)

// NormalizeSource maps a caller-supplied tag onto the closed set; unknown or empty values become auto.
func NormalizeSource(raw string) Source {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceManual:
		return SourceManual
	case SourceRestore:
		return SourceRestore
	default:
		return SourceAuto
	}
}

// TruncateSummary cuts s to MaxChangeSummaryLength characters.
func TruncateSummary(s string) string {
	return truncateRunes(s, MaxChangeSummaryLength)
}

// NormalizeContentHash trims and lowercases a hex digest.
func NormalizeContentHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
