package versioning

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeSource(t *testing.T) {
	cases := map[string]Source{
		"manual":    SourceManual,
		" Manual ":  SourceManual,
		"RESTORE":   SourceRestore,
		"auto":      SourceAuto,
		"":          SourceAuto,
		"scheduled": SourceAuto,
	}
	for raw, want := range cases {
		if got := NormalizeSource(raw); got != want {
			t.Fatalf("NormalizeSource(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestTruncateSummary(t *testing.T) {
	short := "fixed typo"
	if got := TruncateSummary(short); got != short {
		t.Fatalf("short summary changed: %q", got)
	}

	long := strings.Repeat("é", MaxChangeSummaryLength+10)
	got := TruncateSummary(long)
	if n := utf8.RuneCountInString(got); n != MaxChangeSummaryLength {
		t.Fatalf("expected %d characters, got %d", MaxChangeSummaryLength, n)
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a multi-byte character")
	}

	exact := strings.Repeat("a", MaxChangeSummaryLength)
	if got := TruncateSummary(exact); got != exact {
		t.Fatal("summary at the limit must be kept whole")
	}
}

func TestNormalizeContentHash(t *testing.T) {
	if got := NormalizeContentHash("  ABCDEF01 "); got != "abcdef01" {
		t.Fatalf("NormalizeContentHash() = %q", got)
	}
}
