package search

import (
	"context"
	"strings"
	"unicode/utf8"

	"folio/api/internal/versioning"
)

// VersionTextStore finds versions whose stored text contains a phrase.
type VersionTextStore interface {
	SearchVersionText(ctx context.Context, documentID int64, text string, limit, offset int) ([]versioning.Version, int, error)
}

// StoreSearcher implements Searcher with a substring scan in the primary database.
type StoreSearcher struct {
	store VersionTextStore
	text  func(versioning.Version) string
}

func NewStoreSearcher(store VersionTextStore, text func(versioning.Version) string) *StoreSearcher {
	if text == nil {
		text = func(v versioning.Version) string { return v.ContentText }
	}
	return &StoreSearcher{store: store, text: text}
}

// Healthy always reports true; when the database is down the whole service is down.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	phrase := strings.TrimSpace(q.Text)
	if phrase == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	versions, total, err := s.store.SearchVersionText(ctx, q.DocumentID, phrase, limit, max(q.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(versions))
	for _, v := range versions {
		results = append(results, Result{
			VersionID:     v.ID,
			DocumentID:    v.DocumentID,
			VersionNumber: v.VersionNumber,
			Source:        string(v.Source),
			ChangeSummary: v.ChangeSummary,
			Snippet:       snippet(s.text(v), phrase, 30),
		})
	}
	return results, total, nil
}

// snippet returns up to radius characters either side of the first case-insensitive match.
func snippet(text, phrase string, radius int) string {
	lowerText := strings.ToLower(text)
	at := strings.Index(lowerText, strings.ToLower(phrase))
	if at < 0 || len(lowerText) != len(text) {
		return truncate(text, 2*radius)
	}
	runes := []rune(text)
	start := utf8.RuneCountInString(text[:at])
	end := start + utf8.RuneCountInString(phrase)
	from := max(start-radius, 0)
	to := min(end+radius, len(runes))
	out := string(runes[from:start]) + "<mark>" + string(runes[start:end]) + "</mark>" + string(runes[end:to])
	if from > 0 {
		out = "…" + out
	}
	if to < len(runes) {
		out += "…"
	}
	return out
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
