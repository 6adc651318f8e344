package search

import "context"

// Result is a single version hit returned to the caller.
type Result struct {
	VersionID     int64  `json:"versionId"`
	DocumentID    int64  `json:"documentId"`
	VersionNumber int    `json:"versionNumber"`
	Source        string `json:"source"`
	ChangeSummary string `json:"changeSummary"`
	Snippet       string `json:"snippet"`
}

// Query describes a search over one document's versions.
type Query struct {
	DocumentID int64
	Text       string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a version text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// VersionRecord is the data indexed for one version.
type VersionRecord struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"documentId"`
	VersionNumber int    `json:"versionNumber"`
	Source        string `json:"source"`
	ChangeSummary string `json:"changeSummary"`
	Text          string `json:"text"`
	CreatedAt     int64  `json:"createdAt"`
}
