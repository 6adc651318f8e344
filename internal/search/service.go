package search

import (
	"context"

	"github.com/rs/zerolog"

	"folio/api/internal/logging"
	"folio/api/internal/versioning"
)

// Service tries Meilisearch first and falls back to the database scan.
// It also keeps the index in step with ingestion and pruning.
type Service struct {
	meili    *Meili
	fallback Searcher
	text     func(versioning.Version) string
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, text func(versioning.Version) string, log zerolog.Logger) *Service {
	if text == nil {
		text = func(v versioning.Version) string { return v.ContentText }
	}
	return &Service{
		meili:    meili,
		fallback: fallback,
		text:     text,
		log:      logging.Component(log, "search"),
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to database search")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Int64("document_id", q.DocumentID).Msg("database search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "database"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "database"}
}

// VersionCreated indexes a new version (fire-and-forget to Meilisearch).
func (s *Service) VersionCreated(_ context.Context, _ versioning.Document, version versioning.Version) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := VersionRecord{
		ID:            version.ID,
		DocumentID:    version.DocumentID,
		VersionNumber: version.VersionNumber,
		Source:        string(version.Source),
		ChangeSummary: version.ChangeSummary,
		Text:          s.text(version),
		CreatedAt:     version.CreatedAt.Unix(),
	}
	go func() {
		if err := s.meili.IndexVersion(record); err != nil {
			s.log.Warn().Err(err).Int64("version_id", record.ID).Msg("index version")
		}
	}()
}

// VersionsPruned removes deleted versions from the index (fire-and-forget).
func (s *Service) VersionsPruned(_ context.Context, documentID int64, versionIDs []int64) {
	if s.meili == nil || !s.meili.Healthy() || len(versionIDs) == 0 {
		return
	}
	ids := append([]int64(nil), versionIDs...)
	go func() {
		if err := s.meili.DeleteVersions(ids); err != nil {
			s.log.Warn().Err(err).Int64("document_id", documentID).Msg("remove pruned versions from index")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
