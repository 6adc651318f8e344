package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"folio/api/internal/auth"
	"folio/api/internal/config"
	"folio/api/internal/content"
	"folio/api/internal/history"
	"folio/api/internal/logging"
	"folio/api/internal/metrics"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/snapshot"
	"folio/api/internal/versioning"
)

type Session struct {
	UserID    int64
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type CreateVersionInput struct {
	SnapshotRef   string `json:"snapshotRef"`
	ContentHash   string `json:"contentHash"`
	SizeBytes     int64  `json:"sizeBytes"`
	ChangeSummary string `json:"changeSummary"`
	Source        string `json:"source"`
	ContentText   string `json:"contentText"`
	ContentHTML   string `json:"contentHtml"`
}

// SnapshotWebhookInput is the body posted by the snapshot producer.
type SnapshotWebhookInput struct {
	SnapshotURL   string `json:"snapshot_url"`
	SHA256        string `json:"sha256"`
	SizeBytes     int64  `json:"size_bytes"`
	ChangeSummary string `json:"change_summary"`
	ContentText   string `json:"content_text"`
	ContentHTML   string `json:"content_html"`
}

type VersionView struct {
	ID            int64     `json:"id"`
	DocumentID    int64     `json:"documentId"`
	VersionNumber int       `json:"versionNumber"`
	SnapshotRef   string    `json:"snapshotRef"`
	ContentHash   string    `json:"contentHash"`
	SizeBytes     int64     `json:"sizeBytes"`
	CreatorID     int64     `json:"creatorId"`
	ChangeSummary string    `json:"changeSummary"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"createdAt"`
	ContentText   *string   `json:"contentText,omitempty"`
	ContentHTML   *string   `json:"contentHtml,omitempty"`
}

type DocumentView struct {
	ID               int64     `json:"id"`
	OwnerID          int64     `json:"ownerId"`
	Title            string    `json:"title"`
	RetentionLimit   int       `json:"retentionLimit"`
	CurrentVersionID *int64    `json:"currentVersionId"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type DiffView struct {
	DocumentID int64                `json:"documentId"`
	From       int                  `json:"from"`
	To         int                  `json:"to"`
	Truncated  bool                 `json:"truncated"`
	Segments   []versioning.Segment `json:"segments"`
}

type CurrentView struct {
	versioning.CurrentSnapshot
	DownloadURL string `json:"downloadUrl,omitempty"`
}

type HistoryView struct {
	DocumentID int64           `json:"documentId"`
	Enabled    bool            `json:"enabled"`
	Entries    []history.Entry `json:"entries"`
}

type dataStore interface {
	Ping(context.Context) error
	CreateDocument(context.Context, int64, string, int) (versioning.Document, error)
	GetDocument(context.Context, int64) (versioning.Document, error)
	GetVersion(context.Context, int64, int) (versioning.Version, error)
	ListVersions(context.Context, int64, int) ([]versioning.Version, error)
	PermissionTier(context.Context, int64, int64) (string, error)
}

type versionEngine interface {
	Ingest(context.Context, versioning.IngestRequest) (versioning.IngestResult, error)
	PruneDocument(context.Context, int64) (int, error)
	CurrentSnapshot(context.Context, int64) (versioning.CurrentSnapshot, error)
}

type historyService interface {
	History(int64, int) ([]history.Entry, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
}

type presignService interface {
	DownloadURL(context.Context, string) (string, error)
}

type pinger interface {
	Ping(context.Context) error
}

// Deps are the collaborators of Service. Optional integrations are left nil when disabled.
type Deps struct {
	Store     dataStore
	Engine    versionEngine
	Search    searchService
	History   historyService
	Presigner presignService
	Cache     pinger
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	engine    versionEngine
	content   *content.Converter
	search    searchService
	history   historyService
	presigner presignService
	cache     pinger
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		engine:    deps.Engine,
		content:   content.NewConverter(),
		search:    deps.Search,
		history:   deps.History,
		presigner: deps.Presigner,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		log:       logging.Component(deps.Logger, "app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func (s *Service) WebhookToken() string {
	return s.cfg.WebhookToken
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// authorize resolves the caller's tier on the document and checks it against action.
func (s *Service) authorize(ctx context.Context, session Session, documentID int64, action rbac.Action) (rbac.Role, error) {
	tier, err := s.store.PermissionTier(ctx, documentID, session.UserID)
	if err != nil {
		return rbac.RoleNone, err
	}
	role := rbac.Normalize(tier)
	if !rbac.Can(role, action) {
		return role, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{
			"action": string(action),
			"tier":   string(role),
		})
	}
	return role, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, title string, retentionLimit int) (DocumentView, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	if retentionLimit < 0 {
		return DocumentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "retentionLimit must not be negative", nil)
	}
	doc, err := s.store.CreateDocument(ctx, session.UserID, title, retentionLimit)
	if err != nil {
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}
	return toDocumentView(doc), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID int64) (DocumentView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return DocumentView{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return toDocumentView(doc), nil
}

// CreateVersion ingests an editor-submitted snapshot. The caller becomes the version's creator.
func (s *Service) CreateVersion(ctx context.Context, session Session, documentID int64, input CreateVersionInput) (versioning.IngestResult, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionWrite); err != nil {
		return versioning.IngestResult{}, err
	}
	return s.engine.Ingest(ctx, s.ingestRequest(documentID, session.UserID, input))
}

// IngestSnapshot records a webhook delivery. Existence is left to the ingestion pipeline.
func (s *Service) IngestSnapshot(ctx context.Context, documentID int64, input SnapshotWebhookInput) (versioning.IngestResult, error) {
	return s.engine.Ingest(ctx, s.ingestRequest(documentID, 0, CreateVersionInput{
		SnapshotRef:   input.SnapshotURL,
		ContentHash:   input.SHA256,
		SizeBytes:     input.SizeBytes,
		ChangeSummary: input.ChangeSummary,
		Source:        string(versioning.SourceAuto),
		ContentText:   input.ContentText,
		ContentHTML:   input.ContentHTML,
	}))
}

func (s *Service) ingestRequest(documentID, creatorID int64, input CreateVersionInput) versioning.IngestRequest {
	html := s.content.SanitizeHTML(input.ContentHTML)
	return versioning.IngestRequest{
		DocumentID:    documentID,
		CreatorID:     creatorID,
		SnapshotRef:   strings.TrimSpace(input.SnapshotRef),
		ContentHash:   input.ContentHash,
		SizeBytes:     input.SizeBytes,
		ChangeSummary: input.ChangeSummary,
		Source:        input.Source,
		ContentText:   s.content.VersionText(input.ContentText, html),
		ContentHTML:   html,
	}
}

func (s *Service) ListVersions(ctx context.Context, session Session, documentID int64, limit int) ([]VersionView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit > 200 {
		limit = 200
	}
	versions, err := s.store.ListVersions(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, toVersionView(v, false))
	}
	return views, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, documentID int64, number int) (VersionView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return VersionView{}, err
	}
	v, err := s.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return VersionView{}, err
	}
	return toVersionView(v, true), nil
}

// Diff compares the text of two versions line by line.
func (s *Service) Diff(ctx context.Context, session Session, documentID int64, from, to, maxLines int) (DiffView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return DiffView{}, err
	}
	if maxLines <= 0 {
		maxLines = s.cfg.DiffMaxLines
	}
	base, err := s.store.GetVersion(ctx, documentID, from)
	if err != nil {
		return DiffView{}, err
	}
	target, err := s.store.GetVersion(ctx, documentID, to)
	if err != nil {
		return DiffView{}, err
	}

	started := time.Now()
	segments := versioning.ComputeLineDiff(base.ContentText, target.ContentText, maxLines)
	truncated := versioning.IsTruncated(segments)
	s.metrics.RecordDiff(time.Since(started), truncated)

	return DiffView{
		DocumentID: documentID,
		From:       from,
		To:         to,
		Truncated:  truncated,
		Segments:   segments,
	}, nil
}

// Current serves the bootstrap query, adding a download url when the snapshot ref can be presigned.
func (s *Service) Current(ctx context.Context, session Session, documentID int64) (CurrentView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return CurrentView{}, err
	}
	snap, err := s.engine.CurrentSnapshot(ctx, documentID)
	if err != nil {
		return CurrentView{}, err
	}
	view := CurrentView{CurrentSnapshot: snap}
	if snap.Published && s.presigner != nil {
		downloadURL, err := s.presigner.DownloadURL(ctx, snap.SnapshotRef)
		switch {
		case err == nil:
			view.DownloadURL = downloadURL
		case errors.Is(err, snapshot.ErrNotPresignable):
		default:
			s.log.Warn().Err(err).Int64("document_id", documentID).Msg("presign snapshot")
		}
	}
	return view, nil
}

func (s *Service) Prune(ctx context.Context, session Session, documentID int64) (int, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionPrune); err != nil {
		return 0, err
	}
	return s.engine.PruneDocument(ctx, documentID)
}

func (s *Service) History(ctx context.Context, session Session, documentID int64, limit int) (HistoryView, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return HistoryView{}, err
	}
	view := HistoryView{DocumentID: documentID, Entries: []history.Entry{}}
	if s.history == nil {
		return view, nil
	}
	entries, err := s.history.History(documentID, limit)
	if err != nil {
		return HistoryView{}, fmt.Errorf("read history: %w", err)
	}
	view.Enabled = true
	view.Entries = entries
	return view, nil
}

func (s *Service) Search(ctx context.Context, session Session, documentID int64, text string, limit, offset int) (search.Response, error) {
	if _, err := s.authorize(ctx, session, documentID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	text = strings.TrimSpace(text)
	if s.search == nil || text == "" {
		return search.Response{Results: []search.Result{}, Query: text, Backend: "none"}, nil
	}
	return s.search.Search(ctx, search.Query{
		DocumentID: documentID,
		Text:       text,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func toDocumentView(doc versioning.Document) DocumentView {
	return DocumentView{
		ID:               doc.ID,
		OwnerID:          doc.OwnerID,
		Title:            doc.Title,
		RetentionLimit:   doc.RetentionLimit,
		CurrentVersionID: doc.CurrentVersionID,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

func toVersionView(v versioning.Version, withContent bool) VersionView {
	view := VersionView{
		ID:            v.ID,
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		SnapshotRef:   v.SnapshotRef,
		ContentHash:   v.ContentHash,
		SizeBytes:     v.SizeBytes,
		CreatorID:     v.CreatorID,
		ChangeSummary: v.ChangeSummary,
		Source:        string(v.Source),
		CreatedAt:     v.CreatedAt,
	}
	if withContent {
		text, html := v.ContentText, v.ContentHTML
		view.ContentText = &text
		view.ContentHTML = &html
	}
	return view
}
