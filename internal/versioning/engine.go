package versioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"folio/api/internal/logging"
	"folio/api/internal/metrics"
)

const (
	DefaultMaxAttempts    = 3
	pointerUpdateAttempts = 3
	retryBackoff          = 15 * time.Millisecond
)

type Document struct {
	ID               int64
	OwnerID          int64
	Title            string
	RetentionLimit   int
	CurrentVersionID *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Version struct {
	ID            int64
	DocumentID    int64
	VersionNumber int
	SnapshotRef   string
	ContentHash   string
	SizeBytes     int64
	CreatorID     int64
	ChangeSummary string
	Source        Source
	ContentText   string
	ContentHTML   string
	CreatedAt     time.Time
}

// VersionRef identifies an existing version without loading its content.
type VersionRef struct {
	ID            int64
	VersionNumber int
}

// CurrentSnapshot is what a client needs to open a document at its published version.
type CurrentSnapshot struct {
	DocumentID    int64  `json:"documentId"`
	Published     bool   `json:"published"`
	VersionID     int64  `json:"versionId,omitempty"`
	VersionNumber int    `json:"versionNumber,omitempty"`
	SnapshotRef   string `json:"snapshotRef,omitempty"`
	ContentHash   string `json:"contentHash,omitempty"`
}

// Tx is one storage transaction. GetDocument locks the document row until the transaction ends.
type Tx interface {
	GetDocument(ctx context.Context, documentID int64) (Document, error)
	FindByContentHash(ctx context.Context, documentID int64, contentHash string) (*VersionRef, error)
	MaxVersionNumber(ctx context.Context, documentID int64) (int, error)
	InsertVersion(ctx context.Context, version Version) (int64, error)
	SetCurrentVersion(ctx context.Context, documentID, versionID int64) error
}

// Store is the persistence the engine needs. InTx commits when fn returns nil and rolls back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetDocument(ctx context.Context, documentID int64) (Document, error)
	CurrentSnapshot(ctx context.Context, documentID int64) (CurrentSnapshot, error)
	ListAutoVersionsBeyond(ctx context.Context, documentID int64, keep int) ([]int64, error)
	DeleteVersions(ctx context.Context, versionIDs []int64) error
}

// SnapshotCache fronts CurrentSnapshot. Implementations must treat every error as a miss.
type SnapshotCache interface {
	Get(ctx context.Context, documentID int64) (CurrentSnapshot, bool)
	Set(ctx context.Context, snapshot CurrentSnapshot)
	// Invalidate drops the cached snapshot. Snapshots older than publishedVersion must not be cached again.
	Invalidate(ctx context.Context, documentID int64, publishedVersion int)
}

// VersionHook observes committed versions. Hooks run after the ingestion transaction and cannot fail it.
type VersionHook interface {
	VersionCreated(ctx context.Context, doc Document, version Version)
}

// PruneHook is implemented by hooks that also track deleted versions.
type PruneHook interface {
	VersionsPruned(ctx context.Context, documentID int64, versionIDs []int64)
}

type IngestRequest struct {
	DocumentID    int64
	CreatorID     int64
	SnapshotRef   string
	ContentHash   string
	SizeBytes     int64
	ChangeSummary string
	Source        string
	ContentText   string
	ContentHTML   string
}

type IngestResult struct {
	VersionID     int64 `json:"versionId"`
	VersionNumber int   `json:"versionNumber"`
	Created       bool  `json:"created"`
}

type Options struct {
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Cache       SnapshotCache
	Hooks       []VersionHook
	Locks       *DocumentLocks
	MaxAttempts int
	Now         func() time.Time
}

// Engine runs version ingestion and retention against a Store.
type Engine struct {
	store       Store
	log         zerolog.Logger
	metrics     *metrics.Metrics
	cache       SnapshotCache
	hooks       []VersionHook
	locks       *DocumentLocks
	maxAttempts int
	now         func() time.Time
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Locks == nil {
		opts.Locks = NewDocumentLocks()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       store,
		log:         logging.Component(opts.Logger, "versioning"),
		metrics:     opts.Metrics,
		cache:       opts.Cache,
		hooks:       opts.Hooks,
		locks:       opts.Locks,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
}

// Ingest records a snapshot as the next version of a document, or returns the
// existing version when the content hash was already ingested.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	started := time.Now()
	source := NormalizeSource(req.Source)

	if err := validateIngest(req); err != nil {
		e.metrics.RecordIngestion(string(source), "failed", time.Since(started))
		return IngestResult{}, err
	}
	req.ContentHash = NormalizeContentHash(req.ContentHash)
	req.SnapshotRef = strings.TrimSpace(req.SnapshotRef)
	req.ChangeSummary = TruncateSummary(strings.TrimSpace(req.ChangeSummary))

	unlock := e.locks.Lock(req.DocumentID)
	var (
		result  IngestResult
		doc     Document
		created Version
		err     error
	)
	for attempt := 1; ; attempt++ {
		result, doc, created, err = e.ingestOnce(ctx, req, source)
		if err == nil || !isRetryable(err) || attempt >= e.maxAttempts {
			break
		}
		e.metrics.RecordIngestRetry()
		e.log.Debug().Err(err).Int64("document_id", req.DocumentID).Int("attempt", attempt).Msg("ingest write conflict, retrying")
		if waitErr := sleepContext(ctx, retryBackoff*time.Duration(attempt)); waitErr != nil {
			break
		}
	}
	unlock()

	if err != nil {
		e.metrics.RecordIngestion(string(source), "failed", time.Since(started))
		return IngestResult{}, err
	}
	if !result.Created {
		e.metrics.RecordIngestion(string(source), "deduplicated", time.Since(started))
		return result, nil
	}

	e.metrics.RecordIngestion(string(source), "created", time.Since(started))
	e.afterCommit(ctx, doc, created)
	return result, nil
}

func (e *Engine) ingestOnce(ctx context.Context, req IngestRequest, source Source) (IngestResult, Document, Version, error) {
	var (
		result  IngestResult
		doc     Document
		created Version
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		doc, err = tx.GetDocument(ctx, req.DocumentID)
		if err != nil {
			return stageError(StageLookupDocument, err)
		}

		existing, err := tx.FindByContentHash(ctx, doc.ID, req.ContentHash)
		if err != nil {
			return stageError(StageFindByHash, err)
		}
		if existing != nil {
			result = IngestResult{VersionID: existing.ID, VersionNumber: existing.VersionNumber}
			return nil
		}

		maxNumber, err := tx.MaxVersionNumber(ctx, doc.ID)
		if err != nil {
			return stageError(StageMaxVersion, err)
		}

		creatorID := req.CreatorID
		if creatorID <= 0 {
			creatorID = doc.OwnerID
		}
		version := Version{
			DocumentID:    doc.ID,
			VersionNumber: maxNumber + 1,
			SnapshotRef:   req.SnapshotRef,
			ContentHash:   req.ContentHash,
			SizeBytes:     req.SizeBytes,
			CreatorID:     creatorID,
			ChangeSummary: req.ChangeSummary,
			Source:        source,
			ContentText:   req.ContentText,
			ContentHTML:   req.ContentHTML,
			CreatedAt:     e.now().UTC(),
		}
		version.ID, err = tx.InsertVersion(ctx, version)
		if err != nil {
			return stageError(StageInsertVersion, err)
		}

		if err := setCurrentVersion(ctx, tx, doc.ID, version.ID); err != nil {
			return stageError(StageSetCurrentVersion, err)
		}

		created = version
		result = IngestResult{VersionID: version.ID, VersionNumber: version.VersionNumber, Created: true}
		return nil
	})
	if err != nil {
		return IngestResult{}, Document{}, Version{}, stageError(StageCommit, err)
	}
	return result, doc, created, nil
}

// setCurrentVersion retries the pointer update inside the open transaction.
// Tx.SetCurrentVersion must leave the transaction usable after a failed attempt.
// When every attempt fails the first error is returned so its classification survives.
func setCurrentVersion(ctx context.Context, tx Tx, documentID, versionID int64) error {
	var first error
	for attempt := 0; attempt < pointerUpdateAttempts; attempt++ {
		err := tx.SetCurrentVersion(ctx, documentID, versionID)
		if err == nil {
			return nil
		}
		if first == nil {
			first = err
		}
		if errors.Is(err, ErrDocumentNotFound) || ctx.Err() != nil {
			break
		}
	}
	return first
}

func (e *Engine) afterCommit(ctx context.Context, doc Document, version Version) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, doc.ID, version.VersionNumber)
	}

	if version.Source == SourceAuto && doc.RetentionLimit > 0 {
		if _, err := e.Prune(ctx, doc.ID, doc.RetentionLimit); err != nil {
			e.metrics.RecordRetentionFailure()
			e.log.Warn().Err(err).
				Int64("document_id", doc.ID).
				Int("retention_limit", doc.RetentionLimit).
				Msg("retention cleanup failed")
		}
	}

	for _, hook := range e.hooks {
		hook.VersionCreated(ctx, doc, version)
	}
}

// Prune deletes automatic versions beyond the newest limit. Manual and restore versions are never touched.
func (e *Engine) Prune(ctx context.Context, documentID int64, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	ids, err := e.store.ListAutoVersionsBeyond(ctx, documentID, limit)
	if err != nil {
		return 0, &StageError{Stage: StagePrune, Err: fmt.Errorf("%w: %w", ErrRetentionCleanupFailed, err)}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.DeleteVersions(ctx, ids); err != nil {
		return 0, &StageError{Stage: StagePrune, Err: fmt.Errorf("%w: %w", ErrRetentionCleanupFailed, err)}
	}
	e.metrics.RecordPruned(len(ids))
	for _, hook := range e.hooks {
		if pruneHook, ok := hook.(PruneHook); ok {
			pruneHook.VersionsPruned(ctx, documentID, ids)
		}
	}
	e.log.Info().Int64("document_id", documentID).Int("deleted", len(ids)).Msg("pruned automatic versions")
	return len(ids), nil
}

// PruneDocument applies the document's own retention limit.
func (e *Engine) PruneDocument(ctx context.Context, documentID int64) (int, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	return e.Prune(ctx, doc.ID, doc.RetentionLimit)
}

// CurrentSnapshot returns the published version of a document.
func (e *Engine) CurrentSnapshot(ctx context.Context, documentID int64) (CurrentSnapshot, error) {
	if e.cache != nil {
		if snapshot, ok := e.cache.Get(ctx, documentID); ok {
			return snapshot, nil
		}
	}
	snapshot, err := e.store.CurrentSnapshot(ctx, documentID)
	if err != nil {
		return CurrentSnapshot{}, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, snapshot)
	}
	return snapshot, nil
}

func validateIngest(req IngestRequest) error {
	switch {
	case req.DocumentID <= 0:
		return fmt.Errorf("%w: document id must be positive", ErrInvalidInput)
	case strings.TrimSpace(req.SnapshotRef) == "":
		return fmt.Errorf("%w: snapshot reference is required", ErrInvalidInput)
	case NormalizeContentHash(req.ContentHash) == "":
		return fmt.Errorf("%w: content hash is required", ErrInvalidInput)
	case req.SizeBytes < 0:
		return fmt.Errorf("%w: size must not be negative", ErrInvalidInput)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
