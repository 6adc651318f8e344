package versioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"folio/api/internal/metrics"
)

type memStore struct {
	mu       sync.Mutex
	docs     map[int64]*Document
	versions []Version
	nextID   int64
	txCount  int

	insertVersionFn     func(Version) error
	setCurrentVersionFn func(documentID, versionID int64) error
	listBeyondFn        func(documentID int64, keep int) ([]int64, error)
	deleteVersionsFn    func([]int64) error
	pointerCalls        int
}

func newMemStore(docs ...Document) *memStore {
	s := &memStore{docs: make(map[int64]*Document)}
	for i := range docs {
		doc := docs[i]
		s.docs[doc.ID] = &doc
	}
	return s
}

type memTx struct {
	store    *memStore
	inserted []Version
	current  map[int64]int64
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	tx := &memTx{store: s, current: make(map[int64]int64)}
	if err := fn(tx); err != nil {
		return err
	}
	s.versions = append(s.versions, tx.inserted...)
	for documentID, versionID := range tx.current {
		id := versionID
		s.docs[documentID].CurrentVersionID = &id
	}
	return nil
}

func (tx *memTx) GetDocument(_ context.Context, documentID int64) (Document, error) {
	doc, ok := tx.store.docs[documentID]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return *doc, nil
}

func (tx *memTx) all() []Version {
	return append(append([]Version{}, tx.store.versions...), tx.inserted...)
}

func (tx *memTx) FindByContentHash(_ context.Context, documentID int64, hash string) (*VersionRef, error) {
	for _, v := range tx.all() {
		if v.DocumentID == documentID && v.ContentHash == hash {
			return &VersionRef{ID: v.ID, VersionNumber: v.VersionNumber}, nil
		}
	}
	return nil, nil
}

func (tx *memTx) MaxVersionNumber(_ context.Context, documentID int64) (int, error) {
	maxNumber := 0
	for _, v := range tx.all() {
		if v.DocumentID == documentID && v.VersionNumber > maxNumber {
			maxNumber = v.VersionNumber
		}
	}
	return maxNumber, nil
}

func (tx *memTx) InsertVersion(_ context.Context, version Version) (int64, error) {
	if tx.store.insertVersionFn != nil {
		if err := tx.store.insertVersionFn(version); err != nil {
			return 0, err
		}
	}
	tx.store.nextID++
	version.ID = tx.store.nextID
	tx.inserted = append(tx.inserted, version)
	return version.ID, nil
}

func (tx *memTx) SetCurrentVersion(_ context.Context, documentID, versionID int64) error {
	tx.store.pointerCalls++
	if tx.store.setCurrentVersionFn != nil {
		if err := tx.store.setCurrentVersionFn(documentID, versionID); err != nil {
			return err
		}
	}
	tx.current[documentID] = versionID
	return nil
}

func (s *memStore) GetDocument(_ context.Context, documentID int64) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return *doc, nil
}

func (s *memStore) CurrentSnapshot(_ context.Context, documentID int64) (CurrentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return CurrentSnapshot{}, ErrDocumentNotFound
	}
	snapshot := CurrentSnapshot{DocumentID: documentID}
	if doc.CurrentVersionID == nil {
		return snapshot, nil
	}
	for _, v := range s.versions {
		if v.ID == *doc.CurrentVersionID {
			snapshot.Published = true
			snapshot.VersionID = v.ID
			snapshot.VersionNumber = v.VersionNumber
			snapshot.SnapshotRef = v.SnapshotRef
			snapshot.ContentHash = v.ContentHash
		}
	}
	return snapshot, nil
}

func (s *memStore) ListAutoVersionsBeyond(_ context.Context, documentID int64, keep int) ([]int64, error) {
	if s.listBeyondFn != nil {
		return s.listBeyondFn(documentID, keep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var autos []Version
	for _, v := range s.versions {
		if v.DocumentID == documentID && v.Source == SourceAuto {
			autos = append(autos, v)
		}
	}
	sort.Slice(autos, func(i, j int) bool { return autos[i].VersionNumber > autos[j].VersionNumber })
	var ids []int64
	for i := keep; i < len(autos); i++ {
		ids = append(ids, autos[i].ID)
	}
	return ids, nil
}

func (s *memStore) DeleteVersions(_ context.Context, ids []int64) error {
	if s.deleteVersionsFn != nil {
		return s.deleteVersionsFn(ids)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.versions[:0]
	for _, v := range s.versions {
		if !drop[v.ID] {
			kept = append(kept, v)
		}
	}
	s.versions = kept
	return nil
}

func (s *memStore) numbers(documentID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var numbers []int
	for _, v := range s.versions {
		if v.DocumentID == documentID {
			numbers = append(numbers, v.VersionNumber)
		}
	}
	sort.Ints(numbers)
	return numbers
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[int64]CurrentSnapshot
	invalidated []int64
	floors      map[int64]int
}

func (c *fakeCache) Get(_ context.Context, documentID int64) (CurrentSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.entries[documentID]
	return snapshot, ok
}

func (c *fakeCache) Set(_ context.Context, snapshot CurrentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[int64]CurrentSnapshot)
	}
	c.entries[snapshot.DocumentID] = snapshot
}

func (c *fakeCache) Invalidate(_ context.Context, documentID int64, publishedVersion int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.floors == nil {
		c.floors = make(map[int64]int)
	}
	delete(c.entries, documentID)
	c.invalidated = append(c.invalidated, documentID)
	c.floors[documentID] = publishedVersion
}

type recordingHook struct {
	mu       sync.Mutex
	versions []Version
}

func (h *recordingHook) VersionCreated(_ context.Context, _ Document, version Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = append(h.versions, version)
}

func newTestEngine(store Store, opts Options) *Engine {
	opts.Logger = zerolog.Nop()
	return NewEngine(store, opts)
}

func ingestReq(documentID int64, hash, source string) IngestRequest {
	return IngestRequest{
		DocumentID:  documentID,
		CreatorID:   7,
		SnapshotRef: "s3://snapshots/" + hash,
		ContentHash: hash,
		SizeBytes:   128,
		Source:      source,
	}
}

func TestIngestCreatesSequentialVersions(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	engine := newTestEngine(store, Options{})

	first, err := engine.Ingest(context.Background(), ingestReq(1, "h1", "manual"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !first.Created || first.VersionNumber != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := engine.Ingest(context.Background(), ingestReq(1, "h2", "manual"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if second.VersionNumber != 2 || second.VersionID == first.VersionID {
		t.Fatalf("unexpected second result: %+v", second)
	}

	doc, _ := store.GetDocument(context.Background(), 1)
	if doc.CurrentVersionID == nil || *doc.CurrentVersionID != second.VersionID {
		t.Fatalf("current pointer = %v, want %d", doc.CurrentVersionID, second.VersionID)
	}
}

func TestIngestDeduplicatesByContentHash(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3, RetentionLimit: 1})
	hook := &recordingHook{}
	m := metrics.New()
	engine := newTestEngine(store, Options{Hooks: []VersionHook{hook}, Metrics: m})

	first, err := engine.Ingest(context.Background(), ingestReq(1, "ABCDEF", "auto"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	pointerCalls := store.pointerCalls

	again, err := engine.Ingest(context.Background(), ingestReq(1, " abcdef ", "auto"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if again.Created {
		t.Fatal("expected deduplicated result")
	}
	if again.VersionID != first.VersionID || again.VersionNumber != first.VersionNumber {
		t.Fatalf("dedup returned %+v, want %+v", again, first)
	}
	if store.pointerCalls != pointerCalls {
		t.Fatal("dedup must not touch the current pointer")
	}
	if len(hook.versions) != 1 {
		t.Fatalf("hooks ran %d times, want 1", len(hook.versions))
	}
	if got := testutil.ToFloat64(m.IngestionsTotal.WithLabelValues("auto", "deduplicated")); got != 1 {
		t.Fatalf("deduplicated counter = %v", got)
	}
}

func TestIngestDocumentNotFound(t *testing.T) {
	engine := newTestEngine(newMemStore(), Options{})

	_, err := engine.Ingest(context.Background(), ingestReq(42, "h", "manual"))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	stage, ok := StageOf(err)
	if !ok || stage != StageLookupDocument {
		t.Fatalf("stage = %q, want %q", stage, StageLookupDocument)
	}
}

func TestIngestValidatesInput(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	engine := newTestEngine(store, Options{})

	bad := []IngestRequest{
		{DocumentID: 0, SnapshotRef: "ref", ContentHash: "h"},
		{DocumentID: 1, SnapshotRef: " ", ContentHash: "h"},
		{DocumentID: 1, SnapshotRef: "ref", ContentHash: ""},
		{DocumentID: 1, SnapshotRef: "ref", ContentHash: "h", SizeBytes: -1},
	}
	for _, req := range bad {
		if _, err := engine.Ingest(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Ingest(%+v) error = %v, want ErrInvalidInput", req, err)
		}
	}
	if store.txCount != 0 {
		t.Fatal("invalid input must not open a transaction")
	}
}

func TestIngestNormalizesFields(t *testing.T) {
	var inserted Version
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	store.insertVersionFn = func(v Version) error {
		inserted = v
		return nil
	}
	engine := newTestEngine(store, Options{})

	req := ingestReq(1, "h", "  Restore ")
	req.CreatorID = 0
	req.ChangeSummary = strings.Repeat("x", MaxChangeSummaryLength+5)
	if _, err := engine.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if inserted.Source != SourceRestore {
		t.Fatalf("source = %q", inserted.Source)
	}
	if inserted.CreatorID != 3 {
		t.Fatalf("creator = %d, want owner 3", inserted.CreatorID)
	}
	if len(inserted.ChangeSummary) != MaxChangeSummaryLength {
		t.Fatalf("summary length = %d", len(inserted.ChangeSummary))
	}
}

func TestIngestAppliesRetentionToAutoVersions(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3, RetentionLimit: 2})
	m := metrics.New()
	engine := newTestEngine(store, Options{Metrics: m})
	ctx := context.Background()

	if _, err := engine.Ingest(ctx, ingestReq(1, "m1", "manual")); err != nil {
		t.Fatal(err)
	}
	for _, hash := range []string{"a2", "a3", "a4"} {
		if _, err := engine.Ingest(ctx, ingestReq(1, hash, "auto")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := engine.Ingest(ctx, ingestReq(1, "r5", "restore")); err != nil {
		t.Fatal(err)
	}

	got := store.numbers(1)
	want := []int{1, 3, 4, 5}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("remaining versions = %v, want %v", got, want)
	}
	if pruned := testutil.ToFloat64(m.PrunedVersionsTotal); pruned != 1 {
		t.Fatalf("pruned counter = %v, want 1", pruned)
	}
}

func TestIngestUnlimitedRetentionKeepsEverything(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	engine := newTestEngine(store, Options{})
	for i := 0; i < 5; i++ {
		if _, err := engine.Ingest(context.Background(), ingestReq(1, fmt.Sprintf("h%d", i), "auto")); err != nil {
			t.Fatal(err)
		}
	}
	if got := store.numbers(1); len(got) != 5 {
		t.Fatalf("expected 5 versions, got %v", got)
	}
}

func TestIngestSucceedsWhenRetentionFails(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3, RetentionLimit: 1})
	store.deleteVersionsFn = func([]int64) error { return errors.New("disk full") }
	m := metrics.New()
	engine := newTestEngine(store, Options{Metrics: m})
	ctx := context.Background()

	if _, err := engine.Ingest(ctx, ingestReq(1, "a1", "auto")); err != nil {
		t.Fatal(err)
	}
	result, err := engine.Ingest(ctx, ingestReq(1, "a2", "auto"))
	if err != nil {
		t.Fatalf("cleanup failure leaked into ingestion: %v", err)
	}
	if !result.Created || result.VersionNumber != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if failures := testutil.ToFloat64(m.RetentionFailuresTotal); failures != 1 {
		t.Fatalf("retention failures = %v, want 1", failures)
	}
}

func TestPruneReportsCleanupFailure(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	store.listBeyondFn = func(int64, int) ([]int64, error) { return nil, ErrStorageUnavailable }
	engine := newTestEngine(store, Options{})

	_, err := engine.Prune(context.Background(), 1, 3)
	if !errors.Is(err, ErrRetentionCleanupFailed) || !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Prune() error = %v", err)
	}
	if stage, _ := StageOf(err); stage != StagePrune {
		t.Fatalf("stage = %q", stage)
	}

	deleted, err := engine.Prune(context.Background(), 1, 0)
	if err != nil || deleted != 0 {
		t.Fatalf("limit 0 must be a no-op, got %d, %v", deleted, err)
	}
}

func TestPruneDocumentUsesDocumentLimit(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	engine := newTestEngine(store, Options{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := engine.Ingest(ctx, ingestReq(1, fmt.Sprintf("h%d", i), "auto")); err != nil {
			t.Fatal(err)
		}
	}
	store.docs[1].RetentionLimit = 1

	deleted, err := engine.PruneDocument(ctx, 1)
	if err != nil {
		t.Fatalf("PruneDocument() error = %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	if got := store.numbers(1); fmt.Sprint(got) != "[4]" {
		t.Fatalf("remaining = %v", got)
	}
}

func TestIngestRetriesWriteConflicts(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	failures := 2
	store.insertVersionFn = func(Version) error {
		if failures > 0 {
			failures--
			return ErrWriteConflict
		}
		return nil
	}
	m := metrics.New()
	engine := newTestEngine(store, Options{Metrics: m})

	result, err := engine.Ingest(context.Background(), ingestReq(1, "h", "manual"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.VersionNumber != 1 {
		t.Fatalf("version number = %d", result.VersionNumber)
	}
	if store.txCount != 3 {
		t.Fatalf("transactions = %d, want 3", store.txCount)
	}
	if retries := testutil.ToFloat64(m.IngestRetriesTotal); retries != 2 {
		t.Fatalf("retries = %v", retries)
	}
}

func TestIngestGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	store.insertVersionFn = func(Version) error { return ErrWriteConflict }
	engine := newTestEngine(store, Options{MaxAttempts: 3})

	_, err := engine.Ingest(context.Background(), ingestReq(1, "h", "manual"))
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
	if stage, _ := StageOf(err); stage != StageInsertVersion {
		t.Fatalf("stage = %q", stage)
	}
	if store.txCount != 3 {
		t.Fatalf("transactions = %d, want 3", store.txCount)
	}
}

func TestIngestDoesNotRetryUnavailableStorage(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	store.insertVersionFn = func(Version) error { return ErrStorageUnavailable }
	engine := newTestEngine(store, Options{})

	_, err := engine.Ingest(context.Background(), ingestReq(1, "h", "manual"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if store.txCount != 1 {
		t.Fatalf("transactions = %d, want 1", store.txCount)
	}
}

func TestIngestPointerFailureRollsBack(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	store.setCurrentVersionFn = func(int64, int64) error {
		return &StorageError{Op: "update pointer", Err: errors.New("boom")}
	}
	engine := newTestEngine(store, Options{})

	_, err := engine.Ingest(context.Background(), ingestReq(1, "h", "manual"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if stage, _ := StageOf(err); stage != StageSetCurrentVersion {
		t.Fatalf("stage = %q", stage)
	}
	if store.pointerCalls != pointerUpdateAttempts {
		t.Fatalf("pointer attempts = %d, want %d", store.pointerCalls, pointerUpdateAttempts)
	}
	if got := store.numbers(1); len(got) != 0 {
		t.Fatalf("rolled back version is visible: %v", got)
	}
}

func TestIngestPointerRetrySucceeds(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	failOnce := true
	store.setCurrentVersionFn = func(int64, int64) error {
		if failOnce {
			failOnce = false
			return ErrStorageUnavailable
		}
		return nil
	}
	engine := newTestEngine(store, Options{})

	result, err := engine.Ingest(context.Background(), ingestReq(1, "h", "manual"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	doc, _ := store.GetDocument(context.Background(), 1)
	if doc.CurrentVersionID == nil || *doc.CurrentVersionID != result.VersionID {
		t.Fatal("pointer not updated after retry")
	}
}

func TestIngestConcurrentSameDocumentIsGapFree(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	engine := newTestEngine(store, Options{})

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := engine.Ingest(context.Background(), ingestReq(1, fmt.Sprintf("h%d", i), "manual")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ingest error = %v", err)
	}

	got := store.numbers(1)
	if len(got) != writers {
		t.Fatalf("expected %d versions, got %d", writers, len(got))
	}
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("version numbers not gap-free: %v", got)
		}
	}
	if held := engine.locks.held(); held != 0 {
		t.Fatalf("document locks leaked: %d", held)
	}
}

func TestCurrentSnapshotUsesCache(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	cache := &fakeCache{}
	engine := newTestEngine(store, Options{Cache: cache})
	ctx := context.Background()

	snapshot, err := engine.CurrentSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("CurrentSnapshot() error = %v", err)
	}
	if snapshot.Published {
		t.Fatal("new document must not be published")
	}
	if _, ok := cache.Get(ctx, 1); !ok {
		t.Fatal("snapshot was not cached")
	}

	result, err := engine.Ingest(ctx, ingestReq(1, "h1", "manual"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != 1 {
		t.Fatalf("invalidations = %v", cache.invalidated)
	}
	if cache.floors[1] != result.VersionNumber {
		t.Fatalf("invalidation floor = %d, want %d", cache.floors[1], result.VersionNumber)
	}

	snapshot, err = engine.CurrentSnapshot(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !snapshot.Published || snapshot.VersionID != result.VersionID || snapshot.SnapshotRef != "s3://snapshots/h1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestIngestRunsHooksWithCommittedVersion(t *testing.T) {
	store := newMemStore(Document{ID: 1, OwnerID: 3})
	hook := &recordingHook{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(store, Options{Hooks: []VersionHook{hook}, Now: func() time.Time { return fixed }})

	req := ingestReq(1, "h", "manual")
	req.ContentText = "hello"
	result, err := engine.Ingest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(hook.versions) != 1 {
		t.Fatalf("hook calls = %d", len(hook.versions))
	}
	got := hook.versions[0]
	if got.ID != result.VersionID || got.ContentText != "hello" || !got.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected hook version %+v", got)
	}
}

func TestDocumentLocksIsolateDocuments(t *testing.T) {
	locks := NewDocumentLocks()
	unlockA := locks.Lock(1)

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock(2)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another document blocked")
	}

	blocked := make(chan struct{})
	go func() {
		unlock := locks.Lock(1)
		unlock()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("same document lock did not block")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-blocked
	if held := locks.held(); held != 0 {
		t.Fatalf("held = %d after release", held)
	}
}
