// Package history mirrors each document's version text into a local git repository,
// giving operators a familiar log and blame view outside the database.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"folio/api/internal/logging"
	"folio/api/internal/versioning"
)

const (
	contentFile  = "content.md"
	metadataFile = "version.json"
)

// Entry is one mirrored version as seen in git history.
type Entry struct {
	Hash          string    `json:"hash"`
	VersionNumber int       `json:"versionNumber"`
	Source        string    `json:"source"`
	Message       string    `json:"message"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"createdAt"`
}

type metadata struct {
	VersionID     int64  `json:"versionId"`
	VersionNumber int    `json:"versionNumber"`
	Source        string `json:"source"`
	ContentHash   string `json:"contentHash"`
	SnapshotRef   string `json:"snapshotRef"`
}

type Mirror struct {
	baseDir string
	text    func(versioning.Version) string
	log     zerolog.Logger
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(baseDir string, text func(versioning.Version) string, log zerolog.Logger) *Mirror {
	if text == nil {
		text = func(v versioning.Version) string { return v.ContentText }
	}
	return &Mirror{
		baseDir: baseDir,
		text:    text,
		log:     logging.Component(log, "history"),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// VersionCreated commits the version text. Failures are logged; the mirror never blocks ingestion.
func (m *Mirror) VersionCreated(_ context.Context, _ versioning.Document, version versioning.Version) {
	if _, err := m.Record(version); err != nil {
		m.log.Warn().Err(err).
			Int64("document_id", version.DocumentID).
			Int("version_number", version.VersionNumber).
			Msg("mirror version")
	}
}

// Record commits version onto the document's mirror. It returns false without committing when
// the mirror already holds the same or a newer version.
func (m *Mirror) Record(version versioning.Version) (bool, error) {
	lock := m.documentLock(version.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.ensureRepo(version.DocumentID)
	if err != nil {
		return false, err
	}

	if head, err := headMetadata(repo); err != nil {
		return false, err
	} else if head != nil && head.VersionNumber >= version.VersionNumber {
		return false, nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(m.text(version)), 0o644); err != nil {
		return false, fmt.Errorf("write content: %w", err)
	}
	meta, err := json.MarshalIndent(metadata{
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Source:        string(version.Source),
		ContentHash:   version.ContentHash,
		SnapshotRef:   version.SnapshotRef,
	}, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, metadataFile), append(meta, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("write metadata: %w", err)
	}
	for _, name := range []string{contentFile, metadataFile} {
		if _, err := worktree.Add(name); err != nil {
			return false, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	message := fmt.Sprintf("Version %d (%s)", version.VersionNumber, version.Source)
	if version.ChangeSummary != "" {
		message += "\n\n" + version.ChangeSummary
	}
	author := "user-" + strconv.FormatInt(version.CreatorID, 10)
	when := version.CreatedAt
	if when.IsZero() {
		when = time.Now()
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: author + "@folio.local",
			When:  when,
		},
		AllowEmptyCommits: true,
	}); err != nil {
		return false, fmt.Errorf("commit version %d: %w", version.VersionNumber, err)
	}
	return true, nil
}

// History lists mirrored versions newest first. A document without a mirror has no history.
func (m *Mirror) History(documentID int64, limit int) ([]Entry, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	entries := make([]Entry, 0)
	for limit <= 0 || len(entries) < limit {
		commitObj, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate log: %w", err)
		}
		entry := Entry{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		}
		if meta, err := readMetadata(commitObj); err == nil {
			entry.VersionNumber = meta.VersionNumber
			entry.Source = meta.Source
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *Mirror) ensureRepo(documentID int64) (*git.Repository, error) {
	path := m.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func headMetadata(repo *git.Repository) (*metadata, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read head commit: %w", err)
	}
	meta, err := readMetadata(commitObj)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func readMetadata(commitObj *object.Commit) (metadata, error) {
	file, err := commitObj.File(metadataFile)
	if err != nil {
		return metadata{}, fmt.Errorf("load %s from commit: %w", metadataFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return metadata{}, fmt.Errorf("read %s: %w", metadataFile, err)
	}
	var meta metadata
	if err := json.Unmarshal([]byte(contents), &meta); err != nil {
		return metadata{}, fmt.Errorf("decode %s: %w", metadataFile, err)
	}
	return meta, nil
}

func (m *Mirror) repoPath(documentID int64) string {
	return filepath.Join(m.baseDir, "doc-"+strconv.FormatInt(documentID, 10))
}

func (m *Mirror) documentLock(documentID int64) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if lock, ok := m.locks[documentID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[documentID] = lock
	return lock
}
