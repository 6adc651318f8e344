package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/versioning"
)

// SQLStore persists documents and versions in Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const versionColumns = `id, doc_id, version_number, snapshot_ref, content_hash, size_bytes, creator_id,
	change_summary, source, content_text, content_html, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (versioning.Version, error) {
	var (
		v      versioning.Version
		source string
	)
	err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.SnapshotRef, &v.ContentHash, &v.SizeBytes,
		&v.CreatorID, &v.ChangeSummary, &source, &v.ContentText, &v.ContentHTML, &v.CreatedAt)
	if err != nil {
		return versioning.Version{}, err
	}
	v.Source = versioning.Source(source)
	return v, nil
}

func scanDocument(row rowScanner) (versioning.Document, error) {
	var (
		doc     versioning.Document
		current sql.NullInt64
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.RetentionLimit, &current, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return versioning.Document{}, err
	}
	if current.Valid {
		id := current.Int64
		doc.CurrentVersionID = &id
	}
	return doc, nil
}

// InTx runs fn in one transaction. Begin and commit failures carry their stage.
func (s *SQLStore) InTx(ctx context.Context, fn func(versioning.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &versioning.StageError{Stage: versioning.StageBegin, Err: classify("begin", err)}
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &versioning.StageError{Stage: versioning.StageCommit, Err: classify("commit", err)}
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
	now     func() time.Time
}

func (t *sqlTx) GetDocument(ctx context.Context, documentID int64) (versioning.Document, error) {
	query := t.dialect.rebind(`
		SELECT id, owner_id, title, retention_limit, current_version_id, created_at, updated_at
		FROM documents WHERE id = $1` + t.dialect.lockDocument())
	doc, err := scanDocument(t.tx.QueryRowContext(ctx, query, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.Document{}, versioning.ErrDocumentNotFound
	}
	if err != nil {
		return versioning.Document{}, classify("lock document", err)
	}
	return doc, nil
}

func (t *sqlTx) FindByContentHash(ctx context.Context, documentID int64, contentHash string) (*versioning.VersionRef, error) {
	var ref versioning.VersionRef
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(`
		SELECT id, version_number FROM document_versions
		WHERE doc_id = $1 AND content_hash = $2
		ORDER BY version_number DESC
		LIMIT 1
	`), documentID, contentHash).Scan(&ref.ID, &ref.VersionNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find version by hash", err)
	}
	return &ref, nil
}

func (t *sqlTx) MaxVersionNumber(ctx context.Context, documentID int64) (int, error) {
	var maxNumber int
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`SELECT COALESCE(MAX(version_number), 0) FROM document_versions WHERE doc_id = $1`,
	), documentID).Scan(&maxNumber)
	if err != nil {
		return 0, classify("max version number", err)
	}
	return maxNumber, nil
}

func (t *sqlTx) InsertVersion(ctx context.Context, v versioning.Version) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(`
		INSERT INTO document_versions (
			doc_id, version_number, snapshot_ref, content_hash, size_bytes, creator_id,
			change_summary, source, content_text, content_html, content_search, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`), v.DocumentID, v.VersionNumber, v.SnapshotRef, v.ContentHash, v.SizeBytes, v.CreatorID,
		v.ChangeSummary, string(v.Source), v.ContentText, v.ContentHTML, searchText(v.ContentText), v.CreatedAt).Scan(&id)
	if err != nil {
		return 0, classify("insert version", err)
	}
	return id, nil
}

const pointerSavepoint = "set_current_version"

// SetCurrentVersion runs inside a savepoint. A failed attempt is rolled back to it,
// so the transaction stays usable and the caller may retry; Postgres rejects every
// later statement otherwise.
func (t *sqlTx) SetCurrentVersion(ctx context.Context, documentID, versionID int64) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+pointerSavepoint); err != nil {
		return classify("savepoint", err)
	}
	result, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`UPDATE documents SET current_version_id = $1, updated_at = $2 WHERE id = $3`,
	), versionID, t.now().UTC(), documentID)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pointerSavepoint); rbErr == nil {
			_, _ = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pointerSavepoint)
		}
		return classify("update current version", err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pointerSavepoint); err != nil {
		return classify("release savepoint", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return versioning.ErrDocumentNotFound
	}
	return nil
}

func (s *SQLStore) CreateDocument(ctx context.Context, ownerID int64, title string, retentionLimit int) (versioning.Document, error) {
	if retentionLimit < 0 {
		return versioning.Document{}, fmt.Errorf("%w: retention limit must not be negative", versioning.ErrInvalidInput)
	}
	now := s.now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO documents (owner_id, title, retention_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`), ownerID, strings.TrimSpace(title), retentionLimit, now).Scan(&id)
	if err != nil {
		return versioning.Document{}, classify("insert document", err)
	}
	return s.GetDocument(ctx, id)
}

func (s *SQLStore) GetDocument(ctx context.Context, documentID int64) (versioning.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, owner_id, title, retention_limit, current_version_id, created_at, updated_at
		FROM documents WHERE id = $1
	`), documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.Document{}, versioning.ErrDocumentNotFound
	}
	if err != nil {
		return versioning.Document{}, classify("get document", err)
	}
	return doc, nil
}

// CurrentSnapshot reads the published version of a document without locking.
func (s *SQLStore) CurrentSnapshot(ctx context.Context, documentID int64) (versioning.CurrentSnapshot, error) {
	var (
		versionID   sql.NullInt64
		number      sql.NullInt64
		snapshotRef sql.NullString
		contentHash sql.NullString
	)
	snapshot := versioning.CurrentSnapshot{DocumentID: documentID}
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT v.id, v.version_number, v.snapshot_ref, v.content_hash
		FROM documents d
		LEFT JOIN document_versions v ON v.id = d.current_version_id
		WHERE d.id = $1
	`), documentID).Scan(&versionID, &number, &snapshotRef, &contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.CurrentSnapshot{}, versioning.ErrDocumentNotFound
	}
	if err != nil {
		return versioning.CurrentSnapshot{}, classify("current snapshot", err)
	}
	if !versionID.Valid {
		return snapshot, nil
	}
	snapshot.Published = true
	snapshot.VersionID = versionID.Int64
	snapshot.VersionNumber = int(number.Int64)
	snapshot.SnapshotRef = snapshotRef.String
	snapshot.ContentHash = contentHash.String
	return snapshot, nil
}

func (s *SQLStore) GetVersion(ctx context.Context, documentID int64, number int) (versioning.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE doc_id = $1 AND version_number = $2
	`), documentID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return versioning.Version{}, versioning.ErrVersionNotFound
	}
	if err != nil {
		return versioning.Version{}, classify("get version", err)
	}
	return v, nil
}

// ListVersions returns the newest versions first.
func (s *SQLStore) ListVersions(ctx context.Context, documentID int64, limit int) ([]versioning.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE doc_id = $1
		ORDER BY version_number DESC
		LIMIT $2
	`), documentID, limit)
	if err != nil {
		return nil, classify("list versions", err)
	}
	defer rows.Close()

	versions := make([]versioning.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, classify("scan version", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list versions", err)
	}
	return versions, nil
}

// ListAutoVersionsBeyond ranks automatic versions newest first and returns the ids past keep.
// The version the document currently points at is never returned.
func (s *SQLStore) ListAutoVersionsBeyond(ctx context.Context, documentID int64, keep int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id FROM document_versions
		WHERE doc_id = $1 AND source = 'auto'
		ORDER BY version_number DESC`+s.dialect.offsetAll("$2")), documentID, keep)
	if err != nil {
		return nil, classify("list prunable versions", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify("scan prunable version", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("list prunable versions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.CurrentVersionID == nil {
		return ids, nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != *doc.CurrentVersionID {
			filtered = append(filtered, id)
		}
	}
	return filtered, nil
}

// DeleteVersions removes automatic versions by id. Other sources are left alone.
func (s *SQLStore) DeleteVersions(ctx context.Context, versionIDs []int64) error {
	if len(versionIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(versionIDs))
	args := make([]any, len(versionIDs))
	for i, id := range versionIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `DELETE FROM document_versions WHERE source = 'auto' AND id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...); err != nil {
		return classify("delete versions", err)
	}
	return nil
}

func (s *SQLStore) AddMember(ctx context.Context, member Member) error {
	role := strings.ToLower(strings.TrimSpace(member.Role))
	if role != TierEditor && role != TierViewer {
		return fmt.Errorf("%w: member role must be editor or viewer", versioning.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO document_members (doc_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doc_id, user_id) DO UPDATE SET role = excluded.role
	`), member.DocumentID, member.UserID, role, s.now().UTC())
	if err != nil {
		return classify("add member", err)
	}
	return nil
}

// PermissionTier resolves owner, then membership role, else none.
func (s *SQLStore) PermissionTier(ctx context.Context, documentID, userID int64) (string, error) {
	var (
		ownerID int64
		role    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT d.owner_id, m.role
		FROM documents d
		LEFT JOIN document_members m ON m.doc_id = d.id AND m.user_id = $2
		WHERE d.id = $1
	`), documentID, userID).Scan(&ownerID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", versioning.ErrDocumentNotFound
	}
	if err != nil {
		return "", classify("permission tier", err)
	}
	switch {
	case ownerID == userID:
		return TierOwner, nil
	case role.Valid && role.String != "":
		return role.String, nil
	default:
		return TierNone, nil
	}
}

var _ versioning.Store = (*SQLStore)(nil)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// searchText folds text for the content_search column and for search phrases.
// SQLite's LOWER folds ASCII only, so both dialects fold in Go.
func searchText(text string) string {
	return strings.ToLower(text)
}

// SearchVersionText finds versions of a document whose text contains phrase, ignoring case.
func (s *SQLStore) SearchVersionText(ctx context.Context, documentID int64, phrase string, limit, offset int) ([]versioning.Version, int, error) {
	pattern := "%" + likeEscaper.Replace(searchText(phrase)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT COUNT(*) FROM document_versions
		WHERE doc_id = $1 AND content_search LIKE $2 ESCAPE '\'
	`), documentID, pattern).Scan(&total); err != nil {
		return nil, 0, classify("count version text matches", err)
	}
	if total == 0 {
		return []versioning.Version{}, 0, nil
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE doc_id = $1 AND content_search LIKE $2 ESCAPE '\'
		ORDER BY version_number DESC
		LIMIT $3 OFFSET $4
	`), documentID, pattern, limit, offset)
	if err != nil {
		return nil, 0, classify("search version text", err)
	}
	defer rows.Close()

	versions := make([]versioning.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, classify("scan version", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("search version text", err)
	}
	return versions, total, nil
}
