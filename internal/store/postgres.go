package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/entity"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (document.Document, error) {
	var item document.Document
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, COALESCE(content::text, ''), created_by, updated_by, created_at, updated_at, revision
		FROM documents
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, documentID).Scan(
		&item.ID,
		&item.TenantID,
		&item.Title,
		&content,
		&item.CreatedBy,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Revision,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, ErrNotFound
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get document: %w", err)
	}
	if len(content) > 0 {
		item.Content = json.RawMessage(content)
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item document.Document) error {
	var content any
	if !document.IsEmpty(item.Content) {
		content = string(item.Content)
	}
	revision := item.Revision
	if revision < FirstRevision {
		revision = FirstRevision
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, title, content, created_by, updated_by, revision)
		VALUES ($1, $2, $3, $4::jsonb, $5, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.TenantID, item.Title, content, item.CreatedBy, revision)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// SaveContent overwrites a document's content in one transaction and returns
// the state it replaced. The row lock makes the read of the previous content
// and the write atomic against concurrent saves.
func (s *PostgresStore) SaveContent(ctx context.Context, params SaveParams) (SaveOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveOutcome{}, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev Previous
	var prevContent []byte
	err = tx.QueryRowContext(ctx, `
		SELECT title, COALESCE(content::text, ''), updated_by, updated_at, revision
		FROM documents
		WHERE tenant_id=$1 AND id=$2
		FOR UPDATE
	`, params.TenantID, params.DocumentID).Scan(&prev.Title, &prevContent, &prev.UpdatedBy, &prev.UpdatedAt, &prev.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return SaveOutcome{}, ErrNotFound
	}
	if err != nil {
		return SaveOutcome{}, fmt.Errorf("read previous content: %w", err)
	}
	if len(prevContent) > 0 {
		prev.Content = json.RawMessage(prevContent)
	}
	if params.BaseRevision > 0 && params.BaseRevision != prev.Revision {
		return SaveOutcome{}, ErrConflict
	}

	outcome := SaveOutcome{Previous: prev}
	err = tx.QueryRowContext(ctx, `
		UPDATE documents
		SET content=$3::jsonb, title=COALESCE(NULLIF($4, ''), title), updated_by=$5, updated_at=NOW(), revision=revision+1
		WHERE tenant_id=$1 AND id=$2
		RETURNING updated_at, revision
	`, params.TenantID, params.DocumentID, string(params.Content), params.Title, params.UpdatedBy).Scan(&outcome.UpdatedAt, &outcome.Revision)
	if err != nil {
		return SaveOutcome{}, fmt.Errorf("write content: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SaveOutcome{}, fmt.Errorf("commit save: %w", err)
	}
	return outcome, nil
}

// AppendVersion assigns the next version number from the document's own
// counter and inserts the version in the same transaction, so concurrent
// archivers cannot observe the same number.
func (s *PostgresStore) AppendVersion(ctx context.Context, v Version) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE documents SET version_seq = version_seq + 1
		WHERE tenant_id=$1 AND id=$2
		RETURNING version_seq
	`, v.TenantID, v.DocumentID).Scan(&v.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("next version number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (id, doc_id, tenant_id, title, content, version, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
	`, v.ID, v.DocumentID, v.TenantID, v.Title, string(v.Content), v.Number, v.CreatedBy, v.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, tenantID, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, tenant_id, title, content::text, version, created_by, created_at
		FROM document_versions
		WHERE tenant_id=$1 AND doc_id=$2
		ORDER BY version DESC
	`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, tenantID, documentID string, number int) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, tenant_id, title, content::text, version, created_by, created_at
		FROM document_versions
		WHERE tenant_id=$1 AND doc_id=$2 AND version=$3
	`, tenantID, documentID, number)
	item, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var item Version
	var content []byte
	if err := row.Scan(&item.ID, &item.DocumentID, &item.TenantID, &item.Title, &content, &item.Number, &item.CreatedBy, &item.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, err
		}
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) InsertAsset(ctx context.Context, item Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, doc_id, tenant_id, name, mime, size, storage_path, url, thumbnail_url, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.DocumentID, item.TenantID, item.Name, item.MIME, item.Size, item.StoragePath, item.URL, item.ThumbnailURL, item.UploadedBy, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// DeleteAsset removes the metadata record and returns what was deleted so the
// caller can remove the backing object. A non-empty documentID restricts the
// delete to that document's assets.
func (s *PostgresStore) DeleteAsset(ctx context.Context, tenantID, documentID, assetID string) (Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM assets
		WHERE tenant_id=$1 AND id=$2 AND ($3::text = '' OR doc_id=$3::text)
		RETURNING id, doc_id, tenant_id, name, mime, size, storage_path, url, thumbnail_url, uploaded_by, created_at
	`, tenantID, assetID, documentID)
	item, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	return item, err
}

func (s *PostgresStore) ListAssets(ctx context.Context, tenantID, documentID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, tenant_id, name, mime, size, storage_path, url, thumbnail_url, uploaded_by, created_at
		FROM assets
		WHERE tenant_id=$1 AND doc_id=$2
		ORDER BY created_at DESC, id DESC
	`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	items := make([]Asset, 0)
	for rows.Next() {
		item, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return items, nil
}

func scanAsset(row rowScanner) (Asset, error) {
	var item Asset
	var thumb sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.TenantID,
		&item.Name,
		&item.MIME,
		&item.Size,
		&item.StoragePath,
		&item.URL,
		&thumb,
		&item.UploadedBy,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, err
		}
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	if thumb.Valid {
		item.ThumbnailURL = &thumb.String
	}
	return item, nil
}

func (s *PostgresStore) InsertLink(ctx context.Context, item Link) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (id, from_type, from_id, to_type, to_id, relation, tenant_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.FromType, item.FromID, item.ToType, item.ToID, item.Relation, item.TenantID, item.CreatedBy, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// DeleteLink removes one edge. A non-zero endpoint restricts the delete to
// edges that start or end there.
func (s *PostgresStore) DeleteLink(ctx context.Context, tenantID, linkID string, endpoint entity.Ref) (Link, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM links
		WHERE tenant_id=$1 AND id=$2
		  AND ($3::text = ''
		    OR (from_type=$3::text AND from_id=$4::text)
		    OR (to_type=$3::text AND to_id=$4::text))
		RETURNING id, from_type, from_id, to_type, to_id, relation, tenant_id, created_by, created_at
	`, tenantID, linkID, string(endpoint.Kind()), endpoint.ID())
	item, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	return item, err
}

// ListLinksFrom returns edges whose source is ref.
func (s *PostgresStore) ListLinksFrom(ctx context.Context, tenantID string, ref entity.Ref) ([]Link, error) {
	return s.listLinks(ctx, `from_type=$2 AND from_id=$3`, tenantID, ref)
}

// ListLinksTo returns edges whose target is ref.
func (s *PostgresStore) ListLinksTo(ctx context.Context, tenantID string, ref entity.Ref) ([]Link, error) {
	return s.listLinks(ctx, `to_type=$2 AND to_id=$3`, tenantID, ref)
}

func (s *PostgresStore) listLinks(ctx context.Context, where, tenantID string, ref entity.Ref) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_type, from_id, to_type, to_id, relation, tenant_id, created_by, created_at
		FROM links
		WHERE tenant_id=$1 AND `+where+`
		ORDER BY created_at DESC, id DESC
	`, tenantID, string(ref.Kind()), ref.ID())
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	items := make([]Link, 0)
	for rows.Next() {
		item, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return items, nil
}

func scanLink(row rowScanner) (Link, error) {
	var item Link
	var relation sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.FromType,
		&item.FromID,
		&item.ToType,
		&item.ToID,
		&relation,
		&item.TenantID,
		&item.CreatedBy,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Link{}, err
		}
		return Link{}, fmt.Errorf("scan link: %w", err)
	}
	if relation.Valid {
		item.Relation = &relation.String
	}
	return item, nil
}

// targetTables maps each kind to its collection and display column.
var targetTables = map[entity.Kind]struct{ table, column string }{
	entity.KindDocument: {"documents", "title"},
	entity.KindEpic:     {"epics", "title"},
	entity.KindFeature:  {"features", "title"},
	entity.KindCard:     {"cards", "title"},
	entity.KindTest:     {"tests", "name"},
}

// SearchTargets is a case-insensitive substring match on the collection's
// display column, scoped to the tenant.
func (s *PostgresStore) SearchTargets(ctx context.Context, kind entity.Kind, term, tenantID string, limit int) ([]LinkTarget, error) {
	target, ok := targetTables[kind]
	if !ok {
		return nil, fmt.Errorf("search targets: unknown kind %q", kind)
	}
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + escapeLike(strings.TrimSpace(term)) + "%"
	query := fmt.Sprintf(`
		SELECT id, %[2]s
		FROM %[1]s
		WHERE tenant_id=$1 AND %[2]s ILIKE $2 ESCAPE '\'
		ORDER BY %[2]s ASC
		LIMIT $3
	`, target.table, target.column)
	rows, err := s.db.QueryContext(ctx, query, tenantID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", target.table, err)
	}
	defer rows.Close()

	items := make([]LinkTarget, 0, limit)
	for rows.Next() {
		item := LinkTarget{Type: string(kind)}
		if err := rows.Scan(&item.ID, &item.Title); err != nil {
			return nil, fmt.Errorf("scan %s: %w", target.table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", target.table, err)
	}
	return items, nil
}

// TargetTitles resolves display titles for ids of one kind. Missing ids are
// absent from the result.
func (s *PostgresStore) TargetTitles(ctx context.Context, tenantID string, kind entity.Kind, ids []string) (map[string]string, error) {
	titles := make(map[string]string, len(ids))
	target, ok := targetTables[kind]
	if !ok || len(ids) == 0 {
		return titles, nil
	}
	query := fmt.Sprintf(`SELECT id, %[2]s FROM %[1]s WHERE tenant_id=$1 AND id = ANY($2)`, target.table, target.column)
	rows, err := s.db.QueryContext(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve %s titles: %w", target.table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scan %s title: %w", target.table, err)
		}
		titles[id] = title
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s titles: %w", target.table, err)
	}
	return titles, nil
}

// LoadTargets reads every linkable artifact for reindexing the search engine.
// An empty tenantID loads all tenants.
func (s *PostgresStore) LoadTargets(ctx context.Context, tenantID string) ([]TargetRecord, error) {
	items := make([]TargetRecord, 0)
	for _, kind := range entity.Kinds() {
		if !kind.Linkable() {
			continue
		}
		target := targetTables[kind]
		query := fmt.Sprintf(`SELECT id, tenant_id, %[2]s FROM %[1]s WHERE $1 = '' OR tenant_id = $1`, target.table, target.column)
		rows, err := s.db.QueryContext(ctx, query, tenantID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", target.table, err)
		}
		for rows.Next() {
			var id, tenant, title string
			if err := rows.Scan(&id, &tenant, &title); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", target.table, err)
			}
			items = append(items, TargetRecord{TenantID: tenant, Type: string(kind), ID: id, Title: title})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s: %w", target.table, err)
		}
		rows.Close()
	}
	return items, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (s *PostgresStore) InsertShareLink(ctx context.Context, item ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, token_hash, doc_id, tenant_id, created_by, require_auth, watermark, password_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.TokenHash, item.DocumentID, item.TenantID, item.CreatedBy, item.RequireAuth, item.Watermark, item.PasswordHash, item.ExpiresAt, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupShareLink(ctx context.Context, tokenHash string) (ShareLink, error) {
	var item ShareLink
	var password sql.NullString
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, doc_id, tenant_id, created_by, require_auth, watermark, password_hash, expires_at, access_count, created_at, revoked_at
		FROM share_links
		WHERE token_hash=$1
	`, tokenHash).Scan(
		&item.ID,
		&item.TokenHash,
		&item.DocumentID,
		&item.TenantID,
		&item.CreatedBy,
		&item.RequireAuth,
		&item.Watermark,
		&password,
		&item.ExpiresAt,
		&item.AccessCount,
		&item.CreatedAt,
		&revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("lookup share link: %w", err)
	}
	if password.Valid {
		item.PasswordHash = &password.String
	}
	if revoked.Valid {
		item.RevokedAt = &revoked.Time
	}
	return item, nil
}

func (s *PostgresStore) TouchShareLink(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET access_count = access_count + 1, last_accessed_at=$2 WHERE id=$1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, tenantID, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET revoked_at=$3 WHERE id=$1 AND tenant_id=$2 AND revoked_at IS NULL
	`, id, tenantID, at)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke share link rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
