package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"atelier/api/internal/slug"
	"atelier/api/internal/util"
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

const projectColumns = `id, owner_name, title, slug, description, status, content, created_at, updated_at, published_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Owner, &p.Title, &p.Slug, &p.Description, &p.Status, &p.Content, &p.CreatedAt, &p.UpdatedAt, &p.PublishedAt)
	return p, err
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	return scanProject(row)
}

// GetProjectBySlug resolves a public path for an owner. When no live
// project holds the slug, a single redirect hop is followed; callers can
// compare the requested slug against the returned project's slug to tell
// that a redirect fired.
func (s *PostgresStore) GetProjectBySlug(ctx context.Context, owner, slug string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_name=$1 AND slug=$2`, owner, slug)
	p, err := scanProject(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("lookup project by slug: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT p.id, p.owner_name, p.title, p.slug, p.description, p.status, p.content, p.created_at, p.updated_at, p.published_at
		FROM redirects r
		JOIN projects p ON p.id = r.project_id
		WHERE r.owner_name=$1 AND r.from_slug=$2
	`, owner, slug)
	return scanProject(row)
}

func (s *PostgresStore) ListProjects(ctx context.Context, owner string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE owner_name=$1
		ORDER BY updated_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// ListPublishedProjects returns every published project across all
// owners, used to rebuild the search index at startup.
func (s *PostgresStore) ListPublishedProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE status='published'
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list published projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, owner, title string) (Project, error) {
	id := util.NewID("proj")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	path, err := uniqueSlug(ctx, tx, owner, id, slug.Make(title))
	if err != nil {
		return Project{}, err
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO projects (id, owner_name, title, slug, status, content)
		VALUES ($1, $2, $3, $4, 'draft', '{"blocks":[]}')
		RETURNING `+projectColumns+`
	`, id, owner, title, path)
	p, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit create project: %w", err)
	}
	return p, nil
}

// SaveProject writes one editing snapshot. The requested slug may be
// adjusted for uniqueness within the owner's namespace; when a published
// project loses a slug, the old path is recorded as a redirect. The slug
// the caller should treat as canonical comes back on the returned project.
func (s *PostgresStore) SaveProject(ctx context.Context, req SaveProjectRequest) (Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin save project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1 FOR UPDATE`, req.ProjectID)
	prev, err := scanProject(row)
	if err != nil {
		return Project{}, err
	}

	path := prev.Slug
	if req.Slug != "" && req.Slug != prev.Slug {
		path, err = uniqueSlug(ctx, tx, prev.Owner, prev.ID, req.Slug)
		if err != nil {
			return Project{}, err
		}
	}

	wasPublished := prev.Status == "published"
	if wasPublished && path != prev.Slug {
		if err := registerRedirect(ctx, tx, prev, path); err != nil {
			return Project{}, err
		}
	}
	// A slug now serving a live page must not also be a redirect source.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM redirects WHERE owner_name=$1 AND from_slug=$2
	`, prev.Owner, path); err != nil {
		return Project{}, fmt.Errorf("clear shadowed redirect: %w", err)
	}

	status := req.Status
	if status == "" {
		status = prev.Status
	}
	row = tx.QueryRowContext(ctx, `
		UPDATE projects
		SET title=$2, slug=$3, description=$4, status=$5, content=$6,
			updated_at=NOW(),
			published_at=CASE WHEN $5='published' AND published_at IS NULL THEN NOW() ELSE published_at END
		WHERE id=$1
		RETURNING `+projectColumns+`
	`, prev.ID, req.Title, path, req.Description, status, req.Content)
	saved, err := scanProject(row)
	if err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit save project: %w", err)
	}
	return saved, nil
}

func registerRedirect(ctx context.Context, tx *sql.Tx, prev Project, newSlug string) error {
	// Renaming back to an old slug must not leave a loop behind.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM redirects WHERE project_id=$1 AND from_slug=$2
	`, prev.ID, newSlug); err != nil {
		return fmt.Errorf("drop opposing redirect: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO redirects (id, project_id, owner_name, from_slug)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_name, from_slug)
		DO UPDATE SET project_id=EXCLUDED.project_id, created_at=NOW()
	`, util.NewID("rdr"), prev.ID, prev.Owner, prev.Slug); err != nil {
		return fmt.Errorf("register redirect: %w", err)
	}
	return nil
}

// uniqueSlug finds the first free variant of base within the owner's
// namespace: base, base-2, base-3 and so on. Slugs held by excludeID
// itself do not count as taken.
func uniqueSlug(ctx context.Context, tx *sql.Tx, owner, excludeID, base string) (string, error) {
	if base == "" {
		base = "untitled"
	}
	for i := 1; i <= 100; i++ {
		candidate := base
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		var taken bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM projects WHERE owner_name=$1 AND slug=$2 AND id <> $3)
		`, owner, candidate, excludeID).Scan(&taken)
		if err != nil {
			return "", fmt.Errorf("check slug %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free slug variant for %q", base)
}

func (s *PostgresStore) ListRedirects(ctx context.Context, projectID string) ([]Redirect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, owner_name, from_slug, created_at
		FROM redirects
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list redirects: %w", err)
	}
	defer rows.Close()

	items := make([]Redirect, 0)
	for rows.Next() {
		var r Redirect
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Owner, &r.FromSlug, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redirect: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redirects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteRedirect(ctx context.Context, projectID, redirectID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM redirects WHERE id=$1 AND project_id=$2
	`, redirectID, projectID)
	if err != nil {
		return fmt.Errorf("delete redirect: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreatePreviewLink(ctx context.Context, projectID, token string, passwordHash *string, expiresAt *time.Time) (PreviewLink, error) {
	var link PreviewLink
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO preview_links (id, project_id, token, password_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, project_id, token, password_hash, expires_at, created_at, revoked_at
	`, util.NewID("pvw"), projectID, token, passwordHash, expiresAt).Scan(
		&link.ID, &link.ProjectID, &link.Token, &link.PasswordHash, &link.ExpiresAt, &link.CreatedAt, &link.RevokedAt)
	if err != nil {
		return PreviewLink{}, fmt.Errorf("create preview link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetPreviewLinkByToken(ctx context.Context, token string) (PreviewLink, error) {
	var link PreviewLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, token, password_hash, expires_at, created_at, revoked_at
		FROM preview_links
		WHERE token=$1
			AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > NOW())
	`, token).Scan(&link.ID, &link.ProjectID, &link.Token, &link.PasswordHash, &link.ExpiresAt, &link.CreatedAt, &link.RevokedAt)
	if err != nil {
		return PreviewLink{}, err
	}
	return link, nil
}

func (s *PostgresStore) ListPreviewLinks(ctx context.Context, projectID string) ([]PreviewLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, token, password_hash, expires_at, created_at, revoked_at
		FROM preview_links
		WHERE project_id=$1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list preview links: %w", err)
	}
	defer rows.Close()

	items := make([]PreviewLink, 0)
	for rows.Next() {
		var link PreviewLink
		if err := rows.Scan(&link.ID, &link.ProjectID, &link.Token, &link.PasswordHash, &link.ExpiresAt, &link.CreatedAt, &link.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan preview link: %w", err)
		}
		items = append(items, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preview links: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokePreviewLink(ctx context.Context, projectID, linkID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE preview_links SET revoked_at=NOW()
		WHERE id=$1 AND project_id=$2 AND revoked_at IS NULL
	`, linkID, projectID)
	if err != nil {
		return fmt.Errorf("revoke preview link: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
