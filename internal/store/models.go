package store

import "time"

type Project struct {
	ID          string
	Owner       string
	Title       string
	Slug        string
	Description string
	Status      string
	Content     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

// Redirect maps a project's former slug to its current one so deep links
// keep resolving after a rename.
type Redirect struct {
	ID        string
	ProjectID string
	Owner     string
	FromSlug  string
	CreatedAt time.Time
}

// PreviewLink grants read access to a draft project via an unguessable
// token, optionally password protected.
type PreviewLink struct {
	ID           string
	ProjectID    string
	Token        string
	PasswordHash *string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

type SaveProjectRequest struct {
	ProjectID   string
	Title       string
	Slug        string
	Description string
	Status      string
	Content     []byte
}
