package store

import (
	"encoding/json"
	"errors"
	"time"

	"rubyeditor/api/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a save against a stale document revision.
	ErrConflict = errors.New("document revision conflict")
)

// FirstRevision is the revision of a document that has never been saved.
// Revisions start above zero so an editor always holds a checkable base.
const FirstRevision int64 = 1

// Previous is the stored state a save overwrote.
type Previous struct {
	Title     string
	Content   json.RawMessage
	UpdatedBy string
	UpdatedAt time.Time
	Revision  int64
}

type SaveParams struct {
	TenantID   string
	DocumentID string
	Title      string // empty keeps the stored title
	Content    json.RawMessage
	UpdatedBy  string
	// BaseRevision > 0 makes the write conditional on the stored revision.
	BaseRevision int64
}

type SaveOutcome struct {
	Previous  Previous
	UpdatedAt time.Time
	Revision  int64
}

// Version is an immutable archived copy of a document's earlier content.
type Version struct {
	ID         string
	DocumentID string
	TenantID   string
	Title      string
	Content    json.RawMessage
	Number     int
	CreatedBy  string
	CreatedAt  time.Time
}

type Asset struct {
	ID           string
	DocumentID   string
	TenantID     string
	Name         string
	MIME         string
	Size         int64
	StoragePath  string
	URL          string
	ThumbnailURL *string
	UploadedBy   string
	CreatedAt    time.Time
}

// Link is the stored record of a directed edge between two artifacts.
type Link struct {
	ID        string
	FromType  string
	FromID    string
	ToType    string
	ToID      string
	Relation  *string
	TenantID  string
	CreatedBy string
	CreatedAt time.Time
}

// Touches reports whether ref is either endpoint. The zero Ref matches any link.
func (l Link) Touches(ref entity.Ref) bool {
	if ref.IsZero() {
		return true
	}
	kind := string(ref.Kind())
	return (l.FromType == kind && l.FromID == ref.ID()) || (l.ToType == kind && l.ToID == ref.ID())
}

// LinkTarget is a candidate or resolved endpoint with its display title.
type LinkTarget struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TargetRecord is a linkable artifact as fed to the search index.
type TargetRecord struct {
	TenantID string
	Type     string
	ID       string
	Title    string
}

// ShareLink is a minted public access token. Only the token hash is stored.
type ShareLink struct {
	ID           string
	TokenHash    string
	DocumentID   string
	TenantID     string
	CreatedBy    string
	RequireAuth  bool
	Watermark    bool
	PasswordHash *string
	ExpiresAt    time.Time
	AccessCount  int
	CreatedAt    time.Time
	RevokedAt    *time.Time
}
