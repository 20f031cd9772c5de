// Package versioning archives the content a save overwrites as numbered,
// immutable versions.
package versioning

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/util"
)

// DocumentReader loads the live document for comparisons against version 0.
type DocumentReader interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (document.Document, error)
}

type Manager struct {
	archive Archive
	docs    DocumentReader
	log     *zap.Logger
}

func NewManager(archive Archive, docs DocumentReader, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{archive: archive, docs: docs, log: log.Named("versioning")}
}

// SnapshotInput describes one save: the stored state before it and the
// content it wrote.
type SnapshotInput struct {
	DocumentID   string
	TenantID     string
	Title        string
	OldContent   document.Content
	OldAuthor    string
	OldTimestamp time.Time
	NewContent   document.Content
}

// MaybeSnapshotVersion archives OldContent when the save changed the
// document. It reports whether a version was written. Failures are logged
// and never returned: the save that triggered this already succeeded.
func (m *Manager) MaybeSnapshotVersion(ctx context.Context, in SnapshotInput) bool {
	if document.IsEmpty(in.OldContent) {
		return false
	}
	if document.Equal(in.OldContent, in.NewContent) {
		return false
	}

	content, err := document.Canonical(in.OldContent)
	if err != nil {
		content = in.OldContent
	}
	version, err := m.archive.AppendVersion(ctx, store.Version{
		ID:         util.NewID("ver"),
		DocumentID: in.DocumentID,
		TenantID:   in.TenantID,
		Title:      in.Title,
		Content:    content,
		CreatedBy:  in.OldAuthor,
		CreatedAt:  in.OldTimestamp,
	})
	if err != nil {
		m.log.Warn("version snapshot failed",
			zap.String("document_id", in.DocumentID),
			zap.String("tenant_id", in.TenantID),
			zap.Error(err),
		)
		return false
	}
	m.log.Debug("version archived",
		zap.String("document_id", in.DocumentID),
		zap.Int("version", version.Number),
	)
	return true
}

// History lists versions newest-first.
func (m *Manager) History(ctx context.Context, tenantID, documentID string) ([]store.Version, error) {
	return m.archive.ListVersions(ctx, tenantID, documentID)
}

func (m *Manager) Get(ctx context.Context, tenantID, documentID string, number int) (store.Version, error) {
	if number < 1 {
		return store.Version{}, store.ErrNotFound
	}
	return m.archive.GetVersion(ctx, tenantID, documentID, number)
}
