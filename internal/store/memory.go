package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/entity"
)

// MemoryStore keeps documents, assets, links, link targets and share links
// in process memory. Versions live in versioning.MemoryArchive. It backs unit
// tests and the CLI's --ephemeral server.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]document.Document
	assets  map[string]Asset
	links   []Link
	targets []TargetRecord
	shares  map[string]ShareLink
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   map[string]document.Document{},
		assets: map[string]Asset{},
		shares: map[string]ShareLink{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func memKey(tenantID, id string) string { return tenantID + "/" + id }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) InsertDocument(_ context.Context, item document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(item.TenantID, item.ID)
	if _, exists := m.docs[key]; exists {
		return nil
	}
	now := m.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.UpdatedBy == "" {
		item.UpdatedBy = item.CreatedBy
	}
	if item.Revision < FirstRevision {
		item.Revision = FirstRevision
	}
	m.docs[key] = item
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, tenantID, documentID string) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.docs[memKey(tenantID, documentID)]
	if !ok {
		return document.Document{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) SaveContent(_ context.Context, params SaveParams) (SaveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(params.TenantID, params.DocumentID)
	item, ok := m.docs[key]
	if !ok {
		return SaveOutcome{}, ErrNotFound
	}
	if params.BaseRevision > 0 && params.BaseRevision != item.Revision {
		return SaveOutcome{}, ErrConflict
	}
	outcome := SaveOutcome{Previous: Previous{
		Title:     item.Title,
		Content:   item.Content,
		UpdatedBy: item.UpdatedBy,
		UpdatedAt: item.UpdatedAt,
		Revision:  item.Revision,
	}}
	item.Content = append(document.Content(nil), params.Content...)
	if params.Title != "" {
		item.Title = params.Title
	}
	item.UpdatedBy = params.UpdatedBy
	item.UpdatedAt = m.now()
	item.Revision++
	m.docs[key] = item
	outcome.UpdatedAt = item.UpdatedAt
	outcome.Revision = item.Revision
	return outcome, nil
}

func (m *MemoryStore) InsertAsset(_ context.Context, item Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[memKey(item.TenantID, item.ID)] = item
	return nil
}

func (m *MemoryStore) DeleteAsset(_ context.Context, tenantID, documentID, assetID string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(tenantID, assetID)
	item, ok := m.assets[key]
	if !ok || (documentID != "" && item.DocumentID != documentID) {
		return Asset{}, ErrNotFound
	}
	delete(m.assets, key)
	return item, nil
}

func (m *MemoryStore) ListAssets(_ context.Context, tenantID, documentID string) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Asset, 0)
	for _, item := range m.assets {
		if item.TenantID == tenantID && item.DocumentID == documentID {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) InsertLink(_ context.Context, item Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, item)
	return nil
}

func (m *MemoryStore) DeleteLink(_ context.Context, tenantID, linkID string, endpoint entity.Ref) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.links {
		if item.TenantID == tenantID && item.ID == linkID && item.Touches(endpoint) {
			m.links = append(m.links[:i], m.links[i+1:]...)
			return item, nil
		}
	}
	return Link{}, ErrNotFound
}

func (m *MemoryStore) ListLinksFrom(_ context.Context, tenantID string, ref entity.Ref) ([]Link, error) {
	return m.listLinks(tenantID, func(l Link) bool {
		return l.FromType == string(ref.Kind()) && l.FromID == ref.ID()
	}), nil
}

func (m *MemoryStore) ListLinksTo(_ context.Context, tenantID string, ref entity.Ref) ([]Link, error) {
	return m.listLinks(tenantID, func(l Link) bool {
		return l.ToType == string(ref.Kind()) && l.ToID == ref.ID()
	}), nil
}

func (m *MemoryStore) listLinks(tenantID string, match func(Link) bool) []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0)
	for _, item := range m.links {
		if item.TenantID == tenantID && match(item) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PutTarget registers a linkable artifact; those tables are owned elsewhere.
func (m *MemoryStore) PutTarget(record TargetRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, record)
}

func (m *MemoryStore) SearchTargets(_ context.Context, kind entity.Kind, term, tenantID string, limit int) ([]LinkTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(term))
	out := make([]LinkTarget, 0)
	for _, t := range m.targets {
		if t.TenantID != tenantID || t.Type != string(kind) {
			continue
		}
		if !strings.Contains(strings.ToLower(t.Title), needle) {
			continue
		}
		out = append(out, LinkTarget{Type: t.Type, ID: t.ID, Title: t.Title})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) TargetTitles(_ context.Context, tenantID string, kind entity.Kind, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := map[string]string{}
	for _, t := range m.targets {
		if t.TenantID == tenantID && t.Type == string(kind) && wanted[t.ID] {
			out[t.ID] = t.Title
		}
	}
	if kind == entity.KindDocument {
		for _, doc := range m.docs {
			if doc.TenantID == tenantID && wanted[doc.ID] {
				out[doc.ID] = doc.Title
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadTargets(_ context.Context, tenantID string) ([]TargetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TargetRecord, 0, len(m.targets))
	for _, t := range m.targets {
		if tenantID == "" || t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertShareLink(_ context.Context, item ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[item.TokenHash] = item
	return nil
}

func (m *MemoryStore) LookupShareLink(_ context.Context, tokenHash string) (ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.shares[tokenHash]
	if !ok {
		return ShareLink{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) TouchShareLink(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, item := range m.shares {
		if item.ID == id {
			item.AccessCount++
			m.shares[hash] = item
		}
	}
	return nil
}

func (m *MemoryStore) RevokeShareLink(_ context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, item := range m.shares {
		if item.ID == id && item.TenantID == tenantID && item.RevokedAt == nil {
			item.RevokedAt = &at
			m.shares[hash] = item
			return nil
		}
	}
	return ErrNotFound
}
