package versioning

import (
	"context"
	"sort"
	"sync"

	"rubyeditor/api/internal/store"
)

// Archive persists immutable versions and owns their numbering. AppendVersion
// must assign v.Number atomically per document.
type Archive interface {
	AppendVersion(ctx context.Context, v store.Version) (store.Version, error)
	ListVersions(ctx context.Context, tenantID, documentID string) ([]store.Version, error)
	GetVersion(ctx context.Context, tenantID, documentID string, number int) (store.Version, error)
}

// MemoryArchive keeps versions in process. Used by tests and the CLI's
// offline export.
type MemoryArchive struct {
	mu       sync.Mutex
	versions map[string][]store.Version
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{versions: make(map[string][]store.Version)}
}

func memoryKey(tenantID, documentID string) string {
	return tenantID + "/" + documentID
}

func (a *MemoryArchive) AppendVersion(_ context.Context, v store.Version) (store.Version, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := memoryKey(v.TenantID, v.DocumentID)
	v.Number = len(a.versions[key]) + 1
	a.versions[key] = append(a.versions[key], v)
	return v, nil
}

func (a *MemoryArchive) ListVersions(_ context.Context, tenantID, documentID string) ([]store.Version, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := append([]store.Version(nil), a.versions[memoryKey(tenantID, documentID)]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Number > items[j].Number })
	return items, nil
}

func (a *MemoryArchive) GetVersion(_ context.Context, tenantID, documentID string, number int) (store.Version, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := a.versions[memoryKey(tenantID, documentID)]
	if number < 1 || number > len(items) {
		return store.Version{}, store.ErrNotFound
	}
	return items[number-1], nil
}
