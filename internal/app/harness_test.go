package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/assets"
	"rubyeditor/api/internal/config"
	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/links"
	"rubyeditor/api/internal/search"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/versioning"
)

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *memoryBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.types[key] = contentType
	return nil
}

func (b *memoryBlobs) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memoryBlobs) Stat(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return assets.ErrBlobNotFound
	}
	return nil
}

func (b *memoryBlobs) URL(key string) string { return "https://assets.ruby.test/" + key }

// recordingFeed captures published events and fans them out to subscribers.
type recordingFeed struct {
	mu     sync.Mutex
	events []feed.Event
	subs   []chan feed.Event
}

func (f *recordingFeed) Publish(_ context.Context, event feed.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (f *recordingFeed) Subscribe(_ context.Context, _, _ string) (<-chan feed.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan feed.Event, 16)
	f.subs = append(f.subs, ch)
	return ch, nil
}

func (f *recordingFeed) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

// countingStore counts content writes.
type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes int
	fail   error
}

func (c *countingStore) SaveContent(ctx context.Context, params store.SaveParams) (store.SaveOutcome, error) {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return store.SaveOutcome{}, fail
	}
	outcome, err := c.MemoryStore.SaveContent(ctx, params)
	if err == nil {
		c.mu.Lock()
		c.writes++
		c.mu.Unlock()
	}
	return outcome, err
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type failingArchive struct {
	*versioning.MemoryArchive
}

func (failingArchive) AppendVersion(context.Context, store.Version) (store.Version, error) {
	return store.Version{}, errors.New("archive offline")
}

type harness struct {
	svc     *Service
	store   *countingStore
	archive versioning.Archive
	blobs   *memoryBlobs
	events  *recordingFeed
	printed int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithArchive(t, versioning.NewMemoryArchive())
}

func newHarnessWithArchive(t *testing.T, archive versioning.Archive) *harness {
	t.Helper()
	h := &harness{
		store:   &countingStore{MemoryStore: store.NewMemoryStore()},
		archive: archive,
		blobs:   newMemoryBlobs(),
		events:  &recordingFeed{},
	}
	log := zap.NewNop()
	searcher := search.NewService(nil, h.store, log)
	h.svc = New(config.Config{}, Deps{
		Store:    h.store,
		Versions: versioning.NewManager(archive, h.store, log),
		Assets:   assets.NewService(h.blobs, h.store, nil, h.events, log),
		Links:    links.NewGraph(h.store, searcher, h.events, log),
		Exporter: export.New(func(_ context.Context, html string) ([]byte, error) {
			h.printed++
			return []byte("%PDF-1.7 " + html), nil
		}),
		Shares: share.NewService(h.store, "http://ruby.test", 30, log),
		Events: h.events,
		Feed:   h.events,
		Logger: log,
	})
	return h
}

func (h *harness) seed(t *testing.T, id string, content string) {
	t.Helper()
	err := h.store.InsertDocument(context.Background(), document.Document{
		ID:        id,
		TenantID:  "t1",
		Title:     "Launch plan",
		Content:   document.Content(content),
		CreatedBy: "author",
		CreatedAt: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func (h *harness) versionCount(t *testing.T, id string) int {
	t.Helper()
	versions, err := h.archive.ListVersions(context.Background(), "t1", id)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	return len(versions)
}

func paragraphDoc(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": text}},
		}},
	})
	return string(raw)
}
