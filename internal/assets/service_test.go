package assets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/store"
)

type memoryBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failPut   error
	failRm    error
	putCalled int
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}}
}

func (b *memoryBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b.mu.Lock()
	b.putCalled++
	fail := b.failPut
	b.mu.Unlock()
	if fail != nil {
		return fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

func (b *memoryBlobs) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRm != nil {
		return b.failRm
	}
	delete(b.objects, key)
	return nil
}

func (b *memoryBlobs) Stat(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return ErrBlobNotFound
	}
	return nil
}

func (b *memoryBlobs) URL(key string) string { return "https://cdn.example/" + key }

type memoryRecords struct {
	mu        sync.Mutex
	items     map[string]store.Asset
	failWrite error
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{items: map[string]store.Asset{}}
}

func (r *memoryRecords) InsertAsset(_ context.Context, item store.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite != nil {
		return r.failWrite
	}
	r.items[item.ID] = item
	return nil
}

func (r *memoryRecords) DeleteAsset(_ context.Context, tenantID, documentID, assetID string) (store.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[assetID]
	if !ok || item.TenantID != tenantID || (documentID != "" && item.DocumentID != documentID) {
		return store.Asset{}, store.ErrNotFound
	}
	delete(r.items, assetID)
	return item, nil
}

func (r *memoryRecords) ListAssets(_ context.Context, tenantID, documentID string) ([]store.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Asset, 0)
	for _, item := range r.items {
		if item.TenantID == tenantID && item.DocumentID == documentID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type recordingFeed struct {
	mu     sync.Mutex
	events []feed.Event
}

func (f *recordingFeed) Publish(_ context.Context, event feed.Event) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
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

func newTestService(t *testing.T) (*Service, *memoryBlobs, *memoryRecords, *RedisOrphanQueue, *recordingFeed) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	blobs := newMemoryBlobs()
	records := newMemoryRecords()
	queue := NewRedisOrphanQueue(client)
	events := &recordingFeed{}
	return NewService(blobs, records, queue, events, zap.NewNop()), blobs, records, queue, events
}

func pngBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte("\x89PNG\r\n\x1a\n"))
	return data
}

func TestUploadThenDeleteScenario(t *testing.T) {
	svc, blobs, _, _, events := newTestService(t)
	ctx := context.Background()

	var progress []float64
	asset, err := svc.Upload(ctx, UploadInput{
		File:       bytes.NewReader(pngBytes(200000)),
		Name:       "photo.png",
		MIME:       "image/png",
		Size:       200000,
		DocumentID: "D",
		TenantID:   "t1",
		UploadedBy: "u1",
	}, func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, int64(200000), asset.Size)
	assert.Equal(t, "image/png", asset.MIME)
	assert.Equal(t, "photo.png", asset.Name)
	assert.True(t, strings.HasPrefix(asset.StoragePath, "tenants/t1/documents/D/assets/"))
	assert.Equal(t, "https://cdn.example/"+asset.StoragePath, asset.URL)
	require.NotNil(t, asset.ThumbnailURL)
	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}

	list, err := svc.List(ctx, "t1", "D")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, asset.ID, list[0].ID)

	_, err = svc.Delete(ctx, "t1", asset.ID)
	require.NoError(t, err)

	list, err = svc.List(ctx, "t1", "D")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.ErrorIs(t, blobs.Stat(ctx, asset.StoragePath), ErrBlobNotFound)
	exists, err := svc.Exists(ctx, asset)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, []string{feed.AssetCreated, feed.AssetDeleted}, events.types())
}

func TestUploadFailureWritesNoMetadata(t *testing.T) {
	svc, blobs, records, _, _ := newTestService(t)
	blobs.failPut = errors.New("bucket offline")

	_, err := svc.Upload(context.Background(), UploadInput{
		File: strings.NewReader("hello"), Name: "notes.txt", DocumentID: "D", TenantID: "t1",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket offline")
	assert.Contains(t, err.Error(), "notes.txt")
	assert.Empty(t, records.items)
}

func TestUploadRecordFailureRemovesBlob(t *testing.T) {
	svc, blobs, records, _, _ := newTestService(t)
	records.failWrite = errors.New("db down")

	_, err := svc.Upload(context.Background(), UploadInput{
		File: strings.NewReader("hello"), Name: "notes.txt", DocumentID: "D", TenantID: "t1",
	}, nil)
	require.Error(t, err)
	assert.Empty(t, blobs.objects, "blob must not outlive a failed metadata write")
}

func TestUploadSniffsMissingMIME(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	asset, err := svc.Upload(context.Background(), UploadInput{
		File: bytes.NewReader(pngBytes(64)), Name: `C:\Users\me\shot 1.png`, DocumentID: "D", TenantID: "t1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.MIME)
	assert.Equal(t, "shot 1.png", asset.Name)
	assert.True(t, strings.HasSuffix(asset.StoragePath, "-shot-1.png"))
	assert.Equal(t, int64(64), asset.Size)
}

func TestUploadValidatesInput(t *testing.T) {
	svc, blobs, _, _, _ := newTestService(t)
	_, err := svc.Upload(context.Background(), UploadInput{File: strings.NewReader("x"), Name: "a.txt", TenantID: "t1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidUpload)
	assert.Zero(t, blobs.putCalled)
}

func TestDeleteQueuesOrphanAndSweepRetries(t *testing.T) {
	svc, blobs, _, queue, _ := newTestService(t)
	ctx := context.Background()

	asset, err := svc.Upload(ctx, UploadInput{File: strings.NewReader("data"), Name: "a.txt", MIME: "text/plain", DocumentID: "D", TenantID: "t1"}, nil)
	require.NoError(t, err)

	blobs.failRm = errors.New("transient")
	_, err = svc.Delete(ctx, "t1", asset.ID)
	require.NoError(t, err, "blob failures are not surfaced")

	list, err := svc.List(ctx, "t1", "D")
	require.NoError(t, err)
	assert.Empty(t, list, "asset disappears even when blob delete fails")

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	n, _ = queue.Len(ctx)
	assert.Equal(t, int64(1), n, "failed sweep requeues the key")

	blobs.failRm = nil
	removed, err = svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.ErrorIs(t, blobs.Stat(ctx, asset.StoragePath), ErrBlobNotFound)
	n, _ = queue.Len(ctx)
	assert.Zero(t, n)
}

func TestDeleteUnknownAsset(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.Delete(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInterceptImageInsertsOnlyPersistentURL(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	tree := document.NewTree()
	ctx := context.Background()

	asset, err := svc.InterceptImage(ctx, tree, ImageDrop{
		Data: bytes.NewReader(pngBytes(128)), Name: "paste.png", MIME: "image/png", Size: 128,
		DocumentID: "D", TenantID: "t1", UploadedBy: "u1",
	}, nil)
	require.NoError(t, err)

	snapshot, err := tree.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{asset.URL}, document.ImageSources(snapshot))
	assert.NoError(t, document.CheckPersistentSources(snapshot))
}

func TestInterceptImageUploadFailureLeavesDocumentUntouched(t *testing.T) {
	svc, blobs, _, _, _ := newTestService(t)
	blobs.failPut = errors.New("offline")
	tree := document.NewTree()

	_, err := svc.InterceptImage(context.Background(), tree, ImageDrop{
		Data: bytes.NewReader(pngBytes(16)), MIME: "image/png", DocumentID: "D", TenantID: "t1",
	}, nil)
	require.Error(t, err)
	assert.True(t, tree.Empty())
}

func TestInterceptImageRejectsNonImages(t *testing.T) {
	svc, blobs, records, _, _ := newTestService(t)
	tree := document.NewTree()

	_, err := svc.InterceptImage(context.Background(), tree, ImageDrop{
		Data: strings.NewReader("plain text"), MIME: "text/plain", DocumentID: "D", TenantID: "t1",
	}, nil)
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = svc.InterceptImage(context.Background(), tree, ImageDrop{
		Data: strings.NewReader("plain text body"), DocumentID: "D", TenantID: "t1",
	}, nil)
	assert.ErrorIs(t, err, ErrNotImage)
	assert.True(t, tree.Empty())
	assert.Empty(t, records.items)
	assert.Empty(t, blobs.objects)
}

func TestMemoryBlobsServeStoredObjects(t *testing.T) {
	blobs := NewMemoryBlobs("http://localhost:8787/blobs/")
	ctx := context.Background()
	key := "tenants/t1/documents/d1/assets/a-notes.txt"

	require.NoError(t, blobs.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"))
	require.NoError(t, blobs.Stat(ctx, key))
	assert.Equal(t, "http://localhost:8787/blobs/"+key, blobs.URL(key))

	rec := httptest.NewRecorder()
	blobs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+key, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hello", rec.Body.String())

	require.NoError(t, blobs.Remove(ctx, key))
	assert.ErrorIs(t, blobs.Stat(ctx, key), ErrBlobNotFound)
	rec = httptest.NewRecorder()
	blobs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+key, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
