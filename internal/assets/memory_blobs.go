package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

// MemoryBlobs keeps objects in process memory and serves them over HTTP.
// It backs ephemeral runs where no S3 endpoint is available.
type MemoryBlobs struct {
	mu         sync.RWMutex
	objects    map[string]memoryObject
	publicBase string
}

type memoryObject struct {
	data        []byte
	contentType string
	stored      time.Time
}

// NewMemoryBlobs returns a store whose URLs are publicBase + "/" + key.
// Mount the store under the path of publicBase to make them resolvable.
func NewMemoryBlobs(publicBase string) *MemoryBlobs {
	return &MemoryBlobs{
		objects:    make(map[string]memoryObject),
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

func (b *MemoryBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	b.mu.Lock()
	b.objects[key] = memoryObject{data: data, contentType: contentType, stored: time.Now().UTC()}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlobs) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlobs) Stat(_ context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.objects[key]; !ok {
		return ErrBlobNotFound
	}
	return nil
}

func (b *MemoryBlobs) URL(key string) string {
	return b.publicBase + "/" + key
}

// ServeHTTP serves the object named by the request path.
func (b *MemoryBlobs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	b.mu.RLock()
	obj, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	http.ServeContent(w, r, path.Base(key), obj.stored, bytes.NewReader(obj.data))
}
