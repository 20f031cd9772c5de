package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/store"
)

func version(text string) store.Version {
	return store.Version{
		ID:         "ver_" + text,
		DocumentID: "doc-1",
		TenantID:   "tenant-1",
		Title:      "Doc",
		Content:    json.RawMessage(fmt.Sprintf(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":%q}]}]}`, text)),
		CreatedBy:  "Avery Q",
		CreatedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	archive := New(tempDir)
	ctx := context.Background()

	first, err := archive.AppendVersion(ctx, version("hello"))
	if err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
	if first.Number != 1 {
		t.Fatalf("expected version 1, got %d", first.Number)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "tenant-1", "doc-1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := archive.AppendVersion(ctx, version("hello world"))
	if err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
	if second.Number != 2 {
		t.Fatalf("expected version 2, got %d", second.Number)
	}

	history, err := archive.ListVersions(ctx, "tenant-1", "doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(history) != 2 || history[0].Number != 2 || history[1].Number != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	got, err := archive.GetVersion(ctx, "tenant-1", "doc-1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if !document.Equal(got.Content, version("hello").Content) {
		t.Fatalf("content mismatch after round-trip: %s", got.Content)
	}
	if got.CreatedBy != "Avery Q" || !got.CreatedAt.Equal(version("hello").CreatedAt) || got.ID != "ver_hello" {
		t.Fatalf("attribution lost: %+v", got)
	}
}

func TestGetVersionMissing(t *testing.T) {
	archive := New(t.TempDir())
	ctx := context.Background()

	if _, err := archive.GetVersion(ctx, "tenant-1", "doc-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty archive, got %v", err)
	}
	if _, err := archive.AppendVersion(ctx, version("a")); err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
	if _, err := archive.GetVersion(ctx, "tenant-1", "doc-1", 9); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	items, err := archive.ListVersions(ctx, "tenant-1", "other")
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty history for unknown doc, got %v, %v", items, err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	archive := New(t.TempDir())
	v := version("x")
	v.DocumentID = "../escape"
	if _, err := archive.AppendVersion(context.Background(), v); err == nil {
		t.Fatal("expected invalid segment error")
	}
}

func TestConcurrentAppendsGetDistinctNumbers(t *testing.T) {
	archive := New(t.TempDir())
	ctx := context.Background()

	const writers = 12
	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := archive.AppendVersion(ctx, version(fmt.Sprintf("edit-%02d", idx)))
			if err != nil {
				errCh <- err
				return
			}
			numbers <- v.Number
		}(i)
	}
	wg.Wait()
	close(errCh)
	close(numbers)

	for err := range errCh {
		t.Fatalf("AppendVersion() concurrent error = %v", err)
	}
	seen := map[int]bool{}
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate version number %d", n)
		}
		seen[n] = true
	}
	for n := 1; n <= writers; n++ {
		if !seen[n] {
			t.Fatalf("missing version %d", n)
		}
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Avery Q_x"); got != "Avery.Q.x" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("!!!"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
}
