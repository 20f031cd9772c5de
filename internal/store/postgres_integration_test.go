package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/entity"
)

var testMigrationsDir = filepath.Join("..", "..", "db", "migrations")

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("RUBY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("RUBY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedDocument(t *testing.T, ctx context.Context, s *PostgresStore, id string) {
	t.Helper()
	err := s.InsertDocument(ctx, document.Document{
		ID:        id,
		TenantID:  "t1",
		Title:     "Spec",
		Content:   json.RawMessage(`{"type":"doc","content":[]}`),
		CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("insert document: %v", err)
	}
}

func TestSaveContentReturnsPreviousAndChecksRevision(t *testing.T) {
	s, ctx := openTestStore(t)
	seedDocument(t, ctx, s, "doc-1")

	fresh, err := s.GetDocument(ctx, "t1", "doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if fresh.Revision != FirstRevision {
		t.Fatalf("fresh document revision = %d, want %d", fresh.Revision, FirstRevision)
	}

	// Two editors opened on the never-saved document: the second save must conflict.
	outcome, err := s.SaveContent(ctx, SaveParams{
		TenantID:     "t1",
		DocumentID:   "doc-1",
		Content:      json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`),
		UpdatedBy:    "u2",
		BaseRevision: fresh.Revision,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if outcome.Previous.UpdatedBy != "u1" || outcome.Revision != outcome.Previous.Revision+1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if _, err := s.SaveContent(ctx, SaveParams{
		TenantID:     "t1",
		DocumentID:   "doc-1",
		Content:      json.RawMessage(`{"type":"doc","content":[]}`),
		UpdatedBy:    "u4",
		BaseRevision: fresh.Revision,
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second editor on fresh document, got %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE documents SET revision = 0 WHERE id = 'doc-1'`); err == nil {
		t.Fatal("expected revision check constraint to reject 0")
	}

	_, err = s.SaveContent(ctx, SaveParams{
		TenantID:     "t1",
		DocumentID:   "doc-1",
		Content:      json.RawMessage(`{"type":"doc"}`),
		UpdatedBy:    "u3",
		BaseRevision: outcome.Previous.Revision,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale revision, got %v", err)
	}

	if _, err := s.SaveContent(ctx, SaveParams{TenantID: "t2", DocumentID: "doc-1", Content: json.RawMessage(`{}`)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestAppendVersionAssignsDistinctNumbersConcurrently(t *testing.T) {
	s, ctx := openTestStore(t)
	seedDocument(t, ctx, s, "doc-1")

	const writers = 8
	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.AppendVersion(ctx, Version{
				ID:         "v-" + string(rune('a'+i)),
				DocumentID: "doc-1",
				TenantID:   "t1",
				Content:    json.RawMessage(`{"type":"doc"}`),
				CreatedBy:  "u1",
				CreatedAt:  time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("append version: %v", err)
				return
			}
			numbers <- v.Number
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate version number %d", n)
		}
		seen[n] = true
	}
	for n := 1; n <= writers; n++ {
		if !seen[n] {
			t.Fatalf("missing version number %d in %v", n, seen)
		}
	}

	versions, err := s.ListVersions(ctx, "t1", "doc-1")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != writers || versions[0].Number != writers {
		t.Fatalf("expected newest-first list of %d, got %d (first=%d)", writers, len(versions), versions[0].Number)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE document_versions SET title='x' WHERE doc_id='doc-1'`); err == nil {
		t.Fatal("expected immutability trigger to reject update")
	}
}

func TestSearchTargetsIsTenantScopedAndCapped(t *testing.T) {
	s, ctx := openTestStore(t)
	for i := 0; i < 12; i++ {
		id := "e" + string(rune('a'+i))
		if _, err := s.DB().ExecContext(ctx, `INSERT INTO epics (id, tenant_id, title) VALUES ($1, 't1', $2)`, id, "Checkout "+id); err != nil {
			t.Fatalf("seed epic: %v", err)
		}
	}
	if _, err := s.DB().ExecContext(ctx, `INSERT INTO epics (id, tenant_id, title) VALUES ('other', 't2', 'Checkout elsewhere')`); err != nil {
		t.Fatalf("seed foreign epic: %v", err)
	}

	items, err := s.SearchTargets(ctx, entity.KindEpic, "checkout", "t1", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 10 {
		t.Fatalf("expected 10 results, got %d", len(items))
	}
	for _, item := range items {
		if item.ID == "other" {
			t.Fatal("foreign tenant row leaked into results")
		}
	}

	titles, err := s.TargetTitles(ctx, "t1", entity.KindEpic, []string{"ea", "missing"})
	if err != nil {
		t.Fatalf("titles: %v", err)
	}
	if titles["ea"] != "Checkout ea" || len(titles) != 1 {
		t.Fatalf("unexpected titles %v", titles)
	}
}

func TestMigrationsRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)
	db := s.DB()

	again, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, applied %v", again)
	}

	undone, err := RollbackMigrations(ctx, db, testMigrationsDir, 0)
	if err != nil {
		t.Fatalf("roll back: %v", err)
	}
	all, err := LoadMigrations(testMigrationsDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(undone) != len(all) || undone[0] != all[len(all)-1].ID() {
		t.Fatalf("unexpected rollback order %v", undone)
	}

	applied, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
	if len(applied) != len(all) {
		t.Fatalf("expected %d migrations, applied %v", len(all), applied)
	}
}
