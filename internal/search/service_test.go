package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/store"
)

type fakeEngine struct {
	healthy bool
	hits    []store.LinkTarget
	err     error
	indexed []TargetRecord
}

func (f *fakeEngine) Search(context.Context, Query) ([]store.LinkTarget, error) {
	return f.hits, f.err
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) IndexTargets(records []TargetRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}

type fakeFallback struct {
	rows    []store.TargetRecord
	calls   int
	lastArg string
	err     error
}

func (f *fakeFallback) SearchTargets(_ context.Context, kind entity.Kind, term, tenantID string, limit int) ([]store.LinkTarget, error) {
	f.calls++
	f.lastArg = tenantID
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.LinkTarget, 0)
	for _, row := range f.rows {
		if row.TenantID != tenantID || row.Type != string(kind) || !matches(row.Title, term) {
			continue
		}
		out = append(out, store.LinkTarget{Type: row.Type, ID: row.ID, Title: row.Title})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFallback) LoadTargets(context.Context, string) ([]store.TargetRecord, error) {
	return f.rows, f.err
}

func epics(tenant string, n int) []store.TargetRecord {
	rows := make([]store.TargetRecord, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, store.TargetRecord{TenantID: tenant, Type: "epic", ID: fmt.Sprintf("E%02d", i), Title: fmt.Sprintf("Checkout flow %02d", i)})
	}
	return rows
}

func TestSearchFallsBackToPostgresWithoutEngine(t *testing.T) {
	fb := &fakeFallback{rows: append(epics("t1", 15), epics("t2", 3)...)}
	svc := NewService(nil, fb, zap.NewNop())

	got, err := svc.Search(context.Background(), entity.KindEpic, "CHECKOUT", "t1")
	require.NoError(t, err)
	assert.Len(t, got, MaxResults)
	assert.Equal(t, "t1", fb.lastArg)
}

func TestSearchRejectsNonTargetKinds(t *testing.T) {
	svc := NewService(nil, &fakeFallback{}, zap.NewNop())
	_, err := svc.Search(context.Background(), entity.KindDocument, "x", "t1")
	assert.Error(t, err)
}

func TestSearchFiltersEngineHitsBySubstring(t *testing.T) {
	engine := &fakeEngine{healthy: true, hits: []store.LinkTarget{
		{Type: "epic", ID: "E1", Title: "Checkout revamp"},
		{Type: "epic", ID: "E2", Title: "Chekout typo match"},
		{Type: "feature", ID: "F1", Title: "Checkout feature"},
	}}
	fb := &fakeFallback{rows: []store.TargetRecord{
		{TenantID: "t1", Type: "epic", ID: "E1", Title: "Checkout revamp"},
		{TenantID: "t1", Type: "epic", ID: "E3", Title: "Guest checkout"},
	}}
	svc := &Service{engine: engine, indexer: engine, fallback: fb, log: zap.NewNop()}

	got, err := svc.Search(context.Background(), entity.KindEpic, "checkout", "t1")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, item := range got {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"E1", "E3"}, ids)
}

func TestSearchSkipsPostgresWhenEngineFillsCap(t *testing.T) {
	hits := make([]store.LinkTarget, 0, MaxResults)
	for i := 0; i < MaxResults; i++ {
		hits = append(hits, store.LinkTarget{Type: "card", ID: fmt.Sprintf("C%d", i), Title: "Login card"})
	}
	engine := &fakeEngine{healthy: true, hits: hits}
	fb := &fakeFallback{}
	svc := &Service{engine: engine, indexer: engine, fallback: fb, log: zap.NewNop()}

	got, err := svc.Search(context.Background(), entity.KindCard, "login", "t1")
	require.NoError(t, err)
	assert.Len(t, got, MaxResults)
	assert.Zero(t, fb.calls)
}

func TestSearchEngineErrorUsesFallback(t *testing.T) {
	engine := &fakeEngine{healthy: true, err: errors.New("boom")}
	fb := &fakeFallback{rows: []store.TargetRecord{{TenantID: "t1", Type: "test", ID: "T1", Title: "Login smoke test"}}}
	svc := &Service{engine: engine, indexer: engine, fallback: fb, log: zap.NewNop()}

	got, err := svc.Search(context.Background(), entity.KindTest, "smoke", "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "T1", got[0].ID)
}

func TestReindexAllFromPG(t *testing.T) {
	engine := &fakeEngine{healthy: true}
	fb := &fakeFallback{rows: epics("t1", 3)}
	svc := &Service{engine: engine, indexer: engine, fallback: fb, log: zap.NewNop()}

	n, err := svc.ReindexAllFromPG(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, engine.indexed, 3)
	assert.Equal(t, "t1", engine.indexed[0].TenantID)
	assert.True(t, strings.HasPrefix(engine.indexed[0].Key, "epic-"))
}

func TestTargetKeyIsTenantScoped(t *testing.T) {
	a := targetKey("t1", entity.KindEpic, "E1")
	b := targetKey("t2", entity.KindEpic, "E1")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[a-z]+-[0-9a-f]{32}$`, a)
}
