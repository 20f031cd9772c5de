package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/store"
)

const idxTargets = "ruby_link_targets"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server leaves the client unhealthy; the health loop recovers.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.Named("search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTargets,
		PrimaryKey: "key",
	}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxTargets), zap.Error(err))
	}

	index := m.client.Index(idxTargets)
	filterable := []interface{}{"tenantId", "type"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attrs", zap.String("index", idxTargets), zap.Error(err))
	}
	searchable := []string{"title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attrs", zap.String("index", idxTargets), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]store.LinkTarget, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	limit := q.Limit
	if limit <= 0 || limit > MaxResults {
		limit = MaxResults
	}

	resp, err := m.client.Index(idxTargets).Search(q.Text, &meili.SearchRequest{
		Limit:  int64(limit),
		Filter: fmt.Sprintf("tenantId = %q AND type = %q", q.TenantID, string(q.Kind)),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]store.LinkTarget, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, store.LinkTarget{
			Type:  decodeString(hit, "type"),
			ID:    decodeString(hit, "id"),
			Title: decodeString(hit, "title"),
		})
	}
	return results, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// targetKey derives a Meilisearch-safe primary key.
func targetKey(tenantID string, kind entity.Kind, id string) string {
	sum := sha256.Sum256([]byte(tenantID + "/" + string(kind) + "/" + id))
	return string(kind) + "-" + hex.EncodeToString(sum[:16])
}

// NewTargetRecord builds the indexed form of a target.
func NewTargetRecord(tenantID string, kind entity.Kind, id, title string) TargetRecord {
	return TargetRecord{
		Key:      targetKey(tenantID, kind, id),
		ID:       id,
		TenantID: tenantID,
		Type:     string(kind),
		Title:    title,
	}
}

// IndexTargets adds or updates targets in the search index.
func (m *Meili) IndexTargets(records []TargetRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTargets).AddDocuments(records, nil)
	return err
}
