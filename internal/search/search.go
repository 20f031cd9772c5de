// Package search finds link target candidates by title. Meilisearch serves
// queries while healthy; Postgres substring matching is the fallback and
// the source of truth.
package search

import (
	"context"
	"strings"

	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/store"
)

// MaxResults caps every candidate lookup.
const MaxResults = 10

// Query describes a search request.
type Query struct {
	Kind     entity.Kind
	Text     string
	TenantID string
	Limit    int
}

// Searcher can execute a candidate search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]store.LinkTarget, error)
	Healthy() bool
}

// Fallback is the authoritative substring search and reindex source.
type Fallback interface {
	SearchTargets(ctx context.Context, kind entity.Kind, term, tenantID string, limit int) ([]store.LinkTarget, error)
	LoadTargets(ctx context.Context, tenantID string) ([]store.TargetRecord, error)
}

// Indexer can push link targets into a search index.
type Indexer interface {
	IndexTargets(records []TargetRecord) error
}

// TargetRecord is the data we index for a linkable artifact.
type TargetRecord struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
}

// matches applies the case-insensitive substring rule.
func matches(title, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(title), term)
}
