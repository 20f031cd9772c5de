package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres. Engine hits are re-checked against the substring rule and topped
// up from Postgres when the engine returns fewer than the cap.
type Service struct {
	engine   Searcher
	indexer  Indexer
	fallback Fallback
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Fallback, log *zap.Logger) *Service {
	s := &Service{fallback: fallback, log: zap.NewNop()}
	if log != nil {
		s.log = log.Named("search")
	}
	if meili != nil {
		s.engine = meili
		s.indexer = meili
	}
	return s
}

// Search returns at most MaxResults targets of kind whose title contains term.
func (s *Service) Search(ctx context.Context, kind entity.Kind, term, tenantID string) ([]store.LinkTarget, error) {
	if !kind.Linkable() {
		return nil, fmt.Errorf("kind %q cannot be a link target", kind)
	}
	q := Query{Kind: kind, Text: term, TenantID: tenantID, Limit: MaxResults}

	results := make([]store.LinkTarget, 0, MaxResults)
	seen := make(map[string]bool)
	if s.engine != nil && s.engine.Healthy() {
		hits, err := s.engine.Search(ctx, q)
		if err != nil {
			s.log.Warn("engine error, falling back to postgres", zap.Error(err))
		}
		for _, hit := range hits {
			if hit.Type != string(kind) || !matches(hit.Title, term) || seen[hit.ID] {
				continue
			}
			seen[hit.ID] = true
			results = append(results, hit)
			if len(results) == MaxResults {
				return results, nil
			}
		}
	}

	rows, err := s.fallback.SearchTargets(ctx, kind, term, tenantID, MaxResults)
	if err != nil {
		if len(results) > 0 {
			s.log.Warn("postgres top-up failed", zap.Error(err))
			return results, nil
		}
		return nil, err
	}
	for _, row := range rows {
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		results = append(results, row)
		if len(results) == MaxResults {
			break
		}
	}
	return results, nil
}

// ReindexAllFromPG pushes every linkable artifact from Postgres into the
// engine. Returns the number of records sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if s.indexer == nil || s.engine == nil || !s.engine.Healthy() {
		return 0, nil
	}
	rows, err := s.fallback.LoadTargets(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("load targets: %w", err)
	}
	records := make([]TargetRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, NewTargetRecord(row.TenantID, entity.Kind(row.Type), row.ID, row.Title))
	}
	if err := s.indexer.IndexTargets(records); err != nil {
		return 0, fmt.Errorf("index targets: %w", err)
	}
	return len(records), nil
}
