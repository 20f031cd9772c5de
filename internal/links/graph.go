// Package links maintains typed, directed edges between documents and other
// product artifacts.
package links

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/util"
)

var ErrInvalidTarget = errors.New("invalid link target")

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Records is the edge storage.
type Records interface {
	InsertLink(ctx context.Context, item store.Link) error
	DeleteLink(ctx context.Context, tenantID, linkID string, endpoint entity.Ref) (store.Link, error)
	ListLinksFrom(ctx context.Context, tenantID string, ref entity.Ref) ([]store.Link, error)
	ListLinksTo(ctx context.Context, tenantID string, ref entity.Ref) ([]store.Link, error)
	TargetTitles(ctx context.Context, tenantID string, kind entity.Kind, ids []string) (map[string]string, error)
}

// Finder looks up link candidates by title.
type Finder interface {
	Search(ctx context.Context, kind entity.Kind, term, tenantID string) ([]store.LinkTarget, error)
}

// Edge is a stored link seen from one endpoint.
type Edge struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	FromType  string    `json:"fromType"`
	FromID    string    `json:"fromId"`
	ToType    string    `json:"toType"`
	ToID      string    `json:"toId"`
	Relation  *string   `json:"relation,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	// Label is the other endpoint's title, or its id when it cannot be resolved.
	Label string `json:"label"`
}

// Other returns the endpoint opposite the viewer.
func (e Edge) Other() (entity.Kind, string) {
	if e.Direction == Incoming {
		return entity.Kind(e.FromType), e.FromID
	}
	return entity.Kind(e.ToType), e.ToID
}

type Graph struct {
	records Records
	finder  Finder
	events  feed.Publisher
	log     *zap.Logger
	now     func() time.Time
}

func NewGraph(records Records, finder Finder, events feed.Publisher, log *zap.Logger) *Graph {
	if events == nil {
		events = feed.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{
		records: records,
		finder:  finder,
		events:  events,
		log:     log.Named("links"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	DocumentID string
	Target     entity.Ref
	Relation   string
	TenantID   string
	CreatedBy  string
}

// CreateLink stores an edge from the document to the target. The target is
// not checked for existence and duplicate edges are allowed.
func (g *Graph) CreateLink(ctx context.Context, in CreateInput) (store.Link, error) {
	if in.Target.IsZero() || !in.Target.Kind().Linkable() {
		return store.Link{}, fmt.Errorf("%w: %s", ErrInvalidTarget, in.Target)
	}
	if strings.TrimSpace(in.DocumentID) == "" || strings.TrimSpace(in.TenantID) == "" {
		return store.Link{}, fmt.Errorf("%w: document and tenant are required", ErrInvalidTarget)
	}

	item := store.Link{
		ID:        util.NewID("lnk"),
		FromType:  string(entity.KindDocument),
		FromID:    in.DocumentID,
		ToType:    string(in.Target.Kind()),
		ToID:      in.Target.ID(),
		TenantID:  in.TenantID,
		CreatedBy: in.CreatedBy,
		CreatedAt: g.now(),
	}
	if relation := strings.TrimSpace(in.Relation); relation != "" {
		item.Relation = &relation
	}
	if err := g.records.InsertLink(ctx, item); err != nil {
		return store.Link{}, err
	}
	g.publish(ctx, item, feed.LinkCreated)
	return item, nil
}

// DeleteLink removes one edge. Neither endpoint is touched.
func (g *Graph) DeleteLink(ctx context.Context, tenantID, linkID string) (store.Link, error) {
	return g.deleteLink(ctx, tenantID, linkID, entity.Ref{})
}

// DeleteDocumentLink removes one edge only if documentID is one of its
// endpoints.
func (g *Graph) DeleteDocumentLink(ctx context.Context, tenantID, documentID, linkID string) (store.Link, error) {
	return g.deleteLink(ctx, tenantID, linkID, entity.Document(documentID))
}

func (g *Graph) deleteLink(ctx context.Context, tenantID, linkID string, endpoint entity.Ref) (store.Link, error) {
	item, err := g.records.DeleteLink(ctx, tenantID, linkID, endpoint)
	if err != nil {
		return store.Link{}, err
	}
	g.publish(ctx, item, feed.LinkDeleted)
	return item, nil
}

// Search finds candidate targets of one kind for the link picker.
func (g *Graph) Search(ctx context.Context, kind entity.Kind, term, tenantID string) ([]store.LinkTarget, error) {
	if !kind.Linkable() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, kind)
	}
	return g.finder.Search(ctx, kind, term, tenantID)
}

// Outgoing lists edges whose source is ref.
func (g *Graph) Outgoing(ctx context.Context, tenantID string, ref entity.Ref) ([]Edge, error) {
	items, err := g.records.ListLinksFrom(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	return tag(items, Outgoing), nil
}

// Incoming lists edges whose target is ref.
func (g *Graph) Incoming(ctx context.Context, tenantID string, ref entity.Ref) ([]Edge, error) {
	items, err := g.records.ListLinksTo(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	return tag(items, Incoming), nil
}

// ForDocument merges both directions newest-first with resolved labels.
func (g *Graph) ForDocument(ctx context.Context, tenantID, documentID string) ([]Edge, error) {
	ref := entity.Document(documentID)
	out, err := g.Outgoing(ctx, tenantID, ref)
	if err != nil {
		return nil, fmt.Errorf("outgoing links: %w", err)
	}
	in, err := g.Incoming(ctx, tenantID, ref)
	if err != nil {
		return nil, fmt.Errorf("incoming links: %w", err)
	}
	merged := append(out, in...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	return g.Resolve(ctx, tenantID, merged), nil
}

// Resolve fills each edge's Label with the other endpoint's title. Dangling
// endpoints and lookup failures keep the stored id.
func (g *Graph) Resolve(ctx context.Context, tenantID string, edges []Edge) []Edge {
	byKind := make(map[entity.Kind][]string)
	for _, edge := range edges {
		kind, id := edge.Other()
		byKind[kind] = append(byKind[kind], id)
	}
	titles := make(map[entity.Kind]map[string]string, len(byKind))
	for kind, ids := range byKind {
		found, err := g.records.TargetTitles(ctx, tenantID, kind, ids)
		if err != nil {
			g.log.Warn("resolve link titles", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		titles[kind] = found
	}
	out := make([]Edge, len(edges))
	for i, edge := range edges {
		kind, id := edge.Other()
		edge.Label = id
		if title, ok := titles[kind][id]; ok && title != "" {
			edge.Label = title
		}
		out[i] = edge
	}
	return out
}

func (g *Graph) publish(ctx context.Context, item store.Link, eventType string) {
	documents := make([]string, 0, 2)
	if item.FromType == string(entity.KindDocument) {
		documents = append(documents, item.FromID)
	}
	if item.ToType == string(entity.KindDocument) && item.ToID != item.FromID {
		documents = append(documents, item.ToID)
	}
	for _, documentID := range documents {
		if err := g.events.Publish(ctx, feed.NewEvent(eventType, item.TenantID, documentID, map[string]string{"id": item.ID})); err != nil {
			g.log.Warn("feed publish failed", zap.String("type", eventType), zap.Error(err))
		}
	}
}

func tag(items []store.Link, direction Direction) []Edge {
	edges := make([]Edge, 0, len(items))
	for _, item := range items {
		edges = append(edges, Edge{
			ID:        item.ID,
			Direction: direction,
			FromType:  item.FromType,
			FromID:    item.FromID,
			ToType:    item.ToType,
			ToID:      item.ToID,
			Relation:  item.Relation,
			CreatedBy: item.CreatedBy,
			CreatedAt: item.CreatedAt,
		})
	}
	return edges
}
