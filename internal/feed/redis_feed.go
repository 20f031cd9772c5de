// Package feed broadcasts per-document change events over Redis pub/sub so
// every open editor can refresh its asset and link lists.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DocumentSaved  = "document.saved"
	VersionCreated = "version.created"
	AssetCreated   = "asset.created"
	AssetDeleted   = "asset.deleted"
	LinkCreated    = "link.created"
	LinkDeleted    = "link.deleted"
)

// Event is one change notification scoped to a document.
type Event struct {
	Type       string          `json:"type"`
	TenantID   string          `json:"tenantId"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// NewEvent builds an event, encoding payload as JSON.
func NewEvent(eventType, tenantID, documentID string, payload any) Event {
	event := Event{Type: eventType, TenantID: tenantID, DocumentID: documentID, At: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	return event
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// RedisFeed implements the feed on Redis channels, one per document.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

func NewRedisFeed(redisURL string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisFeedWithClient(client), nil
}

func NewRedisFeedWithClient(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client, prefix: "feed:"}
}

// Client exposes the connection so other Redis-backed components can share it.
func (f *RedisFeed) Client() *redis.Client {
	return f.client
}

func (f *RedisFeed) channel(tenantID, documentID string) string {
	return f.prefix + tenantID + ":" + documentID
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(event.TenantID, event.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe streams events for one document until ctx is done. The channel
// closes when the subscription ends.
func (f *RedisFeed) Subscribe(ctx context.Context, tenantID, documentID string) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, f.channel(tenantID, documentID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
