// Package assets manages binary attachments scoped to one document: upload
// with progress, metadata records, deletion and image paste/drop.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/util"
)

var (
	ErrInvalidUpload = errors.New("invalid upload")
	ErrNotImage      = errors.New("dropped file is not an image")
)

// Records is the metadata side of the asset store.
type Records interface {
	InsertAsset(ctx context.Context, item store.Asset) error
	DeleteAsset(ctx context.Context, tenantID, documentID, assetID string) (store.Asset, error)
	ListAssets(ctx context.Context, tenantID, documentID string) ([]store.Asset, error)
}

type Service struct {
	blobs   Blobs
	records Records
	orphans OrphanQueue
	events  feed.Publisher
	log     *zap.Logger
	now     func() time.Time
}

func NewService(blobs Blobs, records Records, orphans OrphanQueue, events feed.Publisher, log *zap.Logger) *Service {
	if events == nil {
		events = feed.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		blobs:   blobs,
		records: records,
		orphans: orphans,
		events:  events,
		log:     log.Named("assets"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type UploadInput struct {
	File       io.Reader
	Name       string
	MIME       string
	Size       int64 // 0 when unknown
	DocumentID string
	TenantID   string
	UploadedBy string
}

// Upload streams the file to the blob store and, only once that succeeded,
// writes the metadata record. onProgress receives fractions in [0,1].
func (s *Service) Upload(ctx context.Context, in UploadInput, onProgress func(float64)) (store.Asset, error) {
	name := displayName(in.Name)
	if in.File == nil || name == "" || in.DocumentID == "" || in.TenantID == "" {
		return store.Asset{}, fmt.Errorf("%w: file, name, document and tenant are required", ErrInvalidUpload)
	}

	body := in.File
	mime := strings.TrimSpace(in.MIME)
	if mime == "" || mime == "application/octet-stream" {
		head := make([]byte, 512)
		n, err := io.ReadFull(in.File, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return store.Asset{}, fmt.Errorf("read %s: %w", name, err)
		}
		head = head[:n]
		mime = http.DetectContentType(head)
		body = io.MultiReader(bytes.NewReader(head), in.File)
	}

	id := util.NewID("ast")
	key := fmt.Sprintf("tenants/%s/documents/%s/assets/%s-%s", in.TenantID, in.DocumentID, id, keyName(name))
	counter := &progressReader{r: body, total: in.Size, onProgress: onProgress}

	if err := s.blobs.Put(ctx, key, counter, in.Size, mime); err != nil {
		return store.Asset{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if onProgress != nil {
		onProgress(1)
	}

	asset := store.Asset{
		ID:          id,
		DocumentID:  in.DocumentID,
		TenantID:    in.TenantID,
		Name:        name,
		MIME:        mime,
		Size:        counter.read,
		StoragePath: key,
		URL:         s.blobs.URL(key),
		UploadedBy:  in.UploadedBy,
		CreatedAt:   s.now(),
	}
	if strings.HasPrefix(mime, "image/") {
		thumb := asset.URL
		asset.ThumbnailURL = &thumb
	}

	if err := s.records.InsertAsset(ctx, asset); err != nil {
		s.discardBlob(ctx, key)
		return store.Asset{}, fmt.Errorf("record %s: %w", name, err)
	}

	s.publish(ctx, feed.NewEvent(feed.AssetCreated, asset.TenantID, asset.DocumentID, asset))
	s.log.Info("asset uploaded",
		zap.String("asset_id", asset.ID),
		zap.String("document_id", asset.DocumentID),
		zap.Int64("size", asset.Size),
		zap.String("mime", asset.MIME),
	)
	return asset, nil
}

// Delete removes the metadata record first, so the asset leaves every list,
// then removes the blob. Blob failures are queued for the sweeper and not
// returned.
func (s *Service) Delete(ctx context.Context, tenantID, assetID string) (store.Asset, error) {
	return s.DeleteFromDocument(ctx, tenantID, "", assetID)
}

// DeleteFromDocument is Delete restricted to one document's assets. An asset
// of another document reports store.ErrNotFound and is left alone.
func (s *Service) DeleteFromDocument(ctx context.Context, tenantID, documentID, assetID string) (store.Asset, error) {
	asset, err := s.records.DeleteAsset(ctx, tenantID, documentID, assetID)
	if err != nil {
		return store.Asset{}, err
	}
	s.discardBlob(ctx, asset.StoragePath)
	s.publish(ctx, feed.NewEvent(feed.AssetDeleted, asset.TenantID, asset.DocumentID, map[string]string{"id": asset.ID}))
	return asset, nil
}

// List returns a document's assets newest-first.
func (s *Service) List(ctx context.Context, tenantID, documentID string) ([]store.Asset, error) {
	return s.records.ListAssets(ctx, tenantID, documentID)
}

// Exists reports whether the asset's backing object can still be fetched.
func (s *Service) Exists(ctx context.Context, asset store.Asset) (bool, error) {
	err := s.blobs.Stat(ctx, asset.StoragePath)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SweepOrphans retries queued blob deletes once each. Keys that still fail
// go back on the queue.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	if s.orphans == nil {
		return 0, nil
	}
	pending, err := s.orphans.Len(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := int64(0); i < pending; i++ {
		key, ok, err := s.orphans.Pop(ctx)
		if err != nil {
			return removed, err
		}
		if !ok {
			break
		}
		if err := s.blobs.Remove(ctx, key); err != nil {
			s.log.Warn("orphan sweep failed", zap.String("key", key), zap.Error(err))
			if pushErr := s.orphans.Push(ctx, key); pushErr != nil {
				return removed, pushErr
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("orphan blobs removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) discardBlob(ctx context.Context, key string) {
	err := s.blobs.Remove(ctx, key)
	if err == nil {
		return
	}
	s.log.Warn("blob delete failed", zap.String("key", key), zap.Error(err))
	if s.orphans == nil {
		return
	}
	if err := s.orphans.Push(ctx, key); err != nil {
		s.log.Error("orphan queue push failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event feed.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("feed publish failed", zap.String("type", event.Type), zap.Error(err))
	}
}

// ImageDrop is image data pasted or dropped into the editor.
type ImageDrop struct {
	Data       io.Reader
	Name       string
	MIME       string
	Size       int64
	Alt        string
	DocumentID string
	TenantID   string
	UploadedBy string
}

// InterceptImage uploads dropped image data and inserts an image node that
// points at the stored asset. The editor never receives a local URL.
func (s *Service) InterceptImage(ctx context.Context, core document.Core, drop ImageDrop, onProgress func(float64)) (store.Asset, error) {
	if drop.MIME != "" && !strings.HasPrefix(drop.MIME, "image/") {
		return store.Asset{}, fmt.Errorf("%w: %s", ErrNotImage, drop.MIME)
	}
	name := drop.Name
	if strings.TrimSpace(name) == "" {
		name = "pasted-image"
	}
	asset, err := s.Upload(ctx, UploadInput{
		File:       drop.Data,
		Name:       name,
		MIME:       drop.MIME,
		Size:       drop.Size,
		DocumentID: drop.DocumentID,
		TenantID:   drop.TenantID,
		UploadedBy: drop.UploadedBy,
	}, onProgress)
	if err != nil {
		return store.Asset{}, err
	}
	if !strings.HasPrefix(asset.MIME, "image/") {
		_, _ = s.Delete(ctx, asset.TenantID, asset.ID)
		return store.Asset{}, fmt.Errorf("%w: %s", ErrNotImage, asset.MIME)
	}
	alt := drop.Alt
	if alt == "" {
		alt = asset.Name
	}
	if err := core.InsertImage(asset.URL, alt); err != nil {
		return asset, fmt.Errorf("insert image: %w", err)
	}
	return asset, nil
}

// displayName strips any client-side directory from an uploaded filename.
func displayName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// keyName replaces characters that are awkward in object keys.
func keyName(name string) string {
	var out strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out.WriteRune(r)
		case r == ' ':
			out.WriteRune('-')
		}
	}
	if out.Len() == 0 {
		return "file"
	}
	return out.String()
}
