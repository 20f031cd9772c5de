package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"rubyeditor/api/internal/assets"
	"rubyeditor/api/internal/config"
	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/editor"
	"rubyeditor/api/internal/entity"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/links"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/versioning"
)

// DocumentStore is the document side of the primary store.
type DocumentStore interface {
	Ping(ctx context.Context) error
	GetDocument(ctx context.Context, tenantID, documentID string) (document.Document, error)
	SaveContent(ctx context.Context, params store.SaveParams) (store.SaveOutcome, error)
}

// Subscriber streams change events for one document.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID, documentID string) (<-chan feed.Event, error)
}

type Deps struct {
	Store       DocumentStore
	Versions    *versioning.Manager
	Assets      *assets.Service
	Links       *links.Graph
	Exporter    *export.Exporter
	Shares      *share.Service
	ShareClient *share.Client
	Events      feed.Publisher
	Feed        Subscriber
	Logger      *zap.Logger
}

type Service struct {
	cfg         config.Config
	store       DocumentStore
	versions    *versioning.Manager
	assets      *assets.Service
	links       *links.Graph
	exporter    *export.Exporter
	shares      *share.Service
	shareClient *share.Client
	events      feed.Publisher
	feed        Subscriber
	log         *zap.Logger

	// saveLocks holds one mutex per document so a save and the version it
	// archives complete before the next save of that document starts.
	saveLocksMu sync.Mutex
	saveLocks   map[string]*sync.Mutex
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = feed.Discard
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.New(nil)
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		versions:    deps.Versions,
		assets:      deps.Assets,
		links:       deps.Links,
		exporter:    exporter,
		shares:      deps.Shares,
		shareClient: deps.ShareClient,
		events:      events,
		feed:        deps.Feed,
		log:         log,
		saveLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) saveLock(tenantID, documentID string) *sync.Mutex {
	key := tenantID + "/" + documentID
	s.saveLocksMu.Lock()
	defer s.saveLocksMu.Unlock()
	lock, ok := s.saveLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.saveLocks[key] = lock
	}
	return lock
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// LoadDocument fetches a document for the editor. Content that cannot be
// hydrated is a hard failure; the editor must not open on it.
func (s *Service) LoadDocument(ctx context.Context, tenantID, documentID string) (document.Document, error) {
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return document.Document{}, err
	}
	if !document.IsEmpty(doc.Content) {
		if err := document.Validate(doc.Content); err != nil {
			s.log.Error("stored document content is unreadable",
				zap.String("document_id", documentID),
				zap.Error(err),
			)
			return document.Document{}, domainError(http.StatusInternalServerError, "LOAD_FAILED", "Document could not be loaded", nil)
		}
	}
	return doc, nil
}

type SaveInput struct {
	TenantID   string
	DocumentID string
	UserID     string
	Title      string
	Content    document.Content
	// BaseRevision > 0 rejects the save when the document moved on since.
	BaseRevision int64
}

func (in SaveInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.TenantID, validation.Required),
		validation.Field(&in.DocumentID, validation.Required),
		validation.Field(&in.UserID, validation.Required),
		validation.Field(&in.Title, validation.Length(0, 500)),
		validation.Field(&in.Content, validation.Required),
		validation.Field(&in.BaseRevision, validation.Min(int64(0))),
	)
}

type SaveResult struct {
	SavedAt   time.Time `json:"savedAt"`
	Revision  int64     `json:"revision"`
	Versioned bool      `json:"versioned"`
}

// SaveDocument writes content and then archives what it replaced. A failed
// write leaves the stored document untouched; a failed archive is logged and
// the save still succeeds.
func (s *Service) SaveDocument(ctx context.Context, in SaveInput) (SaveResult, error) {
	if err := in.Validate(); err != nil {
		return SaveResult{}, validationError(err)
	}
	if err := document.Validate(in.Content); err != nil {
		return SaveResult{}, err
	}
	if err := document.CheckPersistentSources(in.Content); err != nil {
		return SaveResult{}, err
	}
	content, err := document.Canonical(in.Content)
	if err != nil {
		return SaveResult{}, err
	}

	lock := s.saveLock(in.TenantID, in.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	outcome, err := s.store.SaveContent(ctx, store.SaveParams{
		TenantID:     in.TenantID,
		DocumentID:   in.DocumentID,
		Title:        strings.TrimSpace(in.Title),
		Content:      content,
		UpdatedBy:    in.UserID,
		BaseRevision: in.BaseRevision,
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("save document %s: %w", in.DocumentID, err)
	}

	versioned := s.versions.MaybeSnapshotVersion(ctx, versioning.SnapshotInput{
		DocumentID:   in.DocumentID,
		TenantID:     in.TenantID,
		Title:        outcome.Previous.Title,
		OldContent:   outcome.Previous.Content,
		OldAuthor:    outcome.Previous.UpdatedBy,
		OldTimestamp: outcome.Previous.UpdatedAt,
		NewContent:   content,
	})

	s.publish(ctx, feed.NewEvent(feed.DocumentSaved, in.TenantID, in.DocumentID, map[string]any{
		"revision":  outcome.Revision,
		"updatedBy": in.UserID,
	}))
	if versioned {
		s.publish(ctx, feed.NewEvent(feed.VersionCreated, in.TenantID, in.DocumentID, nil))
	}
	s.log.Info("document saved",
		zap.String("document_id", in.DocumentID),
		zap.Int64("revision", outcome.Revision),
		zap.Bool("versioned", versioned),
	)
	return SaveResult{SavedAt: outcome.UpdatedAt, Revision: outcome.Revision, Versioned: versioned}, nil
}

// EditorSaver lets an in-process editor session save through this service.
func (s *Service) EditorSaver() editor.Saver {
	return editor.SaverFunc(func(ctx context.Context, req editor.SaveRequest) (editor.SaveResult, error) {
		result, err := s.SaveDocument(ctx, SaveInput{
			TenantID:     req.TenantID,
			DocumentID:   req.DocumentID,
			UserID:       req.UserID,
			Content:      req.Content,
			BaseRevision: req.BaseRevision,
		})
		if err != nil {
			return editor.SaveResult{}, err
		}
		return editor.SaveResult{SavedAt: result.SavedAt, Revision: result.Revision, Versioned: result.Versioned}, nil
	})
}

// EditorSettings are the client-side editor timings.
type EditorSettings struct {
	AutosaveInterval time.Duration
	MaxUploadBytes   int64
}

func (s *Service) EditorSettings() EditorSettings {
	interval := s.cfg.AutosaveInterval
	if interval <= 0 {
		interval = editor.DefaultAutosaveInterval
	}
	return EditorSettings{AutosaveInterval: interval, MaxUploadBytes: maxUploadBytes}
}

// OpenEditor hydrates core with a stored document and returns a session
// bound to actor that saves through this service.
func (s *Service) OpenEditor(ctx context.Context, actor Actor, documentID string, core document.Core, opts editor.Options) (*editor.Session, error) {
	doc, err := s.LoadDocument(ctx, actor.TenantID, documentID)
	if err != nil {
		return nil, err
	}
	if opts.AutosaveInterval == 0 {
		opts.AutosaveInterval = s.EditorSettings().AutosaveInterval
	}
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	session := editor.NewSession(documentID, core, s.EditorSaver(), opts)
	if err := session.Open(doc.Content, doc.Revision); err != nil {
		return nil, fmt.Errorf("open %s: %w", documentID, err)
	}
	session.SetActor(&editor.Actor{UserID: actor.UserID, TenantID: actor.TenantID})
	return session, nil
}

func (s *Service) History(ctx context.Context, tenantID, documentID string) ([]store.Version, error) {
	if _, err := s.store.GetDocument(ctx, tenantID, documentID); err != nil {
		return nil, err
	}
	return s.versions.History(ctx, tenantID, documentID)
}

func (s *Service) Version(ctx context.Context, tenantID, documentID string, number int) (store.Version, error) {
	return s.versions.Get(ctx, tenantID, documentID, number)
}

// RestoreVersion saves an archived version's content as the current content.
// The content it replaces is archived like any other save.
func (s *Service) RestoreVersion(ctx context.Context, tenantID, documentID string, number int, userID string) (SaveResult, error) {
	version, err := s.versions.Get(ctx, tenantID, documentID, number)
	if err != nil {
		return SaveResult{}, err
	}
	return s.SaveDocument(ctx, SaveInput{
		TenantID:   tenantID,
		DocumentID: documentID,
		UserID:     userID,
		Title:      version.Title,
		Content:    version.Content,
	})
}

func (s *Service) Compare(ctx context.Context, tenantID, documentID string, from, to int) (versioning.Comparison, error) {
	return s.versions.Compare(ctx, tenantID, documentID, from, to)
}

type UploadInput struct {
	TenantID   string
	DocumentID string
	UserID     string
	Name       string
	MIME       string
	Size       int64
	File       io.Reader
}

func (s *Service) UploadAsset(ctx context.Context, in UploadInput) (store.Asset, error) {
	if _, err := s.store.GetDocument(ctx, in.TenantID, in.DocumentID); err != nil {
		return store.Asset{}, err
	}
	return s.assets.Upload(ctx, assets.UploadInput{
		File:       in.File,
		Name:       in.Name,
		MIME:       in.MIME,
		Size:       in.Size,
		DocumentID: in.DocumentID,
		TenantID:   in.TenantID,
		UploadedBy: in.UserID,
	}, nil)
}

func (s *Service) ListAssets(ctx context.Context, tenantID, documentID string) ([]store.Asset, error) {
	return s.assets.List(ctx, tenantID, documentID)
}

// DeleteAsset removes an asset that belongs to documentID.
func (s *Service) DeleteAsset(ctx context.Context, tenantID, documentID, assetID string) (store.Asset, error) {
	return s.assets.DeleteFromDocument(ctx, tenantID, documentID, assetID)
}

// SweepOrphans retries blob deletes that failed after their record was gone.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	return s.assets.SweepOrphans(ctx)
}

type LinkInput struct {
	TenantID   string
	DocumentID string
	UserID     string
	TargetType string
	TargetID   string
	Relation   string
}

func (in LinkInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.TargetType, validation.Required),
		validation.Field(&in.TargetID, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Relation, validation.Length(0, 100)),
	)
}

func (s *Service) CreateLink(ctx context.Context, in LinkInput) (store.Link, error) {
	if err := in.Validate(); err != nil {
		return store.Link{}, validationError(err)
	}
	target, err := entity.NewRef(entity.Kind(in.TargetType), in.TargetID)
	if err != nil {
		return store.Link{}, fmt.Errorf("%w: %v", links.ErrInvalidTarget, err)
	}
	if _, err := s.store.GetDocument(ctx, in.TenantID, in.DocumentID); err != nil {
		return store.Link{}, err
	}
	return s.links.CreateLink(ctx, links.CreateInput{
		DocumentID: in.DocumentID,
		Target:     target,
		Relation:   in.Relation,
		TenantID:   in.TenantID,
		CreatedBy:  in.UserID,
	})
}

func (s *Service) DocumentLinks(ctx context.Context, tenantID, documentID string) ([]links.Edge, error) {
	return s.links.ForDocument(ctx, tenantID, documentID)
}

// DeleteLink removes a link that starts or ends at documentID.
func (s *Service) DeleteLink(ctx context.Context, tenantID, documentID, linkID string) (store.Link, error) {
	return s.links.DeleteDocumentLink(ctx, tenantID, documentID, linkID)
}

func (s *Service) SearchLinkTargets(ctx context.Context, tenantID, targetType, query string) ([]store.LinkTarget, error) {
	kind, err := entity.ParseKind(targetType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", links.ErrInvalidTarget, err)
	}
	return s.links.Search(ctx, kind, query, tenantID)
}

func snapshotOf(doc document.Document) export.Snapshot {
	return export.Snapshot{
		Title:     doc.Title,
		Content:   doc.Content,
		Author:    doc.UpdatedBy,
		UpdatedAt: doc.UpdatedAt,
	}
}

func (s *Service) Export(ctx context.Context, tenantID, documentID string, format export.Format, filename string, opts export.PDFOptions) (*export.Result, error) {
	doc, err := s.LoadDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, format, snapshotOf(doc), filename, opts)
}

// RequestShareLink asks the configured share endpoint to mint a link.
func (s *Service) RequestShareLink(ctx context.Context, authorization, tenantID string, req share.Request) (share.Response, error) {
	if s.shareClient == nil {
		return share.Response{}, domainError(http.StatusServiceUnavailable, "SHARE_UNAVAILABLE", "Sharing is not configured", nil)
	}
	if _, err := s.store.GetDocument(ctx, tenantID, req.DocID); err != nil {
		return share.Response{}, err
	}
	return s.shareClient.CreateShareLink(ctx, authorization, req)
}

func (s *Service) CreateShare(ctx context.Context, actor Actor, req share.Request) (share.Response, error) {
	if s.shares == nil {
		return share.Response{}, domainError(http.StatusServiceUnavailable, "SHARE_UNAVAILABLE", "Sharing is not configured", nil)
	}
	if _, err := s.store.GetDocument(ctx, actor.TenantID, req.DocID); err != nil {
		return share.Response{}, err
	}
	return s.shares.Create(ctx, share.CreateInput{Request: req, TenantID: actor.TenantID, CreatedBy: actor.UserID})
}

func (s *Service) RevokeShare(ctx context.Context, tenantID, shareID string) error {
	if s.shares == nil {
		return domainError(http.StatusServiceUnavailable, "SHARE_UNAVAILABLE", "Sharing is not configured", nil)
	}
	return s.shares.Revoke(ctx, tenantID, shareID)
}

const shareWatermark = "SHARED COPY"

// OpenShare renders the shared document as a standalone HTML page. viewer is
// nil for anonymous requests.
func (s *Service) OpenShare(ctx context.Context, token, password string, viewer *Actor) (string, error) {
	if s.shares == nil {
		return "", domainError(http.StatusServiceUnavailable, "SHARE_UNAVAILABLE", "Sharing is not configured", nil)
	}
	link, err := s.shares.Resolve(ctx, token, password)
	if err != nil {
		return "", err
	}
	if link.RequireAuth {
		if viewer == nil {
			return "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in to view this document", nil)
		}
		if viewer.TenantID != link.TenantID {
			return "", ErrForbidden
		}
	}
	doc, err := s.LoadDocument(ctx, link.TenantID, link.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", share.ErrLinkNotFound
	}
	if err != nil {
		return "", err
	}
	watermark := ""
	if link.Watermark {
		watermark = shareWatermark
	}
	return export.RenderPage(snapshotOf(doc), watermark)
}

func (s *Service) Subscribe(ctx context.Context, tenantID, documentID string) (<-chan feed.Event, error) {
	if s.feed == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "Live updates are not configured", nil)
	}
	if _, err := s.store.GetDocument(ctx, tenantID, documentID); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, tenantID, documentID)
}

func (s *Service) publish(ctx context.Context, event feed.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("feed publish failed", zap.String("type", event.Type), zap.Error(err))
	}
}
