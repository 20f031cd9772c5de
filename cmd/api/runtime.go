package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"rubyeditor/api/internal/app"
	"rubyeditor/api/internal/assets"
	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/feed"
	"rubyeditor/api/internal/gitrepo"
	"rubyeditor/api/internal/links"
	"rubyeditor/api/internal/search"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/versioning"
)

// backing is the storage the service runs against: Postgres in normal
// operation, process memory with --ephemeral.
type backing interface {
	app.DocumentStore
	assets.Records
	links.Records
	search.Fallback
	share.Store
}

// memoryBlobsPath is where in-memory assets are served in ephemeral mode.
const memoryBlobsPath = "/blobs"

type runtime struct {
	service  *app.Service
	search   *search.Service
	verifier auth.Verifier
	// blobServer is set when assets live in memory and must be served by the API.
	blobServer http.Handler
	closers    []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type runtimeOptions struct {
	ephemeral bool
	// seedTenant gets a welcome document in ephemeral mode.
	seedTenant string
}

func (c *cli) buildRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, log := c.cfg, c.log
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var data backing
	var archive versioning.Archive
	if opts.ephemeral {
		mem := store.NewMemoryStore()
		if err := seedWelcome(ctx, mem, opts.seedTenant); err != nil {
			return nil, err
		}
		data = mem
		archive = versioning.NewMemoryArchive()
		log.Warn("running with in-memory storage; nothing will persist")
	} else {
		db, err := c.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		pg := store.NewPostgresStore(db)
		data = pg
		archive, err = c.versionArchive(pg)
		if err != nil {
			return nil, err
		}
	}

	var events feed.Publisher = feed.Discard
	var subscriber app.Subscriber
	var orphans assets.OrphanQueue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisFeed, err := feed.NewRedisFeed(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = redisFeed.Close() })
		events = redisFeed
		subscriber = redisFeed
		orphans = assets.NewRedisOrphanQueue(redisFeed.Client())
	} else {
		log.Warn("REDIS_URL is empty; live updates and orphan retries are disabled")
	}

	var blobs assets.Blobs
	if opts.ephemeral {
		mem := assets.NewMemoryBlobs(strings.TrimRight(cfg.PublicBaseURL, "/") + memoryBlobsPath)
		rt.blobServer = mem
		blobs = mem
		log.Warn("assets are kept in memory", zap.String("path", memoryBlobsPath))
	} else {
		minioBlobs, err := assets.NewMinioBlobs(ctx, assets.MinioConfig{
			Endpoint:   cfg.S3Endpoint,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Bucket:     cfg.S3Bucket,
			UseSSL:     cfg.S3UseSSL,
			PublicBase: cfg.AssetPublicBase,
		})
		if err != nil {
			return nil, err
		}
		blobs = minioBlobs
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		rt.closers = append(rt.closers, meili.Close)
	}
	rt.search = search.NewService(meili, data, log)

	var shareClient *share.Client
	if strings.TrimSpace(cfg.ShareEndpoint) != "" {
		shareClient = share.NewClient(cfg.ShareEndpoint, &http.Client{Timeout: 15 * time.Second})
	}

	var err error
	rt.verifier, err = c.verifier(ctx)
	if err != nil {
		return nil, err
	}

	rt.service = app.New(cfg, app.Deps{
		Store:       data,
		Versions:    versioning.NewManager(archive, data, log),
		Assets:      assets.NewService(blobs, data, orphans, events, log),
		Links:       links.NewGraph(data, rt.search, events, log),
		Exporter:    export.New(export.NewChromePrinter(export.ChromeOptions{ExecPath: cfg.ChromePath}).Print),
		Shares:      share.NewService(data, cfg.PublicBaseURL, cfg.ShareMaxDays, log),
		ShareClient: shareClient,
		Events:      events,
		Feed:        subscriber,
		Logger:      log,
	})
	ok = true
	return rt, nil
}

func (c *cli) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, c.cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	for _, id := range applied {
		c.log.Info("migration applied", zap.String("migration", id))
	}
	return db, nil
}

// versionArchive picks where superseded content is kept.
func (c *cli) versionArchive(pg *store.PostgresStore) (versioning.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(c.cfg.VersionArchive)) {
	case "", "postgres":
		return pg, nil
	case "git":
		if err := os.MkdirAll(c.cfg.ReposDir, 0o755); err != nil {
			return nil, fmt.Errorf("create repos dir: %w", err)
		}
		c.log.Info("versions archived in git", zap.String("dir", c.cfg.ReposDir))
		return gitrepo.New(c.cfg.ReposDir), nil
	default:
		return nil, fmt.Errorf("unknown RUBY_VERSION_ARCHIVE %q (want postgres or git)", c.cfg.VersionArchive)
	}
}

func (c *cli) verifier(ctx context.Context) (auth.Verifier, error) {
	if url := strings.TrimSpace(c.cfg.JWKSURL); url != "" {
		v, err := auth.NewJWKSVerifier(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
		return v, nil
	}
	if c.cfg.JWTSecret == "ruby-dev-secret" {
		c.log.Warn("using the development JWT secret; set RUBY_JWT_SECRET or RUBY_JWKS_URL")
	}
	return auth.NewHMACVerifier(c.cfg.JWTSecret), nil
}

const welcomeDocumentID = "welcome"

func seedWelcome(ctx context.Context, mem *store.MemoryStore, tenantID string) error {
	if tenantID == "" {
		return nil
	}
	tree := document.NewTree()
	if err := tree.Load(document.Content(`{"type":"doc","content":[]}`)); err != nil {
		return err
	}
	if err := tree.AppendParagraph("Start writing. Changes save every few seconds."); err != nil {
		return err
	}
	content, err := tree.Snapshot()
	if err != nil {
		return err
	}
	return mem.InsertDocument(ctx, document.Document{
		ID:        welcomeDocumentID,
		TenantID:  tenantID,
		Title:     "Welcome",
		Content:   content,
		CreatedBy: "system",
	})
}
