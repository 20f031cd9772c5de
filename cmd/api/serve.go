package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rubyeditor/api/internal/app"
	"rubyeditor/api/internal/search"
)

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides API_ADDR)")
	cmd.Flags().Bool("ephemeral", false, "Keep documents, versions and links in memory instead of Postgres")
	cmd.Flags().String("seed-tenant", "demo", "Tenant that gets a welcome document in ephemeral mode")
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = c.cfg.Addr
	}
	ephemeral, _ := cmd.Flags().GetBool("ephemeral")
	seedTenant, _ := cmd.Flags().GetString("seed-tenant")

	rt, err := c.buildRuntime(ctx, runtimeOptions{ephemeral: ephemeral, seedTenant: seedTenant})
	if err != nil {
		return err
	}
	defer rt.Close()

	httpServer := app.NewHTTPServer(rt.service, rt.verifier, c.cfg.CORSOrigin, c.log)
	server := &http.Server{
		Addr:              addr,
		Handler:           rootHandler(httpServer.Handler(), rt.blobServer),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open; the SSE handler clears its own deadline.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go c.sweepLoop(loopCtx, rt.service)
	go c.reindexLoop(loopCtx, rt.search)

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("API listening", zap.String("addr", addr), zap.Bool("ephemeral", ephemeral))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// rootHandler serves in-memory assets next to the API when blobs is set.
func rootHandler(api http.Handler, blobs http.Handler) http.Handler {
	if blobs == nil {
		return api
	}
	r := chi.NewRouter()
	r.Handle(memoryBlobsPath+"/*", http.StripPrefix(memoryBlobsPath, blobs))
	r.Handle("/*", api)
	return r
}

// every runs fn immediately when now is set, then on each tick until ctx
// ends. A non-positive interval disables it.
func every(ctx context.Context, interval time.Duration, now bool, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	if now {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepLoop retries queued blob deletes until ctx ends.
func (c *cli) sweepLoop(ctx context.Context, service *app.Service) {
	every(ctx, c.cfg.SweepInterval, false, func(ctx context.Context) {
		removed, err := service.SweepOrphans(ctx)
		if err != nil {
			c.log.Warn("orphan sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			c.log.Info("orphan sweep", zap.Int("removed", removed))
		}
	})
}

// reindexLoop refreshes the link target index from Postgres at startup and
// then periodically. It is a no-op while Meilisearch is unconfigured or down.
func (c *cli) reindexLoop(ctx context.Context, index *search.Service) {
	every(ctx, c.cfg.ReindexInterval, true, func(ctx context.Context) {
		n, err := index.ReindexAllFromPG(ctx)
		if err != nil {
			c.log.Warn("target reindex failed", zap.Error(err))
			return
		}
		if n > 0 {
			c.log.Debug("target reindex", zap.Int("indexed", n))
		}
	})
}
