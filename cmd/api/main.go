package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"knowtis/collab/internal/access"
	"knowtis/collab/internal/app"
	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/collab"
	"knowtis/collab/internal/config"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/gateway"
	"knowtis/collab/internal/gitrepo"
	"knowtis/collab/internal/logger"
	"knowtis/collab/internal/search"
	"knowtis/collab/internal/snapshot"
	"knowtis/collab/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = zap.L().Sync() }()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalw("migrations failed", "error", err)
	}
	if len(applied) > 0 {
		log.Infow("migrations applied", "versions", applied)
	}
	notes := store.NewPostgresStore(db)

	deps := app.Deps{Database: notes}

	var cache *snapshot.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = snapshot.NewRedisCache(cfg.RedisURL, cfg.SnapshotCacheTTL)
		if err != nil {
			log.Fatalw("redis connection failed", "error", err)
		}
		defer cache.Close()
		deps.Cache = cache
		log.Infow("snapshot cache enabled", "ttl", cfg.SnapshotCacheTTL)
	}
	snapshots := snapshot.NewTiered(notes, cache, logger.For("snapshot"))

	var primary search.Searcher
	var indexer search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.For("meili"))
		defer meili.Close()
		primary, indexer = meili, meili
	}
	searchService := search.NewService(primary, search.NewPgFTS(db), indexer, notes, logger.For("search"))
	deps.Search = searchService

	var revisions *gitrepo.Service
	if strings.TrimSpace(cfg.RevisionsDir) != "" {
		if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
			log.Fatalw("failed to create revisions dir", "error", err)
		}
		revisions = gitrepo.New(cfg.RevisionsDir)
		deps.Revisions = revisions
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	registry := collab.NewRegistry(snapshots, collab.Options{
		PersistDebounce: cfg.PersistDebounce,
		IdleTimeout:     cfg.RoomIdleTimeout,
		Logger:          logger.For("registry"),
		Metrics:         collab.NewMetrics(promRegistry),
		OnFlush:         searchService.IndexSnapshot,
		OnClose:         archiveRevision(revisions, logger.For("revisions")),
	})

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret))
	policy := access.NewPolicy(notes)
	gw := gateway.New(verifier, policy, registry, gateway.Options{
		Logger:      logger.For("gateway"),
		CheckOrigin: allowOrigin(cfg.CORSOrigin),
	})
	deps.Gateway = gw
	deps.Policy = policy
	deps.Verifier = verifier

	httpServer := app.NewHTTPServer(deps, cfg.CORSOrigin, logger.For("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("collaboration server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown error", "error", err)
	}
	// Hijacked sockets survive server.Shutdown.
	gw.Close()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Errorw("room flush incomplete", "error", err)
	}
	log.Infow("shutdown complete", "rooms_left", registry.RoomCount())
}

// archiveRevision commits a closing room's text to the revision archive.
func archiveRevision(revisions *gitrepo.Service, log *zap.SugaredLogger) collab.SnapshotHook {
	if revisions == nil {
		return nil
	}
	return func(_ context.Context, documentID string, state []byte) {
		content, err := crdt.ReadText(state, crdt.ContentRoot)
		if err != nil {
			log.Warnw("cannot read closing snapshot", "document_id", documentID, "error", err)
			return
		}
		rev, created, err := revisions.CommitRevision(documentID, content, "collaboration", "Session closed")
		if err != nil {
			log.Warnw("revision commit failed", "document_id", documentID, "error", err)
			return
		}
		if created {
			log.Debugw("revision archived", "document_id", documentID, "hash", rev.Hash)
		}
	}
}

func allowOrigin(origin string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		got := r.Header.Get("Origin")
		return got == "" || origin == "*" || got == origin
	}
}
