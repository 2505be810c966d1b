// Package app wires the tandem server runtime: config, logging, storage,
// HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"tandem/cmd/internal/auth/session"
	"tandem/cmd/internal/chat"
	chatapi "tandem/cmd/internal/chat/api"
	"tandem/cmd/internal/directory"
	"tandem/cmd/internal/ids"
	"tandem/cmd/internal/presence"
	"tandem/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the tandem server runtime. It owns the DB pool, the presence
// mirror, and the HTTP wiring.
type App struct {
	cfg Config
	log *slog.Logger

	pool  *pgxpool.Pool
	store chat.Store

	registry *prometheus.Registry
	ws       *realtime.WSGateway
	api      *chatapi.Handler
	uploads  *chatapi.DiskAttachmentStore

	mirror presence.Mirror
	syncer *presence.Syncer
}

// New constructs a fully wired App. Without TANDEM_DATABASE_URL the chat
// store and user directory live in memory.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dir, sessions, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := a.newAuth(sessions)
	if err != nil {
		return nil, err
	}

	a.ws = realtime.NewWSGateway(log, realtime.LoadGatewayConfigFromEnv(), realtime.Deps{
		Auth:    auth,
		Store:   a.store,
		Metrics: realtime.NewMetrics(a.registry),
	})

	apiCfg := chatapi.LoadConfigFromEnv()
	if a.cfg.UploadDir != "" {
		a.uploads, err = chatapi.NewDiskAttachmentStore(a.cfg.UploadDir, "/uploads/chat", apiCfg.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
	}
	deps := chatapi.Deps{
		Auth:      auth,
		Store:     a.store,
		Directory: dir,
		Online:    a.ws.Presence(),
		Notifier:  a.ws,
		Metrics:   chatapi.NewMetrics(a.registry),
	}
	if a.uploads != nil {
		deps.Attachments = a.uploads
	}
	a.api, err = chatapi.NewHandler(log, apiCfg, deps)
	if err != nil {
		return nil, err
	}

	if err := a.openPresenceMirror(ctx); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openStorage picks Postgres or in-memory persistence.
func (a *App) openStorage(ctx context.Context) (directory.Directory, session.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return directory.Open{}, nil, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	a.pool = pool
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	if a.cfg.DBAutoMigrate {
		if err := migrate(ctx, pool, a.cfg.DBSchema); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
	}

	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	a.store = st

	dir, err := directory.NewPostgres(pool, a.cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}

	var sessions session.Store
	if a.cfg.AuthCheckSessions {
		ss, err := session.NewPostgresStore(pool, a.cfg.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		sessions = ss
	}
	return dir, sessions, nil
}

func (a *App) newAuth(sessions session.Store) (*session.Service, error) {
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		if !a.cfg.AuthDevEphemeralKey {
			return nil, fmt.Errorf("auth: %w", err)
		}
		cfg = session.DefaultConfig()
		cfg.PasetoV4SecretKeyHex = session.NewEphemeralKeyHex()
		a.log.Warn("auth.dev_ephemeral_key", "note", "tokens do not survive a restart")
	}

	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return session.NewService(cfg, sessions, tokens), nil
}

// openPresenceMirror publishes the online set to Redis when configured.
func (a *App) openPresenceMirror(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	node := a.cfg.NodeID
	if node == "" {
		host, _ := os.Hostname()
		node = host + "-" + ids.MustULID(time.Now())
	}

	m, err := presence.NewRedisMirror(ctx, a.cfg.RedisURL, node, a.cfg.PresenceTTL)
	if err != nil {
		return err
	}
	a.mirror = m
	a.syncer = presence.NewSyncer(a.log, m, 2*time.Second, a.cfg.PresenceTTL/2)
	a.ws.Presence().OnChange(a.syncer.Notify)
	a.log.Info("presence.mirror.enabled", "node_id", node)
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	syncCtx, stopSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	if a.syncer != nil {
		go func() {
			defer close(syncDone)
			a.syncer.Run(syncCtx)
		}()
	} else {
		close(syncDone)
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "presence_mirror", a.mirror != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	stopSync()
	<-syncDone

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the mirror and the DB pool. Safe to call more than once.
func (a *App) Close() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Warn("presence.mirror.close.fail", "err", err)
		}
		a.mirror = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
