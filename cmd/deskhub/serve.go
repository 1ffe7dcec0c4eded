package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/deskhubhq/deskhub/internal/config"
	"github.com/deskhubhq/deskhub/internal/handlers"
	"github.com/deskhubhq/deskhub/internal/logger"
	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/lark"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/telegram"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/webchat"
	"github.com/deskhubhq/deskhub/internal/reconcile"
	"github.com/deskhubhq/deskhub/internal/server"
	"github.com/deskhubhq/deskhub/internal/store"
	syncpkg "github.com/deskhubhq/deskhub/internal/sync"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStores,
			provideReconcileStore,
			provideRecordStore,
			provideLinkStore,
			provideReconciler,
			provideRegistry,
			provideOrchestrator,
			provideScheduler,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewWebhookHandler),
			provideServerHandler(handlers.NewMessageHandler),
			provideServerHandler(handlers.NewSyncHandler),
			provideServerHandler(handlers.NewPlatformsHandler),
			provideServer,
		),
		fx.Invoke(
			recoverAbandonedSyncs,
			startScheduler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// stores bundles the two persistence interfaces so the driver choice
// happens in one place.
type stores struct {
	reconcile reconcile.Store
	records   syncpkg.RecordStore
}

func provideStores(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*stores, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		mem := store.NewMemory()
		return &stores{reconcile: mem, records: mem}, nil
	case "", "postgres":
		dsn := cfg.Postgres.DSN()
		if err := store.Migrate(dsn); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
		pg := store.NewPostgres(pool)
		return &stores{reconcile: pg, records: pg}, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

func provideReconcileStore(s *stores) reconcile.Store        { return s.reconcile }
func provideRecordStore(s *stores) syncpkg.RecordStore       { return s.records }
func provideLinkStore(s reconcile.Store) reconcile.LinkStore { return s }

func provideReconciler(log *slog.Logger, s reconcile.Store) *reconcile.Service {
	return reconcile.NewService(log, s)
}

// provideRegistry builds one connector per configured platform. A bad
// credential set disables only its own platform; the rest still come up.
func provideRegistry(log *slog.Logger, cfg config.Config, reconciler *reconcile.Service) *platform.Registry {
	registry := platform.NewRegistry()

	if tgCfg := cfg.Platforms.Telegram; tgCfg != nil {
		if err := registerTelegram(log, *tgCfg, reconciler, registry); err != nil {
			log.Error("telegram connector disabled", slog.Any("error", err))
		}
	}
	if larkCfg := cfg.Platforms.Lark; larkCfg != nil {
		if err := registerLark(log, *larkCfg, reconciler, registry); err != nil {
			log.Error("lark connector disabled", slog.Any("error", err))
		}
	}
	if wcCfg := cfg.Platforms.Webchat; wcCfg != nil {
		if err := registerWebchat(log, *wcCfg, reconciler, registry); err != nil {
			log.Error("webchat connector disabled", slog.Any("error", err))
		}
	}

	types := registry.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.String())
	}
	log.Info("platforms registered", slog.String("platforms", strings.Join(names, ",")))
	return registry
}

func registerTelegram(log *slog.Logger, cfg telegram.Config, reconciler *reconcile.Service, registry *platform.Registry) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := telegram.NewClient(cfg.BotToken)
	if err != nil {
		return err
	}
	conn, err := telegram.New(log, cfg, client, reconciler)
	if err != nil {
		return err
	}
	return registry.Register(conn)
}

func registerLark(log *slog.Logger, cfg lark.Config, reconciler *reconcile.Service, registry *platform.Registry) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	conn, err := lark.New(log, cfg, lark.NewClient(cfg), reconciler)
	if err != nil {
		return err
	}
	return registry.Register(conn)
}

func registerWebchat(log *slog.Logger, cfg webchat.Config, reconciler *reconcile.Service, registry *platform.Registry) error {
	conn, err := webchat.New(log, cfg, reconciler)
	if err != nil {
		return err
	}
	return registry.Register(conn)
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, registry *platform.Registry, reconciler *reconcile.Service, links reconcile.LinkStore, records syncpkg.RecordStore) *syncpkg.Orchestrator {
	return syncpkg.NewOrchestrator(log, registry, reconciler, links, records, cfg.Sync.BatchSize)
}

func provideScheduler(log *slog.Logger, cfg config.Config, orchestrator *syncpkg.Orchestrator, links reconcile.LinkStore) *syncpkg.Scheduler {
	return syncpkg.NewScheduler(log, orchestrator, links, cfg.Sync.Schedule)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Logger, params.ServerHandlers)
}

// recoverAbandonedSyncs closes out sync records orphaned by the
// previous process before anything new starts.
func recoverAbandonedSyncs(lc fx.Lifecycle, orchestrator *syncpkg.Orchestrator) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		_, err := orchestrator.RecoverAbandoned(ctx)
		return err
	}})
}

func startScheduler(lc fx.Lifecycle, scheduler *syncpkg.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return scheduler.Start() },
		OnStop:  func(ctx context.Context) error { scheduler.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	for name, err := range cfg.ValidatePlatforms() {
		log.Error("platform credentials invalid", slog.String("platform", name), slog.Any("error", err))
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
