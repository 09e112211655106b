package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/telesyncapp/telesync/internal/boot"
	"github.com/telesyncapp/telesync/internal/channels"
	"github.com/telesyncapp/telesync/internal/config"
	"github.com/telesyncapp/telesync/internal/event"
	"github.com/telesyncapp/telesync/internal/handlers"
	"github.com/telesyncapp/telesync/internal/logger"
	"github.com/telesyncapp/telesync/internal/maintenance"
	"github.com/telesyncapp/telesync/internal/monitor"
	"github.com/telesyncapp/telesync/internal/pipeline"
	"github.com/telesyncapp/telesync/internal/server"
	"github.com/telesyncapp/telesync/internal/session"
	"github.com/telesyncapp/telesync/internal/storage"
	"github.com/telesyncapp/telesync/internal/upstream"
	"github.com/telesyncapp/telesync/internal/upstream/telegram"
	"github.com/telesyncapp/telesync/internal/version"
)

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

func provideStorage(log *slog.Logger, rc *boot.RuntimeConfig) (storage.Adapter, error) {
	return storage.New(log, rc)
}

func providePipeline(log *slog.Logger, cfg config.Config, adapter storage.Adapter, hub event.Publisher) *pipeline.Service {
	return pipeline.NewService(log, cfg.Pipeline, adapter, hub)
}

func provideConnector(log *slog.Logger, rc *boot.RuntimeConfig) (upstream.Connector, error) {
	switch rc.UpstreamAdapter {
	case "telegram":
		return telegram.NewConnector(log), nil
	default:
		return nil, fmt.Errorf("unknown upstream adapter %q", rc.UpstreamAdapter)
	}
}

func provideMonitorFactory(log *slog.Logger, cfg config.Config, registry *channels.Registry, pipe *pipeline.Service) session.MonitorFactory {
	interval := time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second
	return func(userID string, client upstream.Client) session.MonitorRunner {
		return monitor.New(log, userID, client, registry, pipe, interval)
	}
}

func provideSessionService(log *slog.Logger, connector upstream.Connector, supervisor *session.Supervisor) *session.Service {
	return session.NewService(log, connector, supervisor, session.DefaultChallengeTTL)
}

func provideMaintenance(log *slog.Logger, cfg config.Config, pipe *pipeline.Service, sessions *session.Service) (*maintenance.Service, error) {
	return maintenance.NewService(log, cfg.Maintenance, pipe, sessions)
}

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			boot.ProvideRuntimeConfig,
			provideLogger,

			event.NewHub,
			func(hub *event.Hub) event.Publisher { return hub },
			func(hub *event.Hub) event.Subscriber { return hub },

			channels.NewRegistry,
			provideStorage,
			providePipeline,
			provideConnector,
			provideMonitorFactory,
			session.NewSupervisor,
			provideSessionService,
			provideMaintenance,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewSessionHandler),
			provideServerHandler(handlers.NewChannelsHandler),
			provideServerHandler(handlers.NewDownloadsHandler),
			provideServerHandler(handlers.NewStreamHandler),

			provideServer,
		),
		fx.Invoke(
			startPipeline,
			startMaintenance,
			stopSupervisor,
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

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.RuntimeConfig.JwtSecret, params.ServerHandlers...)
}

func startPipeline(lc fx.Lifecycle, pipe *pipeline.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pipe.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return pipe.Shutdown(ctx)
		},
	})
}

func startMaintenance(lc fx.Lifecycle, svc *maintenance.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Start()
		},
		OnStop: func(ctx context.Context) error {
			svc.Stop()
			return nil
		},
	})
}

func stopSupervisor(lc fx.Lifecycle, supervisor *session.Supervisor) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			supervisor.StopAll()
			return nil
		},
	})
}

func startServer(
	lc fx.Lifecycle,
	logger *slog.Logger,
	rc *boot.RuntimeConfig,
	srv *server.Server,
	shutdowner fx.Shutdowner,
) {
	fmt.Printf("Starting TeleSync %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("http server starting",
				slog.String("addr", rc.ServerAddr),
				slog.String("base_url", rc.BaseURL))
			go func() {
				if err := srv.Start(); err != nil { // block until server is stopped
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown() // shutdown the application if the server fails to start
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// graceful shutdown
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
