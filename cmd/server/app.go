package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/httpserver"
	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/sandbox"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRegistry(log *zap.Logger, cfg *config.Config, rt *sandbox.DockerRuntime, rec *metrics.Recorder) *imagecache.Registry {
	opts := []imagecache.Option{
		imagecache.WithPath(cfg.Sandbox.ImageCacheFile),
		imagecache.WithPullTimeout(cfg.GetPullTimeout()),
	}
	if rec != nil {
		opts = append(opts, imagecache.WithObserver(rec))
	}
	return imagecache.New(log, rt, opts...)
}

func newOrchestrator(
	log *zap.Logger,
	cfg *config.Config,
	profiles *sandbox.ProfileTable,
	registry *imagecache.Registry,
	rt *sandbox.DockerRuntime,
	rec *metrics.Recorder,
) (*sandbox.Orchestrator, error) {
	var opts []sandbox.OrchestratorOption
	if rec != nil {
		opts = append(opts, sandbox.WithObserver(rec))
	}
	if cfg.Dependencies.Enabled {
		installer, err := sandbox.NewInstaller(log, rt, cfg.Dependencies.Installers,
			time.Duration(cfg.Dependencies.TimeoutSec)*time.Second)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sandbox.WithInstaller(installer))
	}
	return sandbox.NewOrchestrator(log, sandbox.ConfigFromApp(cfg), profiles, registry, rt, opts...), nil
}

func newSessionManager(
	log *zap.Logger,
	cfg *config.Config,
	registry *imagecache.Registry,
	rt *sandbox.DockerRuntime,
	rec *metrics.Recorder,
) (*sandbox.SessionManager, error) {
	return sandbox.NewSessionManager(log, sandbox.SessionConfigFromApp(cfg), registry, rt,
		sandbox.WithSessionObserver(rec))
}

func newHTTPServer(
	log *zap.Logger,
	cfg *config.Config,
	orch *sandbox.Orchestrator,
	profiles *sandbox.ProfileTable,
	sessions *sandbox.SessionManager,
	rt *sandbox.DockerRuntime,
	rec *metrics.Recorder,
) *httpserver.Server {
	return httpserver.New(log, cfg.Server.HTTPPort, orch, profiles,
		httpserver.WithTerminals(httpserver.SessionTerminals(sessions)),
		httpserver.WithPinger(rt),
		httpserver.WithMetrics(rec.Handler()))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, orch *sandbox.Orchestrator, profiles *sandbox.ProfileTable) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, orch, profiles)
}

// newApp wires the long-running service.
func newApp(cfg *config.Config, port int) *fx.App {
	if port > 0 {
		cfg.Server.HTTPPort = port
	}
	return fx.New(
		appOptions(cfg),
		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			metrics.New,
			sandbox.NewRuntime,
			func(cfg *config.Config) (*sandbox.ProfileTable, error) {
				return sandbox.NewProfileTable(cfg.Languages)
			},
			newRegistry,
			newOrchestrator,
			newSessionManager,
			newHTTPServer,
			newMCPServer,
		),

		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	srv *httpserver.Server,
	mcp *mcpserver.MCPServer,
	sessions *sandbox.SessionManager,
	rt *sandbox.DockerRuntime,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("configuration loaded",
				zap.Int("server.http_port", cfg.Server.HTTPPort),
				zap.Bool("mcp.enabled", cfg.MCP.Enabled),
				zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
				zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
				zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
				zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
				zap.Int("languages", len(cfg.Languages)))

			if err := rt.Ping(ctx); err != nil {
				log.Warn("container engine not reachable yet", zap.Error(err))
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			if cfg.MCP.Enabled {
				startMCP(cfg, log, mcp)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.GetShutdownTimeout())
			defer cancel()

			var errs error
			errs = multierr.Append(errs, srv.Shutdown(stopCtx))
			errs = multierr.Append(errs, mcp.Shutdown(stopCtx))
			errs = multierr.Append(errs, sessions.CloseAll())
			errs = multierr.Append(errs, rt.Close())
			return errs
		},
	})
}

func startMCP(cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	switch cfg.MCP.Transport {
	case "stdio":
		go func() {
			if err := server.ServeStdio(); err != nil {
				log.Error("MCP stdio transport stopped", zap.Error(err))
			}
		}()
	case "http":
		go func() {
			if err := server.ServeHTTP(); err != nil {
				log.Error("MCP HTTP transport stopped", zap.Error(err))
			}
		}()
	}
}
