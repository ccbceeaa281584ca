package main

import (
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"github.com/shardgate/shardgate/internal/admin"
	"github.com/shardgate/shardgate/internal/api"
	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/frontend"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/router"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitListenFail = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "shardgate.toml", "path to the configuration file")
	usersPath := flag.String("users", "users.toml", "path to the users file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath, *usersPath)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		return exitConfig
	}
	slog.Info("configuration loaded", "path", *configPath,
		"databases", len(cfg.Databases), "users", len(cfg.Users))

	if cfg.General.Workers > 0 {
		runtime.GOMAXPROCS(cfg.General.Workers)
	}

	var tlsConfig *tls.Config
	if cfg.General.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.General.TLSCert, cfg.General.TLSKey)
		if err != nil {
			slog.Error("failed to load TLS material", "err", err)
			return exitConfig
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		slog.Info("TLS enabled", "cert", cfg.General.TLSCert)
	}

	// The live config is an atomic snapshot; reloads publish a new one.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	m := metrics.New()

	databases, err := backend.NewDatabases(cfg, tlsConfig)
	if err != nil {
		slog.Error("failed to build database view", "err", err)
		return exitConfig
	}

	registry := frontend.NewRegistry()
	prepared := router.NewPreparedCache()

	reload := func(newCfg *config.Config) {
		if err := databases.Reload(newCfg); err != nil {
			slog.Error("reload failed", "err", err)
			return
		}
		liveCfg.Store(newCfg)
		m.Reloaded()
	}

	adminHandler := admin.New(admin.Deps{
		Config:    func() *config.Config { return liveCfg.Load() },
		Databases: databases,
		Clients:   registry.Snapshot,
		Reload: func() error {
			newCfg, err := config.Load(*configPath, *usersPath)
			if err != nil {
				return err
			}
			reload(newCfg)
			return nil
		},
		Reconnect: func() {
			// Pause and resume every pool. Idle server connections are
			// kept; nothing is closed or redialed.
			databases.PauseAll("")
			databases.ResumeAll("")
		},
	})

	handler := &frontend.Handler{
		Databases: databases,
		Config:    func() *config.Config { return liveCfg.Load() },
		Metrics:   m,
		Registry:  registry,
		Prepared:  prepared,
		Admin:     adminHandler,
		TLSConfig: tlsConfig,
	}

	server := frontend.NewServer(handler)
	if err := server.Listen(cfg.General.Host, cfg.General.Port); err != nil {
		slog.Error("failed to bind client listener", "err", err)
		return exitListenFail
	}

	var apiServer *api.Server
	if cfg.General.APIPort > 0 {
		apiServer = api.NewServer(databases, m)
		if err := apiServer.Start(cfg.General.APIBind, cfg.General.APIPort); err != nil {
			slog.Error("failed to bind api listener", "err", err)
			return exitListenFail
		}
	}

	watcher, err := config.NewWatcher(*configPath, *usersPath, reload)
	if err != nil {
		slog.Warn("config hot-reload unavailable", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			slog.Info("SIGHUP received, reloading configuration")
			newCfg, err := config.Load(*configPath, *usersPath)
			if err != nil {
				slog.Error("reload failed", "err", err)
				continue
			}
			reload(newCfg)
			continue
		}
		slog.Info("shutting down", "signal", sig.String())
		break
	}

	if watcher != nil {
		watcher.Stop()
	}
	if apiServer != nil {
		apiServer.Stop()
	}
	server.Stop(cfg.General.ShutdownTimeout.Duration)
	databases.Shutdown(cfg.General.ShutdownTimeout.Duration)

	slog.Info("shutdown complete")
	return exitOK
}
