package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
	"github.com/SkynetNext/xsk-fastpath/internal/observability"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: search standard locations)")
	flag.Parse()

	xlog.Infof("Starting XSK fast-path daemon...")

	// 1. Config
	cfg, cfgFile, err := config.Load(*configPath)
	if err != nil {
		xlog.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		xlog.Errorf("Invalid config: %v", err)
		os.Exit(1)
	}
	setLogLevel(cfg.Log.Level)

	// 2. Tracing
	shutdownTracing, err := observability.InitTracing(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		xlog.Warnf("Failed to initialize tracing: %v (continuing without)", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 3. Modules
	d := newDaemon(cfg, cfgFile)
	d.register()

	// 4. Start
	if err := d.server.Start(context.Background()); err != nil {
		xlog.Errorf("Failed to start: %v", err)
		_ = shutdownTracing(context.Background())
		os.Exit(1)
	}

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	xlog.Infof("Shutting down...")
	if err := d.server.GracefulShutdown(cfg.Lifecycle.ShutdownTimeout); err != nil {
		xlog.Errorf("Shutdown error: %v", err)
	}
	if err := shutdownTracing(context.Background()); err != nil {
		xlog.Errorf("Tracing shutdown error: %v", err)
	}
	xlog.Infof("Daemon exited")
}

func setLogLevel(s string) {
	level, err := xlog.ParseLevel(s)
	if err != nil {
		xlog.Warnf("Unknown log level %q, keeping current level", s)
		return
	}
	xlog.SetLevel(level)
}
