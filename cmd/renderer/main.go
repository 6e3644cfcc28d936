package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/handle"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/server"
)

const mainFrame handle.FrameID = 1

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Transport.Addr, "Listen address")
	path := flag.String("path", cfg.Transport.Path, "WebSocket endpoint path")
	timeout := flag.Duration("timeout", cfg.RPC.Timeout(), "Call timeout")
	script := flag.String("script", "", "Script evaluated in the main frame at startup")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development mode (colored logs, debug level)")
	flag.Parse()

	cfg.Transport.Addr = *addr
	cfg.Transport.Path = *path
	cfg.RPC.TimeoutMS = int(*timeout / time.Millisecond)
	cfg.Logging.Development = *dev
	config.SetCallTimeout(cfg.RPC.Timeout())

	logCfg := logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development}
	if *dev {
		logCfg = logging.DevelopmentConfig()
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *script, logger.Logger); err != nil {
		logger.Fatal("Renderer failed", zap.Error(err))
	}
}

func run(cfg *config.Config, script string, logger *zap.Logger) error {
	srv := server.New(cfg, logger)

	ctx := context.Background()
	if err := srv.Engine().CreateContext(ctx, mainFrame); err != nil {
		srv.Close()
		return fmt.Errorf("failed to create main frame: %w", err)
	}
	if script != "" {
		src, err := os.ReadFile(script)
		if err != nil {
			srv.Close()
			return fmt.Errorf("failed to read script: %w", err)
		}
		v, err := srv.Engine().Eval(ctx, mainFrame, string(src))
		if err != nil {
			srv.Close()
			return fmt.Errorf("failed to run %s: %w", script, err)
		}
		if h, ok := v.(handle.Handle); ok {
			srv.Engine().Registry().ReleaseHandle(h)
		}
		logger.Info("Bootstrap script loaded", zap.String("script", script))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(cfg.Transport.Addr)
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		return <-errChan
	case err := <-errChan:
		srv.Close()
		return err
	}
}
