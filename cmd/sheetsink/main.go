package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/config"
	"github.com/dgnsrekt/pagetrawl/internal/netutil"
	"github.com/dgnsrekt/pagetrawl/internal/sink"
	"github.com/dgnsrekt/pagetrawl/internal/sinkapi"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadSink()
	if err != nil {
		slog.Error("failed to load sink config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("sheetsink config loaded",
		"bind_addr", cfg.BindAddr,
		"store", cfg.Store,
		"locker", cfg.Locker,
		"lock_wait", cfg.LockWait,
		"default_sheet", cfg.DefaultSheet,
		"log_level", cfg.LogLevel,
	)

	var sheets sink.Sheets
	switch cfg.Store {
	case "postgres":
		db, err := sink.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres sheet store", "error", err)
			os.Exit(1)
		}
		sheets = sink.NewGormSheets(db, cfg.BatchSize)
	default:
		sheets = sink.NewMemorySheets()
	}

	var locker sink.Locker
	switch cfg.Locker {
	case "redis":
		rl := sink.NewRedisLocker(cfg.RedisAddr, cfg.LockKey, cfg.LockTTL)
		defer func() {
			if err := rl.Close(); err != nil {
				slog.Debug("redis locker close failed", "error", err)
			}
		}()
		locker = rl
	default:
		locker = sink.NewLocalLocker()
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	h := sinkapi.NewServer(sink.NewWriter(sheets, locker, cfg.LockWait), cfg.DefaultSheet)
	srv := &http.Server{Handler: h}

	go func() {
		addr := ln.Addr().String()
		slog.Info("sheetsink listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("sheetsink server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("sheetsink shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
