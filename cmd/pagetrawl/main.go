package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/pagetrawl/internal/api"
	"github.com/dgnsrekt/pagetrawl/internal/browser"
	"github.com/dgnsrekt/pagetrawl/internal/cdp"
	"github.com/dgnsrekt/pagetrawl/internal/cdpcontrol"
	"github.com/dgnsrekt/pagetrawl/internal/checkpoint"
	"github.com/dgnsrekt/pagetrawl/internal/config"
	"github.com/dgnsrekt/pagetrawl/internal/controller"
	"github.com/dgnsrekt/pagetrawl/internal/coordinator"
	"github.com/dgnsrekt/pagetrawl/internal/export"
	"github.com/dgnsrekt/pagetrawl/internal/netutil"
	"github.com/dgnsrekt/pagetrawl/internal/notify"
	"github.com/dgnsrekt/pagetrawl/internal/relay"
	"github.com/dgnsrekt/pagetrawl/internal/scrape"
	"github.com/dgnsrekt/pagetrawl/internal/storage"
	"github.com/dgnsrekt/pagetrawl/internal/workertab"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadController()
	if err != nil {
		slog.Error("failed to load controller config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("pagetrawl config loaded",
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"checkpoint_backend", cfg.CheckpointBackend,
		"max_pages", cfg.MaxPages,
		"resume_window", cfg.ResumeWindow,
		"worker_result_timeout", cfg.WorkerResultTimeout,
		"auto_export", cfg.AutoExport,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			StartURLs:  cfg.BrowserStartURLs,
			Headless:   cfg.BrowserHeadless,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	cdpClient := cdpcontrol.NewClient(cfg.ControllerCDPURL(), cfg.TabURLFilter, time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect CDP controller", "cdp_url", cfg.ControllerCDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	reader := cdp.NewPageReader(cfg.ControllerCDPURL(), cfg.WaitSelector, cfg.ScrapeTimeout, nil)
	if err := reader.Connect(context.Background()); err != nil {
		slog.Error("failed to connect page reader", "cdp_url", cfg.ControllerCDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			slog.Debug("page reader close failed", "error", err)
		}
	}()

	columns, err := loadColumns(cfg)
	if err != nil {
		slog.Error("failed to load scrape columns", "error", err)
		os.Exit(1)
	}
	scraper := scrape.NewTableScraper(reader, columns)

	store, closeStore, err := openCheckpointStore(cfg)
	if err != nil {
		slog.Error("failed to open checkpoint store", "backend", cfg.CheckpointBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	backup, err := storage.NewRecordBackup(cfg.BackupDir, cfg.BackupMaxSizeMB)
	if err != nil {
		slog.Error("failed to create record backup", "dir", cfg.BackupDir, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backup.Close(); err != nil {
			slog.Debug("record backup close failed", "error", err)
		}
	}()

	workerRuntime := coordinator.NewWorkerRuntime(cdpClient, scraper, nil, cfg.ScrapeTimeout)
	defer workerRuntime.Close()
	manager := workertab.NewManager(workertab.NewCDPBrowser(cdpClient, cfg.IsolateWorkers), workerRuntime, workertab.Options{
		GraceDelay:  cfg.WorkerGrace,
		MaxAttempts: cfg.DispatchRetries,
		BackoffStep: cfg.DispatchBackoff,
		SpawnRate:   rate.Every(cfg.SpawnInterval),
		SpawnBurst:  1,
	})
	workerRuntime.SetForwarder(manager)

	broker := relay.NewBroker()
	deps := coordinator.Deps{
		Scraper: scraper,
		Store:   store,
		Backup:  backup,
		Events:  broker,
	}
	exporter := export.NewClient(cfg.ExportEndpoint, nil)
	if exporter.Enabled() {
		deps.Exporter = exporter
	}
	if cfg.NotifyEndpoint != "" {
		deps.Notifier = notify.New(nil, cfg.NotifyEndpoint, cfg.NotifyTitle)
	}

	svc := controller.NewService(cdpClient, manager, reader, controller.Options{
		Session: coordinator.Config{
			MaxPages:            cfg.MaxPages,
			ResumeWindow:        cfg.ResumeWindow,
			WorkerResultTimeout: cfg.WorkerResultTimeout,
			StopOnEmptyPage:     cfg.StopOnEmptyPage,
			AutoExport:          cfg.AutoExport,
			ExportOptions: export.Options{
				UniqueBy: export.ParseSelectors(cfg.ExportUniqueBy),
				Clear:    cfg.ExportClear,
			},
		},
		Deps:      deps,
		TabFilter: cfg.TabURLFilter,
	})

	if cfg.AutoResume {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n := svc.ResumeAll(ctx)
		cancel()
		slog.Info("startup resume scan done", "resumed", n)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweep(sweepCtx, svc, cfg.SweepInterval)

	h := api.NewServer(svc, relay.SSEHandler(broker))
	srv := &http.Server{Handler: h}

	go func() {
		addr := ln.Addr().String()
		slog.Info("pagetrawl listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("pagetrawl server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("pagetrawl shutdown failed", "error", err)
	}
	// Running sessions keep their checkpoints and resume on the next start.
	if err := manager.Close(ctx); err != nil {
		slog.Warn("worker manager close failed", "error", err)
	}
}

func loadColumns(cfg *config.ControllerConfig) ([]scrape.ColumnSpec, error) {
	if cfg.ScrapeProfile != "" {
		profile, err := scrape.LoadProfile(cfg.ScrapeProfile)
		if err != nil {
			return nil, err
		}
		return profile.Specs(), nil
	}
	if cfg.ScrapeColumns != "" {
		return scrape.ParseColumnSpecs(cfg.ScrapeColumns)
	}
	return nil, nil
}

func openCheckpointStore(cfg *config.ControllerConfig) (checkpoint.Store, func(), error) {
	switch cfg.CheckpointBackend {
	case "redis":
		store := checkpoint.NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix, cfg.CheckpointTTL, cfg.CheckpointMaxBytes)
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Debug("redis checkpoint store close failed", "error", err)
			}
		}, nil
	case "file":
		store, err := checkpoint.NewFileStore(filepath.Clean(cfg.CheckpointDir), cfg.CheckpointMaxBytes)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

func sweep(ctx context.Context, svc *controller.Service, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.Sweep(ctx); n > 0 {
				slog.Info("forgot closed tabs", "count", n)
			}
		}
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
