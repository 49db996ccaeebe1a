package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ControllerConfig holds configuration for the scraping controller.
type ControllerConfig struct {
	CDPAddress       string
	CDPPort          int
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	TabURLFilter     string
	EvalTimeoutMS    int
	LogLevel         string
	LogFile          string

	CheckpointBackend  string // "file" or "redis"
	CheckpointDir      string
	CheckpointMaxBytes int
	CheckpointTTL      time.Duration
	RedisAddr          string
	RedisPrefix        string
	BackupDir          string
	BackupMaxSizeMB    int

	MaxPages            int
	ResumeWindow        time.Duration
	WorkerResultTimeout time.Duration
	StopOnEmptyPage     bool
	AutoResume          bool

	WorkerGrace     time.Duration
	DispatchRetries int
	DispatchBackoff time.Duration
	SpawnInterval   time.Duration
	IsolateWorkers  bool

	ScrapeProfile string
	ScrapeColumns string
	WaitSelector  string
	ScrapeTimeout time.Duration

	ExportEndpoint string
	AutoExport     bool
	ExportClear    bool
	ExportUniqueBy string

	NotifyEndpoint string
	NotifyTitle    string

	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserStartURLs  []string
	BrowserHeadless   bool
	SweepInterval     time.Duration
}

// LoadController reads controller configuration from environment variables.
func LoadController() (*ControllerConfig, error) {
	loadDotEnv()

	cfg := &ControllerConfig{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:         getEnvOrDefault("PAGETRAWL_BIND_ADDR", "127.0.0.1:8189"),
		PortCandidates:   getEnvListOrDefault("PAGETRAWL_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8193"}),
		PortAutoFallback: getEnvBoolOrDefault("PAGETRAWL_PORT_AUTO_FALLBACK", true),
		TabURLFilter:     getEnvOrDefault("PAGETRAWL_TAB_URL_FILTER", ""),
		EvalTimeoutMS:    getEnvIntOrDefault("PAGETRAWL_EVAL_TIMEOUT_MS", 5000),
		LogLevel:         strings.ToLower(getEnvOrDefault("PAGETRAWL_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("PAGETRAWL_LOG_FILE", "logs/pagetrawl.log"),

		CheckpointBackend:  strings.ToLower(getEnvOrDefault("PAGETRAWL_CHECKPOINT_BACKEND", "file")),
		CheckpointDir:      getEnvOrDefault("PAGETRAWL_CHECKPOINT_DIR", "./state"),
		CheckpointMaxBytes: getEnvIntOrDefault("PAGETRAWL_CHECKPOINT_MAX_BYTES", 5*1024*1024),
		CheckpointTTL:      getEnvDurationOrDefault("PAGETRAWL_CHECKPOINT_TTL", 24*time.Hour),
		RedisAddr:          getEnvOrDefault("PAGETRAWL_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix:        getEnvOrDefault("PAGETRAWL_REDIS_PREFIX", "pagetrawl:checkpoint:"),
		BackupDir:          getEnvOrDefault("PAGETRAWL_BACKUP_DIR", "./state/backup"),
		BackupMaxSizeMB:    getEnvIntOrDefault("PAGETRAWL_BACKUP_MAX_SIZE_MB", 50),

		MaxPages:            getEnvIntOrDefault("PAGETRAWL_MAX_PAGES", 50),
		ResumeWindow:        getEnvDurationOrDefault("PAGETRAWL_RESUME_WINDOW", 5*time.Minute),
		WorkerResultTimeout: getEnvDurationOrDefault("PAGETRAWL_WORKER_RESULT_TIMEOUT", 90*time.Second),
		StopOnEmptyPage:     getEnvBoolOrDefault("PAGETRAWL_STOP_ON_EMPTY_PAGE", false),
		AutoResume:          getEnvBoolOrDefault("PAGETRAWL_AUTO_RESUME", true),

		WorkerGrace:     getEnvDurationOrDefault("PAGETRAWL_WORKER_GRACE", 5*time.Second),
		DispatchRetries: getEnvIntOrDefault("PAGETRAWL_DISPATCH_RETRIES", 3),
		DispatchBackoff: getEnvDurationOrDefault("PAGETRAWL_DISPATCH_BACKOFF", 2*time.Second),
		SpawnInterval:   getEnvDurationOrDefault("PAGETRAWL_SPAWN_INTERVAL", time.Second),
		IsolateWorkers:  getEnvBoolOrDefault("PAGETRAWL_ISOLATE_WORKERS", true),

		ScrapeProfile: getEnvOrDefault("PAGETRAWL_SCRAPE_PROFILE", ""),
		ScrapeColumns: getEnvOrDefault("PAGETRAWL_SCRAPE_COLUMNS", ""),
		WaitSelector:  getEnvOrDefault("PAGETRAWL_WAIT_SELECTOR", "table"),
		ScrapeTimeout: getEnvDurationOrDefault("PAGETRAWL_SCRAPE_TIMEOUT", 30*time.Second),

		ExportEndpoint: getEnvOrDefault("PAGETRAWL_EXPORT_ENDPOINT", ""),
		AutoExport:     getEnvBoolOrDefault("PAGETRAWL_AUTO_EXPORT", false),
		ExportClear:    getEnvBoolOrDefault("PAGETRAWL_EXPORT_CLEAR", false),
		ExportUniqueBy: getEnvOrDefault("PAGETRAWL_EXPORT_UNIQUE_BY", ""),

		NotifyEndpoint: getEnvOrDefault("PAGETRAWL_NOTIFY_ENDPOINT", ""),
		NotifyTitle:    getEnvOrDefault("PAGETRAWL_NOTIFY_TITLE", "pagetrawl"),

		LaunchBrowser:     getEnvBoolOrDefault("PAGETRAWL_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("PAGETRAWL_BROWSER_PROFILE_DIR", "./state/chromium-profile"),
		BrowserStartURLs:  getEnvListOrDefault("PAGETRAWL_BROWSER_START_URLS", nil),
		BrowserHeadless:   getEnvBoolOrDefault("PAGETRAWL_BROWSER_HEADLESS", false),
		SweepInterval:     getEnvDurationOrDefault("PAGETRAWL_SWEEP_INTERVAL", 15*time.Second),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.MaxPages < 1 || cfg.MaxPages > 50 {
		cfg.MaxPages = 50
	}
	if cfg.DispatchRetries < 1 {
		cfg.DispatchRetries = 1
	}
	switch cfg.CheckpointBackend {
	case "file", "redis":
	default:
		return nil, fmt.Errorf("PAGETRAWL_CHECKPOINT_BACKEND must be file or redis, got %q", cfg.CheckpointBackend)
	}
	if cfg.AutoExport && cfg.ExportEndpoint == "" {
		return nil, fmt.Errorf("PAGETRAWL_AUTO_EXPORT requires PAGETRAWL_EXPORT_ENDPOINT")
	}
	return cfg, nil
}

// ControllerCDPURL returns CDP endpoint URL for controller use.
func (c *ControllerConfig) ControllerCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}
