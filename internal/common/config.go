// -----------------------------------------------------------------------
// Configuration loading and defaults.
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration tree, loaded from one or more TOML files
// and then overlaid with environment variables and CLI flags.
type Config struct {
	Environment  string             `toml:"environment"`
	Server       ServerConfig       `toml:"server"`
	Store        StoreConfig        `toml:"store"`
	Queue        QueueConfig        `toml:"queue"`
	Logging      LoggingConfig      `toml:"logging"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Fetcher      FetcherConfig      `toml:"fetcher"`
	ModelRouter  ModelRouterConfig  `toml:"model_router"`
	Health       HealthConfig       `toml:"health"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StoreConfig configures the embedded job store.
type StoreConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
	MaxItemSize    int    `toml:"max_item_size"`
}

// QueueConfig configures the embedded job queue.
type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`
	Concurrency       int    `toml:"concurrency"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	MaxReceive        int    `toml:"max_receive"`
	QueueName         string `toml:"queue_name"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// OrchestratorConfig configures per-job orchestration-loop deadlines.
type OrchestratorConfig struct {
	JobTimeout       time.Duration `toml:"job_timeout"`
	HeartbeatEvery   time.Duration `toml:"heartbeat_every"`
	CleanupReserve   time.Duration `toml:"cleanup_reserve"`
	MaxIterations    int           `toml:"max_iterations"`
	AgentConcurrency int           `toml:"agent_concurrency"`
}

// FetcherConfig configures the page fetch escalation ladder.
type FetcherConfig struct {
	UserAgent          string        `toml:"user_agent"`
	RequestTimeout     time.Duration `toml:"request_timeout"`
	BrowserTimeout     time.Duration `toml:"browser_timeout"`
	MaxBodySize        int           `toml:"max_body_size"`
	DomainRateLimit    time.Duration `toml:"domain_rate_limit"`
	CacheTTL           time.Duration `toml:"cache_ttl"`
	CacheSize          int           `toml:"cache_size"`
	RetryAttempts      int           `toml:"retry_attempts"`
}

// ModelRouterConfig configures the tiered model provider stack.
type ModelRouterConfig struct {
	Claude           ClaudeConfig   `toml:"claude"`
	Gemini           GeminiConfig   `toml:"gemini"`
	ComplexityCutoff float64        `toml:"complexity_cutoff"`
	AccuracyCutoff   float64        `toml:"accuracy_cutoff"`
	BudgetCutoff     float64        `toml:"budget_cutoff"`
}

// ClaudeConfig holds the Claude-backed tier provider's settings.
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	HighModel   string  `toml:"high_model"`
	MidModel    string  `toml:"mid_model"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
}

// GeminiConfig holds the Gemini-backed tier provider's settings.
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	MidModel    string  `toml:"mid_model"`
	LowModel    string  `toml:"low_model"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
}

// HealthConfig configures the stuck-job reaper and periodic health probe.
// A processing job is classified stuck when any one of UpdatedThreshold,
// StaleThreshold (heartbeat), or CreatedThreshold is exceeded.
type HealthConfig struct {
	ReaperSchedule     string        `toml:"reaper_schedule"`
	ProbeSchedule      string        `toml:"probe_schedule"`
	UpdatedThreshold   time.Duration `toml:"updated_threshold"`
	StaleThreshold     time.Duration `toml:"stale_threshold"`
	CreatedThreshold   time.Duration `toml:"created_threshold"`
	OrphanThreshold    time.Duration `toml:"orphan_threshold"`
	MonthlyBudgetLimit float64       `toml:"monthly_budget_limit"`
}

// NewDefaultConfig returns the baseline configuration used before any file,
// environment or CLI overrides are applied.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Store: StoreConfig{
			Path:        "./data/store",
			MaxItemSize: 1 * 1024 * 1024,
		},
		Queue: QueueConfig{
			PollInterval:      "250ms",
			Concurrency:       10,
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			QueueName:         "atlascodex_jobs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Orchestrator: OrchestratorConfig{
			JobTimeout:       5 * time.Minute,
			HeartbeatEvery:   10 * time.Second,
			CleanupReserve:   5 * time.Second,
			MaxIterations:    50,
			AgentConcurrency: 4,
		},
		Fetcher: FetcherConfig{
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:  15 * time.Second,
			BrowserTimeout:  20 * time.Second,
			MaxBodySize:     10 * 1024 * 1024,
			DomainRateLimit: 500 * time.Millisecond,
			CacheTTL:        5 * time.Minute,
			CacheSize:       500,
			RetryAttempts:   3,
		},
		ModelRouter: ModelRouterConfig{
			Claude: ClaudeConfig{
				HighModel:   "claude-opus-4-20250514",
				MidModel:    "claude-sonnet-4-20250514",
				Timeout:     "2m",
				Temperature: 0.2,
			},
			Gemini: GeminiConfig{
				MidModel:    "gemini-2.5-flash",
				LowModel:    "gemini-2.5-flash-lite",
				Timeout:     "2m",
				Temperature: 0.2,
			},
			ComplexityCutoff: 0.7,
			AccuracyCutoff:   0.9,
			BudgetCutoff:     0.05,
		},
		Health: HealthConfig{
			ReaperSchedule:     "@every 1m",
			ProbeSchedule:      "@every 30s",
			UpdatedThreshold:   5 * time.Minute,
			StaleThreshold:     2 * time.Minute,
			CreatedThreshold:   10 * time.Minute,
			OrphanThreshold:    10 * time.Minute,
			MonthlyBudgetLimit: 100.0,
		},
	}
}

// LoadFromFiles loads configuration starting from defaults, merging each
// file in order (later files override earlier ones), then applying
// environment overrides. Priority: env > last file > ... > first file >
// defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ATLASCODEX_ENV"); env != "" {
		config.Environment = env
	}
	if port := os.Getenv("ATLASCODEX_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ATLASCODEX_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		config.ModelRouter.Claude.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.ModelRouter.Gemini.APIKey = key
	}
	if level := os.Getenv("ATLASCODEX_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies CLI flag values, which take precedence over
// everything else.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
