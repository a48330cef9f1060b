// Package config loads process configuration from YAML with environment
// variable overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where LoadConfig looks unless CONFIG_PATH is set.
const DefaultConfigPath = "config.yaml"

// Config holds every recognized configuration option.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	SCM     SCMConfig     `yaml:"scm"`
	Diff    DiffConfig    `yaml:"diff"`
	Agent   AgentConfig   `yaml:"agent"`
	Queue   QueueConfig   `yaml:"queue"`
	Result  ResultConfig  `yaml:"result"`
	Storage StorageConfig `yaml:"storage"`
}

// LogConfig controls structured logging output and rotation.
type LogConfig struct {
	Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format   string `yaml:"format"` // text, json
	Output   string `yaml:"output"` // comma-separated: stdout, stderr, /path/to/file
	Rotation struct {
		MaxSize    int  `yaml:"max_size"` // megabytes
		MaxBackups int  `yaml:"max_backups"`
		MaxAge     int  `yaml:"max_age"` // days
		Compress   bool `yaml:"compress"`
	} `yaml:"rotation"`
}

// ServerConfig controls the ingest HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LLMConfig controls the LLM streaming backend.
type LLMConfig struct {
	Provider       string        `yaml:"provider"` // openai, langchain
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"-"` // from env
	Timeout        time.Duration `yaml:"timeout"`
	Temperature    float64       `yaml:"temperature"`
	MaxRetries     int           `yaml:"max_retries"`
	CircuitBreaker struct {
		FailureRate float64       `yaml:"failure_rate"`
		Window      int           `yaml:"window"`
		Cooldown    time.Duration `yaml:"cooldown"`
	} `yaml:"circuit_breaker"`
}

// SCMProviderConfig is one hosted-SCM provider's connection details.
type SCMProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"-"` // from env
}

// SCMConfig carries connection details for both supported provider kinds.
type SCMConfig struct {
	KindA SCMProviderConfig `yaml:"kind_a"`
	KindB SCMProviderConfig `yaml:"kind_b"`
}

// DiffConfig controls the Diff-Mode Worker's chunking and context.
type DiffConfig struct {
	ContextLines     int `yaml:"context_lines"`
	MaxLinesPerChunk int `yaml:"max_lines_per_chunk"`
}

// AgentConfig controls the Agentic Worker's clone/test/aggregation/sandbox
// behavior.
type AgentConfig struct {
	Clone struct {
		Depth int `yaml:"depth"`
	} `yaml:"clone"`
	Tests struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tests"`
	Analysis struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"analysis"`
	Aggregation struct {
		DeduplicationEnabled bool    `yaml:"deduplication_enabled"`
		SimilarityThreshold  float64 `yaml:"similarity_threshold"`
		LineTolerance        int     `yaml:"line_tolerance"`
		MinConfidence        float64 `yaml:"min_confidence"`
		MaxIssuesPerFile     int     `yaml:"max_issues_per_file"`
	} `yaml:"aggregation"`
	Sandbox struct {
		Image       string        `yaml:"image"`
		MemoryBytes int64         `yaml:"memory_bytes"`
		NanoCPUs    int64         `yaml:"nano_cpus"`
		Timeout     time.Duration `yaml:"timeout"`
		TermGrace   time.Duration `yaml:"term_grace"`
	} `yaml:"sandbox"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

// QueueConfig controls claim/redelivery behavior for both worker groups.
type QueueConfig struct {
	ConsumerGroup     string        `yaml:"consumer_group"`
	ConsumerID        string        `yaml:"consumer_id"`
	BatchSize         int           `yaml:"batch_size"`
	ClaimBlockTimeout time.Duration `yaml:"claim_block_timeout"`
	MinIdleReclaim    time.Duration `yaml:"min_idle_reclaim"`
	HighWaterMark     int           `yaml:"high_water_mark"`
	// DebounceWindow coalesces repeated admission requests for the same
	// (provider, repositoryId, changeRequestNumber, mode) tuple arriving
	// within the window into a single queued entry, absorbing the
	// back-to-back webhook deliveries a force-push or rapid commit burst
	// produces. Zero disables debouncing.
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// ResultConfig controls the persisted result record's lifetime.
type ResultConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// StorageConfig selects the result-record/queue-mirror backing store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite
	DSN    string `yaml:"dsn"`
}

// GetLogLevel returns the slog.Level for c.Log.Level.
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from a YAML file (CONFIG_PATH, default
// config.yaml), then layers environment variables for secrets and a
// handful of deploy-time overrides on top.
func LoadConfig() *Config {
	cfg := &Config{}

	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.Timeout = 60 * time.Second
	cfg.LLM.MaxRetries = 3
	cfg.LLM.CircuitBreaker.FailureRate = 0.5
	cfg.LLM.CircuitBreaker.Window = 10
	cfg.LLM.CircuitBreaker.Cooldown = 30 * time.Second
	cfg.Diff.ContextLines = 5
	cfg.Diff.MaxLinesPerChunk = 1500
	cfg.Agent.Clone.Depth = 1
	cfg.Agent.Tests.Enabled = true
	cfg.Agent.Analysis.Timeout = 5 * time.Minute
	cfg.Agent.Aggregation.DeduplicationEnabled = true
	cfg.Agent.Aggregation.SimilarityThreshold = 0.85
	cfg.Agent.Aggregation.LineTolerance = 5
	cfg.Agent.Aggregation.MinConfidence = 0.7
	cfg.Agent.Aggregation.MaxIssuesPerFile = 10
	cfg.Agent.Sandbox.MemoryBytes = 512 * 1024 * 1024
	cfg.Agent.Sandbox.NanoCPUs = 1_000_000_000
	cfg.Agent.Sandbox.Timeout = 3 * time.Minute
	cfg.Agent.Sandbox.TermGrace = 5 * time.Second
	cfg.Agent.WorkspaceRoot = os.TempDir()
	cfg.Queue.ConsumerGroup = "default"
	cfg.Queue.BatchSize = 1
	cfg.Queue.ClaimBlockTimeout = 5 * time.Second
	cfg.Queue.MinIdleReclaim = 2 * time.Minute
	cfg.Queue.HighWaterMark = 1000
	cfg.Queue.DebounceWindow = 3 * time.Second
	cfg.Result.TTL = 24 * time.Hour
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "reviewd.db"

	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.SCM.KindA.Token = getEnv("SCM_KIND_A_TOKEN", cfg.SCM.KindA.Token)
	cfg.SCM.KindB.Token = getEnv("SCM_KIND_B_TOKEN", cfg.SCM.KindB.Token)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}

	return cfg
}

// Validate checks the configuration for values the process cannot start
// safely without.
func (c *Config) Validate() error {
	var problems []string

	if c.LLM.APIKey == "" {
		problems = append(problems, "LLM_API_KEY is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.SCM.KindA.BaseURL == "" && c.SCM.KindB.BaseURL == "" {
		problems = append(problems, "at least one scm provider base_url must be configured")
	}
	if c.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return fallback
}
