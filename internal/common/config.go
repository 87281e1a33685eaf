package common

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Proposals   ProposalsConfig `toml:"proposals"`
	Output      OutputConfig    `toml:"output"`
	Claude      ClaudeConfig    `toml:"claude"`
	Gemini      GeminiConfig    `toml:"gemini"`
	LLM         LLMConfig       `toml:"llm"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// PipelineConfig contains the orchestration timeouts and bounds.
// Duration fields are strings parsed with ParseDurationOr at the point of use.
type PipelineConfig struct {
	MaxIterations           int    `toml:"max_iterations" validate:"gte=1,lte=10"` // Review loop ceiling per unit
	StepRetries             int    `toml:"step_retries" validate:"gte=0,lte=10"`   // Retries per durable step after the first attempt
	StepRetryBackoff        string `toml:"step_retry_backoff"`                     // Backoff between step retries
	PreparationTimeout      string `toml:"preparation_timeout"`                    // Wait bound for preparation.complete
	DecisionTimeout         string `toml:"decision_timeout"`                       // Wait bound for a human decision per unit
	ConvergencePollInterval string `toml:"convergence_poll_interval"`              // Sleep between convergence polls
	ConvergenceCeiling      string `toml:"convergence_ceiling"`                    // Overall bound on the convergence wait
	AssemblyTimeout         string `toml:"assembly_timeout"`                       // Wait bound for assembly.complete
	ScoringTimeout          string `toml:"scoring_timeout"`                        // Wait bound for scoring.complete
	JobTimeout              string `toml:"job_timeout"`                            // Overall job duration ceiling
}

// ProposalsConfig contains configuration for proposal definitions
type ProposalsConfig struct {
	DefinitionsDir string `toml:"definitions_dir"` // Directory containing proposal definition files (YAML)
	DefaultName    string `toml:"default_name"`    // Definition used when a request names none
}

// OutputConfig contains configuration for assembled document output
type OutputConfig struct {
	Dir string `toml:"dir"` // Directory for assembled HTML/PDF output
}

// ClaudeConfig represents Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
}

// GeminiConfig represents Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float32 `toml:"temperature"`
	Timeout     string  `toml:"timeout"`
}

// LLMConfig contains provider-agnostic generation settings
type LLMConfig struct {
	DefaultProvider   string  `toml:"default_provider" validate:"oneof=claude gemini"` // "claude" or "gemini"
	RequestsPerMinute float64 `toml:"requests_per_minute"`                             // Outbound rate limit across providers
	Burst             int     `toml:"burst"`                                           // Rate limiter burst size
}

type SchedulerConfig struct {
	StallSchedule  string `toml:"stall_schedule"`  // Cron schedule for the stall monitor sweep
	StallThreshold string `toml:"stall_threshold"` // Heartbeat age that marks a processing job as stalled
}

// NewDefaultConfig returns a config populated with working defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/compono",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Pipeline: PipelineConfig{
			MaxIterations:           5,
			StepRetries:             2,
			StepRetryBackoff:        "5s",
			PreparationTimeout:      "30m",
			DecisionTimeout:         "72h",
			ConvergencePollInterval: "10s",
			ConvergenceCeiling:      "72h",
			AssemblyTimeout:         "15m",
			ScoringTimeout:          "15m",
			JobTimeout:              "96h",
		},
		Proposals: ProposalsConfig{
			DefinitionsDir: "./proposals",
			DefaultName:    "default",
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   8192,
			Timeout:     "120s",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			Timeout:     "120s",
		},
		LLM: LLMConfig{
			DefaultProvider:   "claude",
			RequestsPerMinute: 30,
			Burst:             5,
		},
		Scheduler: SchedulerConfig{
			StallSchedule:  "*/5 * * * *",
			StallThreshold: "60m",
		},
	}
}

// LoadFromFiles loads configuration with precedence: defaults -> files -> env.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies COMPONO_* environment variables over file values
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COMPONO_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("COMPONO_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("COMPONO_CLAUDE_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && config.Gemini.APIKey == "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("COMPONO_GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("COMPONO_LLM_PROVIDER"); v != "" {
		config.LLM.DefaultProvider = v
	}
}

// Validate checks structural constraints on the configuration
func Validate(config *Config) error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Duration strings must parse even though they are applied lazily
	durations := map[string]string{
		"pipeline.step_retry_backoff":        config.Pipeline.StepRetryBackoff,
		"pipeline.preparation_timeout":       config.Pipeline.PreparationTimeout,
		"pipeline.decision_timeout":          config.Pipeline.DecisionTimeout,
		"pipeline.convergence_poll_interval": config.Pipeline.ConvergencePollInterval,
		"pipeline.convergence_ceiling":       config.Pipeline.ConvergenceCeiling,
		"pipeline.assembly_timeout":          config.Pipeline.AssemblyTimeout,
		"pipeline.scoring_timeout":           config.Pipeline.ScoringTimeout,
		"pipeline.job_timeout":               config.Pipeline.JobTimeout,
		"scheduler.stall_threshold":          config.Scheduler.StallThreshold,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", key, value, err)
		}
	}

	return nil
}

// ParseDurationOr parses a duration string, falling back to a default when
// the string is empty or invalid.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
