// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Consumers take this rather than the concrete struct so tests can inject
// fixed values.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Safety() SafetyConfig
	Server() ServerConfig
	Browser() BrowserConfig
	Vision() VisionConfig
}

// LoggerConfig controls the zap logger and file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name"`
	AddSource   bool   `mapstructure:"add_source"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"` // days
	Compress    bool   `mapstructure:"compress"`
}

// EngineConfig bounds the execution loop.
type EngineConfig struct {
	// MaxAttempts is the per-step attempt ceiling across all tiers.
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxSteps caps the executable plan length before replan scaling.
	MaxSteps int `mapstructure:"max_steps"`
	// MaxReplans bounds how many plan rewrites one run may absorb.
	MaxReplans int `mapstructure:"max_replans"`
	// VerifyTimeout bounds the wait for verification evidence per attempt.
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	// ActionTimeout bounds a single external action call (pattern invoke,
	// screenshot, synthetic input burst).
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	// InputRatePerSec paces synthetic input delivery in the focus+input tier.
	InputRatePerSec float64 `mapstructure:"input_rate_per_sec"`
	// StreamWindow is the evidence stream's bounded recent-event window.
	StreamWindow int `mapstructure:"stream_window"`
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// FailureReasonLimit caps how many failure reasons the summary carries.
	FailureReasonLimit int `mapstructure:"failure_reason_limit"`
}

// SafetyConfig is the policy set the safety gate classifies against.
type SafetyConfig struct {
	// WorkDir is the workspace root file actions are confined to.
	WorkDir string `mapstructure:"work_dir"`
	// AllowedRoots are additional directories file actions may touch.
	AllowedRoots []string `mapstructure:"allowed_roots"`
	// BlockedPaths are path prefixes that are always denied.
	BlockedPaths []string `mapstructure:"blocked_paths"`
	// DangerKeywords deny any step whose string params contain one.
	DangerKeywords []string `mapstructure:"danger_keywords"`
	// BlockedProcesses are process names open_app must never launch.
	BlockedProcesses []string `mapstructure:"blocked_processes"`
	// SensitiveActions maps action names to a sensitivity level; "high"
	// requires confirm=true on the step params.
	SensitiveActions map[string]string `mapstructure:"sensitive_actions"`
	// HaltOn lists terminal step statuses that stop the plan. The
	// halt/continue decision is explicit policy, not inferred from status
	// strings.
	HaltOn []string `mapstructure:"halt_on"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BasePath        string        `mapstructure:"base_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// BrowserConfig controls the chromedp collaborator.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"`
}

// VisionConfig controls the coordinate-estimation fallback.
type VisionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// Config holds the entire application configuration. Fields are private to
// force access through the Interface getters.
type Config struct {
	logger  LoggerConfig
	engine  EngineConfig
	safety  SafetyConfig
	server  ServerConfig
	browser BrowserConfig
	vision  VisionConfig
}

func (c *Config) Logger() LoggerConfig   { return c.logger }
func (c *Config) Engine() EngineConfig   { return c.engine }
func (c *Config) Safety() SafetyConfig   { return c.safety }
func (c *Config) Server() ServerConfig   { return c.server }
func (c *Config) Browser() BrowserConfig { return c.browser }
func (c *Config) Vision() VisionConfig   { return c.vision }

// setDefaults registers every default with viper before reading the file, so
// a missing config file still yields a usable runtime.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "marionette")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("engine.max_attempts", 2)
	v.SetDefault("engine.max_steps", 10)
	v.SetDefault("engine.max_replans", 1)
	v.SetDefault("engine.verify_timeout", 10*time.Second)
	v.SetDefault("engine.action_timeout", 5*time.Second)
	v.SetDefault("engine.input_rate_per_sec", 30.0)
	v.SetDefault("engine.stream_window", 256)
	v.SetDefault("engine.subscriber_buffer", 64)
	v.SetDefault("engine.failure_reason_limit", 3)

	v.SetDefault("safety.danger_keywords", []string{"format c:", "rm -rf", "shutdown /s", "del /f /s /q"})
	v.SetDefault("safety.blocked_paths", []string{`C:\Windows`, `C:\Program Files`, "/etc", "/usr"})
	v.SetDefault("safety.sensitive_actions", map[string]string{
		"delete_file": "high",
	})
	v.SetDefault("safety.halt_on", []string{"unsafe", "error"})

	v.SetDefault("server.addr", "127.0.0.1:8321")
	v.SetDefault("server.base_path", "/v1")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0*time.Second) // SSE streams must stay open
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", 20*time.Second)
	v.SetDefault("browser.extract_timeout", 15*time.Second)

	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.model", "gemini-2.0-flash")
}

// unmarshal decodes each top-level section into the private fields.
func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	sections := map[string]any{
		"logger":  &cfg.logger,
		"engine":  &cfg.engine,
		"safety":  &cfg.safety,
		"server":  &cfg.server,
		"browser": &cfg.browser,
		"vision":  &cfg.vision,
	}
	for key, out := range sections {
		if err := v.UnmarshalKey(key, out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %q config: %w", key, err)
		}
	}
	return &cfg, nil
}

// Load reads configuration from the given file (or the default search path
// when empty), applies MARIONETTE_* environment overrides, and unmarshals
// into a Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".marionette"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MARIONETTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the run.
	}

	return unmarshal(v)
}

// Default returns a Config carrying only the registered defaults. Used by
// tests and the dry-run path.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		// Defaults always decode; reaching this means a programming error.
		panic(err)
	}
	return cfg
}
