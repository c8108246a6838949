// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/phonepilot/internal/retry"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	Retry() RetryConfig
	Timeouts() TimeoutsConfig
	Predictor() PredictorConfig
	Device() DeviceConfig
	Trajectory() TrajectoryConfig
	Tools() ToolsConfig
	Metrics() MetricsConfig
	Ask() AskConfig

	SetAgentMaxSteps(int)
	SetDeviceSerial(string)
	SetTrajectoryOutputDir(string)
	SetAskReplyFile(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	AgentCfg      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	RetryCfg      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	TimeoutsCfg   TimeoutsConfig   `mapstructure:"timeouts" yaml:"timeouts"`
	PredictorCfg  PredictorConfig  `mapstructure:"predictor" yaml:"predictor"`
	DeviceCfg     DeviceConfig     `mapstructure:"device" yaml:"device"`
	TrajectoryCfg TrajectoryConfig `mapstructure:"trajectory" yaml:"trajectory"`
	ToolsCfg      ToolsConfig      `mapstructure:"tools" yaml:"tools"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	AskCfg        AskConfig        `mapstructure:"ask" yaml:"ask"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig           { return c.AgentCfg }
func (c *Config) Retry() RetryConfig           { return c.RetryCfg }
func (c *Config) Timeouts() TimeoutsConfig     { return c.TimeoutsCfg }
func (c *Config) Predictor() PredictorConfig   { return c.PredictorCfg }
func (c *Config) Device() DeviceConfig         { return c.DeviceCfg }
func (c *Config) Trajectory() TrajectoryConfig { return c.TrajectoryCfg }
func (c *Config) Tools() ToolsConfig           { return c.ToolsCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }
func (c *Config) Ask() AskConfig               { return c.AskCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetAgentMaxSteps(n int)          { c.AgentCfg.MaxSteps = n }
func (c *Config) SetDeviceSerial(s string)        { c.DeviceCfg.Serial = s }
func (c *Config) SetTrajectoryOutputDir(d string) { c.TrajectoryCfg.OutputDir = d }
func (c *Config) SetAskReplyFile(p string) {
	c.AskCfg.ReplyFile = p
	if p != "" {
		c.AskCfg.Mode = AskModeFile
	}
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Ask timeout policies.
const (
	AskTimeoutFail     = "fail"
	AskTimeoutContinue = "continue"
)

// AgentConfig tunes the execution loop.
type AgentConfig struct {
	MaxSteps         int           `mapstructure:"max_steps" yaml:"max_steps"`
	SettleDelay      time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MaxRepredictions int           `mapstructure:"max_repredictions" yaml:"max_repredictions"`
	CheckpointEvery  int           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	DefaultWait      time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	MaxWait          time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	// AskTimeoutPolicy decides whether an unanswered ask_user ends the task ("fail")
	// or is only reported to the next observation ("continue").
	AskTimeoutPolicy  string `mapstructure:"ask_timeout_policy" yaml:"ask_timeout_policy"`
	CaptureUITree     bool   `mapstructure:"capture_ui_tree" yaml:"capture_ui_tree"`
	ScreenChangeCheck bool   `mapstructure:"screen_change_check" yaml:"screen_change_check"`
	LongPressMs       int    `mapstructure:"long_press_ms" yaml:"long_press_ms"`
	SwipeMs           int    `mapstructure:"swipe_ms" yaml:"swipe_ms"`
}

// RetryConfig holds one backoff policy per I/O call category.
type RetryConfig struct {
	Screenshot retry.Policy `mapstructure:"screenshot" yaml:"screenshot"`
	Predict    retry.Policy `mapstructure:"predict" yaml:"predict"`
	Dispatch   retry.Policy `mapstructure:"dispatch" yaml:"dispatch"`
}

// Policies returns the retry policies keyed by category.
func (r RetryConfig) Policies() map[retry.Category]retry.Policy {
	return map[retry.Category]retry.Policy{
		retry.CategoryScreenshot: r.Screenshot,
		retry.CategoryPredict:    r.Predict,
		retry.CategoryDispatch:   r.Dispatch,
	}
}

// TimeoutsConfig holds the independent per-call timeouts.
type TimeoutsConfig struct {
	Predict  time.Duration `mapstructure:"predict" yaml:"predict"`
	Dispatch time.Duration `mapstructure:"dispatch" yaml:"dispatch"`
	AskUser  time.Duration `mapstructure:"ask_user" yaml:"ask_user"`
	Tool     time.Duration `mapstructure:"tool" yaml:"tool"`
}

// PredictorProvider defines the supported model backends.
type PredictorProvider string

const (
	ProviderGemini PredictorProvider = "gemini"
	ProviderOpenAI PredictorProvider = "openai"
)

// PredictorConfig defines the model backend and how it is called.
type PredictorConfig struct {
	Provider      PredictorProvider `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	HistoryWindow int               `mapstructure:"history_window" yaml:"history_window"`
	RepairJSON    bool              `mapstructure:"repair_json" yaml:"repair_json"`
	// RateLimit is the maximum number of calls per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// DeviceConfig configures the adb-backed actuator.
type DeviceConfig struct {
	ADBPath string `mapstructure:"adb_path" yaml:"adb_path"`
	Serial  string `mapstructure:"serial" yaml:"serial"`
	// ADBKeyboard types through the ADBKeyBoard IME broadcast, which handles non-ASCII text.
	ADBKeyboard bool `mapstructure:"adb_keyboard" yaml:"adb_keyboard"`
	// Apps maps display names the model may use to package names.
	Apps map[string]string `mapstructure:"apps" yaml:"apps"`
	// AppCacheSize bounds the number of resolved app names kept per device.
	AppCacheSize int `mapstructure:"app_cache_size" yaml:"app_cache_size"`
}

// TrajectoryConfig configures where trajectories are persisted.
type TrajectoryConfig struct {
	OutputDir       string         `mapstructure:"output_dir" yaml:"output_dir"`
	SaveScreenshots bool           `mapstructure:"save_screenshots" yaml:"save_screenshots"`
	Postgres        PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig enables mirroring trajectories into PostgreSQL.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"-"`
}

// ToolsConfig lists external tools reachable through mcp_call.
type ToolsConfig struct {
	HTTP []HTTPToolConfig `mapstructure:"http" yaml:"http"`
}

// HTTPToolConfig describes one tool served over HTTP.
type HTTPToolConfig struct {
	Name        string            `mapstructure:"name" yaml:"name"`
	Description string            `mapstructure:"description" yaml:"description"`
	URL         string            `mapstructure:"url" yaml:"url"`
	Command     string            `mapstructure:"command" yaml:"command"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers"`
}

// MetricsConfig controls the monitor server: Prometheus on /metrics, a
// liveness probe on /healthz and the step event stream on /ws.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Ask handler modes.
const (
	AskModeConsole   = "console"
	AskModeFile      = "file"
	AskModeWebSocket = "websocket"
)

// AskConfig selects how ask_user questions reach a human.
type AskConfig struct {
	Mode         string `mapstructure:"mode" yaml:"mode"`
	ReplyFile    string `mapstructure:"reply_file" yaml:"reply_file"`
	QuestionFile string `mapstructure:"question_file" yaml:"question_file"`
	// Poll follows the reply file by stat polling instead of inotify.
	Poll bool `mapstructure:"poll" yaml:"poll"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "phonepilot")
	v.SetDefault("logger.log_file", "phonepilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.settle_delay", "500ms")
	v.SetDefault("agent.max_repredictions", 1)
	v.SetDefault("agent.checkpoint_every", 5)
	v.SetDefault("agent.default_wait", "2s")
	v.SetDefault("agent.max_wait", "30s")
	v.SetDefault("agent.ask_timeout_policy", AskTimeoutFail)
	v.SetDefault("agent.capture_ui_tree", false)
	v.SetDefault("agent.screen_change_check", true)
	v.SetDefault("agent.long_press_ms", 1000)
	v.SetDefault("agent.swipe_ms", 300)

	// -- Retry --
	v.SetDefault("retry.screenshot.max_retries", 3)
	v.SetDefault("retry.screenshot.base_delay", "500ms")
	v.SetDefault("retry.screenshot.multiplier", 2.0)
	v.SetDefault("retry.screenshot.max_delay", "5s")
	v.SetDefault("retry.predict.max_retries", 3)
	v.SetDefault("retry.predict.base_delay", "2s")
	v.SetDefault("retry.predict.multiplier", 2.0)
	v.SetDefault("retry.predict.max_delay", "30s")
	v.SetDefault("retry.dispatch.max_retries", 2)
	v.SetDefault("retry.dispatch.base_delay", "500ms")
	v.SetDefault("retry.dispatch.multiplier", 2.0)
	v.SetDefault("retry.dispatch.max_delay", "5s")

	// -- Timeouts --
	v.SetDefault("timeouts.predict", "120s")
	v.SetDefault("timeouts.dispatch", "15s")
	v.SetDefault("timeouts.ask_user", "120s")
	v.SetDefault("timeouts.tool", "30s")

	// -- Predictor --
	v.SetDefault("predictor.provider", string(ProviderOpenAI))
	v.SetDefault("predictor.model", "MAI-UI-8B")
	v.SetDefault("predictor.endpoint", "http://localhost:8000/v1")
	v.SetDefault("predictor.temperature", 0.0)
	v.SetDefault("predictor.max_tokens", 2048)
	v.SetDefault("predictor.history_window", 3)
	v.SetDefault("predictor.repair_json", false)
	v.SetDefault("predictor.rate_limit", 0.0)
	v.SetDefault("predictor.rate_burst", 1)

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.adb_keyboard", false)
	v.SetDefault("device.app_cache_size", 128)

	// -- Trajectory --
	v.SetDefault("trajectory.output_dir", "./trajectories")
	v.SetDefault("trajectory.save_screenshots", true)
	v.SetDefault("trajectory.postgres.enabled", false)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")

	// -- Ask --
	v.SetDefault("ask.mode", AskModeConsole)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("predictor.api_key", "PHONEPILOT_API_KEY")
	_ = v.BindEnv("trajectory.postgres.dsn", "PHONEPILOT_PG_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the provider's conventional variable.
	if cfg.PredictorCfg.APIKey == "" && cfg.PredictorCfg.Provider == ProviderGemini {
		cfg.PredictorCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	for name, p := range map[string]retry.Policy{
		"screenshot": c.RetryCfg.Screenshot,
		"predict":    c.RetryCfg.Predict,
		"dispatch":   c.RetryCfg.Dispatch,
	} {
		if p.MaxRetries < 0 {
			return fmt.Errorf("retry.%s.max_retries must not be negative", name)
		}
		if p.MaxRetries > 0 && p.Multiplier < 1 {
			return fmt.Errorf("retry.%s.multiplier must be at least 1", name)
		}
	}
	if c.TimeoutsCfg.AskUser <= 0 || c.TimeoutsCfg.Predict <= 0 || c.TimeoutsCfg.Dispatch <= 0 {
		return fmt.Errorf("timeouts.predict, timeouts.dispatch and timeouts.ask_user must be positive durations")
	}
	if err := c.PredictorCfg.Validate(); err != nil {
		return fmt.Errorf("predictor configuration invalid: %w", err)
	}
	if c.DeviceCfg.ADBPath == "" {
		return fmt.Errorf("device.adb_path is required")
	}
	if c.TrajectoryCfg.OutputDir == "" {
		return fmt.Errorf("trajectory.output_dir is required")
	}
	if c.TrajectoryCfg.Postgres.Enabled && c.TrajectoryCfg.Postgres.DSN == "" {
		return fmt.Errorf("trajectory.postgres.dsn is required when postgres is enabled. Ensure PHONEPILOT_PG_DSN is set")
	}
	for i, t := range c.ToolsCfg.HTTP {
		if t.Name == "" || t.URL == "" {
			return fmt.Errorf("tools.http[%d] requires name and url", i)
		}
	}
	switch c.AskCfg.Mode {
	case AskModeConsole:
	case AskModeFile:
		if c.AskCfg.ReplyFile == "" {
			return fmt.Errorf("ask.reply_file is required when ask.mode is %q", AskModeFile)
		}
	case AskModeWebSocket:
		if !c.MetricsCfg.Enabled {
			return fmt.Errorf("ask.mode %q requires metrics.enabled, which serves /ws", AskModeWebSocket)
		}
	default:
		return fmt.Errorf("ask.mode must be one of %q, %q or %q", AskModeConsole, AskModeFile, AskModeWebSocket)
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.MaxRepredictions < 0 {
		return fmt.Errorf("max_repredictions must not be negative")
	}
	if a.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must not be negative")
	}
	if a.SettleDelay < 0 || a.DefaultWait < 0 {
		return fmt.Errorf("settle_delay and default_wait must not be negative")
	}
	if a.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be positive")
	}
	switch strings.ToLower(a.AskTimeoutPolicy) {
	case AskTimeoutFail, AskTimeoutContinue:
	default:
		return fmt.Errorf("ask_timeout_policy must be %q or %q", AskTimeoutFail, AskTimeoutContinue)
	}
	return nil
}

// Validate checks the PredictorConfig settings.
func (p *PredictorConfig) Validate() error {
	switch p.Provider {
	case ProviderGemini:
		if p.APIKey == "" {
			return fmt.Errorf("an API key is required for provider %q. Ensure PHONEPILOT_API_KEY is set", p.Provider)
		}
	case ProviderOpenAI:
		if p.Endpoint == "" {
			return fmt.Errorf("endpoint is required for provider %q", p.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q. Supported: [%s, %s]", p.Provider, ProviderGemini, ProviderOpenAI)
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}
