package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	HTTPLimit  HTTPLimitConfig  `mapstructure:"http_limit"`
	Abuse      AbuseConfig      `mapstructure:"abuse"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Router     RouterConfig     `mapstructure:"router"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultCountry  string        `mapstructure:"default_country"`
}

type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DefaultModel      string        `mapstructure:"default_model"`
	MaxResponseTokens int           `mapstructure:"max_response_tokens"`
	SummaryMaxTokens  int           `mapstructure:"summary_max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxHistory        int           `mapstructure:"max_history"`
}

// HTTPLimitConfig throttles API clients before any pipeline work happens
type HTTPLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type AbuseConfig struct {
	RateWindow           time.Duration `mapstructure:"rate_window"`
	MaxMessages          int           `mapstructure:"max_messages"`
	BlockThreshold       int           `mapstructure:"block_threshold"`
	RepetitionMinHistory int           `mapstructure:"repetition_min_history"`
	RepetitionWindow     int           `mapstructure:"repetition_window"`
	RepetitionThreshold  int           `mapstructure:"repetition_threshold"`
	MaxMessageLength     int           `mapstructure:"max_message_length"`
	NonASCIIRatio        float64       `mapstructure:"non_ascii_ratio"`
	SpecialCharRatio     float64       `mapstructure:"special_char_ratio"`
	WhitespaceRunLength  int           `mapstructure:"whitespace_run_length"`
	WhitespaceRunLimit   int           `mapstructure:"whitespace_run_limit"`
	TruncateLength       int           `mapstructure:"truncate_length"`
}

type BudgetConfig struct {
	PerRequestCap float64              `mapstructure:"per_request_cap"`
	DailyLimits   map[string]float64   `mapstructure:"daily_limits"`
	CheapModel    string               `mapstructure:"cheap_model"`
	ModelCosts    map[string]ModelCost `mapstructure:"model_costs"`
	Stages        StageThresholds      `mapstructure:"stages"`
	ResetSweep    bool                 `mapstructure:"reset_sweep"`
}

// ModelCost is dollars per 1,000 tokens
type ModelCost struct {
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
}

// StageThresholds are fractions of the daily limit at which each degradation stage starts
type StageThresholds struct {
	PreferCache    float64 `mapstructure:"prefer_cache"`
	ForceMiniModel float64 `mapstructure:"force_mini_model"`
	SummaryOnly    float64 `mapstructure:"summary_only"`
	CacheOnly      float64 `mapstructure:"cache_only"`
	Block          float64 `mapstructure:"block"`
}

type RouterConfig struct {
	CheapModel          string  `mapstructure:"cheap_model"`
	MidModel            string  `mapstructure:"mid_model"`
	ReasoningModel      string  `mapstructure:"reasoning_model"`
	CodingModel         string  `mapstructure:"coding_model"`
	HistorySize         int     `mapstructure:"history_size"`
	CodingUpgradeShare  float64 `mapstructure:"coding_upgrade_share"`
	CodingUpgradeMinLen int     `mapstructure:"coding_upgrade_min_history"`
	SystemPromptTokens  int     `mapstructure:"system_prompt_tokens"`
	MaxResponseTokens   int     `mapstructure:"max_response_tokens"`
	MaxInputTokens      int     `mapstructure:"max_input_tokens"`
	ShortQueryChars     int     `mapstructure:"short_query_chars"`
	LongQueryChars      int     `mapstructure:"long_query_chars"`
}

type CacheConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	TTL                 time.Duration `mapstructure:"ttl"`
	MaxEntries          int           `mapstructure:"max_entries"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MinResponseLength   int           `mapstructure:"min_response_length"`
	MaxCacheableTokens  int           `mapstructure:"max_cacheable_tokens"`
}

type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type StorageConfig struct {
	Type              string        `mapstructure:"type"`
	Redis             RedisConfig   `mapstructure:"redis"`
	Memory            MemoryConfig  `mapstructure:"memory"`
	IncidentRetention time.Duration `mapstructure:"incident_retention"`
	MaxIncidents      int           `mapstructure:"max_incidents"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables.
// A missing file is not an error; every key has a default.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration with no file or environment applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return &config
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("CHATGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("llm.api_key", "CHATGUARD_LLM_API_KEY", "LLM_API_KEY")
	v.BindEnv("llm.base_url", "CHATGUARD_LLM_BASE_URL", "LLM_BASE_URL")
	v.BindEnv("storage.redis.addr", "CHATGUARD_STORAGE_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("storage.redis.password", "CHATGUARD_STORAGE_REDIS_PASSWORD", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "CHATGUARD_STORAGE_REDIS_DB", "REDIS_DB")

	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.default_country", "US")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.default_model", "gpt-4o-mini")
	v.SetDefault("llm.max_response_tokens", 800)
	v.SetDefault("llm.summary_max_tokens", 150)
	v.SetDefault("llm.temperature", 0.8)
	v.SetDefault("llm.max_history", 20)

	v.SetDefault("http_limit.enabled", true)
	v.SetDefault("http_limit.requests_per_minute", 120)
	v.SetDefault("http_limit.burst", 20)

	v.SetDefault("abuse.rate_window", 60*time.Second)
	v.SetDefault("abuse.max_messages", 10)
	v.SetDefault("abuse.block_threshold", 20)
	v.SetDefault("abuse.repetition_min_history", 5)
	v.SetDefault("abuse.repetition_window", 10)
	v.SetDefault("abuse.repetition_threshold", 5)
	v.SetDefault("abuse.max_message_length", 10000)
	v.SetDefault("abuse.non_ascii_ratio", 0.7)
	v.SetDefault("abuse.special_char_ratio", 0.5)
	v.SetDefault("abuse.whitespace_run_length", 5)
	v.SetDefault("abuse.whitespace_run_limit", 3)
	v.SetDefault("abuse.truncate_length", 500)

	v.SetDefault("budget.per_request_cap", 0.10)
	v.SetDefault("budget.daily_limits", map[string]interface{}{
		"free": 0.50,
		"paid": 5.00,
	})
	v.SetDefault("budget.cheap_model", "gpt-4o-mini")
	v.SetDefault("budget.model_costs", map[string]interface{}{
		"gpt-4o-mini": map[string]interface{}{"input_per_1k": 0.00015, "output_per_1k": 0.0006},
		"gpt-4o":      map[string]interface{}{"input_per_1k": 0.0025, "output_per_1k": 0.01},
		"gpt-4-turbo": map[string]interface{}{"input_per_1k": 0.01, "output_per_1k": 0.03},
	})
	v.SetDefault("budget.stages.prefer_cache", 0.5)
	v.SetDefault("budget.stages.force_mini_model", 0.7)
	v.SetDefault("budget.stages.summary_only", 0.85)
	v.SetDefault("budget.stages.cache_only", 0.95)
	v.SetDefault("budget.stages.block", 1.0)
	v.SetDefault("budget.reset_sweep", true)

	v.SetDefault("router.cheap_model", "gpt-4o-mini")
	v.SetDefault("router.mid_model", "gpt-4o")
	v.SetDefault("router.reasoning_model", "gpt-4-turbo")
	v.SetDefault("router.coding_model", "gpt-4o")
	v.SetDefault("router.history_size", 20)
	v.SetDefault("router.coding_upgrade_share", 0.5)
	v.SetDefault("router.coding_upgrade_min_history", 5)
	v.SetDefault("router.system_prompt_tokens", 500)
	v.SetDefault("router.max_response_tokens", 1000)
	v.SetDefault("router.max_input_tokens", 2000)
	v.SetDefault("router.short_query_chars", 30)
	v.SetDefault("router.long_query_chars", 1500)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.sweep_interval", time.Hour)
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.min_response_length", 50)
	v.SetDefault("cache.max_cacheable_tokens", 4000)

	v.SetDefault("rules.path", "")
	v.SetDefault("rules.watch", false)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.memory.cleanup_interval", 10*time.Minute)
	v.SetDefault("storage.incident_retention", 30*24*time.Hour)
	v.SetDefault("storage.max_incidents", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/chatguard.log")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 30)

	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "es"})
}

func validateConfig(cfg *Config) error {
	if cfg.Abuse.MaxMessages <= 0 || cfg.Abuse.BlockThreshold < cfg.Abuse.MaxMessages {
		return fmt.Errorf("abuse.block_threshold must be >= abuse.max_messages > 0")
	}
	if cfg.Abuse.RateWindow <= 0 {
		return fmt.Errorf("abuse.rate_window must be positive")
	}
	if cfg.Budget.PerRequestCap <= 0 {
		return fmt.Errorf("budget.per_request_cap must be positive")
	}
	for _, tier := range []string{"free", "paid"} {
		if cfg.Budget.DailyLimits[tier] <= 0 {
			return fmt.Errorf("budget.daily_limits.%s must be positive", tier)
		}
	}
	if len(cfg.Budget.ModelCosts) == 0 {
		return fmt.Errorf("at least one model cost entry is required")
	}
	if _, ok := cfg.Budget.ModelCosts[cfg.Budget.CheapModel]; !ok {
		return fmt.Errorf("budget.cheap_model %q has no cost entry", cfg.Budget.CheapModel)
	}
	for key, model := range map[string]string{
		"llm.default_model":      cfg.LLM.DefaultModel,
		"router.cheap_model":     cfg.Router.CheapModel,
		"router.mid_model":       cfg.Router.MidModel,
		"router.reasoning_model": cfg.Router.ReasoningModel,
		"router.coding_model":    cfg.Router.CodingModel,
	} {
		if _, ok := cfg.Budget.ModelCosts[model]; !ok {
			return fmt.Errorf("%s %q has no cost entry", key, model)
		}
	}
	s := cfg.Budget.Stages
	if !(s.PreferCache <= s.ForceMiniModel && s.ForceMiniModel <= s.SummaryOnly &&
		s.SummaryOnly <= s.CacheOnly && s.CacheOnly <= s.Block) {
		return fmt.Errorf("budget.stages thresholds must be ascending")
	}
	if cfg.Cache.SimilarityThreshold <= 0 || cfg.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in (0, 1]")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	switch cfg.Storage.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	return nil
}
