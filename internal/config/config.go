package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      App      `mapstructure:"app"`
	AI       AI       `mapstructure:"ai"`
	LLM      LLM      `mapstructure:"llm"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	Storage  Storage  `mapstructure:"storage"`
	Database Database `mapstructure:"database"`
	Server   Server   `mapstructure:"server"`
	PostHog  PostHog  `mapstructure:"posthog"`
	Logging  Logging  `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	Debug      bool   `mapstructure:"debug"`
	DataDir    string `mapstructure:"data_dir"`
	ConfigFile string `mapstructure:"config_file"`
}

// AI holds model provider configuration
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey              string  `mapstructure:"api_key"`
	Model               string  `mapstructure:"model"`
	Timeout             string  `mapstructure:"timeout"`
	MaxTokens           int32   `mapstructure:"max_tokens"`
	Temperature         float32 `mapstructure:"temperature"`
	EmbeddingModel      string  `mapstructure:"embedding_model"`
	EmbeddingDimensions int32   `mapstructure:"embedding_dimensions"`
	EmbeddingBatchSize  int     `mapstructure:"embedding_batch_size"`
}

// LLM holds gateway limits shared by every stage
type LLM struct {
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BaseDelay         string  `mapstructure:"base_delay"`
	MaxDelay          string  `mapstructure:"max_delay"`
}

// Pipeline holds report pipeline defaults
type Pipeline struct {
	WorkerConcurrency int     `mapstructure:"worker_concurrency"`
	Seed              int64   `mapstructure:"seed"`
	SamplingNum       int     `mapstructure:"sampling_num"`
	DenseThreshold    float64 `mapstructure:"dense_threshold"`
	KMeansRestarts    int     `mapstructure:"kmeans_restarts"`
}

// Storage holds where per-report workspaces live
type Storage struct {
	ReportsDir string `mapstructure:"reports_dir"`
}

// Database holds report registry configuration
type Database struct {
	Driver          string `mapstructure:"driver"` // sqlite3 or postgres
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// Server holds HTTP admin surface configuration
type Server struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadTimeout    string   `mapstructure:"read_timeout"`
	WriteTimeout   string   `mapstructure:"write_timeout"`
}

// PostHog holds analytics configuration
type PostHog struct {
	APIKey string `mapstructure:"api_key"`
	Host   string `mapstructure:"host"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".broadlistening")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.App.ConfigFile = viper.ConfigFileUsed()

	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.data_dir", ".broadlistening")

	viper.SetDefault("ai.gemini.model", "gemini-2.0-flash")
	viper.SetDefault("ai.gemini.timeout", "60s")
	viper.SetDefault("ai.gemini.max_tokens", 8192)
	viper.SetDefault("ai.gemini.temperature", 0.0)
	viper.SetDefault("ai.gemini.embedding_model", "text-embedding-004")
	viper.SetDefault("ai.gemini.embedding_dimensions", 768)
	viper.SetDefault("ai.gemini.embedding_batch_size", 100)

	viper.SetDefault("llm.max_concurrency", 8)
	viper.SetDefault("llm.requests_per_second", 5.0)
	viper.SetDefault("llm.burst", 5)
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("llm.base_delay", "1s")
	viper.SetDefault("llm.max_delay", "30s")

	viper.SetDefault("pipeline.worker_concurrency", 4)
	viper.SetDefault("pipeline.seed", 42)
	viper.SetDefault("pipeline.sampling_num", 30)
	viper.SetDefault("pipeline.dense_threshold", 0.3)
	viper.SetDefault("pipeline.kmeans_restarts", 10)

	viper.SetDefault("storage.reports_dir", ".broadlistening/reports")

	viper.SetDefault("database.driver", "sqlite3")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("posthog.host", "https://app.posthog.com")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	bindEnvKeys("ai.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("server.admin_api_key", []string{
		"ADMIN_API_KEY",
		"PUBLIC_API_KEY",
	})

	bindEnvKeys("database.dsn", []string{
		"DATABASE_URL",
	})

	bindEnvKeys("posthog.api_key", []string{
		"POSTHOG_API_KEY",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"BROADLISTENING_DEBUG",
	})

	bindEnvKeys("logging.level", []string{
		"LOG_LEVEL",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	if config.App.DataDir != "" {
		config.App.DataDir = expandPath(config.App.DataDir)
	}
	if config.Storage.ReportsDir != "" {
		config.Storage.ReportsDir = expandPath(config.Storage.ReportsDir)
	}
	if config.Database.Driver == "sqlite3" && config.Database.DSN == "" {
		config.Database.DSN = filepath.Join(config.App.DataDir, "reports.db")
	}
	if config.App.Debug {
		config.Logging.Level = "debug"
	}

	durations := map[string]string{
		"ai.gemini.timeout":          config.AI.Gemini.Timeout,
		"llm.base_delay":             config.LLM.BaseDelay,
		"llm.max_delay":              config.LLM.MaxDelay,
		"database.conn_max_lifetime": config.Database.ConnMaxLifetime,
		"server.read_timeout":        config.Server.ReadTimeout,
		"server.write_timeout":       config.Server.WriteTimeout,
	}

	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	return nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateConfig ensures the configuration is usable
func validateConfig(config *Config) error {
	var errors []string

	switch config.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errors = append(errors, fmt.Sprintf("Unknown database driver: %s. Supported: sqlite3, postgres", config.Database.Driver))
	}
	if config.Database.Driver == "postgres" && config.Database.DSN == "" {
		errors = append(errors, "Postgres requires a DSN. Set DATABASE_URL or database.dsn")
	}

	if config.LLM.MaxConcurrency < 1 {
		errors = append(errors, "llm.max_concurrency must be at least 1")
	}
	if config.LLM.MaxRetries < 0 {
		errors = append(errors, "llm.max_retries must not be negative")
	}
	if config.LLM.RequestsPerSecond < 0 {
		errors = append(errors, "llm.requests_per_second must not be negative")
	}
	if config.Pipeline.WorkerConcurrency < 1 {
		errors = append(errors, "pipeline.worker_concurrency must be at least 1")
	}
	if config.Pipeline.SamplingNum < 1 {
		errors = append(errors, "pipeline.sampling_num must be at least 1")
	}
	if config.Pipeline.DenseThreshold < 0 || config.Pipeline.DenseThreshold > 1 {
		errors = append(errors, "pipeline.dense_threshold must be within [0, 1]")
	}

	switch strings.ToLower(config.Logging.Format) {
	case "json", "text":
	default:
		errors = append(errors, fmt.Sprintf("Unknown logging format: %s. Supported: json, text", config.Logging.Format))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// RequireGeminiKey reports a helpful error when no Gemini API key is configured.
func (c *Config) RequireGeminiKey() error {
	if !isValidAPIKey(c.AI.Gemini.APIKey) {
		return fmt.Errorf("Gemini API key is required. Set GEMINI_API_KEY environment variable or ai.gemini.api_key in config file.\nGet your API key from: https://makersuite.google.com/app/apikey")
	}
	return nil
}

// Duration parses a duration that postProcessConfig already validated.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Convenience getters for commonly used configuration values
func GetApp() App           { return Get().App }
func GetAI() AI             { return Get().AI }
func GetLLM() LLM           { return Get().LLM }
func GetPipeline() Pipeline { return Get().Pipeline }
func GetStorage() Storage   { return Get().Storage }
func GetDatabase() Database { return Get().Database }
func GetServer() Server     { return Get().Server }
func GetPostHog() PostHog   { return Get().PostHog }
func GetLogging() Logging   { return Get().Logging }

func GetGeminiAPIKey() string { return Get().AI.Gemini.APIKey }
func GetGeminiModel() string  { return Get().AI.Gemini.Model }
func IsDebugMode() bool       { return Get().App.Debug }

// isValidAPIKey checks if an API key is valid (not empty and not a placeholder)
func isValidAPIKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}

	placeholders := []string{
		"your-api-key", "your-gemini-key", "YOUR_API_KEY", "PLACEHOLDER", "TODO", "CHANGE_ME",
	}

	for _, placeholder := range placeholders {
		if apiKey == placeholder {
			return false
		}
	}

	return true
}

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}
