package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	BybitConfig     BybitConfig     `json:"bybit"`
	TradingConfig   TradingConfig   `json:"trading"`
	IndicatorConfig IndicatorConfig `json:"indicators"`
	EngineConfig    EngineConfig    `json:"engine"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
}

// BybitConfig holds Bybit V5 API connection settings
type BybitConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	TestNet   bool   `json:"testnet"`
}

// BaseURL returns the REST endpoint for the configured environment.
func (b BybitConfig) BaseURL() string {
	if b.TestNet {
		return "https://api-testnet.bybit.com"
	}
	return "https://api.bybit.com"
}

// WSURL returns the public linear WebSocket endpoint.
func (b BybitConfig) WSURL() string {
	if b.TestNet {
		return "wss://stream-testnet.bybit.com/v5/public/linear"
	}
	return "wss://stream.bybit.com/v5/public/linear"
}

type TradingConfig struct {
	Symbols          []string `json:"symbols"`
	PositionSizeUSDT float64  `json:"position_size_usdt"`
	Leverage         int      `json:"leverage"`
	MarginMode       string   `json:"margin_mode"` // ISOLATED or CROSS
}

type IndicatorConfig struct {
	EMAPeriod4H    int     `json:"ema_period_4h"`
	STPeriod4H     int     `json:"st_period_4h"`
	STMultiplier4H float64 `json:"st_multiplier_4h"`
	STPeriod1H     int     `json:"st_period_1h"`
	STMultiplier1H float64 `json:"st_multiplier_1h"`
}

type EngineConfig struct {
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
	Update4HHours        int    `json:"update_4h_hours"`
	TradingEnabled       bool   `json:"trading_enabled"`
	DataDir              string `json:"data_dir"`
}

type ServerConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	ProductionMode bool   `json:"production_mode"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DatabaseConfig holds the optional Postgres trade journal settings
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds the optional position snapshot mirror settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the optional Vault credential source settings
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

const defaultSymbols = "BTCUSDT,ETHUSDT,BNBUSDT,SOLUSDT,XRPUSDT,ADAUSDT,DOGEUSDT,AVAXUSDT"

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Bybit config
	cfg.BybitConfig.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.BybitConfig.APIKey)
	cfg.BybitConfig.APISecret = getEnvOrDefault("BYBIT_API_SECRET", cfg.BybitConfig.APISecret)
	cfg.BybitConfig.TestNet = getEnvOrDefault("BYBIT_TESTNET", "false") == "true"

	// Trading config
	symbols := getEnvOrDefault("SYMBOLS", strings.Join(cfg.TradingConfig.Symbols, ","))
	if symbols == "" {
		symbols = defaultSymbols
	}
	cfg.TradingConfig.Symbols = splitSymbols(symbols)
	cfg.TradingConfig.PositionSizeUSDT = getEnvFloatOrDefault("POSITION_SIZE_USDT", 100)
	cfg.TradingConfig.Leverage = getEnvIntOrDefault("LEVERAGE", 20)
	cfg.TradingConfig.MarginMode = getEnvOrDefault("MARGIN_MODE", "ISOLATED")

	// Indicator config
	cfg.IndicatorConfig.EMAPeriod4H = getEnvIntOrDefault("EMA_PERIOD_4H", 200)
	cfg.IndicatorConfig.STPeriod4H = getEnvIntOrDefault("ST_PERIOD_4H", 10)
	cfg.IndicatorConfig.STMultiplier4H = getEnvFloatOrDefault("ST_MULTIPLIER_4H", 3.0)
	cfg.IndicatorConfig.STPeriod1H = getEnvIntOrDefault("ST_PERIOD_1H", 10)
	cfg.IndicatorConfig.STMultiplier1H = getEnvFloatOrDefault("ST_MULTIPLIER_1H", 3.0)

	// Engine config
	cfg.EngineConfig.CheckIntervalSeconds = getEnvIntOrDefault("CHECK_INTERVAL_SECONDS", 300)
	cfg.EngineConfig.Update4HHours = getEnvIntOrDefault("UPDATE_4H_HOURS", 4)
	cfg.EngineConfig.TradingEnabled = getEnvOrDefault("TRADING_ENABLED", "true") == "true"
	cfg.EngineConfig.DataDir = getEnvOrDefault("DATA_DIR", "data")

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", 10000)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", "false") == "true"

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Database config (optional trade journal)
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", "false") == "true"
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	// Redis config (optional position snapshot mirror)
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	// Vault config (optional credential source)
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "pullback-bot/api-keys")
}

// Validate checks critical configuration before the engine starts.
func (c *Config) Validate() error {
	if c.BybitConfig.APIKey == "" || c.BybitConfig.APISecret == "" {
		return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET must be set")
	}

	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol must be configured")
	}

	if c.TradingConfig.Leverage < 1 || c.TradingConfig.Leverage > 100 {
		return fmt.Errorf("leverage must be between 1 and 100, got %d", c.TradingConfig.Leverage)
	}

	if c.TradingConfig.PositionSizeUSDT <= 0 {
		return fmt.Errorf("position size must be positive, got %.2f", c.TradingConfig.PositionSizeUSDT)
	}

	if c.TradingConfig.MarginMode != "ISOLATED" && c.TradingConfig.MarginMode != "CROSS" {
		return fmt.Errorf("margin mode must be ISOLATED or CROSS, got %q", c.TradingConfig.MarginMode)
	}

	return nil
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			symbols = append(symbols, p)
		}
	}
	return symbols
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
