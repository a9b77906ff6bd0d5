package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Host string
	Port string

	ModelsDir        string
	CatalogPath      string
	ModelBaseURL     string
	DefaultModel     string
	StrictModelNames bool
	Catalog          *Catalog

	OnnxRuntimeLib        string
	UseAccelerator        bool
	SessionsPerModel      int
	SessionAcquireTimeout time.Duration

	RequestTimeout     time.Duration
	ModelFetchTimeout  time.Duration
	ModelLoadTimeout   time.Duration
	MaxRequestBodySize int64
	RateLimitRPS       float64
	RateLimitBurst     int
	// TrustedProxies lists peers (IPs or CIDRs) whose X-Forwarded-For header
	// is believed. Empty means the connection address is always used.
	TrustedProxies []string

	LogLevel string
	LogFile  string
	DevMode  bool

	AzureStorageAccount string
	AzureStorageKey     string
}

func (c *Config) ServerAddress() string {
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// LoadFromEnv reads the process environment, after merging an optional .env
// file from the working directory. Variables already set win over .env.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &Config{
		Host:                  getEnvOrDefault("HOST", "0.0.0.0"),
		Port:                  getEnvOrDefault("PORT", "8080"),
		ModelsDir:             getEnvOrDefault("MODELS_DIR", "models"),
		CatalogPath:           os.Getenv("MODEL_CATALOG"),
		ModelBaseURL:          strings.TrimRight(os.Getenv("MODEL_BASE_URL"), "/"),
		DefaultModel:          getEnvOrDefault("DEFAULT_MODEL", "yolov5s"),
		StrictModelNames:      parseBoolOrDefault("STRICT_MODEL_NAMES", false),
		OnnxRuntimeLib:        os.Getenv("ONNXRUNTIME_LIB"),
		UseAccelerator:        parseBoolOrDefault("USE_ACCELERATOR", true),
		SessionsPerModel:      int(parseIntOrDefault("SESSIONS_PER_MODEL", 2)),
		SessionAcquireTimeout: parseDurationOrDefault("SESSION_ACQUIRE_TIMEOUT", 5*time.Second),
		RequestTimeout:        parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		ModelFetchTimeout:     parseDurationOrDefault("MODEL_FETCH_TIMEOUT", 5*time.Minute),
		ModelLoadTimeout:      parseDurationOrDefault("MODEL_LOAD_TIMEOUT", 0),
		MaxRequestBodySize:    parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 1024*1024), // 1MB
		RateLimitRPS:          parseFloatOrDefault("RATE_LIMIT_RPS", 10),
		RateLimitBurst:        int(parseIntOrDefault("RATE_LIMIT_BURST", 20)),
		TrustedProxies:        parseListOrDefault("TRUSTED_PROXIES", nil),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:               os.Getenv("LOG_FILE"),
		DevMode:               parseBoolOrDefault("DEV_MODE", false),
		AzureStorageAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureStorageKey:       os.Getenv("AZURE_STORAGE_KEY"),
	}

	// A load includes the fetch plus session creation.
	if cfg.ModelLoadTimeout == 0 {
		cfg.ModelLoadTimeout = cfg.ModelFetchTimeout + time.Minute
	}

	if cfg.CatalogPath != "" {
		catalog, err := LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		cfg.Catalog = catalog
	} else {
		cfg.Catalog = DefaultCatalog()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.Catalog == nil {
		return fmt.Errorf("no model catalog configured")
	}
	if _, ok := c.Catalog.Lookup(c.DefaultModel); !ok {
		return fmt.Errorf("DEFAULT_MODEL %q is not in the model catalog (known: %s)",
			c.DefaultModel, strings.Join(c.Catalog.Names(), ", "))
	}
	if c.SessionsPerModel < 1 {
		return fmt.Errorf("SESSIONS_PER_MODEL must be >= 1 (got %d)", c.SessionsPerModel)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit must be positive (got rps=%v, burst=%d)", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.RequestTimeout <= 0 || c.ModelFetchTimeout <= 0 || c.SessionAcquireTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, acquire=%s)",
			c.RequestTimeout, c.ModelFetchTimeout, c.SessionAcquireTimeout)
	}
	if c.ModelLoadTimeout < c.ModelFetchTimeout {
		return fmt.Errorf("MODEL_LOAD_TIMEOUT must be >= MODEL_FETCH_TIMEOUT (got load=%s, fetch=%s)",
			c.ModelLoadTimeout, c.ModelFetchTimeout)
	}
	for _, proxy := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err == nil {
			continue
		}
		if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid TRUSTED_PROXIES entry: %q", proxy)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// parseListOrDefault splits a comma separated variable, dropping blanks.
func parseListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
