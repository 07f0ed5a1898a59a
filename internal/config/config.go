package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Environment    string   `yaml:"environment"` // "development" enables verbose error bodies
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DevMode reports whether verbose error bodies should be returned.
func (c ServerConfig) DevMode() bool {
	return c.Environment == "development"
}

// EngineConfig holds campaign engine configuration
type EngineConfig struct {
	MaxConcurrentCampaigns int `yaml:"max_concurrent_campaigns"`
	DefaultDelaySeconds    int `yaml:"default_delay_seconds"`
	DefaultDailyLimit      int `yaml:"default_daily_limit"`
	MaxFailuresPerRelay    int `yaml:"max_failures_per_relay"`
	RetentionHours         int `yaml:"retention_hours"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// Retention returns how long terminal campaigns are kept before GC.
func (c EngineConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// ShutdownTimeout returns how long to wait for executors to drain on shutdown.
func (c EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// SMTPConfig holds outbound SMTP transport configuration
type SMTPConfig struct {
	ConnectTimeoutSeconds  int    `yaml:"connect_timeout_seconds"`
	GreetingTimeoutSeconds int    `yaml:"greeting_timeout_seconds"`
	SocketTimeoutSeconds   int    `yaml:"socket_timeout_seconds"`
	HelloHostname          string `yaml:"hello_hostname"`
}

// ConnectTimeout returns the TCP connect timeout.
func (c SMTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// GreetingTimeout returns the SMTP greeting/command timeout.
func (c SMTPConfig) GreetingTimeout() time.Duration {
	return time.Duration(c.GreetingTimeoutSeconds) * time.Second
}

// SocketTimeout returns the data/submission timeout.
func (c SMTPConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutSeconds) * time.Second
}

// RedisConfig holds Redis configuration for API rate limiting.
// Rate limiting degrades to an in-process window when URL is empty.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TrackingConfig holds unsubscribe/identification header settings
type TrackingConfig struct {
	UnsubscribeBaseURL string `yaml:"unsubscribe_base_url"`
	MailerName         string `yaml:"mailer_name"`
}

// RateLimitConfig holds per-IP API rate limit settings
type RateLimitConfig struct {
	SMTPTestsPer15Min     int `yaml:"smtp_tests_per_15min"`
	CampaignStartsPerHour int `yaml:"campaign_starts_per_hour"`
	APICallsPer15Min      int `yaml:"api_calls_per_15min"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			// Missing config file is fine; env vars carry everything needed.
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "production"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if cfg.Engine.MaxConcurrentCampaigns == 0 {
		cfg.Engine.MaxConcurrentCampaigns = 3
	}
	if cfg.Engine.DefaultDelaySeconds == 0 {
		cfg.Engine.DefaultDelaySeconds = 5
	}
	if cfg.Engine.DefaultDailyLimit == 0 {
		cfg.Engine.DefaultDailyLimit = 500
	}
	if cfg.Engine.MaxFailuresPerRelay == 0 {
		cfg.Engine.MaxFailuresPerRelay = 3
	}
	if cfg.Engine.RetentionHours == 0 {
		cfg.Engine.RetentionHours = 2
	}
	if cfg.Engine.ShutdownTimeoutSeconds == 0 {
		cfg.Engine.ShutdownTimeoutSeconds = 30
	}
	if cfg.SMTP.ConnectTimeoutSeconds == 0 {
		cfg.SMTP.ConnectTimeoutSeconds = 30
	}
	if cfg.SMTP.GreetingTimeoutSeconds == 0 {
		cfg.SMTP.GreetingTimeoutSeconds = 15
	}
	if cfg.SMTP.SocketTimeoutSeconds == 0 {
		cfg.SMTP.SocketTimeoutSeconds = 30
	}
	if cfg.SMTP.HelloHostname == "" {
		cfg.SMTP.HelloHostname = "localhost.localdomain"
	}
	if cfg.Tracking.MailerName == "" {
		cfg.Tracking.MailerName = "BlackQuiet-Mailer"
	}
	if cfg.Tracking.UnsubscribeBaseURL == "" {
		cfg.Tracking.UnsubscribeBaseURL = "https://localhost/unsubscribe"
	}
	if cfg.RateLimit.SMTPTestsPer15Min == 0 {
		cfg.RateLimit.SMTPTestsPer15Min = 10
	}
	if cfg.RateLimit.CampaignStartsPerHour == 0 {
		cfg.RateLimit.CampaignStartsPerHour = 5
	}
	if cfg.RateLimit.APICallsPer15Min == 0 {
		cfg.RateLimit.APICallsPer15Min = 100
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Server.Environment = env
	}
	// NODE_ENV kept for compatibility with older deployments of this service.
	if env := os.Getenv("NODE_ENV"); env != "" && cfg.Server.Environment == "production" {
		cfg.Server.Environment = env
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("UNSUBSCRIBE_BASE_URL"); url != "" {
		cfg.Tracking.UnsubscribeBaseURL = url
	}
	if name := os.Getenv("MAILER_NAME"); name != "" {
		cfg.Tracking.MailerName = name
	}
	if hostname := os.Getenv("SMTP_HELLO_HOSTNAME"); hostname != "" {
		cfg.SMTP.HelloHostname = hostname
	}

	return cfg, nil
}
