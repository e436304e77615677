package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultHostname = "localhost"

// Config is the process-wide configuration. It is resolved once by Load
// and handed out by value; nothing mutates it afterwards.
type Config struct {
	Relay        RelayConfig        `yaml:"relay"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Verification VerificationConfig `yaml:"verification"`

	// SpoolDir receives messages whose delivery was abandoned. Empty disables it.
	SpoolDir   string `yaml:"spool_dir"`
	HealthAddr string `yaml:"health_addr"`
	Debug      bool   `yaml:"debug"`
}

// RelayConfig describes the upstream submission relay.
type RelayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	HeloName string `yaml:"helo_name"`

	RequireTLS         bool   `yaml:"require_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// DeliveryConfig governs pool sizing, retries, timeouts and the message ceiling.
type DeliveryConfig struct {
	Workers         int           `yaml:"workers"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PoolCapacity    int           `yaml:"pool_capacity"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// VerificationConfig holds settings for verification links.
type VerificationConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Host: "smtp.example.com",
			Port: 587,
			From: "no-reply@example.com",
		},
		Delivery:     DefaultDelivery(),
		Verification: VerificationConfig{BaseURL: "http://localhost:8000"},
		HealthAddr:   "127.0.0.1:8080",
	}
}

// DefaultDelivery returns the default delivery tuning.
func DefaultDelivery() DeliveryConfig {
	return DeliveryConfig{
		Workers:         5,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		PoolCapacity:    3,
		MaxMessageBytes: 25 * 1024 * 1024,
	}
}

// Load resolves the configuration: defaults, then the optional YAML file
// named by MAILER_CONFIG_FILE, then environment variables (a .env file in
// the working directory is honoured).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path := String("MAILER_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.Relay.HeloName == "" {
		cfg.Relay.HeloName = Hostname()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	r := &cfg.Relay
	r.Host = String("SMTP_HOST", r.Host)
	r.Port = Int("SMTP_PORT", r.Port)
	r.Username = String("SMTP_USER", r.Username)
	r.Password = String("SMTP_PASSWORD", r.Password)
	r.From = String("EMAIL_FROM", r.From)
	r.HeloName = String("SMTP_HELO_NAME", r.HeloName)
	r.RequireTLS = Bool("SMTP_REQUIRE_TLS", r.RequireTLS)
	r.InsecureSkipVerify = Bool("SMTP_TLS_INSECURE", r.InsecureSkipVerify)
	r.CAFile = String("SMTP_TLS_CA_FILE", r.CAFile)

	d := &cfg.Delivery
	d.Workers = Int("EMAIL_THREAD_POOL_SIZE", d.Workers)
	d.MaxRetries = Int("EMAIL_MAX_RETRIES", d.MaxRetries)
	d.BaseDelay = Duration("EMAIL_RETRY_BASE_DELAY", d.BaseDelay)
	d.MaxDelay = Duration("EMAIL_RETRY_MAX_DELAY", d.MaxDelay)
	d.ConnectTimeout = Duration("SMTP_TIMEOUT", d.ConnectTimeout)
	d.PoolCapacity = Int("SMTP_POOL_SIZE", d.PoolCapacity)
	d.MaxMessageBytes = Int64("MAX_EMAIL_SIZE", d.MaxMessageBytes)

	cfg.Verification.BaseURL = String("API_BASE_URL", cfg.Verification.BaseURL)
	cfg.SpoolDir = String("MAILER_SPOOL_DIR", cfg.SpoolDir)
	cfg.HealthAddr = String("MAILER_HEALTH_ADDR", cfg.HealthAddr)
	cfg.Debug = Bool("MAILER_DEBUG", cfg.Debug)
}

// Validate reports the first violated invariant.
func (c Config) Validate() error {
	if c.Relay.Host == "" {
		return errors.New("config: relay host is required")
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("config: relay port %d out of range", c.Relay.Port)
	}
	if c.Relay.From == "" {
		return errors.New("config: sender address is required")
	}
	if c.Verification.BaseURL == "" {
		return errors.New("config: verification base URL is required")
	}
	return c.Delivery.Validate()
}

// Validate checks that every value is positive and MaxDelay >= BaseDelay.
func (d DeliveryConfig) Validate() error {
	switch {
	case d.Workers < 1:
		return fmt.Errorf("config: workers must be positive, got %d", d.Workers)
	case d.MaxRetries < 1:
		return fmt.Errorf("config: max retries must be positive, got %d", d.MaxRetries)
	case d.BaseDelay <= 0:
		return fmt.Errorf("config: base delay must be positive, got %s", d.BaseDelay)
	case d.MaxDelay < d.BaseDelay:
		return fmt.Errorf("config: max delay %s is below base delay %s", d.MaxDelay, d.BaseDelay)
	case d.ConnectTimeout <= 0:
		return fmt.Errorf("config: connect timeout must be positive, got %s", d.ConnectTimeout)
	case d.PoolCapacity < 1:
		return fmt.Errorf("config: pool capacity must be positive, got %d", d.PoolCapacity)
	case d.MaxMessageBytes < 1:
		return fmt.Errorf("config: max message bytes must be positive, got %d", d.MaxMessageBytes)
	}
	return nil
}

// Hostname returns the name used in EHLO.
// Preference order: SMTP_HOSTNAME env var, system hostname, fallback.
func Hostname() string {
	if env := os.Getenv("SMTP_HOSTNAME"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}
