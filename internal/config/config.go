// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the account relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	TLS       TLSConfig       `yaml:"tls"`
	Directory DirectoryConfig `yaml:"directory"`
	Retry     RetryConfig     `yaml:"retry"`
	Relay     RelayConfig     `yaml:"relay"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds TLS certificate file paths for STARTTLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DirectoryConfig selects and configures the account directory backend.
type DirectoryConfig struct {
	// Provider is "http" or "sql".
	Provider string              `yaml:"provider"`
	HTTP     HTTPDirectoryConfig `yaml:"http"`
	SQL      SQLDirectoryConfig  `yaml:"sql"`
	Cache    CacheConfig         `yaml:"cache"`
}

// HTTPDirectoryConfig holds the vendor API endpoint and credentials.
type HTTPDirectoryConfig struct {
	BaseURL  string `yaml:"base_url"`
	ID       string `yaml:"id"`
	Password string `yaml:"password"`
}

// SQLDirectoryConfig holds the database directory settings.
type SQLDirectoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// CacheConfig holds the optional redis cache for directory resolutions.
// The cache is disabled when Addr is empty.
type CacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RetryConfig holds the directory resolution retry policy. The wait before
// attempt n is BaseDelay * Exponent^n.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Exponent    float64       `yaml:"exponent"`
}

// RelayConfig holds the pipeline settings.
type RelayConfig struct {
	// RegistrationSubject is the marker substring identifying registration
	// confirmation emails. Upstream wording changes land here, not in code.
	RegistrationSubject string `yaml:"registration_subject"`

	// AckMode is "wait" (acknowledge the SMTP transaction after every
	// recipient reached a terminal state) or "background" (acknowledge as
	// soon as the message is spooled).
	AckMode string `yaml:"ack_mode"`

	SpoolDir      string        `yaml:"spool_dir"`
	QuarantineDir string        `yaml:"quarantine_dir"`
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
}

// MailerConfig selects and configures the outbound delivery backend.
type MailerConfig struct {
	// Provider is "smtp", "ses", or "stdout".
	Provider string           `yaml:"provider"`
	SMTP     SMTPMailerConfig `yaml:"smtp"`
	SES      SESMailerConfig  `yaml:"ses"`
}

// SMTPMailerConfig holds outbound SMTP submission settings.
type SMTPMailerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLSMode is "smtps", "starttls", or "plain".
	TLSMode    string `yaml:"tls_mode"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// SESMailerConfig holds AWS SES v2 settings.
type SESMailerConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.validate()
}

// AuthEnabled returns true if both inbound SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// validate rejects configurations the relay cannot run with.
func (c *Config) validate() error {
	switch c.Directory.Provider {
	case "http", "sql":
	default:
		return fmt.Errorf("unknown directory provider %q", c.Directory.Provider)
	}
	switch c.Relay.AckMode {
	case "wait", "background":
	default:
		return fmt.Errorf("unknown ack mode %q", c.Relay.AckMode)
	}
	switch c.Mailer.Provider {
	case "smtp", "ses", "stdout":
	default:
		return fmt.Errorf("unknown mailer provider %q", c.Mailer.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Exponent < 1 {
		return fmt.Errorf("retry exponent must be at least 1, got %g", c.Retry.Exponent)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.Directory.Provider = "http"
	c.Directory.SQL.Driver = "mysql"
	c.Directory.SQL.Table = "users"
	c.Directory.Cache.TTL = 5 * time.Minute

	c.Retry.MaxAttempts = 5
	c.Retry.BaseDelay = 500 * time.Millisecond
	c.Retry.Exponent = 2

	c.Relay.RegistrationSubject = "Confirm Your Email Address"
	c.Relay.AckMode = "wait"
	c.Relay.SpoolDir = "account-relay"
	c.Relay.AcceptTimeout = 30 * time.Second

	c.Mailer.Provider = "stdout"
	c.Mailer.SMTP.Port = 587
	c.Mailer.SMTP.TLSMode = "starttls"

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setString(&c.Directory.Provider, "DIRECTORY_PROVIDER")
	setString(&c.Directory.HTTP.BaseURL, "DIRECTORY_URL")
	setString(&c.Directory.HTTP.ID, "DIRECTORY_ID")
	setString(&c.Directory.HTTP.Password, "DIRECTORY_PASSWORD")
	setString(&c.Directory.SQL.Driver, "DIRECTORY_SQL_DRIVER")
	setString(&c.Directory.SQL.DSN, "DIRECTORY_SQL_DSN")
	setString(&c.Directory.SQL.Table, "DIRECTORY_SQL_TABLE")
	setString(&c.Directory.Cache.Addr, "DIRECTORY_CACHE_ADDR")
	setString(&c.Directory.Cache.Password, "DIRECTORY_CACHE_PASSWORD")
	setInt(&c.Directory.Cache.DB, "DIRECTORY_CACHE_DB")
	setDuration(&c.Directory.Cache.TTL, "DIRECTORY_CACHE_TTL")

	setInt(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setDuration(&c.Retry.BaseDelay, "RETRY_BASE_DELAY")
	setFloat(&c.Retry.Exponent, "RETRY_EXPONENT")

	setString(&c.Relay.RegistrationSubject, "RELAY_REGISTRATION_SUBJECT")
	setString(&c.Relay.AckMode, "RELAY_ACK_MODE")
	setString(&c.Relay.SpoolDir, "RELAY_SPOOL_DIR")
	setString(&c.Relay.QuarantineDir, "RELAY_QUARANTINE_DIR")
	setDuration(&c.Relay.AcceptTimeout, "RELAY_ACCEPT_TIMEOUT")

	setString(&c.Mailer.Provider, "MAILER_PROVIDER")
	setString(&c.Mailer.SMTP.Host, "MAILER_SMTP_HOST")
	setInt(&c.Mailer.SMTP.Port, "MAILER_SMTP_PORT")
	setString(&c.Mailer.SMTP.Username, "MAILER_SMTP_USERNAME")
	setString(&c.Mailer.SMTP.Password, "MAILER_SMTP_PASSWORD")
	setString(&c.Mailer.SMTP.TLSMode, "MAILER_SMTP_TLS_MODE")
	if v := os.Getenv("MAILER_SMTP_SKIP_VERIFY"); v != "" {
		c.Mailer.SMTP.SkipVerify = strings.EqualFold(v, "true")
	}
	setString(&c.Mailer.SES.Region, "MAILER_SES_REGION")
	setString(&c.Mailer.SES.AccessKeyID, "MAILER_SES_ACCESS_KEY_ID")
	setString(&c.Mailer.SES.SecretAccessKey, "MAILER_SES_SECRET_ACCESS_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
