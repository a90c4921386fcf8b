// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailsend command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported delivery providers.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	Mail     MailConfig    `yaml:"mail"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	POP      POPConfig     `yaml:"pop"`
	IMAP     IMAPConfig    `yaml:"imap"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// MailConfig holds message defaults applied to every builder.
type MailConfig struct {
	From          string `yaml:"from"`
	Charset       string `yaml:"charset"`
	BounceAddress string `yaml:"bounce_address"`
}

// SMTPConfig holds SMTP client configuration. Timeouts are in milliseconds.
type SMTPConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	SSLPort          int    `yaml:"ssl_port"`
	SSLOnConnect     bool   `yaml:"ssl_on_connect"`
	StartTLS         bool   `yaml:"starttls"`
	StartTLSRequired bool   `yaml:"starttls_required"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	ConnectTimeout   int    `yaml:"connect_timeout"`
	Timeout          int    `yaml:"timeout"`
}

// POPConfig holds POP-before-SMTP configuration.
type POPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// IMAPConfig holds the account that receives a copy of every sent
// message. Copies are disabled while Host is empty.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	Folder   string `yaml:"folder"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds client-side TLS settings shared by SMTP and POP.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the provider name and the settings it needs.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderSMTP, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			return fmt.Errorf("provider %q requires SES_REGION", c.Provider)
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("provider %q requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER", c.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	// Only go-mail can label bodies with another charset; the go-message
	// renderer behind the other providers writes utf-8.
	if c.Provider != ProviderSMTP && !utf8Charset(c.Mail.Charset) {
		return fmt.Errorf("provider %q supports MAIL_CHARSET utf-8 or us-ascii, got %q", c.Provider, c.Mail.Charset)
	}
	if c.POP.Enabled && c.POP.Host == "" {
		return fmt.Errorf("POP before SMTP requires POP_HOST")
	}
	if c.SMTP.ConnectTimeout < 0 || c.SMTP.Timeout < 0 {
		return fmt.Errorf("SMTP timeouts must not be negative")
	}
	return nil
}

func utf8Charset(charset string) bool {
	switch strings.ToLower(charset) {
	case "", "utf-8", "us-ascii":
		return true
	}
	return false
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if an SES region is set. Credentials fall back
// to the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// SentCopyEnabled returns true if sent messages are stored over IMAP.
func (c *Config) SentCopyEnabled() bool {
	return c.IMAP.Host != ""
}

// IMAPPort returns the configured IMAP port or the protocol default.
func (c *Config) IMAPPort() int {
	if c.IMAP.Port > 0 {
		return c.IMAP.Port
	}
	if c.IMAP.TLS {
		return 993
	}
	return 143
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.Mail.Charset = "utf-8"
	c.SMTP.Host = "localhost"
	c.SMTP.Port = 25
	c.SMTP.SSLPort = 465
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAIL_PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	setString(&c.Mail.From, "MAIL_FROM")
	setString(&c.Mail.Charset, "MAIL_CHARSET")
	setString(&c.Mail.BounceAddress, "MAIL_BOUNCE_ADDRESS")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setInt(&c.SMTP.SSLPort, "SMTP_SSL_PORT")
	setBool(&c.SMTP.SSLOnConnect, "SMTP_SSL_ON_CONNECT")
	setBool(&c.SMTP.StartTLS, "SMTP_STARTTLS")
	setBool(&c.SMTP.StartTLSRequired, "SMTP_STARTTLS_REQUIRED")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setInt(&c.SMTP.ConnectTimeout, "SMTP_CONNECT_TIMEOUT")
	setInt(&c.SMTP.Timeout, "SMTP_TIMEOUT")

	setBool(&c.POP.Enabled, "POP_BEFORE_SMTP")
	setString(&c.POP.Host, "POP_HOST")
	setString(&c.POP.Username, "POP_USERNAME")
	setString(&c.POP.Password, "POP_PASSWORD")
	setBool(&c.POP.TLS, "POP_TLS")

	setString(&c.IMAP.Host, "IMAP_HOST")
	setInt(&c.IMAP.Port, "IMAP_PORT")
	setString(&c.IMAP.Username, "IMAP_USERNAME")
	setString(&c.IMAP.Password, "IMAP_PASSWORD")
	setBool(&c.IMAP.TLS, "IMAP_TLS")
	setString(&c.IMAP.Folder, "IMAP_SENT_FOLDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.TLS.CAFile, "TLS_CA_FILE")
	setBool(&c.TLS.InsecureSkipVerify, "TLS_INSECURE_SKIP_VERIFY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt ignores values that do not parse, keeping the previous layer.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
