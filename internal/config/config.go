// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/signup-site/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes owned by the site; the metrics endpoint may not shadow them.
var reservedPaths = []string{
	"/enterprise",
	"/enterprise-signup",
	"/enterprise-signup-2",
	"/enterprise-signup-3",
	"/enterprise-contact-me",
	"/enterprise-verify",
	"/payments",
	"/healthz",
	"/site/status",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	StripeKey string `kong:"help='Stripe secret key (overrides config).',env='STRIPE_SECRET_KEY'"`
	SentryDSN string `kong:"help='Sentry DSN (overrides config).',env='SENTRY_DSN'"`
}

// Config is the top-level application configuration. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Site     SiteConfig     `toml:"site"`
	Hubspot  HubspotConfig  `toml:"hubspot"`
	License  LicenseConfig  `toml:"license"`
	Stripe   StripeConfig   `toml:"stripe"`
	Mail     MailConfig     `toml:"mail"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Sentry   SentryConfig   `toml:"sentry"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host"`
	Port          int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes  int64           `toml:"body_max_bytes"`
	CanonicalHost string          `toml:"canonical_host"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DispatchConfig holds the request watchdog settings.
type DispatchConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	GraceSeconds   int `toml:"grace_seconds"`
	FlushMillis    int `toml:"flush_millis"`
}

// SiteConfig holds values shared by the route controllers.
type SiteConfig struct {
	Host            string   `toml:"host"`
	EmailFrom       string   `toml:"email_from"`
	Keys            []string `toml:"keys"`
	TokenTTLMinutes int      `toml:"token_ttl_minutes"`
}

// HubspotConfig holds the CRM form endpoints.
type HubspotConfig struct {
	FormsURL      string `toml:"forms_url"` // contains :portal_id and :form_guid placeholders
	PortalID      string `toml:"portal_id"`
	SignupForm    string `toml:"signup_form"`
	ContactMeForm string `toml:"contact_me_form"`
	AgreedULAForm string `toml:"agreed_ula_form"`
}

// LicenseConfig holds the license API and trial settings.
type LicenseConfig struct {
	BaseURL         string `toml:"base_url"`
	ProductID       string `toml:"product_id"`
	TrialLength     int    `toml:"trial_length"`
	TrialSeats      int    `toml:"trial_seats"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// StripeConfig holds payment API settings.
type StripeConfig struct {
	BaseURL   string `toml:"base_url"`
	SecretKey string `toml:"secret_key"`
	PublicKey string `toml:"public_key"`
	Plan      string `toml:"plan"`
}

// MailConfig holds SMTP delivery settings.
type MailConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// SentryConfig holds error reporting settings. An empty DSN disables reporting.
type SentryConfig struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/signup-site/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StripeKey != "" {
		c.Stripe.SecretKey = cli.StripeKey
	}
	if cli.SentryDSN != "" {
		c.Sentry.DSN = cli.SentryDSN
	}
}

func (c *Config) validate() error {
	if len(c.Site.Keys) == 0 {
		return fmt.Errorf("site.keys must contain at least one signing key")
	}
	for i, k := range c.Site.Keys {
		if len(k) < 16 {
			return fmt.Errorf("site.keys[%d] must be at least 16 characters", i)
		}
	}

	if c.License.BaseURL == "" {
		return fmt.Errorf("license.base_url is required")
	}
	if err := validateURL("license.base_url", c.License.BaseURL); err != nil {
		return err
	}
	if c.Hubspot.FormsURL != "" {
		if !strings.Contains(c.Hubspot.FormsURL, ":form_guid") {
			return fmt.Errorf("hubspot.forms_url must contain the :form_guid placeholder; got %q", c.Hubspot.FormsURL)
		}
	}
	if c.Stripe.BaseURL != "" {
		if err := validateURL("stripe.base_url", c.Stripe.BaseURL); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Dispatch.TimeoutSeconds < 0 || c.Dispatch.GraceSeconds < 0 || c.Dispatch.FlushMillis < 0 {
		return fmt.Errorf("dispatch timeouts must be non-negative")
	}
	if c.License.TimeoutSeconds < 0 {
		return fmt.Errorf("license.timeout_seconds must be non-negative; got %d", c.License.TimeoutSeconds)
	}
	if c.License.IdleConnections < 0 {
		return fmt.Errorf("license.idle_connections must be non-negative; got %d", c.License.IdleConnections)
	}
	if c.Mail.Port < 0 || c.Mail.Port > 65535 {
		return fmt.Errorf("mail.port must be 0–65535; got %d", c.Mail.Port)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s must be an http(s) URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 2 * 1024 * 1024 // 2 MB
	}
	if c.Dispatch.TimeoutSeconds == 0 {
		c.Dispatch.TimeoutSeconds = 30
	}
	if c.Dispatch.GraceSeconds == 0 {
		c.Dispatch.GraceSeconds = 5
	}
	if c.Dispatch.FlushMillis == 0 {
		c.Dispatch.FlushMillis = 2000
	}
	if c.Site.Host == "" {
		c.Site.Host = "www.npmjs.com"
	}
	if c.Site.EmailFrom == "" {
		c.Site.EmailFrom = "support@npmjs.com"
	}
	if c.Site.TokenTTLMinutes == 0 {
		c.Site.TokenTTLMinutes = 24 * 60
	}
	if c.Hubspot.FormsURL == "" {
		c.Hubspot.FormsURL = "https://forms.hubspot.com/uploads/form/v2/:portal_id/:form_guid"
	}
	if c.License.TrialLength == 0 {
		c.License.TrialLength = 30
	}
	if c.License.TrialSeats == 0 {
		c.License.TrialSeats = 50
	}
	if c.License.TimeoutSeconds == 0 {
		c.License.TimeoutSeconds = 20
	}
	if c.License.IdleConnections == 0 {
		c.License.IdleConnections = 20
	}
	if c.Stripe.BaseURL == "" {
		c.Stripe.BaseURL = "https://api.stripe.com"
	}
	if c.Stripe.Plan == "" {
		c.Stripe.Plan = "enterprise-starter-pack"
	}
	if c.Mail.Host == "" {
		c.Mail.Host = "localhost"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 25
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = "local"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout is the watchdog's first-stage threshold.
func (c *DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Grace is how long the watchdog waits after the 500 before closing the connection.
func (c *DispatchConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// FlushAfter is the delay before buffered response output is forced out.
func (c *DispatchConfig) FlushAfter() time.Duration {
	return time.Duration(c.FlushMillis) * time.Millisecond
}

// Addr returns the SMTP server address as host:port.
func (c *MailConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokenTTL is the lifetime of signed customer tokens.
func (c *SiteConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
