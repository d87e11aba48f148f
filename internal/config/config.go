// Package config provides YAML-based configuration loading for seostream.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Srey123/seostream/internal/session"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Watchdog policies.
const (
	PolicyAssumeValidated = "assume_validated"
	PolicyFail            = "fail"
	PolicyDisabled        = "disabled"
)

// Config is the top-level seostream configuration, loaded from config.yaml.
type Config struct {
	StreamURL   string                `yaml:"stream_url"`
	APIURL      string                `yaml:"api_url"`
	Principal   PrincipalConfig       `yaml:"principal"`
	Model       session.ModelChoice   `yaml:"model"`
	Models      []session.ModelChoice `yaml:"models"`
	Watchdog    WatchdogConfig        `yaml:"watchdog"`
	HTTPTimeout time.Duration         `yaml:"http_timeout"`
	Log         LogConfig             `yaml:"log"`
	Notify      NotifyConfig          `yaml:"notify"`
	DevServer   DevServerConfig       `yaml:"devserver"`
}

// PrincipalConfig injects a principal without a login round trip.
type PrincipalConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// WatchdogConfig controls the validation watchdog.
type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Policy  string        `yaml:"policy"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// NotifyConfig holds the optional chat notification sinks.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is a bot token plus the channel to post to. A sink is
// enabled when both are set.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the sink is configured.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// DevServerConfig configures the reference backend.
type DevServerConfig struct {
	Port         int            `yaml:"port"`
	Database     DatabaseConfig `yaml:"database"`
	Script       string         `yaml:"script"` // empty uses the built-in script
	LeaseTTL     time.Duration  `yaml:"lease_ttl"`
	ReapSchedule string         `yaml:"reap_schedule"`
	Users        []UserConfig   `yaml:"users"`
}

// UserConfig is a login seeded into the reference backend at startup.
type UserConfig struct {
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// DatabaseConfig selects and locates the reference backend's database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
}

// DefaultModels is the built-in model catalog.
func DefaultModels() []session.ModelChoice {
	return []session.ModelChoice{
		{Provider: "openai", Model: "gpt-4o", Label: "OpenAI GPT-4o"},
		{Provider: "openai", Model: "gpt-4o-mini", Label: "OpenAI GPT-4o-mini"},
		{Provider: "openai", Model: "gpt-4-turbo", Label: "OpenAI GPT-4-turbo"},
		{Provider: "anthropic", Model: "claude-3-opus-20240229", Label: "Claude 3 Opus"},
		{Provider: "anthropic", Model: "claude-3-7-sonnet-20250219", Label: "Claude 3.7 Sonnet"},
		{Provider: "anthropic", Model: "claude-3-haiku-20240307", Label: "Claude 3 Haiku"},
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StreamURL == "" {
		c.StreamURL = "ws://localhost:8004/generate-stream"
	}
	if c.APIURL == "" {
		c.APIURL = "http://localhost:8005/api"
	}
	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}
	if c.Model.Model == "" {
		c.Model = c.Models[0]
	}
	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = 50 * time.Second
	}
	if c.Watchdog.Policy == "" {
		c.Watchdog.Policy = PolicyAssumeValidated
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Principal.Name == "" {
		c.Principal.Name = c.Principal.ID
	}

	d := &c.DevServer
	if d.Port == 0 {
		d.Port = 8005
	}
	if d.LeaseTTL == 0 {
		d.LeaseTTL = 2 * time.Minute
	}
	if d.ReapSchedule == "" {
		d.ReapSchedule = "@every 30s"
	}
	if len(d.Users) == 0 {
		d.Users = []UserConfig{{Email: "demo@example.com", Name: "Demo", Password: "demo"}}
	}
	if d.Database.Driver == "" {
		d.Database.Driver = "sqlite"
	}
	switch d.Database.Driver {
	case "sqlite":
		if d.Database.Path == "" {
			d.Database.Path = "seostream.db"
		}
	case "mysql":
		if d.Database.Host == "" {
			d.Database.Host = "127.0.0.1"
		}
		if d.Database.Port == 0 {
			d.Database.Port = 3306
		}
		if d.Database.Name == "" {
			d.Database.Name = "seostream"
		}
		if d.Database.User == "" {
			d.Database.User = "root"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if err := checkURL(c.StreamURL, "ws", "wss"); err != "" {
		errs = append(errs, "stream_url "+err)
	}
	if err := checkURL(c.APIURL, "http", "https"); err != "" {
		errs = append(errs, "api_url "+err)
	}
	for i, m := range c.Models {
		if m.Provider == "" {
			errs = append(errs, fmt.Sprintf("models[%d].provider is required", i))
		}
		if m.Model == "" {
			errs = append(errs, fmt.Sprintf("models[%d].model is required", i))
		}
	}
	if c.Model.Provider == "" {
		errs = append(errs, "model.provider is required")
	}
	if c.Watchdog.Timeout < 0 {
		errs = append(errs, "watchdog.timeout must not be negative")
	}
	switch c.Watchdog.Policy {
	case PolicyAssumeValidated, PolicyFail, PolicyDisabled:
	default:
		errs = append(errs, fmt.Sprintf("watchdog.policy %q is not one of %s, %s, %s",
			c.Watchdog.Policy, PolicyAssumeValidated, PolicyFail, PolicyDisabled))
	}
	if c.HTTPTimeout < 0 {
		errs = append(errs, "http_timeout must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if (c.Notify.Slack.BotToken == "") != (c.Notify.Slack.ChannelID == "") {
		errs = append(errs, "notify.slack needs both bot_token and channel_id")
	}
	if (c.Notify.Discord.BotToken == "") != (c.Notify.Discord.ChannelID == "") {
		errs = append(errs, "notify.discord needs both bot_token and channel_id")
	}
	switch c.DevServer.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("devserver.database.driver %q is not one of mysql, sqlite", c.DevServer.Database.Driver))
	}
	if c.DevServer.Port < 0 || c.DevServer.Port > 65535 {
		errs = append(errs, "devserver.port is out of range")
	}
	if c.DevServer.LeaseTTL < 0 {
		errs = append(errs, "devserver.lease_ttl must not be negative")
	}
	if _, err := cron.ParseStandard(c.DevServer.ReapSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("devserver.reap_schedule %q: %v", c.DevServer.ReapSchedule, err))
	}
	for i, u := range c.DevServer.Users {
		if u.Email == "" || u.Password == "" {
			errs = append(errs, fmt.Sprintf("devserver.users[%d] needs email and password", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// checkURL returns a problem description, or "" when raw is an absolute URL
// with one of the given schemes.
func checkURL(raw string, schemes ...string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "is not a valid URL"
	}
	if u.Host == "" {
		return "must be absolute"
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return ""
		}
	}
	return fmt.Sprintf("must use scheme %s", strings.Join(schemes, " or "))
}

// FindModel resolves a model by "provider/model", bare model name or label.
func (c *Config) FindModel(name string) (session.ModelChoice, error) {
	name = strings.TrimSpace(name)
	for _, m := range c.Models {
		if strings.EqualFold(name, m.String()) || name == m.Model || strings.EqualFold(name, m.Label) {
			return m, nil
		}
	}
	if provider, model, ok := strings.Cut(name, "/"); ok && provider != "" && model != "" {
		return session.ModelChoice{Provider: provider, Model: model}, nil
	}
	return session.ModelChoice{}, fmt.Errorf("config: unknown model %q", name)
}
