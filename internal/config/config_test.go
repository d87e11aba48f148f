package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Srey123/seostream/internal/session"
)

const fullYAML = `
stream_url: wss://gen.example.com/generate-stream
api_url: https://api.example.com/api
principal:
  id: u-42
  name: Alice
model:
  provider: anthropic
  model: claude-3-haiku-20240307
models:
  - provider: openai
    model: gpt-4o
    label: OpenAI GPT-4o
  - provider: anthropic
    model: claude-3-haiku-20240307
    label: Claude 3 Haiku
watchdog:
  timeout: 30s
  policy: fail
http_timeout: 5s
log:
  level: debug
  development: true
notify:
  slack:
    bot_token: xoxb-1
    channel_id: C123
  discord:
    bot_token: abc
    channel_id: "998877"
devserver:
  port: 9005
  script: testdata/script.yaml
  lease_ttl: 90s
  reap_schedule: "*/5 * * * *"
  users:
    - email: ann@example.com
      name: Ann
      password: pw
  database:
    driver: mysql
    host: 10.0.0.5
    port: 3307
    name: seo
    user: app
    password: secret
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StreamURL != "wss://gen.example.com/generate-stream" {
		t.Errorf("StreamURL = %q", cfg.StreamURL)
	}
	if cfg.APIURL != "https://api.example.com/api" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.Principal.ID != "u-42" || cfg.Principal.Name != "Alice" {
		t.Errorf("Principal = %+v", cfg.Principal)
	}
	if cfg.Model.String() != "anthropic/claude-3-haiku-20240307" {
		t.Errorf("Model = %s", cfg.Model)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("len(Models) = %d, want 2", len(cfg.Models))
	}
	if cfg.Watchdog.Timeout != 30*time.Second || cfg.Watchdog.Policy != PolicyFail {
		t.Errorf("Watchdog = %+v", cfg.Watchdog)
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Development {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Notify.Slack.Enabled() || !cfg.Notify.Discord.Enabled() {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	db := cfg.DevServer.Database
	if db.Driver != "mysql" || db.Host != "10.0.0.5" || db.Port != 3307 || db.Name != "seo" || db.User != "app" {
		t.Errorf("Database = %+v", db)
	}
	if cfg.DevServer.Port != 9005 || cfg.DevServer.LeaseTTL != 90*time.Second {
		t.Errorf("DevServer = %+v", cfg.DevServer)
	}
	if cfg.DevServer.ReapSchedule != "*/5 * * * *" {
		t.Errorf("ReapSchedule = %q", cfg.DevServer.ReapSchedule)
	}
	if len(cfg.DevServer.Users) != 1 || cfg.DevServer.Users[0].Email != "ann@example.com" {
		t.Errorf("Users = %+v", cfg.DevServer.Users)
	}
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StreamURL != "ws://localhost:8004/generate-stream" {
		t.Errorf("StreamURL = %q", cfg.StreamURL)
	}
	if cfg.APIURL != "http://localhost:8005/api" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if len(cfg.Models) != 6 {
		t.Errorf("len(Models) = %d, want 6", len(cfg.Models))
	}
	if cfg.Model != cfg.Models[0] {
		t.Errorf("Model = %+v, want first catalog entry", cfg.Model)
	}
	if cfg.Watchdog.Timeout != 50*time.Second {
		t.Errorf("Watchdog.Timeout = %v, want 50s", cfg.Watchdog.Timeout)
	}
	if cfg.Watchdog.Policy != PolicyAssumeValidated {
		t.Errorf("Watchdog.Policy = %q", cfg.Watchdog.Policy)
	}
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.DevServer.Database.Driver != "sqlite" || cfg.DevServer.Database.Path != "seostream.db" {
		t.Errorf("Database = %+v", cfg.DevServer.Database)
	}
	if cfg.DevServer.Port != 8005 {
		t.Errorf("DevServer.Port = %d", cfg.DevServer.Port)
	}
	if cfg.DevServer.ReapSchedule != "@every 30s" {
		t.Errorf("ReapSchedule = %q", cfg.DevServer.ReapSchedule)
	}
	if len(cfg.DevServer.Users) != 1 {
		t.Errorf("Users = %+v, want one demo user", cfg.DevServer.Users)
	}
	if cfg.Notify.Slack.Enabled() {
		t.Error("slack enabled without configuration")
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("devserver:\n  database:\n    driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db := cfg.DevServer.Database
	if db.Host != "127.0.0.1" || db.Port != 3306 || db.Name != "seostream" || db.User != "root" {
		t.Errorf("Database = %+v", db)
	}
}

func TestParse_PrincipalNameDefaultsToID(t *testing.T) {
	cfg, err := Parse([]byte("principal:\n  id: u1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Principal.Name != "u1" {
		t.Errorf("Principal.Name = %q, want u1", cfg.Principal.Name)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"stream scheme", "stream_url: http://x/generate-stream", "stream_url must use scheme ws or wss"},
		{"relative api", "api_url: /api", "api_url must be absolute"},
		{"bad policy", "watchdog:\n  policy: retry", `watchdog.policy "retry"`},
		{"negative timeout", "watchdog:\n  timeout: -1s", "watchdog.timeout must not be negative"},
		{"bad level", "log:\n  level: verbose", `log.level "verbose"`},
		{"half slack", "notify:\n  slack:\n    bot_token: x", "notify.slack needs both"},
		{"bad driver", "devserver:\n  database:\n    driver: postgres", `driver "postgres"`},
		{"model without provider", "models:\n  - model: gpt-4o", "models[0].provider is required"},
		{"bad reap schedule", "devserver:\n  reap_schedule: sometimes", `reap_schedule "sometimes"`},
		{"user without password", "devserver:\n  users:\n    - email: a@b.c", "users[0] needs email and password"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
			if !strings.HasPrefix(err.Error(), "config: validation failed: ") {
				t.Errorf("error = %q, want validation prefix", err)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("api_url: /api\nlog:\n  level: loud\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("error = %q, want errors joined with '; '", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("stream_url: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Principal.ID != "u-42" {
		t.Errorf("Principal.ID = %q", cfg.Principal.ID)
	}

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("err = %v", err)
	}
}

func TestFindModel(t *testing.T) {
	cfg := Default()
	tests := []struct {
		in   string
		want session.ModelChoice
	}{
		{"openai/gpt-4o-mini", session.ModelChoice{Provider: "openai", Model: "gpt-4o-mini", Label: "OpenAI GPT-4o-mini"}},
		{"claude-3-haiku-20240307", session.ModelChoice{Provider: "anthropic", Model: "claude-3-haiku-20240307", Label: "Claude 3 Haiku"}},
		{"claude 3 opus", session.ModelChoice{Provider: "anthropic", Model: "claude-3-opus-20240229", Label: "Claude 3 Opus"}},
		{"mistral/large", session.ModelChoice{Provider: "mistral", Model: "large"}},
	}
	for _, tt := range tests {
		got, err := cfg.FindModel(tt.in)
		if err != nil {
			t.Errorf("FindModel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FindModel(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	if _, err := cfg.FindModel("nonsense"); err == nil {
		t.Error("FindModel(nonsense) expected error")
	}
}
