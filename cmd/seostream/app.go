package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Srey123/seostream/internal/config"
	"github.com/Srey123/seostream/internal/notify"
	"github.com/Srey123/seostream/internal/orchestration"
	"github.com/Srey123/seostream/internal/persist"
	"github.com/Srey123/seostream/internal/session"
	"github.com/Srey123/seostream/internal/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// passwordEnv supplies the password for --email when --password is empty.
const passwordEnv = "SEOSTREAM_PASSWORD"

var errNotLoggedIn = errors.New("not logged in: set principal.id in the config or pass --email")

// clientFlags are shared by every command that talks to the services.
type clientFlags struct {
	configPath string
	email      string
	password   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to seostream config file (built-in defaults when empty)")
	cmd.Flags().StringVar(&f.email, "email", "", "log in as this user instead of the configured principal")
	cmd.Flags().StringVar(&f.password, "password", "", "password for --email (or set "+passwordEnv+")")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the zap logger described by c. Logs go to stderr.
func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// newNotifier fans notices out to the log, the console and any configured
// chat channel.
func newNotifier(c config.NotifyConfig, log *zap.Logger, con *console) (notify.Notifier, error) {
	sinks := notify.Multi{notify.LogNotifier{Logger: log}, notify.Func(con.notice)}
	if c.Slack.Enabled() {
		s, err := notify.NewSlack(notify.SlackOpts{BotToken: c.Slack.BotToken, ChannelID: c.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if c.Discord.Enabled() {
		d, err := notify.NewDiscord(notify.DiscordOpts{BotToken: c.Discord.BotToken, ChannelID: c.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}

// app is the client stack assembled from a config file.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	console *console
	syncer  *persist.Synchronizer
	orch    *orchestration.Orchestrator
}

func newApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr())
	notifier, err := newNotifier(cfg.Notify, log, con)
	if err != nil {
		return nil, err
	}

	client, err := persist.NewClient(persist.ClientOpts{BaseURL: cfg.APIURL, Timeout: cfg.HTTPTimeout, Logger: log})
	if err != nil {
		return nil, err
	}
	syncer, err := persist.NewSynchronizer(persist.SynchronizerOpts{Service: client, Logger: log})
	if err != nil {
		return nil, err
	}
	disp, err := stream.NewDispatcher(stream.DispatcherOpts{BaseURL: cfg.StreamURL, Logger: log})
	if err != nil {
		return nil, err
	}
	orch, err := orchestration.New(orchestration.Opts{
		Dispatcher:   disp,
		Synchronizer: syncer,
		Notifier:     notifier,
		Logger:       log,
		Watchdog:     cfg.Watchdog,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, console: con, syncer: syncer, orch: orch}, nil
}

func (a *app) close() {
	a.orch.Close()
	_ = a.log.Sync()
}

// authenticate makes a principal active and loads its history. --email
// logs in; otherwise the configured principal is used as is.
func (a *app) authenticate(ctx context.Context, f clientFlags) (persist.Principal, error) {
	if f.email != "" {
		password, err := resolvePassword(f, a.console)
		if err != nil {
			return persist.Principal{}, err
		}
		return a.orch.Login(ctx, f.email, password)
	}
	if a.cfg.Principal.ID == "" {
		return persist.Principal{}, errNotLoggedIn
	}
	p := persist.Principal{ID: a.cfg.Principal.ID, Name: a.cfg.Principal.Name}
	if err := a.orch.SetPrincipal(ctx, p); err != nil {
		return persist.Principal{}, err
	}
	return p, nil
}

// resolvePassword takes the password from the flag, the environment or,
// on a terminal, a prompt.
func resolvePassword(f clientFlags, con *console) (string, error) {
	if f.password != "" {
		return f.password, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password for %s: pass --password or set %s", f.email, passwordEnv)
	}
	con.prompt(fmt.Sprintf("Password for %s: ", f.email))
	pw, err := term.ReadPassword(fd)
	con.prompt("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// resolveModel finds name in the catalog by "provider/model", model name or
// label. An empty name selects the configured default.
func resolveModel(cfg *config.Config, name string) (session.ModelChoice, error) {
	if name == "" {
		return cfg.Model, nil
	}
	for _, m := range cfg.Models {
		if strings.EqualFold(name, m.String()) || strings.EqualFold(name, m.Model) || strings.EqualFold(name, m.Label) {
			return m, nil
		}
	}
	names := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		names = append(names, m.String())
	}
	return session.ModelChoice{}, fmt.Errorf("unknown model %q (available: %s)", name, strings.Join(names, ", "))
}
