// Package app wires configuration, storage and the workflow engine for the
// CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"opex/internal/config"
	"opex/internal/db"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/links"
	"opex/internal/logging"
	"opex/internal/migrate"
	"opex/internal/notify"
	"opex/internal/session"
)

// Options are the process-level overrides, usually from CLI flags. Empty
// fields fall back to the environment and then to opex.yml.
type Options struct {
	Workspace string
	DBDriver  string
	DBDSN     string
	LogLevel  string
	LogFormat string
	// SkipSeed leaves rules and the directory untouched.
	SkipSeed bool
}

// App holds everything a command needs. Close releases the pool and any
// broker or cache connections opened on demand.
type App struct {
	Config  *config.Config
	Secrets config.Secrets
	DB      *sql.DB
	Dialect db.Dialect
	Log     zerolog.Logger
	Links   links.Builder
	Queue   *notify.Queue
	Engine  engine.Engine

	closers []func() error
}

// Open loads config, opens and migrates the database, seeds rules and the
// directory, and builds the engine with the outbox queue as notifier.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	level := firstNonEmpty(opts.LogLevel, cfg.Log.Level)
	log := logging.New(level, firstNonEmpty(opts.LogFormat, cfg.Log.Format))

	dbCfg := db.Config{
		Workspace:       opts.Workspace,
		Driver:          firstNonEmpty(opts.DBDriver, secrets.DBDriver, cfg.Database.Driver),
		DSN:             firstNonEmpty(opts.DBDSN, secrets.DBDSN),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	conn, dialect, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Config: cfg, Secrets: secrets, DB: conn, Dialect: dialect, Log: log}
	a.closers = append(a.closers, conn.Close)
	a.Links = links.Builder{
		BaseURL: cfg.App.PublicBaseURL,
		Signed:  cfg.Approval.SignedLinks,
		Secret:  secrets.LinkSecret,
		TTL:     cfg.Approval.LinkTTL,
	}
	if a.Links.Signed && strings.TrimSpace(a.Links.Secret) == "" {
		a.Close()
		return nil, errors.New("OPEX_LINK_SECRET is required when approval.signed_links is on")
	}

	e := engine.New(conn, dialect, cfg)
	e.Log = log
	a.Queue = notify.NewQueue(e.Repo, a.Links, log)
	e.Notifier = a.Queue
	a.Engine = e

	if !opts.SkipSeed {
		if err := Seed(ctx, e, cfg); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Seed loads the configured rules into an empty rule table and upserts the
// configured directory. It runs as the system principal.
func Seed(ctx context.Context, e engine.Engine, cfg *config.Config) error {
	ctx = auth.WithPrincipal(ctx, auth.System("bootstrap"))
	n, err := e.Repo.SeedRules(ctx, cfg.ActiveRules())
	if err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	if n > 0 {
		e.Log.Info().Int("rules", n).Msg("seeded approval rules")
	}
	for _, du := range cfg.Directory {
		u := domain.User{ID: du.ID, Name: du.Name, Email: du.Email, Active: true}
		for _, r := range du.Roles {
			u.Roles = append(u.Roles, domain.UserRole{Role: r.Role, Store: r.Store})
		}
		if _, err := e.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed directory user %s: %w", du.Email, err)
		}
	}
	return nil
}

// Sender builds the configured delivery channel.
func (a *App) Sender() (notify.Sender, error) {
	n := a.Config.Notifications
	switch n.Sender {
	case "webhook":
		return notify.WebhookSender{URL: n.WebhookURL, Secret: a.Secrets.MailCredential}, nil
	case "nats":
		nc, err := notify.ConnectNATS(n.NATSURL, a.Secrets.MailCredential)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		return notify.NATSSender{Conn: nc, Prefix: n.SubjectPrefix}, nil
	default:
		return notify.LogSender{Log: a.Log}, nil
	}
}

// Dispatcher builds the outbox worker, woken by the engine's queue.
func (a *App) Dispatcher() (*notify.Dispatcher, error) {
	sender, err := a.Sender()
	if err != nil {
		return nil, err
	}
	bundle, err := notify.LoadTemplates(a.Config.Notifications.Lang)
	if err != nil {
		return nil, err
	}
	return &notify.Dispatcher{
		Repo:        a.Engine.Repo,
		Sender:      sender,
		Renderer:    bundle,
		From:        a.Config.Notifications.From,
		MaxAttempts: a.Config.Notifications.MaxAttempts,
		Interval:    a.Config.Notifications.PollInterval,
		Log:         a.Log,
		Wake:        a.Queue.Wake(),
	}, nil
}

// Sessions opens the configured cookie-session backend.
func (a *App) Sessions(ctx context.Context) (session.Store, error) {
	s := a.Config.Sessions
	if s.Backend != "redis" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewRedisStore(ctx, session.RedisOptions{
		Addr:     s.RedisAddr,
		Password: a.Secrets.RedisPassword,
		DB:       s.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
