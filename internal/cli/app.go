// Package cli implements the ndb command surface on top of the core
// packages: every verb resolves configuration, loads the policy snapshot,
// and drives the reconciler, stores, and remote client.
package cli

import (
	"fmt"
	"time"

	"ndb/internal/audit"
	"ndb/internal/config"
	"ndb/internal/nextdns"
	"ndb/internal/notify"
	"ndb/internal/override"
	"ndb/internal/pending"
	"ndb/internal/policy"
	"ndb/internal/protection"
	"ndb/internal/reconcile"
)

// App carries the wired components for one command invocation.
type App struct {
	Config    *config.Config
	Policy    *policy.Policy
	Client    *nextdns.Client
	Pending   *pending.Store
	Overrides *override.Store
	Audit     *audit.Logger
	Gate      *protection.Gate
	Notifier  *notify.Notifier
}

// loadApp resolves config and policy and wires the component graph.
func loadApp(configDir string) (*App, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, &policy.ConfigError{Err: err}
	}
	config.SetupLogging(cfg.Agent.LogLevel)

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return nil, err
	}

	client := nextdns.New(nextdns.Options{
		APIKey:    cfg.APIKey,
		ProfileID: cfg.ProfileID,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		CacheTTL:  cfg.CacheTTL,
		RateLimit: cfg.RateLimit,
		RateWin:   cfg.RateWindow,
	})

	var senders []notify.Sender
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if email := notify.NewEmailSender(cfg); email != nil {
		senders = append(senders, email)
	}
	if desktop := notify.NewDesktopSender(cfg.Agent.NotificationCommand); desktop != nil {
		senders = append(senders, desktop)
	}

	auditLog := audit.New(cfg.LogDir())
	overrides := override.NewStore(cfg.DataDir)
	overrides.Audit = auditLog

	return &App{
		Config:    cfg,
		Policy:    pol,
		Client:    client,
		Pending:   pending.NewStore(cfg.DataDir),
		Overrides: overrides,
		Audit:     auditLog,
		Gate:      protection.NewGate(cfg.DataDir),
		Notifier:  notify.New(senders...),
	}, nil
}

// runner builds a reconcile.Runner bound to this invocation.
func (a *App) runner(actor string) *reconcile.Runner {
	return &reconcile.Runner{
		Remote:    a.Client,
		Policy:    a.Policy,
		Pending:   a.Pending,
		Overrides: a.Overrides,
		Audit:     a.Audit,
		Notifier:  a.Notifier,
		Gate:      a.Gate,
		DataDir:   a.Config.DataDir,
		Actor:     actor,
	}
}

// auditUser records an operator-initiated audit line, logging on failure
// rather than failing the command.
func (a *App) auditUser(verb, object string, detail map[string]string) {
	if err := a.Audit.Record(audit.ActorUser, verb, object, detail); err != nil {
		fmt.Printf("warning: audit write failed: %v\n", err)
	}
}

// refuseDuringPanic returns an OverrideViolation error when panic is active.
func (a *App) refuseDuringPanic(command string) error {
	active, until, err := a.Overrides.PanicActive()
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%w: %q is refused until %s",
			override.ErrPanicActive, command, until.Local().Format(time.RFC3339))
	}
	return nil
}

// authorize enforces the PIN gate for a command.
func (a *App) authorize(command string) error {
	if err := a.Gate.Authorize(command); err != nil {
		return fmt.Errorf("%w: %s", errPermission, err)
	}
	return nil
}
