// Package engine assembles the identity registry, session manager, audit
// log, and security monitor into one embeddable unit, selects the storage
// driver, and owns the background-task lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/config"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/notify"
	"github.com/Njanja2025/sentinel/internal/obs"
	"github.com/Njanja2025/sentinel/internal/session"
	"github.com/Njanja2025/sentinel/internal/store/mem"
	"github.com/Njanja2025/sentinel/internal/store/pg"
	"github.com/Njanja2025/sentinel/internal/store/sqlite"
)

// Backend is the union of the per-component store interfaces. Every driver
// under internal/store satisfies it.
type Backend interface {
	identity.UserStore
	identity.RoleStore
	session.Store
	audit.Store
	monitor.AlertStore
	Close() error
}

// Engine is the assembled access-control kernel.
type Engine struct {
	cfg      *config.Config
	backend  Backend
	Audit    *audit.Log
	Identity *identity.Registry
	Sessions *session.Manager
	Monitor  *monitor.Monitor
	Signer   *session.TokenSigner
	Alerts   *notify.Stream

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New builds an engine from configuration. Nothing runs in the background
// until Start is called.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	log, err := audit.New(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("engine: open audit log: %w", err)
	}

	roles, err := config.BuildRoles(cfg.Roles)
	if err != nil {
		backend.Close()
		return nil, err
	}
	registry, err := identity.New(backend, log, roles)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := registry.Hydrate(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	if err := registry.EnsureRoles(ctx, backend); err != nil {
		backend.Close()
		return nil, err
	}

	alertStream := notify.NewStream()
	sinks := notify.Fanout{notify.LogNotifier{}, alertStream}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}

	mon, err := monitor.New(log, backend,
		monitor.WithThresholds(cfg.MonitorThresholds()),
		monitor.WithEvalInterval(cfg.Monitor.EvalInterval),
		monitor.WithRetention(cfg.Monitor.Retention),
		monitor.WithKnownGoodIPs(cfg.Monitor.KnownGoodIPs),
		monitor.WithLocation(cfg.MonitorLocation()),
		monitor.WithNotifier(sinks.Notify),
	)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := mon.Hydrate(ctx); err != nil {
		backend.Close()
		return nil, err
	}

	sessions := session.NewManager(registry, log,
		session.WithMaxFailedAttempts(cfg.Auth.MaxFailedAttempts),
		session.WithLockoutDuration(cfg.Auth.LockoutDuration),
		session.WithSessionDuration(cfg.Auth.SessionDuration),
		session.WithStore(backend),
		session.WithSecuritySink(mon),
	)
	if err := sessions.Hydrate(ctx); err != nil {
		backend.Close()
		return nil, err
	}

	var signer *session.TokenSigner
	if cfg.Auth.TokenSecret != "" {
		signer, err = session.NewTokenSigner(cfg.Auth.TokenSecret,
			session.WithIssuer(cfg.Auth.TokenIssuer),
			session.WithTokenTTL(cfg.Auth.TokenTTL),
		)
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	return &Engine{
		cfg:      cfg,
		backend:  backend,
		Audit:    log,
		Identity: registry,
		Sessions: sessions,
		Monitor:  mon,
		Signer:   signer,
		Alerts:   alertStream,
	}, nil
}

func openBackend(cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return mem.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.Storage.Path)
	case config.DriverPostgres:
		return pg.Open(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("engine: unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Start launches the monitor's evaluation loop and the audit retention
// sweep. It returns immediately.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.doneCh = make(chan struct{})

	go e.Monitor.Run(ctx)
	go e.sweepLoop(ctx)

	obs.Info("engine started", map[string]any{
		"storage":       e.cfg.Storage.Driver,
		"eval_interval": e.cfg.Monitor.EvalInterval.String(),
	})
}

// sweepLoop periodically evicts abandoned sessions and removes expired audit
// events, sparing any event an unresolved alert still references.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Audit.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sessions.SweepExpired(ctx); n > 0 {
				obs.Info("session sweep", map[string]any{"expired": n})
			}
			protected := e.Monitor.ProtectedEventIDs()
			keep := func(id string) bool {
				_, ok := protected[id]
				return ok
			}
			removed, err := e.Audit.RetentionSweep(ctx, e.cfg.Audit.RetentionMaxAge, keep)
			if err != nil {
				obs.Error("retention sweep failed", map[string]any{"error": err.Error()})
				continue
			}
			if removed > 0 {
				obs.Info("retention sweep", map[string]any{"removed": removed})
			}
		}
	}
}

// Close stops background tasks, waits for the in-flight evaluation to
// finish, and closes the storage backend.
func (e *Engine) Close(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.Monitor.Done():
		case <-ctx.Done():
			return errors.New("engine: shutdown deadline exceeded while draining monitor")
		}
		select {
		case <-e.doneCh:
		case <-ctx.Done():
		}
	}
	return e.backend.Close()
}
