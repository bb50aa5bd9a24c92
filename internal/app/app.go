// Package app wires the pipeline components for one process role.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/api"
	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/cache"
	"github.com/shohag/notifyrelay/internal/config"
	"github.com/shohag/notifyrelay/internal/delivery"
	"github.com/shohag/notifyrelay/internal/dispatch"
	"github.com/shohag/notifyrelay/internal/intake"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/results"
	"github.com/shohag/notifyrelay/internal/retry"
	"github.com/shohag/notifyrelay/internal/storage"
)

type Role string

const (
	// RoleRouter serves intake and runs the results collector and retry scheduler.
	RoleRouter Role = "router"
	// RoleDelivery runs the channel workers and serves the query API.
	RoleDelivery Role = "delivery"
	RoleAll      Role = "all"
)

func (r Role) routes() bool   { return r == RoleRouter || r == RoleAll }
func (r Role) delivers() bool { return r == RoleDelivery || r == RoleAll }

// Deps are the shared handles a process builds once and injects.
type Deps struct {
	Store   storage.Storage
	Broker  broker.Broker
	Dedup   cache.Dedup
	Metrics *metrics.Metrics
	// Sender overrides the simulated sender built from config.
	Sender delivery.Sender
	Log    zerolog.Logger
}

type App struct {
	role Role
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger

	Intake    *intake.Service
	Collector *results.Collector
	Scheduler *retry.Scheduler
	Pool      *delivery.Pool
	Server    *api.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(cfg *config.Config, role Role, d Deps) (*App, error) {
	switch role {
	case RoleRouter, RoleDelivery, RoleAll:
	default:
		return nil, fmt.Errorf("unknown role: %q", role)
	}
	if cfg.Broker.Driver == "memory" && role != RoleAll {
		return nil, fmt.Errorf("the memory broker only works when every role runs in one process (role %q)", role)
	}
	if d.Store == nil || d.Broker == nil {
		return nil, errors.New("app: store and broker are required")
	}

	a := &App{
		role: role,
		cfg:  cfg,
		deps: d,
		log:  d.Log.With().Str("role", string(role)).Logger(),
	}
	opts := []api.Option{api.WithService("notifyrelay-" + string(role))}
	if cfg.Metrics.Enabled && d.Metrics != nil {
		opts = append(opts, api.WithMetrics(d.Metrics, cfg.Metrics.Path))
	}

	if role.routes() {
		backoff := retry.Backoff{Initial: cfg.Retry.InitialBackoff, Max: cfg.Retry.MaxBackoff}
		dispatcher := dispatch.New(d.Broker, d.Store, d.Metrics, d.Log)

		intakeOpts := []intake.Option{intake.WithMetrics(d.Metrics)}
		if d.Dedup != nil {
			intakeOpts = append(intakeOpts, intake.WithDedupCache(d.Dedup))
		}
		a.Intake = intake.NewService(d.Store, dispatcher, cfg.Intake.DedupWindow, d.Log, intakeOpts...)
		a.Collector = results.NewCollector(d.Store, backoff, cfg.Retry.MaxAttempts, d.Metrics, d.Log)
		a.Scheduler = retry.NewScheduler(d.Store, dispatcher, retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Interval:    cfg.Retry.Interval,
			BatchSize:   cfg.Retry.BatchSize,
			Backoff:     backoff,
			OutboxGrace: cfg.Retry.OutboxGrace,
			StaleAfter:  cfg.Retry.StaleAfter,
		}, d.Metrics, d.Log)
		opts = append(opts, api.WithIntake(a.Intake))
	}

	if role.delivers() {
		if d.Sender != nil {
			channels, err := cfg.Delivery.ChannelList()
			if err != nil {
				return nil, err
			}
			a.Pool = delivery.NewPoolWithSender(channels, d.Sender, d.Broker, d.Store, d.Metrics, d.Log)
		} else {
			pool, err := delivery.NewPool(cfg.Delivery, d.Broker, d.Store, d.Metrics, d.Log)
			if err != nil {
				return nil, err
			}
			a.Pool = pool
		}
	}

	a.Server = api.NewServer(cfg.Server, d.Store, d.Log, opts...)
	return a, nil
}

func (a *App) Role() Role { return a.role }

// Start registers the consumers and the retry schedule for the role. It does
// not open the HTTP listener; see Serve.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Collector != nil {
		if err := a.Collector.Start(ctx, a.deps.Broker); err != nil {
			cancel()
			a.cancel = nil
			return err
		}
	}
	if a.Pool != nil {
		if err := a.Pool.Start(ctx); err != nil {
			cancel()
			a.cancel = nil
			return err
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}

	a.log.Info().Msg("Pipeline started")
	return nil
}

// Serve blocks in the HTTP server until Stop shuts it down.
func (a *App) Serve() error {
	if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Stop shuts the HTTP server down, then the scheduler, then the consumers.
func (a *App) Stop(timeout time.Duration) {
	if err := a.Server.Shutdown(timeout); err != nil {
		a.log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
	a.log.Info().Msg("Pipeline stopped")
}
