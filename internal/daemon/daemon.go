// Package daemon wires the control plane together: store, event log,
// lease manager, gate engine, throttle, scheduler, stats archive, and
// the HTTP surface, with single-instance protection over the data
// directory.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aofdev/aof/internal/api"
	"github.com/aofdev/aof/internal/config"
	"github.com/aofdev/aof/internal/db"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/executor"
	"github.com/aofdev/aof/internal/gate"
	"github.com/aofdev/aof/internal/lease"
	"github.com/aofdev/aof/internal/lock"
	"github.com/aofdev/aof/internal/project"
	"github.com/aofdev/aof/internal/scheduler"
	"github.com/aofdev/aof/internal/store"
	"github.com/aofdev/aof/internal/throttle"
)

// Daemon owns every long-lived component of a running control plane.
type Daemon struct {
	cfg    *config.Config
	root   string
	logger *slog.Logger

	guard      *lock.PIDGuard
	store      *store.Store
	log        *events.Log
	pub        events.Publisher
	manifest   *project.Manifest
	leases     *lease.Manager
	gates      *gate.Engine
	throttle   *throttle.Controller
	dispatcher *scheduler.Dispatcher
	scheduler  *scheduler.Scheduler
	stats      *db.Stats
	api        *api.Server

	mu       sync.Mutex
	lastPoll time.Time
}

// New builds a daemon for the project root. The PID guard is checked
// but not acquired; Run takes ownership of the data directory.
func New(root string, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}

	guard := lock.NewPIDGuard(dataDir)
	if err := guard.Check(); err != nil {
		return nil, err
	}

	pub := events.NewMemoryPublisher()
	log := events.NewLog(dataDir, pub, logger)

	st, err := store.Open(dataDir, log, logger)
	if err != nil {
		return nil, err
	}

	manifest, err := project.LoadDir(root)
	if err != nil {
		return nil, err
	}

	leases := lease.NewManager(st, log, logger, lease.Config{
		TTL:         cfg.Lease.TTL.Std(),
		MaxRenewals: cfg.Lease.MaxRenewals,
		MaxExpiries: cfg.Lease.MaxExpiries,
	})
	gates := gate.NewEngine(st, manifest, log, logger)

	th := throttle.New(throttle.Config{
		GlobalCap:       cfg.Throttle.MaxConcurrent,
		TeamCaps:        cfg.Throttle.TeamCaps,
		MinInterval:     cfg.Throttle.MinInterval.Std(),
		TeamMinInterval: cfg.Throttle.TeamMinInterval.Std(),
		PerTickCap:      cfg.Throttle.MaxDispatchesPerPoll,
	}, nil)

	var exec executor.Executor
	if len(cfg.Executor) > 0 {
		exec, err = executor.NewProcessExecutor(cfg.Executor, logger)
		if err != nil {
			return nil, err
		}
	}

	planner := scheduler.NewPlanner(manifest, th, logger)
	dispatcher := scheduler.NewDispatcher(st, leases, gates, manifest, exec, th, log, logger, cfg.SpawnTimeout.Std())

	stats, err := db.OpenStats(filepath.Join(dataDir, db.StatsFileName))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		root:       root,
		logger:     logger,
		guard:      guard,
		store:      st,
		log:        log,
		pub:        pub,
		manifest:   manifest,
		leases:     leases,
		gates:      gates,
		throttle:   th,
		dispatcher: dispatcher,
		stats:      stats,
	}

	d.scheduler = scheduler.New(scheduler.Config{
		Store:      st,
		Leases:     leases,
		Gates:      gates,
		Planner:    planner,
		Dispatcher: dispatcher,
		Log:        log,
		Logger:     logger,
		Stats:      pollObserver{d},
		Interval:   cfg.PollInterval.Std(),
		DryRun:     cfg.DryRun,
	})
	d.api = api.NewServer(st, log, pub, cfg.PollInterval.Std(), d.LastPoll, logger)

	return d, nil
}

// Store exposes the wired task store for command-line use.
func (d *Daemon) Store() *store.Store { return d.store }

// LastPoll returns when the scheduler last completed a tick.
func (d *Daemon) LastPoll() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPoll
}

// pollObserver archives tick stats and tracks freshness for /healthz.
type pollObserver struct{ d *Daemon }

func (o pollObserver) RecordPoll(s scheduler.PollStats) error {
	o.d.mu.Lock()
	o.d.lastPoll = s.At
	o.d.mu.Unlock()
	return o.d.stats.RecordPoll(s)
}

// Run acquires the data directory and blocks until ctx is cancelled or
// a component fails. Shutdown is graceful: the scheduler finishes its
// tick, renewers stop, and the event stream closes before the PID file
// is released.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.guard.Acquire(); err != nil {
		return err
	}
	defer d.guard.Release()
	defer d.stats.Close()
	defer d.pub.Close()
	defer d.dispatcher.StopRenewers()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.scheduler.Run(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return d.api.ListenAndServe(d.cfg.Listen)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.api.Shutdown(shutdownCtx)
	})

	d.logger.Info("daemon started",
		"dataDir", d.store.Root(),
		"pollInterval", d.cfg.PollInterval.Std(),
		"dryRun", d.cfg.DryRun,
		"executor", len(d.cfg.Executor) > 0)

	return g.Wait()
}
