package tally

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSyncInterval is the period of automatic sync passes.
const DefaultSyncInterval = 30 * time.Second

// probeTimeout bounds one reachability check.
const probeTimeout = 10 * time.Second

// SchedulerOptions tune a Scheduler.
type SchedulerOptions struct {
	Interval time.Duration

	// Prober, when set, is pinged every tick to drive online state.
	Prober Prober

	// OnResult receives the outcome of every pass the scheduler runs.
	OnResult func(*SyncResult, error)

	Logger *slog.Logger
}

// Scheduler runs sync passes on a timer, on reconnection and on demand.
// It never runs a pass while offline or paused.
type Scheduler struct {
	engine   *Engine
	session  *Session
	interval time.Duration
	prober   Prober
	onResult func(*SyncResult, error)
	logger   *slog.Logger

	trigger chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewScheduler creates a stopped scheduler for engine.
func NewScheduler(engine *Engine, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		session:  engine.session,
		interval: opts.Interval,
		prober:   opts.Prober,
		onResult: opts.OnResult,
		logger:   opts.Logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.loop(ctx, s.stop, s.done)
}

// Stop halts the loop and waits for it to exit. A pass in flight is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
}

// Trigger requests a pass as soon as possible. Requests made while a pass is
// queued collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity. Coming back online triggers a pass.
func (s *Scheduler) SetOnline(online bool) {
	s.setOnline(online, true)
}

func (s *Scheduler) setOnline(online, trigger bool) {
	was := s.session.SetOnline(online)
	if was == online {
		return
	}
	if online {
		s.logger.Info("connectivity restored")
		if trigger {
			s.Trigger()
		}
		return
	}
	s.logger.Info("working offline")
}

// Pause stops passes from starting. A running pass stops before its next item.
func (s *Scheduler) Pause() {
	s.session.SetPaused(true)
	s.logger.Info("sync paused")
}

// Resume re-enables passes and requests one.
func (s *Scheduler) Resume() {
	s.session.SetPaused(false)
	s.logger.Info("sync resumed")
	s.Trigger()
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
			s.run(ctx)
		case <-s.trigger:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	if s.prober == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := s.prober.Ping(pctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("remote unreachable", "error", err)
	}
	s.setOnline(err == nil, false)
}

func (s *Scheduler) run(ctx context.Context) {
	if !s.session.Online() || s.session.Paused() {
		return
	}
	result, err := s.engine.SyncAll(ctx)
	if err != nil {
		s.logger.Error("sync pass failed", "error", err)
	}
	if s.onResult != nil {
		s.onResult(result, err)
	}
}
