// Package scheduler drives every live job through fixed-cadence rounds.
//
// A round snapshots the live set and advances each job at most once, with a bounded
// number of jobs advancing concurrently. A job is taken out of the live set before it
// is advanced and put back only while it is still running, so two rounds that overlap
// in time never advance the same job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultConcurrency    = 4
	DefaultMaxRounds      = 2
	DefaultAdvanceTimeout = time.Minute

	endedTimeout = 10 * time.Second
)

// Task is a unit of work advanced once per round
type Task interface {
	ID() string
	Advance(ctx context.Context)
	Status() job.Status
	Fail(reason string)
	Summary() job.Summary
}

// Config holds scheduler configuration
type Config struct {
	Logger         *slog.Logger
	Interval       time.Duration
	Concurrency    int
	MaxRounds      int
	AdvanceTimeout time.Duration
	Observer       job.Observer
	Metrics        *metrics.Metrics
}

// Scheduler owns the set of live jobs
type Scheduler struct {
	logger         *slog.Logger
	interval       time.Duration
	concurrency    int
	advanceTimeout time.Duration
	observer       job.Observer
	metrics        *metrics.Metrics

	mu       sync.Mutex
	live     map[string]Task
	inFlight map[string]Task

	rounds chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a new scheduler
func New(cfg *Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	advanceTimeout := cfg.AdvanceTimeout
	if advanceTimeout <= 0 {
		advanceTimeout = DefaultAdvanceTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = job.NopObserver{}
	}

	return &Scheduler{
		logger:         logger,
		interval:       interval,
		concurrency:    concurrency,
		advanceTimeout: advanceTimeout,
		observer:       observer,
		metrics:        cfg.Metrics,
		live:           make(map[string]Task),
		inFlight:       make(map[string]Task),
		rounds:         make(chan struct{}, maxRounds),
	}
}

// Add registers a task for the next round
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	s.live[t.ID()] = t
	n := len(s.live)
	s.mu.Unlock()

	s.metrics.SetLiveJobs(n)
	s.logger.Debug("Job scheduled",
		slog.String("job_id", t.ID()),
		slog.Int("live_jobs", n),
	)
}

// Len returns the number of tasks waiting for a round
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Count returns the number of tasks owned by the scheduler, including those being advanced
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live) + len(s.inFlight)
}

// Summaries returns a snapshot of every task owned by the scheduler
func (s *Scheduler) Summaries() []job.Summary {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.live)+len(s.inFlight))
	for _, t := range s.live {
		tasks = append(tasks, t)
	}
	for _, t := range s.inFlight {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]job.Summary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Summary())
	}
	return out
}

// Start runs rounds on a ticker until ctx is cancelled or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Starting scheduler",
		slog.Duration("interval", s.interval),
		slog.Int("concurrency", s.concurrency),
		slog.Int("max_rounds", cap(s.rounds)),
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the ticker and waits for in-flight rounds to return
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.startRound(ctx)
		}
	}
}

// startRound launches a round unless the in-flight bound is reached
func (s *Scheduler) startRound(ctx context.Context) {
	select {
	case s.rounds <- struct{}{}:
	default:
		s.metrics.RoundSkipped()
		s.logger.Warn("Skipping scheduler round, previous rounds still running",
			slog.Int("in_flight_rounds", cap(s.rounds)),
		)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.rounds }()
		s.RunRound(ctx)
	}()
}

// RunRound advances every task of the current live set once and returns when all are settled
func (s *Scheduler) RunRound(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	snapshot := make([]Task, 0, len(s.live))
	for _, t := range s.live {
		snapshot = append(snapshot, t)
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, t := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !s.take(t) {
			continue
		}
		if t.Status().IsTerminal() {
			s.settle(t)
			continue
		}
		g.Go(func() error {
			s.advance(ctx, t)
			return nil
		})
	}

	_ = g.Wait()

	s.metrics.RoundCompleted(time.Since(start))
	s.metrics.SetLiveJobs(s.Len())
}

// take moves a task from the live set to the in-flight set. It fails when
// another round already holds the task.
func (s *Scheduler) take(t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[t.ID()]; !ok {
		return false
	}
	delete(s.live, t.ID())
	s.inFlight[t.ID()] = t
	return true
}

func (s *Scheduler) advance(ctx context.Context, t Task) {
	defer s.settle(t)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job advance panicked",
				slog.String("job_id", t.ID()),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			t.Fail("internal error")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.advanceTimeout)
	defer cancel()

	t.Advance(ctx)
}

// settle re-inserts a running task or reports a terminal one
func (s *Scheduler) settle(t Task) {
	running := t.Status() == job.StatusRunning

	s.mu.Lock()
	delete(s.inFlight, t.ID())
	if running {
		s.live[t.ID()] = t
	}
	s.mu.Unlock()

	if !running {
		s.ended(t)
	}
}

func (s *Scheduler) ended(t Task) {
	summary := t.Summary()

	s.metrics.JobEnded(strings.ToLower(summary.Status.String()))
	s.logger.Info("Job removed from scheduler",
		slog.String("job_id", summary.ID),
		slog.String("status", summary.Status.String()),
		slog.Int("delivered", summary.Delivered),
		slog.Int("target", summary.Target),
	)

	ctx, cancel := context.WithTimeout(context.Background(), endedTimeout)
	defer cancel()
	s.observer.JobEnded(ctx, summary)
}
