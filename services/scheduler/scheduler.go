// Package scheduler keeps the pipeline running in the background, choosing
// each next window from the queue backlog.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-fit-flow/internal/bgtask"
	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-fit-flow/services/pipeline"
)

const (
	TaskIdentifier = "fitflow.pipeline"

	ShortInterval     = 15 * time.Minute
	LongInterval      = 2 * time.Hour
	ImmediateInterval = 30 * time.Second
)

// NextInterval picks the delay before the next window: short while anything
// is pending or failed, long otherwise.
func NextInterval(st domain.QueueStats) time.Duration {
	if st.HasBacklog() {
		return ShortInterval
	}
	return LongInterval
}

// Runner runs one pipeline pass. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context) (pipeline.PassResult, error)
	TryRun(ctx context.Context) (pipeline.PassResult, error)
}

// StatsSource reports queue backlog. *queue.Queue implements it.
type StatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// Elector restricts background passes to one instance when several share a store.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
}

// Scheduler re-arms itself on every window; a failing pass never stops it.
type Scheduler struct {
	facility        bgtask.Facility
	runner          Runner
	stats           StatsSource
	elector         Elector
	requiresNetwork bool
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithElector(e Elector) Option          { return func(s *Scheduler) { s.elector = e } }
func WithRequiresNetwork(b bool) Option     { return func(s *Scheduler) { s.requiresNetwork = b } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }

func NewScheduler(facility bgtask.Facility, runner Runner, stats StatsSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		facility:        facility,
		runner:          runner,
		stats:           stats,
		requiresNetwork: true,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the window handler and submits the first request.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.facility.Register(TaskIdentifier, s.handle); err != nil {
		return err
	}
	_, err := s.arm(ctx)
	return err
}

// Stop cancels the pending window.
func (s *Scheduler) Stop() { s.facility.Cancel(TaskIdentifier) }

// OnBackground submits an immediate window when backlog is waiting.
// It reports whether it did.
func (s *Scheduler) OnBackground(ctx context.Context) (bool, error) {
	st, err := s.stats.Stats(ctx)
	if err != nil {
		return false, err
	}
	if !st.HasBacklog() {
		return false, nil
	}
	return true, s.submit(ImmediateInterval)
}

// Expedite moves the next window to ImmediateInterval from now, for example
// when new source data is known to be waiting.
func (s *Scheduler) Expedite() error { return s.submit(ImmediateInterval) }

// TriggerNow runs a pass right away, waiting behind any pass in progress,
// then re-arms from the resulting backlog.
func (s *Scheduler) TriggerNow(ctx context.Context) (pipeline.PassResult, error) {
	res, err := s.runner.Run(ctx)
	if armErr := s.submit(NextInterval(res.Queue)); armErr != nil {
		s.logger.Error("re-arm after manual pass", slog.String("error", armErr.Error()))
	}
	return res, err
}

// TryTriggerNow is TriggerNow without waiting: it returns
// *domain.PassInProgressError when a pass is already running.
func (s *Scheduler) TryTriggerNow(ctx context.Context) (pipeline.PassResult, error) {
	res, err := s.runner.TryRun(ctx)
	var busy *domain.PassInProgressError
	if errors.As(err, &busy) {
		return res, err
	}
	if armErr := s.submit(NextInterval(res.Queue)); armErr != nil {
		s.logger.Error("re-arm after manual pass", slog.String("error", armErr.Error()))
	}
	return res, err
}

func (s *Scheduler) handle(task bgtask.Task) {
	ctx := task.Context()

	// Re-arm first so the chain survives a pass that overruns its budget.
	if _, err := s.arm(ctx); err != nil {
		s.logger.Error("re-arm background window", slog.String("error", err.Error()))
	}

	if s.elector != nil {
		leader, err := s.elector.Acquire(ctx)
		if err != nil {
			s.logger.Warn("leader election failed, skipping window", slog.String("error", err.Error()))
			task.Complete(false)
			return
		}
		if !leader {
			s.logger.Debug("not the leader, skipping window")
			task.Complete(true)
			return
		}
	}

	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("background pass failed", slog.String("error", err.Error()))
	}
	// Refine the next window with the post-pass backlog.
	if armErr := s.submit(NextInterval(res.Queue)); armErr != nil {
		s.logger.Error("re-arm after pass", slog.String("error", armErr.Error()))
	}
	task.Complete(err == nil)
}

func (s *Scheduler) arm(ctx context.Context) (time.Duration, error) {
	st, err := s.stats.Stats(ctx)
	if err != nil {
		// Unknown backlog: assume there is some.
		s.logger.Warn("queue stats unavailable", slog.String("error", err.Error()))
		st = domain.QueueStats{Pending: 1}
	}
	interval := NextInterval(st)
	return interval, s.submit(interval)
}

func (s *Scheduler) submit(interval time.Duration) error {
	telemetry.SchedulerNextIntervalSeconds.Set(interval.Seconds())
	s.logger.Debug("next background window", slog.Duration("in", interval))
	return s.facility.Submit(bgtask.Request{
		Identifier:      TaskIdentifier,
		EarliestBegin:   s.now().Add(interval),
		RequiresNetwork: s.requiresNetwork,
	})
}
