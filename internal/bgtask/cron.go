package bgtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultBudget     = 30 * time.Second
	networkRetryDelay = time.Minute
)

// onceSchedule fires a single time, no earlier than at.
// cron calls Next once when the entry is added and once after it ran.
type onceSchedule struct {
	at     time.Time
	handed bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if s.handed {
		return time.Time{}
	}
	s.handed = true
	if s.at.Before(t) {
		return t
	}
	return s.at
}

// CronFacility runs requests on a robfig/cron scheduler.
type CronFacility struct {
	cron   *cron.Cron
	budget time.Duration
	probe  NetworkProbe
	base   context.Context
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*entry
}

// entry.id is written under CronFacility.mu before the job can observe it.
type entry struct {
	id  cron.EntryID
	req Request
}

// Option configures a CronFacility.
type Option func(*CronFacility)

func WithBudget(d time.Duration) Option      { return func(f *CronFacility) { f.budget = d } }
func WithNetworkProbe(p NetworkProbe) Option { return func(f *CronFacility) { f.probe = p } }
func WithLogger(l *slog.Logger) Option       { return func(f *CronFacility) { f.logger = l } }

// WithBaseContext sets the parent of every task context. Cancelling it
// expires running tasks.
func WithBaseContext(ctx context.Context) Option { return func(f *CronFacility) { f.base = ctx } }

// NewCronFacility returns a stopped facility; call Start.
func NewCronFacility(opts ...Option) *CronFacility {
	f := &CronFacility{
		budget:   DefaultBudget,
		base:     context.Background(),
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		pending:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{f.logger})))
	return f
}

func (f *CronFacility) Start() { f.cron.Start() }

// Stop prevents new runs and waits for running tasks or ctx.
func (f *CronFacility) Stop(ctx context.Context) error {
	done := f.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *CronFacility) Register(identifier string, h Handler) error {
	if identifier == "" || h == nil {
		return fmt.Errorf("register: identifier and handler are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[identifier] = h
	return nil
}

func (f *CronFacility) Submit(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[req.Identifier]; !ok {
		return fmt.Errorf("submit %q: no handler registered", req.Identifier)
	}
	if p, ok := f.pending[req.Identifier]; ok {
		f.cron.Remove(p.id)
	}
	e := &entry{req: req}
	e.id = f.cron.Schedule(&onceSchedule{at: req.EarliestBegin}, cron.FuncJob(func() { f.fire(e) }))
	f.pending[req.Identifier] = e
	f.logger.Debug("background request submitted",
		slog.String("identifier", req.Identifier),
		slog.Time("earliest_begin", req.EarliestBegin),
	)
	return nil
}

func (f *CronFacility) Cancel(identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[identifier]; ok {
		f.cron.Remove(p.id)
		delete(f.pending, identifier)
	}
}

// Pending returns the request currently waiting for identifier.
func (f *CronFacility) Pending(identifier string) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[identifier]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

func (f *CronFacility) fire(e *entry) {
	f.mu.Lock()
	req := e.req
	h := f.handlers[req.Identifier]
	f.cron.Remove(e.id)
	// A newer Submit may already have replaced this entry.
	if p, ok := f.pending[req.Identifier]; ok && p == e {
		delete(f.pending, req.Identifier)
	}
	f.mu.Unlock()

	log := f.logger.With(slog.String("identifier", req.Identifier))

	ctx, cancel := context.WithTimeout(f.base, f.budget)
	defer cancel()

	if req.RequiresNetwork && f.probe != nil && !f.probe.Online(ctx) {
		log.Info("network unavailable, deferring background task")
		req.EarliestBegin = time.Now().Add(networkRetryDelay)
		if err := f.Submit(req); err != nil {
			log.Error("defer background task", slog.String("error", err.Error()))
		}
		return
	}

	t := &task{identifier: req.Identifier, ctx: ctx}
	start := time.Now()
	h(t)
	if done, _ := t.outcome(); !done {
		log.Warn("handler returned without completing, reporting failure")
		t.Complete(false)
	}
	_, success := t.outcome()
	log.Info("background task finished",
		slog.Bool("success", success),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("expired", ctx.Err() != nil),
	)
}

type task struct {
	identifier string
	ctx        context.Context

	mu      sync.Mutex
	done    bool
	success bool
}

func (t *task) Identifier() string       { return t.identifier }
func (t *task) Context() context.Context { return t.ctx }

// Complete records the first reported outcome; later calls are ignored.
func (t *task) Complete(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done, t.success = true, success
}

func (t *task) outcome() (done, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.success
}

// cronLogger routes cron's internal logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, kv...)...)
}
