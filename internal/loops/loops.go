// Package loops runs the periodic background work of a component (scheduler
// ticks, heartbeat checks, load balancing, cleanup) on a robfig/cron runner.
//
// A callback never overlaps with itself: if a run is still in progress when
// the next one is due, the new run is skipped.
package loops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/nexcore/internal/logger"
)

var (
	ErrAlreadyStarted = errors.New("loop runner is already started")
	ErrNotStarted     = errors.New("loop runner is not started")
	ErrDuplicateLoop  = errors.New("loop already registered")
)

// Every is a fixed-interval cron.Schedule. Unlike cron's "@every" it accepts
// sub-second intervals.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Func is a loop callback. ctx is cancelled when the runner stops.
type Func func(ctx context.Context)

// Runner owns one cron.Cron and the loops registered on it.
type Runner struct {
	mu      sync.Mutex
	name    string
	cron    *cron.Cron
	logger  *logger.Logger
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a runner. name is attached to every log line.
func New(name string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(logger.Field{Key: "runner", Value: name})
	cl := logger.ForCron(log)

	return &Runner{
		name:   name,
		logger: log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Every registers fn to run every interval.
func (r *Runner) Every(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("loop %s: interval must be positive, got %s", name, interval)
	}
	return r.Schedule(name, Every(interval), fn)
}

// Schedule registers fn on an arbitrary cron.Schedule.
func (r *Runner) Schedule(name string, sched cron.Schedule, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLoop, name)
	}

	id := r.cron.Schedule(sched, cron.FuncJob(func() {
		ctx := r.context()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}))
	r.entries[name] = id

	r.logger.Debug("loop registered", logger.Field{Key: "loop", Value: name})
	return nil
}

// Remove unregisters a loop. A run already in progress is not interrupted.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
}

// Has reports whether a loop named name is registered.
func (r *Runner) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Start begins running loops in the background.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.cron.Start()

	r.logger.Debug("loop runner started", logger.Field{Key: "loops", Value: len(r.entries)})
	return nil
}

// Stop cancels the loop context and waits for running callbacks to return.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	<-r.cron.Stop().Done()

	r.logger.Debug("loop runner stopped")
	return nil
}

// IsStarted reports whether the runner is running.
func (r *Runner) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Runner) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}
