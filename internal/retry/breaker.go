package retry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Breaker.Execute while the circuit is open.
var ErrCircuitOpen = errors.New("Circuit breaker is open")

type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the circuit (default: 5)
	RecoveryTimeout  time.Duration // Time before an open circuit closes again (default: 30s)

	OnOpen  func()
	OnClose func()
}

// Breaker counts consecutive failures. Once FailureThreshold is reached the
// circuit opens and every call is rejected until RecoveryTimeout has passed,
// after which the count resets and calls are let through again.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	failures int
	state    CircuitState
	timer    *time.Timer
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow returns ErrCircuitOpen while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	opened := false
	if b.state == CircuitClosed && b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
		b.timer = time.AfterFunc(b.cfg.RecoveryTimeout, b.recover)
		opened = true
	}
	onOpen := b.cfg.OnOpen
	b.mu.Unlock()

	if opened && onOpen != nil {
		onOpen()
	}
}

func (b *Breaker) recover() {
	b.mu.Lock()
	if b.state != CircuitOpen {
		b.mu.Unlock()
		return
	}
	b.state = CircuitClosed
	b.failures = 0
	b.timer = nil
	onClose := b.cfg.OnClose
	b.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// Execute runs fn unless the circuit is open and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit immediately. OnClose is not called.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.failures = 0
	b.state = CircuitClosed
}
