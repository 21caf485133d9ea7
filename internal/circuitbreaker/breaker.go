package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"

	"socialrt/pkg/core"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config sets when the breaker opens and how it recovers.
type Config struct {
	// FailThreshold consecutive failures open the breaker.
	FailThreshold int `json:"fail_threshold" validate:"min=1"`
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int `json:"success_threshold" validate:"min=1"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `json:"cooldown" validate:"min=1ms"`
}

var validate = validator.New()

// Breaker stops calls to a backend after repeated failures and lets a
// probe through once the cooldown has passed.
type Breaker struct {
	config Config
	clock  clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	onChange  func(from, to State)
}

// New creates a closed Breaker.
func New(config Config, clk clock.Clock) (*Breaker, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{config: config, clock: clk}, nil
}

// OnStateChange registers fn to be called after each transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Execute runs fn unless the breaker is open, in which case it returns
// core.ErrCircuitBreakerOpen without calling fn. The outcome of fn is
// recorded: a nil error or one for which ignore returns true counts as success.
func (b *Breaker) Execute(fn func() error, ignore func(error) bool) error {
	if !b.Allow() {
		return core.ErrCircuitBreakerOpen
	}
	err := fn()
	b.Record(err == nil || (ignore != nil && ignore(err)))
	return err
}

// Allow reports whether a call may go out, moving an open breaker to
// half-open once its cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return true
	}
	if b.clock.Since(b.openedAt) < b.config.Cooldown {
		b.mu.Unlock()
		return false
	}
	notify := b.transitionLocked(StateHalfOpen)
	b.mu.Unlock()
	notify()
	return true
}

// Record feeds the outcome of a call into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	notify := func() {}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.config.FailThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			notify = b.transitionLocked(StateOpen)
			break
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// late results of calls admitted before the breaker opened
	}

	b.mu.Unlock()
	notify()
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.clock.Now()
	}

	fn := b.onChange
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(from, to) }
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	notify()
}
