package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	// Closed passes requests through while tracking the failure ratio.
	Closed State = iota
	// Open rejects requests until the cool-off elapses.
	Open
	// HalfOpen lets a probe through to test the downstream.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a failure-ratio circuit breaker guarding one downstream target.
type Breaker struct {
	mu sync.Mutex

	state     State
	fails     int
	oks       int
	openedAt  time.Time
	minReqs   int
	failRatio float64
	openFor   time.Duration

	target string
	logger *zerolog.Logger
}

// NewBreaker returns a closed breaker that trips once the failure ratio over
// at least minRequests observations reaches failureRatio, and stays open for
// openFor before probing.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:     Closed,
		minReqs:   minRequests,
		failRatio: failureRatio,
		openFor:   openFor,
	}
}

// WithTarget sets the label used on metrics and transition logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishStateLocked()
	return b
}

// WithLogger sets the logger for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a request may proceed. An open breaker whose cool-off
// has elapsed flips to half-open and admits the caller as the probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	b.transitionLocked(ctx, HalfOpen)
	return true
}

// Report feeds one request outcome into the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.oks++
	} else {
		b.fails++
	}
	total := b.fails + b.oks
	if total < b.minReqs {
		return
	}
	if float64(b.fails)/float64(total) >= b.failRatio {
		b.transitionLocked(ctx, Open)
		return
	}
	if total > b.minReqs*2 {
		// Halve the window so old outcomes age out.
		b.oks = int(math.Ceil(float64(b.oks) * 0.5))
		b.fails = int(math.Ceil(float64(b.fails) * 0.5))
	}
}

// Backoff returns the exponential delay for the given attempt, with jitter
// expressed as a fraction (0.2 means plus or minus 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishStateLocked()
		return
	}
	b.state = next
	b.fails = 0
	b.oks = 0
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishStateLocked()

	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	evt := b.log().Info().Str("target", label).
		Str("from_state", prev.String()).Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishStateLocked() {
	var value float64
	switch b.state {
	case Closed:
		value = 0
	case Open:
		value = 1
	case HalfOpen:
		value = 2
	default:
		value = -1
	}
	BreakerState.WithLabelValues(b.targetLabel()).Set(value)
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) log() *zerolog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return &breakerNopLogger
}

var breakerNopLogger = zerolog.Nop()
