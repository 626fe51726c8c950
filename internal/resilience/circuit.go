// Package resilience provides per-provider circuit breakers, the provider
// failure taxonomy, and retry helpers for external calls.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/metrics"
	"github.com/sells-group/plantid/internal/model"
)

// ErrCircuitOpen is the skip reason for a call rejected by an open breaker.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Permit authorizes one provider call. Report its outcome exactly once
// through RecordSuccess, RecordFailure or Release.
type Permit struct {
	provider   string
	generation uint64
	trial      bool
	seq        uint64
}

// Trial reports whether the permit is a half-open trial call.
func (p Permit) Trial() bool { return p.trial }

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.nowFunc = now
		}
	}
}

// WithLogger sets the logger used for transition events.
func WithLogger(l *zap.Logger) BreakerOption {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// Breaker is the circuit breaker for a single provider.
type Breaker struct {
	desc model.ProviderDescriptor

	mu                   sync.Mutex
	status               model.CircuitStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	// generation changes on every transition; permits from an older
	// generation are ignored.
	generation       uint64
	trialOutstanding bool
	trialSeq         uint64

	nowFunc func() time.Time
	log     *zap.Logger
}

// NewBreaker creates a closed breaker for the described provider.
func NewBreaker(desc model.ProviderDescriptor, opts ...BreakerOption) (*Breaker, error) {
	if err := desc.Validate(); err != nil {
		return nil, eris.Wrap(err, "resilience: new breaker")
	}
	b := &Breaker{
		desc:    desc,
		status:  model.CircuitClosed,
		nowFunc: time.Now,
		log:     zap.L(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(zap.String("provider", desc.ID))
	metrics.BreakerState.WithLabelValues(desc.ID).Set(float64(model.CircuitClosed))
	return b, nil
}

// ID returns the provider id the breaker guards.
func (b *Breaker) ID() string { return b.desc.ID }

// Descriptor returns the breaker's static configuration.
func (b *Breaker) Descriptor() model.ProviderDescriptor { return b.desc }

// Allow decides whether a call may be attempted. An open breaker whose
// reset timeout has elapsed moves to half-open and grants the single trial
// permit; every other caller is denied until that trial reports.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case model.CircuitClosed:
		return Permit{provider: b.desc.ID, generation: b.generation}, true
	case model.CircuitOpen:
		if b.nowFunc().Sub(b.openedAt) < b.desc.ResetTimeout {
			return Permit{}, false
		}
		b.transition(model.CircuitHalfOpen, "reset timeout elapsed")
		return b.issueTrial(), true
	case model.CircuitHalfOpen:
		if b.trialOutstanding {
			return Permit{}, false
		}
		return b.issueTrial(), true
	default:
		return Permit{}, false
	}
}

// RecordSuccess reports a healthy provider response.
func (b *Breaker) RecordSuccess(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.current(p) {
		return
	}
	switch b.status {
	case model.CircuitClosed:
		b.consecutiveFailures = 0
	case model.CircuitHalfOpen:
		if !b.consumeTrial(p) {
			return
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.desc.HalfOpenSuccessThreshold {
			b.transition(model.CircuitClosed, "half-open success threshold reached")
		}
	}
}

// RecordFailure reports a provider-health failure (timeout, network,
// server or malformed response).
func (b *Breaker) RecordFailure(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.current(p) {
		return
	}
	switch b.status {
	case model.CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.desc.FailThreshold {
			b.transition(model.CircuitOpen, "failure threshold reached")
		}
	case model.CircuitHalfOpen:
		if !b.consumeTrial(p) {
			return
		}
		b.transition(model.CircuitOpen, "trial call failed")
	}
}

// Release returns a permit whose outcome says nothing about provider
// health, such as a rejected request. A trial slot is freed without
// counting toward either threshold.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current(p) && b.status == model.CircuitHalfOpen {
		b.consumeTrial(p)
	}
}

// Status returns a snapshot. An open breaker whose reset timeout has
// elapsed is reported as half-open since its next call is a trial. A
// half-open breaker whose trial is still in flight is reported as open,
// matching what Allow would answer.
func (b *Breaker) Status() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := model.CircuitState{
		Status:               b.status,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
	switch {
	case b.status == model.CircuitOpen && b.nowFunc().Sub(b.openedAt) >= b.desc.ResetTimeout:
		st.Status = model.CircuitHalfOpen
	case b.status == model.CircuitHalfOpen && b.trialOutstanding:
		st.Status = model.CircuitOpen
	}
	return st
}

// Reset forces the breaker closed. Intended for operator recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == model.CircuitClosed {
		b.consecutiveFailures = 0
		return
	}
	b.transition(model.CircuitClosed, "manual reset")
}

func (b *Breaker) current(p Permit) bool {
	return p.provider == b.desc.ID && p.generation == b.generation
}

func (b *Breaker) issueTrial() Permit {
	b.trialOutstanding = true
	b.trialSeq++
	return Permit{provider: b.desc.ID, generation: b.generation, trial: true, seq: b.trialSeq}
}

func (b *Breaker) consumeTrial(p Permit) bool {
	if !p.trial || !b.trialOutstanding || p.seq != b.trialSeq {
		return false
	}
	b.trialOutstanding = false
	return true
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to model.CircuitStatus, reason string) {
	from := b.status
	b.status = to
	b.generation++
	b.trialOutstanding = false

	switch to {
	case model.CircuitOpen:
		b.openedAt = b.nowFunc()
		b.consecutiveSuccesses = 0
		if from == model.CircuitHalfOpen {
			b.consecutiveFailures = 0
		}
	case model.CircuitHalfOpen, model.CircuitClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}

	fields := []zap.Field{
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	}
	if to == model.CircuitOpen {
		b.log.Warn("circuit breaker transition", fields...)
	} else {
		b.log.Info("circuit breaker transition", fields...)
	}

	metrics.BreakerState.WithLabelValues(b.desc.ID).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(b.desc.ID, to.String()).Inc()
}
