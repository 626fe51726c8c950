package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ProviderDescriptor is the static, per-provider resilience configuration.
type ProviderDescriptor struct {
	ID                       string        `json:"id"`
	FailThreshold            int           `json:"fail_threshold"`
	ResetTimeout             time.Duration `json:"reset_timeout"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
	CallTimeout              time.Duration `json:"call_timeout"`
}

// Validate checks that every threshold and timeout is usable.
func (d ProviderDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return eris.New("provider descriptor: id is required")
	}
	if d.FailThreshold <= 0 {
		return eris.Errorf("provider %s: fail threshold must be positive", d.ID)
	}
	if d.ResetTimeout <= 0 {
		return eris.Errorf("provider %s: reset timeout must be positive", d.ID)
	}
	if d.HalfOpenSuccessThreshold <= 0 {
		return eris.Errorf("provider %s: half-open success threshold must be positive", d.ID)
	}
	if d.CallTimeout <= 0 {
		return eris.Errorf("provider %s: call timeout must be positive", d.ID)
	}
	return nil
}

// CircuitStatus is the state of a provider's circuit breaker.
type CircuitStatus int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitStatus = iota
	// CircuitOpen rejects calls without network I/O.
	CircuitOpen
	// CircuitHalfOpen admits a single trial call at a time.
	CircuitHalfOpen
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its string form.
func (s CircuitStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status written by MarshalText.
func (s *CircuitStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		return eris.Errorf("model: unknown circuit status %q", string(b))
	}
	return nil
}

// CircuitState is a read-only snapshot of a breaker.
type CircuitState struct {
	Status               CircuitStatus `json:"status"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	OpenedAt             time.Time     `json:"opened_at,omitzero"`
}
