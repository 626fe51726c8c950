// Package degrade decides, from breaker health alone, which providers a
// request may be sent to and whether the response is degraded.
package degrade

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/model"
)

// ErrServiceUnavailable means no configured provider is eligible.
var ErrServiceUnavailable = eris.New("identification service unavailable: all providers are open")

// Decision is the outcome of one policy evaluation.
type Decision struct {
	// Eligible lists provider IDs to dispatch to, in configured order.
	Eligible []string
	// Statuses is every configured provider's status at evaluation time.
	Statuses map[string]model.CircuitStatus
	// Degraded is set when any configured provider is not Closed.
	Degraded bool
}

// Err returns ErrServiceUnavailable when nothing is eligible.
func (d Decision) Err() error {
	if len(d.Eligible) == 0 {
		return ErrServiceUnavailable
	}
	return nil
}

// Policy evaluates breaker snapshots. The zero value logs to zap.L().
type Policy struct {
	log *zap.Logger
}

// NewPolicy creates a Policy; a nil logger falls back to zap.L().
func NewPolicy(log *zap.Logger) *Policy {
	return &Policy{log: log}
}

// Evaluate marks Closed and HalfOpen providers eligible. Breakers whose reset
// timeout has elapsed already report HalfOpen, so they get their trial call,
// and report Open again while that trial is in flight.
// A configured provider missing from statuses is treated as Open.
func (p *Policy) Evaluate(statuses map[string]model.CircuitState, configured []string) Decision {
	d := Decision{Statuses: make(map[string]model.CircuitStatus, len(configured))}
	var unavailable []string
	for _, id := range configured {
		st, ok := statuses[id]
		status := model.CircuitOpen
		if ok {
			status = st.Status
		}
		d.Statuses[id] = status

		switch status {
		case model.CircuitClosed:
			d.Eligible = append(d.Eligible, id)
		case model.CircuitHalfOpen:
			d.Eligible = append(d.Eligible, id)
			d.Degraded = true
		default:
			d.Degraded = true
			unavailable = append(unavailable, id)
		}
	}

	if d.Degraded {
		p.logger().Warn("degrade: operating with reduced provider set",
			zap.Strings("eligible", d.Eligible),
			zap.Strings("unavailable", unavailable),
		)
	}
	return d
}

func (p *Policy) logger() *zap.Logger {
	if p == nil || p.log == nil {
		return zap.L()
	}
	return p.log
}
