package resilience

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/plantid/internal/model"
)

// BreakerRegistry owns one breaker per configured provider. It is built
// once by the composition root and shared by reference across requests.
type BreakerRegistry struct {
	order    []string
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a breaker for each descriptor, preserving
// descriptor order.
func NewBreakerRegistry(descs []model.ProviderDescriptor, opts ...BreakerOption) (*BreakerRegistry, error) {
	if len(descs) == 0 {
		return nil, eris.New("resilience: no providers configured")
	}
	r := &BreakerRegistry{
		order:    make([]string, 0, len(descs)),
		breakers: make(map[string]*Breaker, len(descs)),
	}
	for _, d := range descs {
		if _, dup := r.breakers[d.ID]; dup {
			return nil, eris.Errorf("resilience: duplicate provider %q", d.ID)
		}
		b, err := NewBreaker(d, opts...)
		if err != nil {
			return nil, err
		}
		r.order = append(r.order, d.ID)
		r.breakers[d.ID] = b
	}
	return r, nil
}

// Get returns the breaker for a provider.
func (r *BreakerRegistry) Get(id string) (*Breaker, bool) {
	b, ok := r.breakers[id]
	return b, ok
}

// IDs returns provider ids in configuration order.
func (r *BreakerRegistry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Statuses returns a snapshot of every breaker.
func (r *BreakerRegistry) Statuses() map[string]model.CircuitState {
	out := make(map[string]model.CircuitState, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Status()
	}
	return out
}
