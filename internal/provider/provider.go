// Package provider defines the identification capability every external
// service is wrapped behind, plus adapters for Pl@ntNet and Plant.id.
package provider

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plantid/internal/model"
)

// Client is one external identification service. The call deadline is
// carried by ctx; implementations return errors the resilience package can
// classify (context errors, errors exposing HTTPStatus, malformed payloads).
type Client interface {
	ID() string
	Identify(ctx context.Context, image []byte, opts model.Options) ([]model.Candidate, error)
}

// Func adapts a plain function into a Client.
type Func struct {
	Name string
	Fn   func(ctx context.Context, image []byte, opts model.Options) ([]model.Candidate, error)
}

// ID implements Client.
func (f Func) ID() string { return f.Name }

// Identify implements Client.
func (f Func) Identify(ctx context.Context, image []byte, opts model.Options) ([]model.Candidate, error) {
	return f.Fn(ctx, image, opts)
}

// Set is an ordered collection of clients keyed by ID.
type Set struct {
	order   []string
	clients map[string]Client
}

// NewSet builds a Set, rejecting nil clients and duplicate IDs.
func NewSet(clients ...Client) (*Set, error) {
	s := &Set{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if c == nil {
			return nil, eris.New("provider: nil client")
		}
		id := c.ID()
		if id == "" {
			return nil, eris.New("provider: client has empty id")
		}
		if _, dup := s.clients[id]; dup {
			return nil, eris.Errorf("provider: duplicate client %q", id)
		}
		s.order = append(s.order, id)
		s.clients[id] = c
	}
	return s, nil
}

// Get returns the client registered under id.
func (s *Set) Get(id string) (Client, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// IDs returns client IDs in registration order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of registered clients.
func (s *Set) Len() int { return len(s.order) }

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
