// Package dispatch fans an identification request out to every eligible
// provider concurrently and reports each outcome back to its breaker.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/plantid/internal/metrics"
	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/provider"
	"github.com/sells-group/plantid/internal/resilience"
)

// ErrUnknownProvider is the skip reason for an eligible ID with no client
// or breaker behind it.
var ErrUnknownProvider = eris.New("dispatch: unknown provider")

const tracerName = "plantid/dispatch"

// Dispatcher issues one breaker-gated call per eligible provider.
type Dispatcher struct {
	breakers    *resilience.BreakerRegistry
	clients     *provider.Set
	now         func() time.Time
	log         *zap.Logger
	tracer      trace.Tracer
	maxParallel int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTracerProvider sets where call spans go. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMaxParallel bounds concurrent provider calls per request. Zero means
// one goroutine per eligible provider.
func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// New builds a Dispatcher. Every client must have a breaker.
func New(breakers *resilience.BreakerRegistry, clients *provider.Set, opts ...Option) (*Dispatcher, error) {
	if breakers == nil || clients == nil {
		return nil, eris.New("dispatch: breakers and clients are required")
	}
	for _, id := range clients.IDs() {
		if _, ok := breakers.Get(id); !ok {
			return nil, eris.Errorf("dispatch: no breaker for provider %q", id)
		}
	}
	d := &Dispatcher{
		breakers: breakers,
		clients:  clients,
		now:      time.Now,
		log:      zap.L(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(zap.String("component", "dispatch"))
	return d, nil
}

// Dispatch calls every provider in eligible concurrently and waits for all
// of them to finish or time out. Results are returned in eligible order,
// independent of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.Request, eligible []string) []model.ProviderResult {
	results := make([]model.ProviderResult, len(eligible))

	var g errgroup.Group
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for i, id := range eligible {
		g.Go(func() error {
			results[i] = d.call(ctx, id, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type callResult struct {
	candidates []model.Candidate
	err        error
}

func (d *Dispatcher) call(ctx context.Context, id string, req model.Request) model.ProviderResult {
	breaker, ok := d.breakers.Get(id)
	client, ok2 := d.clients.Get(id)
	if !ok || !ok2 {
		return model.Skipped(id, eris.Wrapf(ErrUnknownProvider, "provider %q", id))
	}

	permit, allowed := breaker.Allow()
	if !allowed {
		metrics.ProviderCalls.WithLabelValues(id, model.OutcomeSkipped.String()).Inc()
		d.log.Debug("dispatch: provider skipped, circuit open", zap.String("provider", id))
		return model.Skipped(id, resilience.ErrCircuitOpen)
	}

	desc := breaker.Descriptor()
	ctx, span := d.tracer.Start(ctx, "plantid.dispatch/"+id,
		trace.WithAttributes(
			attribute.String("plantid.provider", id),
			attribute.String("plantid.content_hash", req.ContentHash()),
			attribute.Bool("plantid.trial", permit.Trial()),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, desc.CallTimeout)
	defer cancel()

	start := d.now()
	// Buffered so an abandoned call can still complete without blocking;
	// its late result is never read.
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: eris.Errorf("provider %s panicked: %v", id, r)}
			}
		}()
		cands, err := client.Identify(callCtx, req.Image(), req.Options())
		done <- callResult{candidates: cands, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = callResult{err: callCtx.Err()}
	}
	latency := d.now().Sub(start)
	metrics.ProviderLatency.WithLabelValues(id).Observe(latency.Seconds())
	span.SetAttributes(attribute.Int64("plantid.latency_ms", latency.Milliseconds()))

	if res.err == nil {
		breaker.RecordSuccess(permit)
		metrics.ProviderCalls.WithLabelValues(id, model.OutcomeSuccess.String()).Inc()
		cands := res.candidates
		if cands == nil {
			cands = []model.Candidate{}
		}
		span.SetAttributes(attribute.Int("plantid.candidates", len(cands)))
		return model.Succeeded(id, cands, latency)
	}

	pe := resilience.Classify(id, res.err)
	if pe.CountsAsFailure() {
		breaker.RecordFailure(permit)
	} else {
		breaker.Release(permit)
	}
	metrics.ProviderCalls.WithLabelValues(id, model.OutcomeFailure.String()).Inc()
	metrics.ProviderErrors.WithLabelValues(id, pe.Kind.String()).Inc()
	span.RecordError(pe)
	span.SetStatus(codes.Error, fmt.Sprintf("%s error", pe.Kind))

	d.log.Warn("dispatch: provider call failed",
		zap.String("provider", id),
		zap.String("kind", pe.Kind.String()),
		zap.Int("status", pe.StatusCode),
		zap.Duration("latency", latency),
		zap.Error(pe.Err),
	)
	return model.Failed(id, pe, latency)
}
