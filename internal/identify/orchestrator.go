// Package identify is the single entry point that composes the cache,
// degradation policy, dispatcher and combiner.
package identify

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/cache"
	"github.com/sells-group/plantid/internal/combine"
	"github.com/sells-group/plantid/internal/degrade"
	"github.com/sells-group/plantid/internal/dispatch"
	"github.com/sells-group/plantid/internal/metrics"
	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/resilience"
)

// The only errors Identify returns for a well-formed request.
var (
	ErrServiceUnavailable = degrade.ErrServiceUnavailable
	ErrNoUsableResult     = combine.ErrNoUsableResult
)

// ErrUnknownProvider is returned by operator calls naming a provider that
// is not configured.
var ErrUnknownProvider = eris.New("identify: unknown provider")

const tracerName = "plantid/identify"

// Config holds orchestrator settings.
type Config struct {
	// Providers lists configured provider IDs in priority order.
	Providers []string
	// CacheTTL is how long combined results are cached. Defaults to 24h.
	CacheTTL time.Duration
	// RequestTimeout bounds the whole dispatch step. Zero leaves only the
	// per-provider call timeouts.
	RequestTimeout time.Duration
}

// Deps are the collaborators the orchestrator is composed from.
type Deps struct {
	Breakers   *resilience.BreakerRegistry
	Dispatcher *dispatch.Dispatcher
	Policy     *degrade.Policy
	Combiner   *combine.Combiner
	Cache      cache.Cache // optional
	Clock      func() time.Time
	Logger     *zap.Logger
	// Tracer defaults to the global provider.
	Tracer trace.TracerProvider
}

// Orchestrator runs identification requests.
type Orchestrator struct {
	cfg        Config
	breakers   *resilience.BreakerRegistry
	dispatcher *dispatch.Dispatcher
	policy     *degrade.Policy
	combiner   *combine.Combiner
	cache      cache.Cache
	now        func() time.Time
	log        *zap.Logger
	tracer     trace.Tracer
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Breakers == nil || deps.Dispatcher == nil || deps.Combiner == nil {
		return nil, eris.New("identify: breakers, dispatcher and combiner are required")
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = deps.Breakers.IDs()
	}
	for _, id := range cfg.Providers {
		if _, ok := deps.Breakers.Get(id); !ok {
			return nil, eris.Errorf("identify: no breaker for configured provider %q", id)
		}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}

	o := &Orchestrator{
		cfg:        cfg,
		breakers:   deps.Breakers,
		dispatcher: deps.Dispatcher,
		policy:     deps.Policy,
		combiner:   deps.Combiner,
		cache:      deps.Cache,
		now:        deps.Clock,
		log:        deps.Logger,
	}
	if o.policy == nil {
		o.policy = degrade.NewPolicy(deps.Logger)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.log == nil {
		o.log = zap.L()
	}
	tp := deps.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer(tracerName)
	o.log = o.log.With(zap.String("component", "identify"))
	return o, nil
}

// IdentifyImage builds the request and runs Identify.
func (o *Orchestrator) IdentifyImage(ctx context.Context, image []byte, opts model.Options) (*model.CombinedResult, error) {
	req, err := model.NewRequest(image, opts)
	if err != nil {
		return nil, err
	}
	return o.Identify(ctx, req)
}

// Identify returns a cached result when one exists; otherwise it dispatches
// to every eligible provider, combines the outcomes and caches the result.
// Provider failures are absorbed; only ErrServiceUnavailable and
// ErrNoUsableResult escape.
func (o *Orchestrator) Identify(ctx context.Context, req model.Request) (*model.CombinedResult, error) {
	ctx, span := o.tracer.Start(ctx, "plantid.identify")
	defer span.End()
	span.SetAttributes(attribute.String("plantid.content_hash", req.ContentHash()))

	log := o.log.With(zap.String("content_hash", req.ContentHash()))
	key := cache.Key(req)

	if o.cache != nil {
		v, ok, err := o.cache.Get(ctx, key)
		if err != nil {
			log.Warn("identify: cache lookup failed, treating as miss", zap.Error(err))
		} else if ok {
			metrics.Identifications.WithLabelValues("cache_hit").Inc()
			span.SetAttributes(attribute.Bool("plantid.cache_hit", true))
			return &v, nil
		}
	}

	decision := o.policy.Evaluate(o.breakers.Statuses(), o.cfg.Providers)
	if err := decision.Err(); err != nil {
		metrics.Identifications.WithLabelValues("unavailable").Inc()
		span.SetStatus(codes.Error, "service unavailable")
		log.Warn("identify: no eligible providers", zap.Any("statuses", decision.Statuses))
		return nil, err
	}

	dispatchCtx := ctx
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	results := o.dispatcher.Dispatch(dispatchCtx, req, decision.Eligible)

	degraded := decision.Degraded
	statuses := decision.Statuses
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeFailure:
			degraded = true
		case model.OutcomeSkipped:
			// The breaker opened between evaluation and dispatch.
			if errors.Is(r.Err, resilience.ErrCircuitOpen) {
				statuses[r.ProviderID] = model.CircuitOpen
			}
			degraded = true
		}
	}

	candidates, contributors, err := o.combiner.Combine(results, req.Options().MaxResults)
	if err != nil {
		metrics.Identifications.WithLabelValues("no_result").Inc()
		span.SetStatus(codes.Error, "no usable result")
		log.Warn("identify: no usable result", zap.Int("providers", len(results)))
		return nil, err
	}

	result := model.CombinedResult{
		Candidates:       candidates,
		Degraded:         degraded,
		ProviderStatuses: statuses,
		Contributors:     contributors,
		ContentHash:      req.ContentHash(),
		CreatedAt:        o.now().UTC(),
	}

	if o.cache != nil {
		if err := o.cache.Set(ctx, key, result, o.cfg.CacheTTL); err != nil {
			log.Warn("identify: cache store failed", zap.Error(err))
		}
	}

	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	metrics.Identifications.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Bool("plantid.degraded", degraded),
		attribute.Int("plantid.candidates", len(candidates)),
	)
	return &result, nil
}

// ResetProvider forces the provider's breaker closed and returns its new
// state. Operator use only.
func (o *Orchestrator) ResetProvider(id string) (model.CircuitState, error) {
	br, ok := o.breakers.Get(id)
	if !ok || !slices.Contains(o.cfg.Providers, id) {
		return model.CircuitState{}, eris.Wrapf(ErrUnknownProvider, "reset %q", id)
	}
	br.Reset()
	o.log.Warn("identify: breaker reset by operator", zap.String("provider", id))
	return br.Status(), nil
}

// Statuses returns a snapshot of every breaker.
func (o *Orchestrator) Statuses() map[string]model.CircuitState {
	return o.breakers.Statuses()
}

// Providers returns the configured provider IDs in priority order.
func (o *Orchestrator) Providers() []string {
	out := make([]string, len(o.cfg.Providers))
	copy(out, o.cfg.Providers)
	return out
}
