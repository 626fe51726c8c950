package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/provider"
	"github.com/sells-group/plantid/internal/resilience"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func descriptor(id string, callTimeout time.Duration) model.ProviderDescriptor {
	return model.ProviderDescriptor{
		ID:                       id,
		FailThreshold:            3,
		ResetTimeout:             time.Minute,
		HalfOpenSuccessThreshold: 1,
		CallTimeout:              callTimeout,
	}
}

type fixture struct {
	dispatcher *Dispatcher
	breakers   *resilience.BreakerRegistry
}

func newFixture(t *testing.T, callTimeout time.Duration, clients []provider.Client, opts ...Option) fixture {
	t.Helper()
	descs := make([]model.ProviderDescriptor, 0, len(clients))
	for _, c := range clients {
		descs = append(descs, descriptor(c.ID(), callTimeout))
	}
	reg, err := resilience.NewBreakerRegistry(descs)
	require.NoError(t, err)
	set, err := provider.NewSet(clients...)
	require.NoError(t, err)
	d, err := New(reg, set, opts...)
	require.NoError(t, err)
	return fixture{dispatcher: d, breakers: reg}
}

func request(t *testing.T) model.Request {
	t.Helper()
	req, err := model.NewRequest([]byte("leaf"), model.Options{})
	require.NoError(t, err)
	return req
}

func sleeper(id string, d time.Duration, name string, calls *atomic.Int32) provider.Func {
	return provider.Func{Name: id, Fn: func(ctx context.Context, _ []byte, _ model.Options) ([]model.Candidate, error) {
		if calls != nil {
			calls.Add(1)
		}
		select {
		case <-time.After(d):
			return []model.Candidate{{ScientificName: name, Confidence: 0.5, SourceProviderID: id}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func failing(id string, err error) provider.Func {
	return provider.Func{Name: id, Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
		return nil, err
	}}
}

func TestDispatch_RunsConcurrently(t *testing.T) {
	f := newFixture(t, time.Second, []provider.Client{
		sleeper("plantnet", 150*time.Millisecond, "Monstera deliciosa", nil),
		sleeper("plantid", 150*time.Millisecond, "Monstera deliciosa", nil),
	})

	start := time.Now()
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantnet", "plantid"})
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.OutcomeSuccess, r.Outcome)
	}
	assert.Less(t, elapsed, 280*time.Millisecond, "calls should overlap")
}

func TestDispatch_OrderFollowsEligible(t *testing.T) {
	f := newFixture(t, time.Second, []provider.Client{
		sleeper("slow", 80*time.Millisecond, "A a", nil),
		sleeper("fast", time.Millisecond, "B b", nil),
	})

	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"slow", "fast"})
	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].ProviderID)
	assert.Equal(t, "fast", results[1].ProviderID)
}

func TestDispatch_OpenBreakerSkipsWithoutCall(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, time.Second, []provider.Client{
		sleeper("plantnet", time.Millisecond, "A a", &calls),
	})
	b, _ := f.breakers.Get("plantnet")
	for i := 0; i < 3; i++ {
		p, ok := b.Allow()
		require.True(t, ok)
		b.RecordFailure(p)
	}

	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantnet"})
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeSkipped, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatch_TimeoutCountsOnceAndIgnoresLateResult(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	stubborn := provider.Func{Name: "plantnet", Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
		<-release // ignores its context
		finished.Store(true)
		return []model.Candidate{{ScientificName: "Late arrival"}}, nil
	}}
	f := newFixture(t, 30*time.Millisecond, []provider.Client{stubborn})

	start := time.Now()
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantnet"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeFailure, results[0].Outcome)
	var pe *resilience.ProviderError
	require.True(t, errors.As(results[0].Err, &pe))
	assert.Equal(t, resilience.KindTimeout, pe.Kind)

	b, _ := f.breakers.Get("plantnet")
	assert.Equal(t, 1, b.Status().ConsecutiveFailures)

	close(release)
	require.Eventually(t, finished.Load, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, b.Status().ConsecutiveFailures, "late completion must not touch the breaker")
}

func TestDispatch_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     resilience.ErrorKind
		failures int
	}{
		{"server error trips", &statusErr{code: 503}, resilience.KindServer, 1},
		{"quota trips", &statusErr{code: 429}, resilience.KindServer, 1},
		{"bad request is released", &statusErr{code: 400}, resilience.KindRequest, 0},
		{"malformed trips", resilience.ErrMalformedResponse, resilience.KindMalformed, 1},
		{"network trips", errors.New("connection reset by peer"), resilience.KindNetwork, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second, []provider.Client{failing("plantid", tt.err)})
			results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantid"})

			require.Len(t, results, 1)
			assert.Equal(t, model.OutcomeFailure, results[0].Outcome)
			var pe *resilience.ProviderError
			require.True(t, errors.As(results[0].Err, &pe))
			assert.Equal(t, tt.kind, pe.Kind)

			b, _ := f.breakers.Get("plantid")
			assert.Equal(t, tt.failures, b.Status().ConsecutiveFailures)
		})
	}
}

func TestDispatch_SuccessResetsFailures(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	flaky := provider.Func{Name: "plantnet", Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
		if fail.Load() {
			return nil, &statusErr{code: 500}
		}
		return nil, nil
	}}
	f := newFixture(t, time.Second, []provider.Client{flaky})
	req := request(t)

	f.dispatcher.Dispatch(context.Background(), req, []string{"plantnet"})
	f.dispatcher.Dispatch(context.Background(), req, []string{"plantnet"})
	b, _ := f.breakers.Get("plantnet")
	assert.Equal(t, 2, b.Status().ConsecutiveFailures)

	fail.Store(false)
	results := f.dispatcher.Dispatch(context.Background(), req, []string{"plantnet"})
	assert.Equal(t, model.OutcomeSuccess, results[0].Outcome)
	assert.NotNil(t, results[0].Candidates, "nil candidates become an empty list")
	assert.Equal(t, 0, b.Status().ConsecutiveFailures)
}

func TestDispatch_UnknownProviderSkipped(t *testing.T) {
	f := newFixture(t, time.Second, []provider.Client{sleeper("plantnet", time.Millisecond, "A a", nil)})
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"nope"})
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeSkipped, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, ErrUnknownProvider)
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	boom := provider.Func{Name: "plantnet", Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
		panic("nil map")
	}}
	f := newFixture(t, time.Second, []provider.Client{boom})
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantnet"})
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeFailure, results[0].Outcome)
	assert.Contains(t, results[0].Err.Error(), "panicked")
}

func TestDispatch_MaxParallelSerializes(t *testing.T) {
	var inFlight, peak atomic.Int32
	tracked := func(id string) provider.Func {
		return provider.Func{Name: id, Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		}}
	}
	f := newFixture(t, time.Second, []provider.Client{tracked("a"), tracked("b"), tracked("c")}, WithMaxParallel(1))
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"a", "b", "c"})
	assert.Len(t, results, 3)
	assert.Equal(t, int32(1), peak.Load())
}

func TestDispatch_LatencyUsesClock(t *testing.T) {
	var ticks atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * 250 * time.Millisecond)
	}
	f := newFixture(t, time.Second, []provider.Client{sleeper("plantnet", 0, "A a", nil)}, WithClock(clock))
	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantnet"})
	assert.Equal(t, 250*time.Millisecond, results[0].Latency)
}

func TestNew_RequiresBreakerPerClient(t *testing.T) {
	reg, err := resilience.NewBreakerRegistry([]model.ProviderDescriptor{descriptor("plantnet", time.Second)})
	require.NoError(t, err)
	set, err := provider.NewSet(sleeper("plantnet", 0, "A", nil), sleeper("plantid", 0, "B", nil))
	require.NoError(t, err)

	_, err = New(reg, set)
	assert.Error(t, err)
	_, err = New(nil, set)
	assert.Error(t, err)
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDispatch_RecordsCallSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, time.Second, []provider.Client{
		sleeper("plantnet", time.Millisecond, "Monstera deliciosa", nil),
		failing("plantid", &statusErr{code: 503}),
	}, WithTracerProvider(tp))
	req := request(t)

	f.dispatcher.Dispatch(context.Background(), req, []string{"plantnet", "plantid"})

	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range sr.Ended() {
		spans[s.Name()] = s
	}
	require.Len(t, spans, 2)

	ok, found := spans["plantid.dispatch/plantnet"]
	require.True(t, found)
	attrs := spanAttrs(ok)
	assert.Equal(t, "plantnet", attrs["plantid.provider"].AsString())
	assert.Equal(t, req.ContentHash(), attrs["plantid.content_hash"].AsString())
	assert.False(t, attrs["plantid.trial"].AsBool())
	assert.Equal(t, int64(1), attrs["plantid.candidates"].AsInt64())
	assert.Contains(t, attrs, attribute.Key("plantid.latency_ms"))
	assert.Equal(t, codes.Unset, ok.Status().Code)

	failed, found := spans["plantid.dispatch/plantid"]
	require.True(t, found)
	attrs = spanAttrs(failed)
	assert.Equal(t, "plantid", attrs["plantid.provider"].AsString())
	assert.NotContains(t, attrs, attribute.Key("plantid.candidates"))
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "server error", failed.Status().Description)
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestDispatch_SkippedCallHasNoSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, time.Second, []provider.Client{failing("plantid", &statusErr{code: 500})}, WithTracerProvider(tp))
	for i := 0; i < 3; i++ {
		f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantid"})
	}
	require.Len(t, sr.Ended(), 3)

	results := f.dispatcher.Dispatch(context.Background(), request(t), []string{"plantid"})
	assert.Equal(t, model.OutcomeSkipped, results[0].Outcome)
	assert.Len(t, sr.Ended(), 3, "an open breaker skips before any span starts")
}
