package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/stretchr/testify/require"
)

func newTestWorker(rule *rules.AlertRule, client TelemetryClient, sm *StateMachine) *worker {
	return &worker{
		rule:      rule,
		evaluator: NewEvaluator(EvaluatorOpts{TelemetryClient: client}),
		sm:        sm,
		sem:       make(chan struct{}, 1),
	}
}

func TestWorker_EvaluateFeedsStateMachine(t *testing.T) {
	sm, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	client := &fakeTelemetryClient{
		queryFn: func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
			return 0.99, nil
		},
	}

	w := newTestWorker(rule, client, sm)
	w.Evaluate(context.Background())

	inst, ok := sm.Get(rule.ID)
	require.True(t, ok)
	require.Equal(t, StateFiring, inst.State)
}

func TestWorker_SingleFlight(t *testing.T) {
	sm, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	client := &fakeTelemetryClient{
		queryFn: func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			close(started)
			<-release
			return 0, nil
		},
	}

	w := newTestWorker(rule, client, sm)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Evaluate(context.Background())
	}()

	<-started
	// A second evaluation while the first is in flight is skipped, not
	// queued.
	w.Evaluate(context.Background())
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestWorker_EvaluationErrorCountsTowardDegraded(t *testing.T) {
	sm, _ := newTestMachine(StateMachineOpts{DegradedThreshold: 2})
	rule := testRule()

	client := &fakeTelemetryClient{
		queryFn: func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
			return 0, errors.New("malformed result")
		},
	}

	w := newTestWorker(rule, client, sm)
	w.Evaluate(context.Background())
	w.Evaluate(context.Background())

	require.Len(t, sm.ListDegraded(), 1)

	// Default policy: state stays Pending, counters untouched.
	inst, ok := sm.Get(rule.ID)
	require.True(t, ok)
	require.Equal(t, StatePending, inst.State)
	require.Equal(t, 0, inst.ConsecutiveBreaches)
}

func TestWorker_RunStopsOnClose(t *testing.T) {
	sm, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.EvaluationFrequency = 10 * time.Millisecond; r.WindowSize = 10 * time.Millisecond })

	evaluated := make(chan struct{}, 64)
	client := &fakeTelemetryClient{
		queryFn: func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
			select {
			case evaluated <- struct{}{}:
			default:
			}
			return 0, nil
		},
	}

	w := newTestWorker(rule, client, sm)
	w.Run(context.Background())

	// The do-while evaluates immediately.
	select {
	case <-evaluated:
	case <-time.After(time.Second):
		t.Fatal("worker never evaluated")
	}

	w.Close()
}

func TestJitter_Bounds(t *testing.T) {
	d := time.Minute
	for i := 0; i < 1000; i++ {
		j := jitter(d)
		require.GreaterOrEqual(t, j, d-d/10)
		require.LessOrEqual(t, j, d+d/10)
	}
}
