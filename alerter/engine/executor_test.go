package engine

import (
	"context"
	"testing"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(store *fakeRuleStore, client TelemetryClient) (*Executor, *StateMachine) {
	sm, _ := newTestMachine(StateMachineOpts{})
	e := NewExecutor(ExecutorOpts{
		RuleStore:    store,
		Evaluator:    NewEvaluator(EvaluatorOpts{TelemetryClient: client}),
		StateMachine: sm,
		Concurrency:  2,
		SyncInterval: time.Hour, // reconcile manually in tests
	})
	return e, sm
}

func TestExecutor_StartsWorkersForEnabledRules(t *testing.T) {
	store := &fakeRuleStore{rules: []*rules.AlertRule{
		testRule(func(r *rules.AlertRule) { r.ID = "a" }),
		testRule(func(r *rules.AlertRule) { r.ID = "b"; r.Enabled = false }),
	}}

	e, sm := newTestExecutor(store, &fakeTelemetryClient{})
	require.NoError(t, e.Open(context.Background()))
	defer e.Close()

	e.mu.Lock()
	_, aRunning := e.workers["a"]
	_, bRunning := e.workers["b"]
	e.mu.Unlock()
	require.True(t, aRunning)
	require.False(t, bRunning)

	// Both rules read back as Pending immediately after load.
	for _, id := range []string{"a", "b"} {
		inst, ok := sm.Get(id)
		require.True(t, ok, id)
		require.Equal(t, StatePending, inst.State)
		require.Equal(t, 0, inst.ConsecutiveBreaches)
	}
}

func TestExecutor_DisableFreezesRule(t *testing.T) {
	rule := testRule(func(r *rules.AlertRule) { r.ID = "a" })
	store := &fakeRuleStore{rules: []*rules.AlertRule{rule}}

	e, sm := newTestExecutor(store, &fakeTelemetryClient{})
	require.NoError(t, e.Open(context.Background()))
	defer e.Close()

	disabled := *rule
	disabled.Enabled = false
	store.rules = []*rules.AlertRule{&disabled}
	e.syncWorkers()

	e.mu.Lock()
	_, running := e.workers["a"]
	e.mu.Unlock()
	require.False(t, running)

	// Frozen: observations are ignored until re-enabled.
	sm.Observe(rule, SignalBreach)
	inst, _ := sm.Get("a")
	require.Equal(t, StatePending, inst.State)
	require.Equal(t, 0, inst.ConsecutiveBreaches)

	store.rules = []*rules.AlertRule{rule}
	e.syncWorkers()
	sm.Observe(rule, SignalBreach)
	inst, _ = sm.Get("a")
	require.Equal(t, StateFiring, inst.State)
}

func TestExecutor_VersionChangeRestartsWorker(t *testing.T) {
	rule := testRule(func(r *rules.AlertRule) { r.ID = "a"; r.Version = "v1"; r.ConsecutiveBreachesToFire = 3 })
	store := &fakeRuleStore{rules: []*rules.AlertRule{rule}}

	e, sm := newTestExecutor(store, &fakeTelemetryClient{})
	require.NoError(t, e.Open(context.Background()))
	defer e.Close()

	sm.Observe(rule, SignalBreach)
	sm.Observe(rule, SignalBreach)

	changed := *rule
	changed.Version = "v2"
	changed.EvaluationFrequency = 5 * time.Minute
	changed.WindowSize = 5 * time.Minute
	store.rules = []*rules.AlertRule{&changed}
	e.syncWorkers()

	e.mu.Lock()
	w := e.workers["a"]
	e.mu.Unlock()
	require.Equal(t, "v2", w.rule.Version)

	// Breach progress survives the restart: counts reflect breaches, not
	// wall-clock time.
	inst, _ := sm.Get("a")
	require.Equal(t, 2, inst.ConsecutiveBreaches)

	sm.Observe(&changed, SignalBreach)
	inst, _ = sm.Get("a")
	require.Equal(t, StateFiring, inst.State)
}

func TestExecutor_RemovedRuleDropsState(t *testing.T) {
	rule := testRule(func(r *rules.AlertRule) { r.ID = "a" })
	store := &fakeRuleStore{rules: []*rules.AlertRule{rule}}

	e, sm := newTestExecutor(store, &fakeTelemetryClient{})
	require.NoError(t, e.Open(context.Background()))
	defer e.Close()

	store.rules = nil
	e.syncWorkers()

	e.mu.Lock()
	require.Empty(t, e.workers)
	e.mu.Unlock()

	_, ok := sm.Get("a")
	require.False(t, ok)
}

func TestExecutor_RunOnce(t *testing.T) {
	store := &fakeRuleStore{rules: []*rules.AlertRule{
		testRule(func(r *rules.AlertRule) { r.ID = "a" }),
		testRule(func(r *rules.AlertRule) { r.ID = "disabled"; r.Enabled = false }),
	}}

	client := &fakeTelemetryClient{
		queryFn: func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
			return 1.0, nil
		},
	}

	e, sm := newTestExecutor(store, client)
	e.RunOnce(context.Background())

	inst, _ := sm.Get("a")
	require.Equal(t, StateFiring, inst.State)

	inst, ok := sm.Get("disabled")
	require.True(t, ok)
	require.Equal(t, StatePending, inst.State)
}
