package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/stretchr/testify/require"
)

func testRule(mutate ...func(*rules.AlertRule)) *rules.AlertRule {
	r := &rules.AlertRule{
		ID:                         "high-error-rate",
		Name:                       "High error rate",
		ConditionQuery:             "external_api_errors_total",
		Aggregation:                rules.AggRatio,
		Comparator:                 rules.CmpGT,
		Threshold:                  0.05,
		EvaluationFrequency:        time.Minute,
		WindowSize:                 5 * time.Minute,
		Severity:                   1,
		Enabled:                    true,
		AutoMitigate:               true,
		ConsecutiveBreachesToFire:  1,
		ConsecutiveClearsToResolve: 1,
		ActionGroupRefs:            []string{"platform-oncall"},
	}
	for _, fn := range mutate {
		fn(r)
	}
	return r
}

// testClock steps one minute per evaluation.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestMachine(opts StateMachineOpts) (*StateMachine, *testClock) {
	clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	if opts.NowFn == nil {
		opts.NowFn = clock.Now
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 64
	}
	return NewStateMachine(opts), clock
}

func drainEvents(m *StateMachine) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStateMachine_FiresAfterConsecutiveBreaches(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.ConsecutiveBreachesToFire = 3 })

	// breach, breach, clear resets, then three more breaches to fire.
	signals := []Signal{SignalBreach, SignalBreach, SignalClear, SignalBreach, SignalBreach, SignalBreach}
	for i, sig := range signals {
		m.Observe(rule, sig)

		inst, ok := m.Get(rule.ID)
		require.True(t, ok)
		if i < len(signals)-1 {
			require.Equal(t, StatePending, inst.State, "evaluation %d", i+1)
			require.Empty(t, drainEvents(m))
		}
	}

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State)
	require.NotNil(t, inst.FiredAt)
	require.NotEmpty(t, inst.CorrelationID)

	evs := drainEvents(m)
	require.Len(t, evs, 1)
	require.Equal(t, EventFired, evs[0].Type)
	require.Equal(t, inst.CorrelationID, evs[0].CorrelationID)
	require.Equal(t, rule.ActionGroupRefs, evs[0].ActionGroupRefs)
}

func TestStateMachine_ClearResetsBreachCount(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.ConsecutiveBreachesToFire = 2 })

	m.Observe(rule, SignalBreach)
	m.Observe(rule, SignalClear)
	m.Observe(rule, SignalBreach)

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StatePending, inst.State)
	require.Equal(t, 1, inst.ConsecutiveBreaches)
}

func TestStateMachine_AutoMitigateResolvesOnNthClear(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.ConsecutiveClearsToResolve = 2 })

	m.Observe(rule, SignalBreach)
	drainEvents(m)

	m.Observe(rule, SignalClear)
	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State, "must not resolve on the 1st clear")

	m.Observe(rule, SignalClear)
	inst, _ = m.Get(rule.ID)
	require.Equal(t, StateResolved, inst.State)
	require.NotNil(t, inst.ResolvedAt)

	evs := drainEvents(m)
	require.Len(t, evs, 1)
	require.Equal(t, EventResolved, evs[0].Type)
}

func TestStateMachine_BreachInterruptsClearStreak(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.ConsecutiveClearsToResolve = 2 })

	m.Observe(rule, SignalBreach)
	drainEvents(m)

	m.Observe(rule, SignalClear)
	m.Observe(rule, SignalBreach)
	m.Observe(rule, SignalClear)

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State)
	require.Equal(t, 1, inst.ConsecutiveClears)
}

func TestStateMachine_NoAutoMitigateRequiresManualResolve(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.AutoMitigate = false })

	m.Observe(rule, SignalBreach)
	m.Observe(rule, SignalClear)
	m.Observe(rule, SignalClear)

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State, "clears must not resolve without autoMitigate")

	require.NoError(t, m.ManualResolve(rule.ID))
	inst, _ = m.Get(rule.ID)
	require.Equal(t, StateResolved, inst.State)

	evs := drainEvents(m)
	require.Len(t, evs, 2)
	require.Equal(t, EventFired, evs[0].Type)
	require.Equal(t, EventResolved, evs[1].Type)
}

func TestStateMachine_ManualResolveNotFiring(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	require.Error(t, m.ManualResolve(rule.ID))

	m.Observe(rule, SignalClear)
	require.Error(t, m.ManualResolve(rule.ID))
}

func TestStateMachine_NewEpisodeMintsNewCorrelationID(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	first, _ := m.Get(rule.ID)
	m.Observe(rule, SignalClear)

	m.Observe(rule, SignalBreach)
	second, _ := m.Get(rule.ID)

	require.Equal(t, StateFiring, second.State)
	require.NotEmpty(t, second.CorrelationID)
	require.NotEqual(t, first.CorrelationID, second.CorrelationID)

	// The resolved episode is retained for audit.
	hist := m.History(rule.ID)
	require.Len(t, hist, 1)
	require.Equal(t, StateResolved, hist[0].State)
	require.Equal(t, first.CorrelationID, hist[0].CorrelationID)
}

func TestStateMachine_FiringDoesNotReEmitWithoutReNotify(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	drainEvents(m)

	for i := 0; i < 5; i++ {
		m.Observe(rule, SignalBreach)
	}
	require.Empty(t, drainEvents(m), "repeat breaches must not re-emit Fired")
}

func TestStateMachine_StillFiringAfterReNotifyInterval(t *testing.T) {
	// The test clock advances one minute per observation; a 3m re-notify
	// interval means every 3rd breach while firing emits StillFiring.
	m, _ := newTestMachine(StateMachineOpts{ReNotifyInterval: 3 * time.Minute})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	fired := drainEvents(m)
	require.Len(t, fired, 1)

	var stillFiring []Event
	for i := 0; i < 6; i++ {
		m.Observe(rule, SignalBreach)
		stillFiring = append(stillFiring, drainEvents(m)...)
	}
	require.Len(t, stillFiring, 2)
	for _, ev := range stillFiring {
		require.Equal(t, EventStillFiring, ev.Type)
		require.Equal(t, fired[0].CorrelationID, ev.CorrelationID)
	}
}

func TestStateMachine_NoDataExtendsPending(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule(func(r *rules.AlertRule) { r.ConsecutiveBreachesToFire = 2 })

	m.Observe(rule, SignalBreach)
	m.Observe(rule, SignalNoData)
	m.Observe(rule, SignalNoData)

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StatePending, inst.State)
	require.Equal(t, 1, inst.ConsecutiveBreaches, "no-data must not reset the breach streak")

	m.Observe(rule, SignalBreach)
	inst, _ = m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State)
}

func TestStateMachine_DisableFreezesState(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	drainEvents(m)

	m.SetEnabled(rule.ID, false)
	m.Observe(rule, SignalClear)
	m.Observe(rule, SignalClear)

	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State, "frozen rule must not transition")

	m.SetEnabled(rule.ID, true)
	m.Observe(rule, SignalClear)
	inst, _ = m.Get(rule.ID)
	require.Equal(t, StateResolved, inst.State)
}

func TestStateMachine_SingleActiveInstance(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	// Two full episodes plus an active one.
	for i := 0; i < 3; i++ {
		m.Observe(rule, SignalBreach)
		if i < 2 {
			m.Observe(rule, SignalClear)
		}
	}

	// Exactly one active instance; prior lifetimes do not overlap: each
	// history entry resolved before its successor first breached.
	inst, ok := m.Get(rule.ID)
	require.True(t, ok)
	require.Equal(t, StateFiring, inst.State)

	hist := m.History(rule.ID)
	require.Len(t, hist, 2)
	prev := hist[0]
	for _, next := range append(hist[1:], inst) {
		require.NotNil(t, prev.ResolvedAt)
		require.False(t, next.FirstBreachAt.Before(*prev.ResolvedAt))
		prev = next
	}
}

func TestStateMachine_DedupViolationPanics(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	rs := m.ruleState(rule.ID)

	require.Panics(t, func() {
		// Minting a second episode while one is firing is a programming
		// error and must fail loudly.
		m.fire(rs, rule, time.Now())
	})
}

func TestStateMachine_EvaluationErrorsDegradeMonitoring(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{DegradedThreshold: 3})
	rule := testRule()

	m.Observe(rule, SignalBreach)
	drainEvents(m)

	for i := 0; i < 3; i++ {
		m.RecordEvaluationError(rule.ID, errors.New("telemetry backend unreachable"))
	}

	degraded := m.ListDegraded()
	require.Len(t, degraded, 1)
	require.Equal(t, rule.ID, degraded[0].RuleID)
	require.Equal(t, 3, degraded[0].ConsecutiveErrors)

	// Degradation reporting never touches alert state.
	inst, _ := m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State)

	m.RecordEvaluationSuccess(rule.ID)
	require.Empty(t, m.ListDegraded())
}

func TestStateMachine_ListFiring(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	firing := testRule(func(r *rules.AlertRule) { r.ID = "firing" })
	pending := testRule(func(r *rules.AlertRule) { r.ID = "pending"; r.ConsecutiveBreachesToFire = 5 })

	m.Observe(firing, SignalBreach)
	m.Observe(pending, SignalBreach)

	out := m.ListFiring()
	require.Len(t, out, 1)
	require.Equal(t, "firing", out[0].RuleID)
}

func TestStateMachine_EnsureInstance(t *testing.T) {
	m, _ := newTestMachine(StateMachineOpts{})
	rule := testRule()

	m.EnsureInstance(rule)
	inst, ok := m.Get(rule.ID)
	require.True(t, ok)
	require.Equal(t, StatePending, inst.State)
	require.Equal(t, 0, inst.ConsecutiveBreaches)

	// Idempotent: a later ensure does not reset progress.
	m.Observe(rule, SignalBreach)
	m.EnsureInstance(rule)
	inst, _ = m.Get(rule.ID)
	require.Equal(t, StateFiring, inst.State)
}
