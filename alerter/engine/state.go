package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/chatmon/chatmon/metrics"
	"github.com/chatmon/chatmon/pkg/logger"
	"github.com/google/uuid"
)

type AlertState string

const (
	StatePending  AlertState = "Pending"
	StateFiring   AlertState = "Firing"
	StateResolved AlertState = "Resolved"
)

type EventType string

const (
	EventFired       EventType = "Fired"
	EventStillFiring EventType = "StillFiring"
	EventResolved    EventType = "Resolved"
)

// Event is a lifecycle transition handed to the notification dispatcher.  It
// carries everything the dispatcher needs so it never reads rule state.
type Event struct {
	Type            EventType
	RuleID          string
	RuleName        string
	Severity        int
	CorrelationID   string
	ActionGroupRefs []string
	Timestamp       time.Time
}

// AlertInstance is one rule's lifecycle.  At most one instance per rule is
// active; a Resolved instance is superseded by a fresh one on the next breach
// and kept for audit.
type AlertInstance struct {
	RuleID              string
	State               AlertState
	ConsecutiveBreaches int
	ConsecutiveClears   int
	FirstBreachAt       time.Time
	FiredAt             *time.Time
	ResolvedAt          *time.Time
	LastEvaluatedAt     time.Time

	// CorrelationID is stable for the life of one Firing episode and is the
	// notification idempotency key.  Never reused across episodes.
	CorrelationID string
}

type DegradedRule struct {
	RuleID            string
	ConsecutiveErrors int
	LastError         string
}

type StateMachineOpts struct {
	// ReNotifyInterval gates StillFiring events.  Zero disables them.
	ReNotifyInterval time.Duration

	// DegradedThreshold is the consecutive evaluation-error count after which
	// a rule is reported as MonitoringDegraded.  Defaults to 5.
	DegradedThreshold int

	// EventBuffer sizes the dispatcher queue.  A full queue drops events
	// rather than blocking state transitions.  Defaults to 512.
	EventBuffer int

	// HistoryLimit bounds retained superseded instances per rule.  Defaults
	// to 32.
	HistoryLimit int

	// NowFn is overridable for tests.
	NowFn func() time.Time
}

const (
	defaultDegradedThreshold = 5
	defaultEventBuffer       = 512
	defaultHistoryLimit      = 32
)

// StateMachine owns every alert lifecycle.  State is partitioned per rule so
// evaluation of one rule never blocks another; within one rule the caller's
// single-flight guarantee plus the per-rule lock serialize transitions.
type StateMachine struct {
	opts   StateMachineOpts
	events chan Event

	mu     sync.RWMutex
	states map[string]*ruleState
}

type ruleState struct {
	mu sync.Mutex

	rule     *rules.AlertRule
	instance *AlertInstance
	history  []*AlertInstance
	frozen   bool

	evalErrors    int
	lastEvalError string

	lastNotifiedAt time.Time
}

func NewStateMachine(opts StateMachineOpts) *StateMachine {
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = defaultDegradedThreshold
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.NowFn == nil {
		opts.NowFn = func() time.Time { return time.Now().UTC() }
	}
	return &StateMachine{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		states: make(map[string]*ruleState),
	}
}

// Events is the dispatcher's feed of lifecycle transitions.
func (m *StateMachine) Events() <-chan Event {
	return m.events
}

func (m *StateMachine) ruleState(id string) *ruleState {
	m.mu.RLock()
	rs, ok := m.states[id]
	m.mu.RUnlock()
	if ok {
		return rs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok = m.states[id]; ok {
		return rs
	}
	rs = &ruleState{}
	m.states[id] = rs
	return rs
}

// Observe feeds one evaluation result into the rule's lifecycle and emits any
// resulting events.  A frozen (disabled) rule ignores observations.
func (m *StateMachine) Observe(rule *rules.AlertRule, sig Signal) {
	rs := m.ruleState(rule.ID)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.rule = rule
	if rs.frozen {
		return
	}

	now := m.opts.NowFn()
	if rs.instance == nil {
		rs.instance = &AlertInstance{RuleID: rule.ID, State: StatePending}
	}
	inst := rs.instance
	inst.LastEvaluatedAt = now

	switch sig {
	case SignalNoData:
		// Neither breach nor clear: counters hold, the window extends.
		return

	case SignalBreach:
		if inst.State == StateResolved {
			// New firing episode; the resolved instance is audit history now.
			rs.supersede(m.opts.HistoryLimit)
			inst = rs.instance
			inst.LastEvaluatedAt = now
		}

		inst.ConsecutiveClears = 0
		inst.ConsecutiveBreaches++
		if inst.FirstBreachAt.IsZero() {
			inst.FirstBreachAt = now
		}

		switch inst.State {
		case StatePending:
			if inst.ConsecutiveBreaches >= rule.ConsecutiveBreachesToFire {
				m.fire(rs, rule, now)
			}
		case StateFiring:
			if m.opts.ReNotifyInterval > 0 && now.Sub(rs.lastNotifiedAt) >= m.opts.ReNotifyInterval {
				rs.lastNotifiedAt = now
				m.emit(Event{
					Type:            EventStillFiring,
					RuleID:          rule.ID,
					RuleName:        rule.Name,
					Severity:        rule.Severity,
					CorrelationID:   inst.CorrelationID,
					ActionGroupRefs: rule.ActionGroupRefs,
					Timestamp:       now,
				})
			}
		}

	case SignalClear:
		inst.ConsecutiveBreaches = 0
		if inst.State == StateResolved {
			return
		}
		inst.ConsecutiveClears++

		if inst.State == StateFiring &&
			rule.AutoMitigate &&
			inst.ConsecutiveClears >= rule.ConsecutiveClearsToResolve {
			m.resolve(rs, rule, now)
		}
	}
}

// fire transitions Pending -> Firing and mints the episode's correlation ID.
func (m *StateMachine) fire(rs *ruleState, rule *rules.AlertRule, now time.Time) {
	inst := rs.instance
	if inst.State == StateFiring {
		panic(&DedupViolation{RuleID: rule.ID, CorrelationID: inst.CorrelationID})
	}

	inst.State = StateFiring
	inst.FiredAt = &now
	inst.CorrelationID = uuid.NewString()
	rs.lastNotifiedAt = now

	metrics.AlertsFiring.Inc()
	logger.Infof("Rule %s fired, correlation=%s severity=%d", rule.ID, inst.CorrelationID, rule.Severity)

	m.emit(Event{
		Type:            EventFired,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        rule.Severity,
		CorrelationID:   inst.CorrelationID,
		ActionGroupRefs: rule.ActionGroupRefs,
		Timestamp:       now,
	})
}

func (m *StateMachine) resolve(rs *ruleState, rule *rules.AlertRule, now time.Time) {
	inst := rs.instance
	inst.State = StateResolved
	inst.ResolvedAt = &now

	metrics.AlertsFiring.Dec()
	logger.Infof("Rule %s resolved, correlation=%s", rule.ID, inst.CorrelationID)

	m.emit(Event{
		Type:            EventResolved,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        rule.Severity,
		CorrelationID:   inst.CorrelationID,
		ActionGroupRefs: rule.ActionGroupRefs,
		Timestamp:       now,
	})
}

// supersede archives the resolved instance and starts a fresh Pending one.
func (rs *ruleState) supersede(historyLimit int) {
	rs.history = append(rs.history, rs.instance)
	if len(rs.history) > historyLimit {
		rs.history = rs.history[len(rs.history)-historyLimit:]
	}
	rs.instance = &AlertInstance{RuleID: rs.instance.RuleID, State: StatePending}
}

func (m *StateMachine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		metrics.EventsDroppedTotal.Inc()
		logger.Errorf("Dispatcher queue full, dropping %s event for rule %s", ev.Type, ev.RuleID)
	}
}

// ManualResolve resolves a Firing instance regardless of autoMitigate.  Used
// by the acknowledgment collaborator for rules that do not self-mitigate.
func (m *StateMachine) ManualResolve(ruleID string) error {
	m.mu.RLock()
	rs, ok := m.states[ruleID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rule %s has no alert instance", ruleID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.instance == nil || rs.instance.State != StateFiring {
		return fmt.Errorf("rule %s is not firing", ruleID)
	}
	m.resolve(rs, rs.rule, m.opts.NowFn())
	return nil
}

// SetEnabled freezes or thaws a rule's lifecycle.  Freezing stops transitions
// without forcing resolution; thawing resumes from the frozen state.
func (m *StateMachine) SetEnabled(ruleID string, enabled bool) {
	rs := m.ruleState(ruleID)
	rs.mu.Lock()
	rs.frozen = !enabled
	rs.mu.Unlock()
}

// RecordEvaluationError counts consecutive telemetry failures for a rule and
// flips the MonitoringDegraded signal past the threshold.  Alert state is not
// touched.
func (m *StateMachine) RecordEvaluationError(ruleID string, err error) {
	rs := m.ruleState(ruleID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.evalErrors++
	rs.lastEvalError = err.Error()
	if rs.evalErrors == m.opts.DegradedThreshold {
		metrics.MonitoringDegraded.WithLabelValues(ruleID).Set(1)
		logger.Warnf("Monitoring degraded for rule %s after %d consecutive evaluation errors: %s", ruleID, rs.evalErrors, err)
	}
}

func (m *StateMachine) RecordEvaluationSuccess(ruleID string) {
	rs := m.ruleState(ruleID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.evalErrors >= m.opts.DegradedThreshold {
		metrics.MonitoringDegraded.WithLabelValues(ruleID).Set(0)
	}
	rs.evalErrors = 0
	rs.lastEvalError = ""
}

// Get returns a copy of the rule's active alert instance.
func (m *StateMachine) Get(ruleID string) (AlertInstance, bool) {
	m.mu.RLock()
	rs, ok := m.states[ruleID]
	m.mu.RUnlock()
	if !ok {
		return AlertInstance{}, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.instance == nil {
		return AlertInstance{}, false
	}
	return *rs.instance, true
}

// History returns copies of the rule's superseded instances, oldest first.
func (m *StateMachine) History(ruleID string) []AlertInstance {
	m.mu.RLock()
	rs, ok := m.states[ruleID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]AlertInstance, 0, len(rs.history))
	for _, inst := range rs.history {
		out = append(out, *inst)
	}
	return out
}

func (m *StateMachine) ListFiring() []AlertInstance {
	m.mu.RLock()
	states := make(map[string]*ruleState, len(m.states))
	for id, rs := range m.states {
		states[id] = rs
	}
	m.mu.RUnlock()

	var out []AlertInstance
	for _, rs := range states {
		rs.mu.Lock()
		if rs.instance != nil && rs.instance.State == StateFiring {
			out = append(out, *rs.instance)
		}
		rs.mu.Unlock()
	}
	return out
}

// ListDegraded reports rules whose telemetry pulls are failing persistently.
func (m *StateMachine) ListDegraded() []DegradedRule {
	m.mu.RLock()
	states := make(map[string]*ruleState, len(m.states))
	for id, rs := range m.states {
		states[id] = rs
	}
	m.mu.RUnlock()

	var out []DegradedRule
	for id, rs := range states {
		rs.mu.Lock()
		if rs.evalErrors >= m.opts.DegradedThreshold {
			out = append(out, DegradedRule{RuleID: id, ConsecutiveErrors: rs.evalErrors, LastError: rs.lastEvalError})
		}
		rs.mu.Unlock()
	}
	return out
}

// Remove drops all state for a rule deleted from the config.
func (m *StateMachine) Remove(ruleID string) {
	m.mu.Lock()
	rs, ok := m.states[ruleID]
	if ok {
		delete(m.states, ruleID)
	}
	m.mu.Unlock()

	if ok {
		rs.mu.Lock()
		if rs.instance != nil && rs.instance.State == StateFiring {
			metrics.AlertsFiring.Dec()
		}
		rs.mu.Unlock()
	}
}

// EnsureInstance creates the Pending instance for a newly loaded rule so
// reads before the first evaluation see state=Pending with zeroed counters.
func (m *StateMachine) EnsureInstance(rule *rules.AlertRule) {
	rs := m.ruleState(rule.ID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.rule = rule
	if rs.instance == nil {
		rs.instance = &AlertInstance{RuleID: rule.ID, State: StatePending}
	}
}
