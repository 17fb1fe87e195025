package engine

import (
	"context"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
)

// TelemetryClient pulls one aggregate value over a window.  It is the only
// contact the engine has with telemetry storage; ratio and percentile math
// happen on the backend side.
type TelemetryClient interface {
	QueryAggregate(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error)
}

// Signal is the outcome of one evaluation.
type Signal int

const (
	SignalClear Signal = iota
	SignalBreach
	SignalNoData
)

func (s Signal) String() string {
	switch s {
	case SignalClear:
		return "clear"
	case SignalBreach:
		return "breach"
	case SignalNoData:
		return "nodata"
	default:
		return "unknown"
	}
}

// MissingDataPolicy governs how a failed telemetry pull feeds the state
// machine.
type MissingDataPolicy int

const (
	// MissingExtendPending leaves hysteresis counters untouched, extending
	// the current window.  Default.
	MissingExtendPending MissingDataPolicy = iota
	MissingTreatBreach
	MissingTreatClear
)

type EvaluatorOpts struct {
	TelemetryClient TelemetryClient

	// QueryTimeout bounds a single telemetry pull.  Defaults to 10s.
	QueryTimeout time.Duration

	OnMissingData MissingDataPolicy
}

// Evaluator turns a rule plus a telemetry aggregate into a breach/clear
// signal.  Comparator-only: the backend computes the aggregate.
type Evaluator struct {
	client        TelemetryClient
	queryTimeout  time.Duration
	onMissingData MissingDataPolicy
}

const defaultQueryTimeout = 10 * time.Second

func NewEvaluator(opts EvaluatorOpts) *Evaluator {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Evaluator{
		client:        opts.TelemetryClient,
		queryTimeout:  timeout,
		onMissingData: opts.OnMissingData,
	}
}

// Evaluate pulls the aggregate for the rule's window and compares it against
// the threshold.  On a failed pull the returned Signal follows the
// onMissingData policy and the EvaluationError is returned alongside it so
// the caller can count consecutive failures.
func (e *Evaluator) Evaluate(ctx context.Context, rule *rules.AlertRule) (Signal, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	value, err := e.client.QueryAggregate(ctx, rule.ConditionQuery, rule.Aggregation, rule.Percentile, rule.WindowSize)
	if err != nil {
		eerr := &EvaluationError{RuleID: rule.ID, Err: err}
		switch e.onMissingData {
		case MissingTreatBreach:
			return SignalBreach, 0, eerr
		case MissingTreatClear:
			return SignalClear, 0, eerr
		default:
			return SignalNoData, 0, eerr
		}
	}

	if rule.Comparator.Compare(value, rule.Threshold) {
		return SignalBreach, value, nil
	}
	return SignalClear, value, nil
}
