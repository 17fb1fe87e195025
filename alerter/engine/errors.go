package engine

import "fmt"

// EvaluationError indicates the telemetry pull failed or returned a malformed
// result.  It is distinct from a non-breach: consumers must not treat "no
// data" as "clear".
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate rule %s: %s", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// DedupViolation means a second concurrent Firing episode was minted for one
// rule.  Single-flight evaluation makes this unreachable; hitting it is a
// programming error, so the state machine panics with this value.
type DedupViolation struct {
	RuleID        string
	CorrelationID string
}

func (e *DedupViolation) Error() string {
	return fmt.Sprintf("rule %s already has firing episode %s", e.RuleID, e.CorrelationID)
}
