package rules

import (
	"fmt"
	"time"
)

// Aggregation names the reduction the telemetry backend applies over the rule
// window before the comparator runs.  Closed set; anything else is rejected
// at load time.
type Aggregation string

const (
	AggAvg        Aggregation = "avg"
	AggCount      Aggregation = "count"
	AggPercentile Aggregation = "percentile"
	AggRatio      Aggregation = "ratio"
)

func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case AggAvg, AggCount, AggPercentile, AggRatio:
		return Aggregation(s), nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", s)
	}
}

type Comparator string

const (
	CmpGT Comparator = ">"
	CmpGE Comparator = ">="
	CmpLT Comparator = "<"
	CmpLE Comparator = "<="
	CmpEQ Comparator = "=="
)

func ParseComparator(s string) (Comparator, error) {
	switch Comparator(s) {
	case CmpGT, CmpGE, CmpLT, CmpLE, CmpEQ:
		return Comparator(s), nil
	default:
		return "", fmt.Errorf("unknown comparator %q", s)
	}
}

// Compare applies the comparator with exact numeric semantics.
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case CmpGT:
		return value > threshold
	case CmpGE:
		return value >= threshold
	case CmpLT:
		return value < threshold
	case CmpLE:
		return value <= threshold
	case CmpEQ:
		return value == threshold
	default:
		return false
	}
}

// AlertRule is one named condition evaluated against telemetry.  Rules are
// immutable once loaded; a config reload produces new values with a bumped
// Version.
type AlertRule struct {
	ID             string
	Name           string
	ConditionQuery string
	Aggregation    Aggregation

	// Percentile is only meaningful when Aggregation is AggPercentile, e.g.
	// 95 for p95.  Computed by the telemetry backend, not the engine.
	Percentile float64

	Comparator          Comparator
	Threshold           float64
	EvaluationFrequency time.Duration
	WindowSize          time.Duration

	// Severity 0 is the most critical, 4 the least.
	Severity int

	Enabled      bool
	AutoMitigate bool

	ConsecutiveBreachesToFire  int
	ConsecutiveClearsToResolve int

	ActionGroupRefs []string

	// Version changes whenever the loaded definition changes, which restarts
	// the rule's evaluation worker.
	Version string
}

func (r *AlertRule) Validate() []error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &ValidationError{Rule: r.ID, Field: field, Reason: reason})
	}

	if r.ID == "" {
		fail("id", "must not be empty")
	}
	if r.ConditionQuery == "" {
		fail("conditionQuery", "must not be empty")
	}
	if _, err := ParseAggregation(string(r.Aggregation)); err != nil {
		fail("aggregation", err.Error())
	}
	if r.Aggregation == AggPercentile && (r.Percentile <= 0 || r.Percentile >= 100) {
		fail("percentile", fmt.Sprintf("%v is outside (0, 100)", r.Percentile))
	}
	if _, err := ParseComparator(string(r.Comparator)); err != nil {
		fail("comparator", err.Error())
	}
	if r.EvaluationFrequency <= 0 {
		fail("evaluationFrequency", "must be positive")
	}
	if r.WindowSize < r.EvaluationFrequency {
		fail("windowSize", fmt.Sprintf("%s is shorter than evaluationFrequency %s", r.WindowSize, r.EvaluationFrequency))
	}
	if r.Severity < 0 || r.Severity > 4 {
		fail("severity", fmt.Sprintf("%d is outside [0, 4]", r.Severity))
	}
	if r.ConsecutiveBreachesToFire < 1 {
		fail("consecutiveBreachesToFire", "must be >= 1")
	}
	if r.ConsecutiveClearsToResolve < 1 {
		fail("consecutiveClearsToResolve", "must be >= 1")
	}
	if len(r.ActionGroupRefs) == 0 {
		fail("actionGroups", "must reference at least one action group")
	}
	return errs
}
