package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComparator_Compare(t *testing.T) {
	tests := []struct {
		cmp       Comparator
		value     float64
		threshold float64
		want      bool
	}{
		{CmpGT, 1.1, 1.0, true},
		{CmpGT, 1.0, 1.0, false},
		{CmpGE, 1.0, 1.0, true},
		{CmpLT, 0.9, 1.0, true},
		{CmpLT, 1.0, 1.0, false},
		{CmpLE, 1.0, 1.0, true},
		{CmpEQ, 1.0, 1.0, true},
		{CmpEQ, 1.0000001, 1.0, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.cmp.Compare(tt.value, tt.threshold),
			"%v %s %v", tt.value, tt.cmp, tt.threshold)
	}
}

func TestParseAggregation(t *testing.T) {
	for _, s := range []string{"avg", "count", "percentile", "ratio"} {
		_, err := ParseAggregation(s)
		require.NoError(t, err)
	}
	_, err := ParseAggregation("median")
	require.Error(t, err)
}

func TestParseComparator(t *testing.T) {
	for _, s := range []string{">", ">=", "<", "<=", "=="} {
		_, err := ParseComparator(s)
		require.NoError(t, err)
	}
	_, err := ParseComparator("!=")
	require.Error(t, err)
}

func TestAlertRule_Validate(t *testing.T) {
	valid := func() *AlertRule {
		return &AlertRule{
			ID:                         "r1",
			Name:                       "r1",
			ConditionQuery:             "chatbot_messages_processed_total",
			Aggregation:                AggCount,
			Comparator:                 CmpGT,
			Threshold:                  100,
			EvaluationFrequency:        60e9,
			WindowSize:                 300e9,
			Severity:                   2,
			ConsecutiveBreachesToFire:  1,
			ConsecutiveClearsToResolve: 1,
			ActionGroupRefs:            []string{"a"},
		}
	}

	require.Empty(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"empty query", func(r *AlertRule) { r.ConditionQuery = "" }},
		{"bad aggregation", func(r *AlertRule) { r.Aggregation = "median" }},
		{"percentile out of range", func(r *AlertRule) { r.Aggregation = AggPercentile; r.Percentile = 100 }},
		{"bad comparator", func(r *AlertRule) { r.Comparator = "!=" }},
		{"window below frequency", func(r *AlertRule) { r.WindowSize = r.EvaluationFrequency / 2 }},
		{"severity out of range", func(r *AlertRule) { r.Severity = 5 }},
		{"zero breaches to fire", func(r *AlertRule) { r.ConsecutiveBreachesToFire = 0 }},
		{"no action groups", func(r *AlertRule) { r.ActionGroupRefs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			require.NotEmpty(t, r.Validate())
		})
	}
}
