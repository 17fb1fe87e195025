package engine

import (
	"context"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
)

type fakeTelemetryClient struct {
	queryFn func(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error)
}

func (f *fakeTelemetryClient) QueryAggregate(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, query, agg, percentile, window)
	}
	return 0, nil
}

type fakeRuleStore struct {
	rules []*rules.AlertRule
}

func (f *fakeRuleStore) Rules() []*rules.AlertRule {
	return f.rules
}
