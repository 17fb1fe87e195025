package engine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/chatmon/chatmon/metrics"
	"github.com/chatmon/chatmon/pkg/logger"
)

// worker drives periodic evaluation for one rule.  Evaluations are
// single-flight: a tick that lands while the previous evaluation is still
// running is skipped and the next due time deferred by one interval.
type worker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rule      *rules.AlertRule
	evaluator *Evaluator
	sm        *StateMachine

	// sem is the executor-wide evaluation slot pool.
	sem chan struct{}

	evaluating atomic.Bool
}

func (w *worker) Run(ctx context.Context) {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		logger.Infof("Evaluating rule %s every %s (window %s)",
			w.rule.ID, w.rule.EvaluationFrequency, w.rule.WindowSize)

		// do-while
		w.Evaluate(ctx)

		t := time.NewTimer(jitter(w.rule.EvaluationFrequency))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.Evaluate(ctx)
				t.Reset(jitter(w.rule.EvaluationFrequency))
			}
		}
	}()
}

// Evaluate runs one evaluation attempt under the shared slot pool.
func (w *worker) Evaluate(ctx context.Context) {
	if !w.evaluating.CompareAndSwap(false, true) {
		metrics.EvaluationsSkipped.WithLabelValues(w.rule.ID).Inc()
		logger.Warnf("Skipping evaluation of rule %s, previous evaluation still in flight", w.rule.ID)
		return
	}
	defer w.evaluating.Store(false)

	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return
	}

	sig, value, err := w.evaluator.Evaluate(ctx, w.rule)
	if err != nil {
		metrics.RuleHealth.WithLabelValues(w.rule.ID).Set(0)
		metrics.EvaluationsTotal.WithLabelValues(w.rule.ID, "error").Inc()
		w.sm.RecordEvaluationError(w.rule.ID, err)
		logger.Errorf("Failed to evaluate rule %s: %s", w.rule.ID, err)

		// The onMissingData policy decides what, if anything, the state
		// machine sees for a failed pull.
		w.sm.Observe(w.rule, sig)
		return
	}

	metrics.RuleHealth.WithLabelValues(w.rule.ID).Set(1)
	metrics.EvaluationsTotal.WithLabelValues(w.rule.ID, sig.String()).Inc()
	w.sm.RecordEvaluationSuccess(w.rule.ID)

	logger.Debugf("Rule %s evaluated to %s (value=%v threshold=%v)", w.rule.ID, sig, value, w.rule.Threshold)
	w.sm.Observe(w.rule, sig)
}

func (w *worker) Close() {
	w.mu.Lock()
	cancelFn := w.cancel
	w.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	w.wg.Wait()
}

// jitter spreads an interval by ±10% so rules sharing a frequency do not pull
// telemetry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	return d - d/10 + time.Duration(rand.Int63n(spread+1))
}
