package engine

import (
	"context"
	"sync"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/chatmon/chatmon/pkg/logger"
)

type ruleStore interface {
	Rules() []*rules.AlertRule
}

type ExecutorOpts struct {
	RuleStore    ruleStore
	Evaluator    *Evaluator
	StateMachine *StateMachine

	// Concurrency bounds evaluations in flight across all rules.  Defaults
	// to 5.
	Concurrency int

	// SyncInterval controls how often workers are reconciled against the
	// rule store.  Defaults to 30s.
	SyncInterval time.Duration
}

const (
	defaultConcurrency  = 5
	defaultSyncInterval = 30 * time.Second
)

// Executor owns one evaluation worker per enabled rule and reconciles the
// worker set against the rule store as configs reload.
type Executor struct {
	opts ExecutorOpts
	sem  chan struct{}

	ctx     context.Context
	closeFn context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
}

func NewExecutor(opts ExecutorOpts) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	return &Executor{
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
		workers: make(map[string]*worker),
	}
}

func (e *Executor) Open(ctx context.Context) error {
	e.ctx, e.closeFn = context.WithCancel(ctx)
	logger.Infof("Begin evaluating %d rules", len(e.opts.RuleStore.Rules()))

	e.syncWorkers()

	e.wg.Add(1)
	go e.periodicSync()
	return nil
}

func (e *Executor) Close() error {
	e.closeFn()
	e.wg.Wait()

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	return nil
}

func (e *Executor) newWorker(rule *rules.AlertRule) *worker {
	return &worker{
		rule:      rule,
		evaluator: e.opts.Evaluator,
		sm:        e.opts.StateMachine,
		sem:       e.sem,
	}
}

// syncWorkers reconciles running workers with the rule store: new enabled
// rules get workers, changed rules restart theirs, disabled rules freeze in
// place, and deleted rules drop all state.
func (e *Executor) syncWorkers() {
	sm := e.opts.StateMachine

	e.mu.Lock()
	defer e.mu.Unlock()

	live := make(map[string]struct{})
	for _, r := range e.opts.RuleStore.Rules() {
		live[r.ID] = struct{}{}

		// Reads before the first evaluation must see a Pending instance.
		sm.EnsureInstance(r)
		sm.SetEnabled(r.ID, r.Enabled)

		w, running := e.workers[r.ID]

		if !r.Enabled {
			if running {
				logger.Infof("Rule %s disabled, freezing its alert state", r.ID)
				w.Close()
				delete(e.workers, r.ID)
			}
			continue
		}

		if !running {
			logger.Infof("Starting evaluation worker for rule %s", r.ID)
			w = e.newWorker(r)
			e.workers[r.ID] = w
			w.Run(e.ctx)
			continue
		}

		if w.rule.Version != r.Version {
			// Hysteresis counters survive a definition change: they count
			// breaches, not wall-clock time.
			logger.Infof("Rule %s changed, restarting its worker", r.ID)
			w.Close()
			delete(e.workers, r.ID)
			w = e.newWorker(r)
			e.workers[r.ID] = w
			w.Run(e.ctx)
		}
	}

	for id, w := range e.workers {
		if _, ok := live[id]; !ok {
			logger.Infof("Rule %s removed, shutting down its worker", id)
			w.Close()
			delete(e.workers, id)
			sm.Remove(id)
		}
	}
}

func (e *Executor) periodicSync() {
	defer e.wg.Done()

	t := time.NewTicker(e.opts.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.syncWorkers()
		}
	}
}

// RunOnce evaluates every enabled rule a single time.  Used by dev mode and
// config linting.
func (e *Executor) RunOnce(ctx context.Context) {
	for _, r := range e.opts.RuleStore.Rules() {
		e.opts.StateMachine.EnsureInstance(r)
		if !r.Enabled {
			continue
		}
		w := e.newWorker(r)
		w.Evaluate(ctx)
	}
}
