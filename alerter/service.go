package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chatmon/chatmon/alerter/actiongroup"
	"github.com/chatmon/chatmon/alerter/alert"
	"github.com/chatmon/chatmon/alerter/engine"
	"github.com/chatmon/chatmon/alerter/notify"
	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/chatmon/chatmon/pkg/logger"
	"github.com/chatmon/chatmon/pkg/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AlerterOpts struct {
	Dev  bool
	Port int

	// ConfigPath is the alerting config document (action groups and rules).
	ConfigPath     string
	ReloadInterval time.Duration

	// TelemetryAddr is the telemetry query endpoint rules evaluate against.
	TelemetryAddr string

	// AlertAddr is the notification service deliveries are posted to.
	AlertAddr string

	Concurrency      int
	QueryTimeout     time.Duration
	ReNotifyInterval time.Duration
	MaxNotifications int
	RetryBase        time.Duration

	// Escalation routes severities to extra action groups on top of each
	// rule's own references.
	Escalation map[int][]string

	// TelemetryClient overrides the HTTP telemetry client.  Used by tests and
	// dev mode.
	TelemetryClient engine.TelemetryClient
}

// Alerter wires the rule store, evaluation engine and notification dispatcher
// into one service.
type Alerter struct {
	opts *AlerterOpts

	ruleStore    *rules.Store
	stateMachine *engine.StateMachine
	executor     *engine.Executor
	dispatcher   *notify.Dispatcher
	alertCli     *alert.Client

	ctx     context.Context
	closeFn context.CancelFunc
}

func NewService(opts *AlerterOpts) (*Alerter, error) {
	ruleStore := rules.NewStore(rules.StoreOpts{
		Path:           opts.ConfigPath,
		ReloadInterval: opts.ReloadInterval,
	})

	a := &Alerter{
		opts:      opts,
		ruleStore: ruleStore,
	}

	telemetryCli := opts.TelemetryClient
	if telemetryCli == nil {
		if opts.TelemetryAddr == "" || opts.Dev {
			logger.Warnf("No telemetry endpoint provided, using fake telemetry client")
			telemetryCli = newFakeTelemetryClient()
		} else {
			telemetryCli = NewTelemetryClient(opts.TelemetryAddr, opts.QueryTimeout)
		}
	}

	if opts.AlertAddr == "" {
		logger.Warnf("No alert address provided, using fake alert handler")
		http.Handle("/notifications", fakeAlertHandler())
		opts.AlertAddr = fmt.Sprintf("http://localhost:%d/notifications", opts.Port)
	}

	alertCli, err := alert.NewClient(time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert client: %w", err)
	}
	a.alertCli = alertCli

	a.stateMachine = engine.NewStateMachine(engine.StateMachineOpts{
		ReNotifyInterval: opts.ReNotifyInterval,
	})

	a.executor = engine.NewExecutor(engine.ExecutorOpts{
		RuleStore:    ruleStore,
		StateMachine: a.stateMachine,
		Concurrency:  opts.Concurrency,
		Evaluator: engine.NewEvaluator(engine.EvaluatorOpts{
			TelemetryClient: telemetryCli,
			QueryTimeout:    opts.QueryTimeout,
		}),
	})

	a.dispatcher, err = notify.NewDispatcher(notify.DispatcherOpts{
		Registry: ruleStore.Registry(),
		Deliverer: notify.DelivererFunc(func(ctx context.Context, recv actiongroup.Receiver, n alert.Notification) error {
			return alertCli.Deliver(ctx, opts.AlertAddr, recv, n)
		}),
		Events:        a.stateMachine.Events(),
		SeverityLabel: ruleStore.SeverityLabel,
		MaxAttempts:   opts.MaxNotifications,
		RetryBase:     opts.RetryBase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return a, nil
}

func (a *Alerter) Open(ctx context.Context) error {
	a.ctx, a.closeFn = context.WithCancel(ctx)

	logger.Infof("Starting chatmon alerter")

	if err := a.ruleStore.Open(a.ctx); err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}

	if len(a.opts.Escalation) > 0 {
		if err := a.ruleStore.Registry().SetEscalation(a.opts.Escalation); err != nil {
			return fmt.Errorf("failed to install escalation table: %w", err)
		}
	}

	for _, c := range []service.Component{a.dispatcher, a.executor} {
		if err := c.Open(a.ctx); err != nil {
			return err
		}
	}

	go func() {
		logger.Infof("Listening at :%d", a.opts.Port)
		http.Handle("/metrics", promhttp.Handler())
		http.Handle("/api/v1/alerts", http.HandlerFunc(a.handleAlerts))
		http.Handle("/api/v1/alerts/degraded", http.HandlerFunc(a.handleDegraded))
		http.Handle("/api/v1/alerts/resolve/", http.HandlerFunc(a.handleResolve))
		if err := http.ListenAndServe(fmt.Sprintf(":%d", a.opts.Port), nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()

	return nil
}

func (a *Alerter) Close() error {
	a.closeFn()

	// Workers stop before the dispatcher so in-flight transitions still get
	// their notifications out.
	if err := a.executor.Close(); err != nil {
		return err
	}
	if err := a.dispatcher.Close(); err != nil {
		return err
	}
	return a.ruleStore.Close()
}

// LoadConfig validates and activates a config document in place of the active
// rule set.  All-or-nothing: a document with any validation failure activates
// nothing and the error carries every failure found.
func (a *Alerter) LoadConfig(doc []byte) error {
	cfg, err := rules.Load(doc)
	if err != nil {
		return err
	}
	return a.ruleStore.Apply(cfg)
}

// EvaluateOnce runs a single evaluation pass over every enabled rule.  Used by
// dev mode and config linting.
func (a *Alerter) EvaluateOnce(ctx context.Context) {
	a.executor.RunOnce(ctx)
}

func (a *Alerter) GetAlertInstance(ruleID string) (engine.AlertInstance, bool) {
	return a.stateMachine.Get(ruleID)
}

func (a *Alerter) History(ruleID string) []engine.AlertInstance {
	return a.stateMachine.History(ruleID)
}

func (a *Alerter) ListFiring() []engine.AlertInstance {
	return a.stateMachine.ListFiring()
}

func (a *Alerter) ListDegraded() []engine.DegradedRule {
	return a.stateMachine.ListDegraded()
}

// ManualResolve resolves a firing alert that does not self-mitigate.
func (a *Alerter) ManualResolve(ruleID string) error {
	return a.stateMachine.ManualResolve(ruleID)
}

func (a *Alerter) Attempts(correlationID string) []notify.NotificationAttempt {
	return a.dispatcher.Attempts(correlationID)
}

func (a *Alerter) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.ListFiring())
}

func (a *Alerter) handleDegraded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.ListDegraded())
}

func (a *Alerter) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ruleID := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/resolve/")
	if err := a.ManualResolve(ruleID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %s", err)
	}
}
