package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatmon/chatmon/alerter/actiongroup"
	"github.com/chatmon/chatmon/alerter/alert"
	"github.com/chatmon/chatmon/alerter/engine"
	"github.com/chatmon/chatmon/metrics"
	"github.com/chatmon/chatmon/pkg/logger"
	"github.com/davidnarayan/go-flake"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Deliverer is the delivery collaborator: it owns transport to the actual
// channel.  Dispatch treats its errors per alert.DeliveryError semantics.
type Deliverer interface {
	Deliver(ctx context.Context, recv actiongroup.Receiver, n alert.Notification) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, recv actiongroup.Receiver, n alert.Notification) error

func (f DelivererFunc) Deliver(ctx context.Context, recv actiongroup.Receiver, n alert.Notification) error {
	return f(ctx, recv, n)
}

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "Pending"
	AttemptSent    AttemptStatus = "Sent"
	AttemptFailed  AttemptStatus = "Failed"
	AttemptGivenUp AttemptStatus = "GivenUp"
)

// NotificationAttempt records one delivery try for one receiver.  Terminal
// attempts are garbage-collected after the retention window.
type NotificationAttempt struct {
	ID            string
	CorrelationID string
	Receiver      string
	AttemptNumber int
	Status        AttemptStatus
	NextRetryAt   time.Time
	UpdatedAt     time.Time
}

type DispatcherOpts struct {
	Registry  *actiongroup.Registry
	Deliverer Deliverer
	Events    <-chan engine.Event

	// SeverityLabel resolves a severity to its document label for the
	// payload.  Optional.
	SeverityLabel func(severity int) string

	// MaxAttempts caps delivery tries per receiver per event.  Defaults to
	// 10.
	MaxAttempts int

	// RetryBase is the first backoff delay; it doubles per retry.  Defaults
	// to 30s.
	RetryBase time.Duration

	// DispatchTimeout bounds one delivery attempt.  Defaults to 15s.
	DispatchTimeout time.Duration

	// Retention keeps terminal attempt records and resolved episodes around
	// for diagnostics.  Defaults to 1h.
	Retention  time.Duration
	GCInterval time.Duration

	NowFn func() time.Time
}

const (
	defaultMaxAttempts     = 10
	defaultRetryBase       = 30 * time.Second
	defaultDispatchTimeout = 15 * time.Second
	defaultRetention       = time.Hour
)

// Dispatcher consumes lifecycle events and fans notifications out to action
// group receivers.  Delivery is best-effort relative to alert-state
// correctness: a receiver that exhausts retries is surfaced as GivenUp and
// never blocks or rolls back the transition that triggered it.
type Dispatcher struct {
	opts  DispatcherOpts
	idgen *flake.Flake

	ctx     context.Context
	closeFn context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	episodes map[string]*episode
	attempts map[string][]*NotificationAttempt
}

// episode tracks one firing lifetime keyed by correlation ID.  notified is
// the set of receivers that actually received Fired/StillFiring; resolution
// notices go only to them, even if the rule's groups changed mid-episode.
type episode struct {
	ruleID     string
	notified   []actiongroup.Receiver
	seen       map[string]struct{}
	resolvedAt time.Time
}

func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = opts.Retention / 4
	}
	if opts.NowFn == nil {
		opts.NowFn = func() time.Time { return time.Now().UTC() }
	}

	idgen, err := flake.New()
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		opts:     opts,
		idgen:    idgen,
		episodes: make(map[string]*episode),
		attempts: make(map[string][]*NotificationAttempt),
	}, nil
}

func (d *Dispatcher) Open(ctx context.Context) error {
	d.ctx, d.closeFn = context.WithCancel(ctx)

	d.wg.Add(2)
	go d.run()
	go d.gcLoop()
	return nil
}

// Close stops consuming events and waits for in-flight deliveries.  An
// attempt already handed to the deliverer finishes; queued retries are
// abandoned as GivenUp.
func (d *Dispatcher) Close() error {
	d.closeFn()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.opts.Events:
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev engine.Event) {
	var recvs []actiongroup.Receiver

	switch ev.Type {
	case engine.EventFired, engine.EventStillFiring:
		snap := d.opts.Registry.Snapshot()
		var err error
		recvs, err = snap.ListReceiversFor(ev.Severity, ev.ActionGroupRefs)
		if err != nil {
			// A group vanished between load-time validation and now; notify
			// whoever still resolves.
			logger.Errorf("Failed to resolve receivers for rule %s: %s", ev.RuleID, err)
			recvs = resolveRemaining(snap, ev)
		}

	case engine.EventResolved:
		recvs = d.resolvedReceivers(ev)
		if len(recvs) == 0 {
			logger.Warnf("No receivers were notified for correlation %s, skipping resolution notice", ev.CorrelationID)
			return
		}

	default:
		logger.Errorf("Unknown event type %q for rule %s", ev.Type, ev.RuleID)
		return
	}

	n := alert.Notification{
		CorrelationID: ev.CorrelationID,
		RuleID:        ev.RuleID,
		RuleName:      ev.RuleName,
		Severity:      ev.Severity,
		State:         string(ev.Type),
		Timestamp:     ev.Timestamp,
	}
	if d.opts.SeverityLabel != nil {
		n.SeverityLabel = d.opts.SeverityLabel(ev.Severity)
	}

	// Every receiver is an independent attempt: one slow or failing channel
	// never delays the others.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var g errgroup.Group
		for _, recv := range recvs {
			g.Go(func() error {
				err := d.deliverWithRetry(recv, n)
				if err == nil && ev.Type != engine.EventResolved {
					d.recordNotified(ev, recv)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			logger.Errorf("Delivery incomplete for rule %s (%s): %s", ev.RuleID, ev.Type, err)
		}
	}()
}

// resolveRemaining resolves each group individually, skipping ones that no
// longer exist.
func resolveRemaining(snap *actiongroup.Snapshot, ev engine.Event) []actiongroup.Receiver {
	var out []actiongroup.Receiver
	seen := map[string]struct{}{}
	for _, id := range ev.ActionGroupRefs {
		recvs, err := snap.ListReceiversFor(ev.Severity, []string{id})
		if err != nil {
			continue
		}
		for _, recv := range recvs {
			if _, ok := seen[recv.Key()]; ok {
				continue
			}
			seen[recv.Key()] = struct{}{}
			out = append(out, recv)
		}
	}
	return out
}

func (d *Dispatcher) recordNotified(ev engine.Event, recv actiongroup.Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.episodes[ev.CorrelationID]
	if !ok {
		ep = &episode{ruleID: ev.RuleID, seen: map[string]struct{}{}}
		d.episodes[ev.CorrelationID] = ep
	}
	if _, ok := ep.seen[recv.Key()]; !ok {
		ep.seen[recv.Key()] = struct{}{}
		ep.notified = append(ep.notified, recv)
	}
}

func (d *Dispatcher) resolvedReceivers(ev engine.Event) []actiongroup.Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.episodes[ev.CorrelationID]
	if !ok {
		return nil
	}
	ep.resolvedAt = d.opts.NowFn()
	return ep.notified
}

// deliverWithRetry drives one receiver through delivery with exponential
// backoff until Sent, a permanent rejection, or the attempt cap.
func (d *Dispatcher) deliverWithRetry(recv actiongroup.Receiver, n alert.Notification) error {
	backoff := wait.Backoff{
		Duration: d.opts.RetryBase,
		Factor:   2.0,
		Steps:    d.opts.MaxAttempts,
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		n.Attempt = attempt
		rec := d.newAttempt(n.CorrelationID, recv.Key(), attempt)

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.DispatchTimeout)
		err := d.opts.Deliverer.Deliver(ctx, recv, n)
		cancel()

		if err == nil {
			d.updateAttempt(rec, AttemptSent, time.Time{})
			metrics.NotificationsSentTotal.WithLabelValues(n.RuleID, n.State).Inc()
			metrics.NotificationUnhealthy.WithLabelValues(n.RuleID).Set(0)
			return nil
		}
		lastErr = err

		var derr *alert.DeliveryError
		if errors.As(err, &derr) && !derr.Transient {
			logger.Errorf("Receiver %s rejected notification %s, not retrying: %s", recv.Key(), n.CorrelationID, err)
			d.updateAttempt(rec, AttemptGivenUp, time.Time{})
			metrics.NotificationUnhealthy.WithLabelValues(n.RuleID).Set(1)
			return err
		}

		if attempt == d.opts.MaxAttempts {
			break
		}

		delay := backoff.Step()
		d.updateAttempt(rec, AttemptFailed, d.opts.NowFn().Add(delay))
		metrics.NotificationRetriesTotal.WithLabelValues(n.RuleID).Inc()
		logger.Warnf("Delivery to %s failed (attempt %d/%d), retrying in %s: %s",
			recv.Key(), attempt, d.opts.MaxAttempts, delay, err)

		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			d.giveUp(n.CorrelationID, recv.Key())
			return lastErr
		}
	}

	logger.Errorf("Giving up delivery to %s for %s after %d attempts: %s",
		recv.Key(), n.CorrelationID, d.opts.MaxAttempts, lastErr)
	d.giveUp(n.CorrelationID, recv.Key())
	metrics.NotificationUnhealthy.WithLabelValues(n.RuleID).Set(1)
	return lastErr
}

func (d *Dispatcher) newAttempt(correlationID, receiver string, attemptNumber int) *NotificationAttempt {
	attemptID := d.idgen.NextId()
	rec := &NotificationAttempt{
		ID:            attemptID.String(),
		CorrelationID: correlationID,
		Receiver:      receiver,
		AttemptNumber: attemptNumber,
		Status:        AttemptPending,
		UpdatedAt:     d.opts.NowFn(),
	}

	d.mu.Lock()
	d.attempts[correlationID] = append(d.attempts[correlationID], rec)
	d.mu.Unlock()
	return rec
}

func (d *Dispatcher) updateAttempt(rec *NotificationAttempt, status AttemptStatus, nextRetryAt time.Time) {
	d.mu.Lock()
	rec.Status = status
	rec.NextRetryAt = nextRetryAt
	rec.UpdatedAt = d.opts.NowFn()
	d.mu.Unlock()
}

func (d *Dispatcher) giveUp(correlationID, receiver string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs := d.attempts[correlationID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Receiver == receiver {
			recs[i].Status = AttemptGivenUp
			recs[i].NextRetryAt = time.Time{}
			recs[i].UpdatedAt = d.opts.NowFn()
			return
		}
	}
}

// Attempts returns copies of the delivery attempts for one episode, in
// creation order.
func (d *Dispatcher) Attempts(correlationID string) []NotificationAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]NotificationAttempt, 0, len(d.attempts[correlationID]))
	for _, rec := range d.attempts[correlationID] {
		out = append(out, *rec)
	}
	return out
}

func (d *Dispatcher) gcLoop() {
	defer d.wg.Done()

	t := time.NewTicker(d.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.gc()
		}
	}
}

// gc drops resolved episodes and attempt records past the retention window.
// Attempt lists are removed only once every record is terminal.
func (d *Dispatcher) gc() {
	now := d.opts.NowFn()
	cutoff := now.Add(-d.opts.Retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, ep := range d.episodes {
		if !ep.resolvedAt.IsZero() && ep.resolvedAt.Before(cutoff) {
			delete(d.episodes, id)
		}
	}

	for id, recs := range d.attempts {
		expired := true
		for _, rec := range recs {
			terminal := rec.Status == AttemptSent || rec.Status == AttemptGivenUp
			if !terminal || rec.UpdatedAt.After(cutoff) {
				expired = false
				break
			}
		}
		if expired {
			delete(d.attempts, id)
		}
	}
}
