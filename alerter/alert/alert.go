package alert

import (
	"fmt"
	"time"
)

// Notification is the normalized payload handed to the delivery collaborator.
// CorrelationID is the idempotency key: receivers seeing the same ID twice
// may deduplicate.
type Notification struct {
	CorrelationID string `json:"correlationId"`
	RuleID        string `json:"ruleId"`
	RuleName      string `json:"ruleName,omitempty"`

	// Severity 0 is the most critical, 4 the least.
	Severity      int    `json:"severity"`
	SeverityLabel string `json:"severityLabel,omitempty"`

	// State is the lifecycle transition being announced: Fired, StillFiring
	// or Resolved.
	State string `json:"state"`

	Timestamp time.Time `json:"timestamp"`

	// Attempt starts at 1 and increments on redelivery of the same
	// notification.
	Attempt int `json:"attempt,omitempty"`
}

func (n Notification) String() string {
	return fmt.Sprintf("rule=%s state=%s severity=%d correlation=%s attempt=%d",
		n.RuleID, n.State, n.Severity, n.CorrelationID, n.Attempt)
}

// DeliveryError reports a failed handoff to a receiver.  Transient failures
// are retried with backoff; permanent ones (a malformed payload rejected by
// the receiver) are not.
type DeliveryError struct {
	Receiver   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver to %s: %s", e.Receiver, e.Err)
	}
	return fmt.Sprintf("deliver to %s: status %d", e.Receiver, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
