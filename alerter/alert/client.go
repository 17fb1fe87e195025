package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatmon/chatmon/alerter/actiongroup"
)

// Client delivers notifications to a notification service over its JSON http
// API.  The service owns transport-level fan-out to email, SMS and webhooks;
// this client only hands off the normalized payload.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) (*Client, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 100
	t.ResponseHeaderTimeout = timeout
	t.IdleConnTimeout = time.Minute

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: t,
		},
	}, nil
}

type deliveryRequest struct {
	ReceiverKind string               `json:"receiverKind"`
	Receiver     actiongroup.Receiver `json:"receiver"`
	Notification Notification         `json:"notification"`
}

// Deliver posts one notification for one receiver.  Failures carry whether a
// retry is worthwhile: server-side errors and timeouts are transient, a 4xx
// rejection is not.
func (c *Client) Deliver(ctx context.Context, endpoint string, recv actiongroup.Receiver, n Notification) error {
	b, err := json.Marshal(deliveryRequest{
		ReceiverKind: recv.Kind(),
		Receiver:     recv,
		Notification: n,
	})
	if err != nil {
		return &DeliveryError{Receiver: recv.Key(), Err: fmt.Errorf("marshal notification: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(b))
	if err != nil {
		return &DeliveryError{Receiver: recv.Key(), Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatmon-alerter")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s/%s", n.CorrelationID, n.State, recv.Key()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Receiver: recv.Key(), Transient: true, Err: fmt.Errorf("http post: %w", err)}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &DeliveryError{Receiver: recv.Key(), StatusCode: resp.StatusCode, Transient: true}
	default:
		body, _ := io.ReadAll(resp.Body)
		return &DeliveryError{Receiver: recv.Key(), StatusCode: resp.StatusCode, Err: fmt.Errorf("rejected: %s", string(body))}
	}
}
