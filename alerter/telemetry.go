package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatmon/chatmon/alerter/rules"
)

// TelemetryClient queries the chatmon telemetry service for windowed
// aggregates.  Ratio and percentile math happen server-side; the client only
// carries the rule's query and window.
type TelemetryClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewTelemetryClient(endpoint string, timeout time.Duration) *TelemetryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 100
	t.ResponseHeaderTimeout = timeout

	return &TelemetryClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: t,
		},
	}
}

type aggregateRequest struct {
	Query         string  `json:"query"`
	Aggregation   string  `json:"aggregation"`
	Percentile    float64 `json:"percentile,omitempty"`
	WindowSeconds int     `json:"windowSeconds"`
}

type aggregateResponse struct {
	Value   float64 `json:"value"`
	Samples int     `json:"samples"`
}

func (c *TelemetryClient) QueryAggregate(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
	b, err := json.Marshal(aggregateRequest{
		Query:         query,
		Aggregation:   string(agg),
		Percentile:    percentile,
		WindowSeconds: int(window.Seconds()),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal aggregate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatmon-alerter")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query telemetry: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("telemetry returned %d: %s", resp.StatusCode, string(body))
	}

	var ar aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return 0, fmt.Errorf("decode aggregate response: %w", err)
	}
	if ar.Samples == 0 {
		return 0, fmt.Errorf("no samples for query %q in the last %s", query, window)
	}
	return ar.Value, nil
}
