package alerter

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/chatmon/chatmon/alerter/alert"
	"github.com/chatmon/chatmon/alerter/rules"
	"github.com/chatmon/chatmon/pkg/logger"
)

// fakeTelemetryClient serves a random walk per query so dev mode exercises
// fire and resolve transitions without a telemetry backend.
type fakeTelemetryClient struct {
	mu     sync.Mutex
	values map[string]float64
}

func newFakeTelemetryClient() *fakeTelemetryClient {
	return &fakeTelemetryClient{values: make(map[string]float64)}
}

func (f *fakeTelemetryClient) QueryAggregate(ctx context.Context, query string, agg rules.Aggregation, percentile float64, window time.Duration) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[query]
	if !ok {
		v = rand.Float64()
	}
	v += rand.Float64()*0.4 - 0.2
	if v < 0 {
		v = 0
	}
	f.values[query] = v
	return v, nil
}

func fakeAlertHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Errorf("Failed to read request body: %s", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req struct {
			ReceiverKind string             `json:"receiverKind"`
			Notification alert.Notification `json:"notification"`
		}
		if err := json.Unmarshal(b, &req); err != nil {
			logger.Errorf("Failed to unmarshal request body: %s", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Infof("Fake notification received via %s: %s", req.ReceiverKind, req.Notification)
		w.WriteHeader(http.StatusCreated)
	})
}
