// Package notifier implements C8: best-effort outbound alerts for order
// lifecycle and polling events. Delivery is generalized to a plain webhook
// target per account (the teacher's WeChat-bot-specific notifier is
// replaced with a channel-agnostic HTTP POST, since the spec's
// notifier_channel is an opaque descriptor rather than a WeChat bot key).
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind is one of the structured event types the notifier accepts.
type EventKind string

const (
	EventOrderPlaced    EventKind = "OrderPlaced"
	EventOrderFilled    EventKind = "OrderFilled"
	EventOrderFailed    EventKind = "OrderFailed"
	EventPollingDisabled EventKind = "PollingDisabled"
	EventDeltaBreach    EventKind = "DeltaBreach"
)

// Event is a single structured notification.
type Event struct {
	Kind          EventKind      `json:"kind"`
	AccountID     string         `json:"account_id"`
	InstrumentID  string         `json:"instrument_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Message       string         `json:"message"`
	Detail        map[string]any `json:"detail,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Notifier is the interface C5, C6, and C7 depend on. It never returns an
// error: delivery failure is logged internally and never propagated to
// callers, per spec §4.8. Notify must return immediately regardless of
// channel reachability; implementations are responsible for backgrounding
// their own delivery rather than relying on the caller to do it.
type Notifier interface {
	Notify(ctx context.Context, channel string, ev Event)
}

// WebhookNotifier posts events as JSON to a per-channel URL, retrying
// transient failures a small bounded number of times with linear backoff.
// Notify spawns the actual delivery on its own goroutine with a context
// detached from the caller's, so a slow or unreachable channel never stalls
// the engine or dispatcher, and delivery outlives a request context that
// the caller cancels the moment it returns its own response.
type WebhookNotifier struct {
	client      *http.Client
	channels    map[string]string // channel descriptor -> webhook URL
	maxAttempts int
	backoff     time.Duration
	log         *logrus.Entry
}

// New builds a WebhookNotifier. channels maps the opaque notifier_channel
// descriptors from account config onto concrete webhook URLs; a channel
// with no mapping is a silent no-op (matching the teacher's "no config
// found" tolerance).
func New(channels map[string]string, log *logrus.Entry) *WebhookNotifier {
	return &WebhookNotifier{
		client:      &http.Client{Timeout: 5 * time.Second},
		channels:    channels,
		maxAttempts: 3,
		backoff:     time.Second,
		log:         log,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, channel string, ev Event) {
	go n.deliver(context.WithoutCancel(ctx), channel, ev)
}

func (n *WebhookNotifier) deliver(ctx context.Context, channel string, ev Event) {
	url, ok := n.channels[channel]
	if !ok || url == "" {
		n.log.WithFields(logrus.Fields{"channel": channel, "kind": ev.Kind}).Debug("no webhook configured for channel, dropping notification")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.log.WithError(err).Error("failed to marshal notification event")
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt < n.maxAttempts {
			select {
			case <-time.After(n.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = n.maxAttempts
			}
		}
	}

	n.log.WithFields(logrus.Fields{
		"channel": channel,
		"kind":    ev.Kind,
		"error":   lastErr,
	}).Warn("notification delivery failed, giving up")
}
