// ABOUTME: Webhook notifier: posts study terminal events as JSON to a route's webhook URL,
// ABOUTME: filtered by the route's subscribed event names.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookEvent is the JSON document posted to a route's webhook.
type WebhookEvent struct {
	Event     string    `json:"event"` // completed, partial, failed, rejected
	AETitle   string    `json:"ae_title"`
	StudyUID  string    `json:"study_uid"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts events for one route. Delivery is best-effort: a failed POST
// is logged, never retried.
type Notifier struct {
	url    string
	events map[string]bool
	client *http.Client
	logger *slog.Logger
}

// NewNotifier returns nil when the route has no webhook URL. An empty event
// list subscribes to everything.
func NewNotifier(url string, events []string, logger *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	if len(events) > 0 {
		n.events = map[string]bool{}
		for _, e := range events {
			n.events[e] = true
		}
	}
	return n
}

// Notify posts the event in the background if it is subscribed.
func (n *Notifier) Notify(ev WebhookEvent) {
	if n == nil {
		return
	}
	if n.events != nil && !n.events[ev.Event] {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	go n.post(ev)
}

func (n *Notifier) post(ev WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", n.url, "event", ev.Event, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery refused", "url", n.url, "event", ev.Event, "status", resp.StatusCode)
	}
}
