package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/IshaanNene/forecourt/internal/reconcile"
)

// NotificationType specifies the notification channel.
type NotificationType string

const (
	NotifyWebhook NotificationType = "webhook"
	NotifyLog     NotificationType = "log"
)

// Event is the set of catalog changes produced by one crawl run.
type Event struct {
	RunID     string             `json:"run_id"`
	DealerID  string             `json:"dealer_id"`
	Count     int                `json:"count"`
	Changes   []reconcile.Change `json:"changes"`
	Timestamp time.Time          `json:"timestamp"`
}

// NotificationChannel is an interface for notification delivery.
type NotificationChannel interface {
	Send(ctx context.Context, ev Event) error
	Type() NotificationType
}

// Notifier fans catalog changes out to its channels.
type Notifier struct {
	channels []NotificationChannel
	now      func() time.Time
	logger   *slog.Logger
}

// NewNotifier creates a new change notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "notifier"),
	}
}

// AddChannel registers a notification channel.
func (n *Notifier) AddChannel(ch NotificationChannel) {
	n.channels = append(n.channels, ch)
}

// NotifyChanges sends changes to all registered channels. Delivery failures
// are logged and never fail the run that produced the changes.
func (n *Notifier) NotifyChanges(ctx context.Context, dealerID, runID string, changes []reconcile.Change) {
	if len(changes) == 0 {
		return
	}
	ev := Event{
		RunID:     runID,
		DealerID:  dealerID,
		Count:     len(changes),
		Changes:   changes,
		Timestamp: n.now(),
	}
	for _, ch := range n.channels {
		if err := ch.Send(ctx, ev); err != nil {
			n.logger.Error("notification failed", "channel", ch.Type(), "dealer", dealerID, "error", err)
		}
	}
}

// WebhookChannel posts each event as JSON to a URL.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookChannel creates a webhook channel with a per-request timeout.
func NewWebhookChannel(url string, timeout time.Duration, logger *slog.Logger) *WebhookChannel {
	return &WebhookChannel{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("component", "webhook"),
	}
}

func (w *WebhookChannel) Type() NotificationType { return NotifyWebhook }

func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	w.logger.Debug("webhook delivered", "dealer", ev.DealerID, "changes", ev.Count, "size", len(data))
	return nil
}

// LogChannel writes a summary of each event to the log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With("component", "changes")}
}

func (l *LogChannel) Type() NotificationType { return NotifyLog }

func (l *LogChannel) Send(_ context.Context, ev Event) error {
	byType := make(map[reconcile.ChangeType]int)
	for _, c := range ev.Changes {
		byType[c.Type]++
	}
	l.logger.Info("catalog changed",
		"dealer", ev.DealerID,
		"run_id", ev.RunID,
		"added", byType[reconcile.ChangeAdded],
		"modified", byType[reconcile.ChangeModified],
		"removed", byType[reconcile.ChangeRemoved],
	)
	return nil
}
