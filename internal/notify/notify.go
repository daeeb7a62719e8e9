// Package notify is the fire-and-forget alert sink for cost-protection and
// ledger events: low-balance warnings, suspension alerts, audit reports.
//
// Delivery failures never affect ledger correctness; sinks log and move on.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptdeck/promptdeck/internal/idgen"
)

// EventType classifies an alert.
type EventType string

const (
	EventCostWarning   EventType = "cost.warning"
	EventSuspension    EventType = "cost.suspension"
	EventLowBalance    EventType = "balance.low"
	EventAuditReport   EventType = "audit.report"
	EventInvoiceFailed EventType = "invoice.failed"
)

// Event is one alert delivered to a sink.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(typ EventType, userID, message string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		UserID:    userID,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Sink receives alerts. Implementations must not block the caller's hot
// path for long and must swallow their own delivery failures.
type Sink interface {
	Notify(ctx context.Context, event *Event)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, event *Event) {
	s.logger.Info("alert",
		"event_id", event.ID,
		"type", string(event.Type),
		"user_id", event.UserID,
		"message", event.Message,
	)
}

// WebhookSink posts alerts to an external URL, HMAC-signed when a secret is
// configured. Sends run in a goroutine so callers never wait on the network.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSink creates a webhook-backed sink.
func NewWebhookSink(url, secret string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (s *WebhookSink) Notify(_ context.Context, event *Event) {
	go s.send(event)
}

func (s *WebhookSink) send(event *Event) {
	// Detached context: the triggering request may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal alert", "event_id", event.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("failed to create alert request", "event_id", event.ID, "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Promptdeck-Event", string(event.Type))
	req.Header.Set("X-Promptdeck-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if s.secret != "" {
		req.Header.Set("X-Promptdeck-Signature", sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("alert delivery failed", "event_id", event.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("alert delivery rejected", "event_id", event.ID, "status", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Multi fans an alert out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, event *Event) {
	for _, s := range m {
		s.Notify(ctx, event)
	}
}
