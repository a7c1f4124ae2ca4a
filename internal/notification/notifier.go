// Package notification delivers operator alerts (feed gave up, persistence
// exhausted, dependency down) to log, webhook and Telegram channels.
package notification

import (
	"context"
	"errors"
	"log/slog"

	"trading-radar/internal/logger"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Source  string            `json:"source,omitempty"` // component that raised it, e.g. "feed"
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Component("notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	args := append([]any{
		"level", string(alert.Level),
		"source", alert.Source,
		"title", alert.Title,
		"message", alert.Message,
	}, logger.LogWithTrace(ctx)...)
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	switch alert.Level {
	case AlertCritical:
		n.log.Error("alert", args...)
	case AlertWarning:
		n.log.Warn("alert", args...)
	default:
		n.log.Info("alert", args...)
	}
	return nil
}

// Multi fans an alert out to every backend. Every backend is tried; the
// returned error joins the failures.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options selects the configured backends. Empty values disable a backend.
type Options struct {
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// FromOptions builds the log notifier plus whichever remote backends are set.
func FromOptions(o Options) Multi {
	m := Multi{NewLogNotifier()}
	if o.WebhookURL != "" {
		m = append(m, NewWebhookNotifier(o.WebhookURL))
	}
	if o.TelegramBotToken != "" && o.TelegramChatID != "" {
		m = append(m, NewTelegramNotifier(o.TelegramBotToken, o.TelegramChatID))
	}
	return m
}
