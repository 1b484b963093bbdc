package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQDepth        AlertType = "dlq_depth"
	AlertStaleIncomplete AlertType = "stale_incomplete"
	AlertReviewBacklog   AlertType = "review_backlog"
	AlertRetryBacklog    AlertType = "retry_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and posts
// breaches to the operators' Slack webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	url     string
	channel string
	post    func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewAlerter creates a new Alerter. An empty webhook URL only logs.
func NewAlerter(cfg config.MonitoringConfig, esc config.EscalationConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		url:     esc.SlackWebhookURL,
		channel: esc.SlackChannel,
		post:    slack.PostWebhookContext,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message:  fmt.Sprintf("%d unresolved dead-letter entries (threshold %d)", snap.DLQDepth, a.cfg.DLQThreshold),
			Details: map[string]any{
				"dlq_depth":         snap.DLQDepth,
				"manual_extraction": snap.ManualExtraction,
			},
			Timestamp: now,
		})
	}

	if snap.StaleIncomplete > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleIncomplete,
			Severity: "medium",
			Message: fmt.Sprintf("%d incomplete load(s) without a shipper reply for %dh",
				snap.StaleIncomplete, snap.StaleAfterHours),
			Details: map[string]any{
				"stale":      snap.StaleIncomplete,
				"incomplete": snap.Incomplete,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ReviewBacklogThreshold > 0 && snap.NeedsReview >= a.cfg.ReviewBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertReviewBacklog,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d load(s) waiting for human review", snap.NeedsReview),
			Details:   map[string]any{"needs_review": snap.NeedsReview},
			Timestamp: now,
		})
	}

	if a.cfg.RetryBacklogThreshold > 0 && snap.RetryBacklog >= a.cfg.RetryBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetryBacklog,
			Severity: "high",
			Message:  fmt.Sprintf("%d carrier deliveries waiting for retry", snap.RetryBacklog),
			Details: map[string]any{
				"retry_backlog": snap.RetryBacklog,
				"dispatching":   snap.Dispatching,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the webhook.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.url == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert (slack not configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, alert Alert) error {
	color := "warning"
	if alert.Severity == "high" {
		color = "danger"
	}
	msg := &slack.WebhookMessage{
		Channel: a.channel,
		Text:    alert.Message,
		Attachments: []slack.Attachment{{
			Title:    string(alert.Type),
			Text:     alert.Message,
			Color:    color,
			Fallback: alert.Message,
			Footer:   "severity " + alert.Severity,
		}},
	}
	if err := a.post(ctx, a.url, msg); err != nil {
		return eris.Wrapf(err, "monitoring: post %s alert", alert.Type)
	}
	return nil
}
