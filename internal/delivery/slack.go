package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/model"
)

const maxSlackRetries = 3

type webhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// SlackEscalator posts operator escalations to a Slack incoming webhook.
// Without a webhook URL it only logs.
type SlackEscalator struct {
	url     string
	channel string
	post    webhookPoster
}

// NewSlackEscalator creates a SlackEscalator.
func NewSlackEscalator(webhookURL, channel string) *SlackEscalator {
	return &SlackEscalator{url: webhookURL, channel: channel, post: slack.PostWebhookContext}
}

// Escalate notifies operators about e.
func (s *SlackEscalator) Escalate(ctx context.Context, e model.Escalation) error {
	if s.url == "" {
		zap.L().Warn("delivery: escalation (slack not configured)",
			zap.String("load_id", e.LoadID),
			zap.String("reason", e.Reason),
			zap.String("detail", e.Detail),
		)
		return nil
	}

	msg := escalationMessage(e)
	msg.Channel = s.channel
	err := retryOnRateLimit(ctx, func() error {
		return s.post(ctx, s.url, msg)
	})
	if err != nil {
		return eris.Wrapf(err, "delivery: post escalation for %s", e.LoadID)
	}
	return nil
}

func escalationMessage(e model.Escalation) *slack.WebhookMessage {
	title := fmt.Sprintf("Load %s needs attention: %s", e.LoadNumber, e.Reason)
	att := slack.Attachment{
		Title:    title,
		Text:     e.Detail,
		Color:    reasonColor(e.Reason),
		Fallback: title,
		Fields: []slack.AttachmentField{
			{Title: "Load", Value: e.LoadNumber, Short: true},
			{Title: "Reason", Value: e.Reason, Short: true},
		},
	}
	if e.CarrierID != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "Carrier", Value: e.CarrierID, Short: true})
	}
	if !e.At.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(e.At.Unix(), 10))
	}
	return &slack.WebhookMessage{Text: title, Attachments: []slack.Attachment{att}}
}

func reasonColor(reason string) string {
	switch reason {
	case model.EscalateNeedsReview, model.EscalateFollowUpLimit:
		return "warning"
	default:
		return "danger"
	}
}

// retryOnRateLimit calls fn again after Slack's RetryAfter when rate limited.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxSlackRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(1<<attempt) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
