package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
)

func TestSlackEscalator_PostsWebhook(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	esc := NewSlackEscalator(srv.URL, "#dispatch-ops")
	err := esc.Escalate(context.Background(), model.Escalation{
		LoadID:     "load-1",
		LoadNumber: "LD-42",
		CarrierID:  "c-9",
		Reason:     model.EscalateDeliveryFailed,
		Detail:     "gateway returned 503",
		At:         time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "#dispatch-ops", got.Channel)
	assert.Contains(t, got.Text, "LD-42")
	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "gateway returned 503", att.Text)
	require.Len(t, att.Fields, 3)
	assert.Equal(t, "c-9", att.Fields[2].Value)
}

func TestSlackEscalator_NoURLOnlyLogs(t *testing.T) {
	esc := NewSlackEscalator("", "")
	esc.post = func(context.Context, string, *slack.WebhookMessage) error {
		t.Fatal("should not post")
		return nil
	}
	assert.NoError(t, esc.Escalate(context.Background(), model.Escalation{LoadID: "load-1", Reason: model.EscalateNoCarriers}))
}

func TestSlackEscalator_RetriesRateLimit(t *testing.T) {
	calls := 0
	esc := NewSlackEscalator("https://hooks.slack.example/x", "")
	esc.post = func(context.Context, string, *slack.WebhookMessage) error {
		calls++
		if calls < 3 {
			return &slack.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	}

	require.NoError(t, esc.Escalate(context.Background(), model.Escalation{LoadID: "load-1", Reason: model.EscalateNeedsReview}))
	assert.Equal(t, 3, calls)
}

func TestSlackEscalator_OtherErrorsAreNotRetried(t *testing.T) {
	calls := 0
	esc := NewSlackEscalator("https://hooks.slack.example/x", "")
	esc.post = func(context.Context, string, *slack.WebhookMessage) error {
		calls++
		return errors.New("invalid_payload")
	}

	err := esc.Escalate(context.Background(), model.Escalation{LoadID: "load-1", Reason: model.EscalateNeedsReview})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestReasonColor(t *testing.T) {
	assert.Equal(t, "warning", reasonColor(model.EscalateNeedsReview))
	assert.Equal(t, "warning", reasonColor(model.EscalateFollowUpLimit))
	assert.Equal(t, "danger", reasonColor(model.EscalateExtractionFailed))
}
