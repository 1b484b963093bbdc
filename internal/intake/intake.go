// Package intake qualifies inbound load requests. It merges extracted fields
// into a per-load ledger, matches follow-up messages to the load they answer,
// and moves each load through RECEIVED, INCOMPLETE, COMPLETE and finally
// QUALIFIED or NEEDS_REVIEW.
package intake

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
)

var (
	// ErrExtractionFailure is returned when the extractor kept failing after
	// all retries. The load is left in its current state and flagged for
	// manual extraction.
	ErrExtractionFailure = eris.New("intake: extraction failed")
	// ErrResolutionNotFound means no INCOMPLETE load matches a follow-up.
	ErrResolutionNotFound = eris.New("intake: no pending load for message")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the load's current status.
	ErrInvalidTransition = eris.New("intake: invalid transition")
)

// Intent tells Route how to treat an inbound message.
type Intent string

const (
	// IntentUnknown lets Route try a follow-up match first.
	IntentUnknown   Intent = ""
	IntentNewTender Intent = "new_tender"
	IntentFollowUp  Intent = "follow_up"
)

// Message is one inbound shipper email.
type Message struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Intent     Intent    `json:"intent,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// threadToken returns the correlation token of a message: the explicit
// thread id, else the message it replies to.
func (m Message) threadToken() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.InReplyTo
}

// ExtractRequest asks the extractor for field values found in FreeText.
// Requested limits the answer to the listed fields; Known carries the
// values already on the load for context.
type ExtractRequest struct {
	FreeText  string       `json:"free_text"`
	Known     model.Fields `json:"known"`
	Requested []string     `json:"requested"`
}

// ExtractResult holds extracted values. Absent or null values are unknown.
type ExtractResult struct {
	Fields     model.Fields `json:"fields"`
	Confidence float64      `json:"confidence"`
}

// Extractor turns free text into field values.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
}

// Notifier sends "please provide the missing details" messages to the
// shipper and returns the outbound message id.
type Notifier interface {
	RequestMoreInfo(ctx context.Context, load *model.Load, missing []string) (string, error)
}

// Escalator notifies human operators.
type Escalator interface {
	Escalate(ctx context.Context, e model.Escalation) error
}

func normalizeEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		if j := strings.Index(addr[i:], ">"); j > 0 {
			addr = addr[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
