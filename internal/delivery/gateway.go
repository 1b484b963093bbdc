// Package delivery sends outbound messages (info requests to shippers,
// load offers to carriers) and operator escalations.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
)

// Message kinds understood by the gateway.
const (
	KindRequestInfo = "request_more_info"
	KindLoadOffer   = "load_offer"
)

// Payload is the structured body posted to the gateway. The gateway owns
// rendering it into an email or text.
type Payload struct {
	Kind           string       `json:"kind"`
	IdempotencyKey string       `json:"idempotency_key"`
	From           string       `json:"from,omitempty"`
	To             string       `json:"to"`
	ThreadID       string       `json:"thread_id,omitempty"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	Subject        string       `json:"subject,omitempty"`
	Load           LoadSummary  `json:"load"`
	MissingFields  []string     `json:"missing_fields,omitempty"`
	Carrier        *CarrierInfo `json:"carrier,omitempty"`
	Tier           int          `json:"tier,omitempty"`
}

// LoadSummary is the load as shown to recipients.
type LoadSummary struct {
	ID         string       `json:"id"`
	LoadNumber string       `json:"load_number"`
	Fields     model.Fields `json:"fields"`
}

// CarrierInfo identifies the offer recipient.
type CarrierInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Response is the gateway's reply.
type Response struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) {
		g.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.http.Timeout = d
	}
}

// WithFrom sets the sender address put on every message.
func WithFrom(addr string) Option {
	return func(g *Gateway) {
		g.from = addr
	}
}

// Gateway posts messages to an HTTP delivery webhook. It serves as both the
// shipper notifier and the carrier dispatcher.
type Gateway struct {
	url    string
	apiKey string
	from   string
	http   *http.Client
}

// NewGateway creates a Gateway posting to url.
func NewGateway(url, apiKey string, opts ...Option) *Gateway {
	g := &Gateway{
		url:    url,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestMoreInfo asks the shipper for the missing fields, threaded onto
// the original conversation. It returns the outbound message id.
func (g *Gateway) RequestMoreInfo(ctx context.Context, load *model.Load, missing []string) (string, error) {
	p := Payload{
		Kind:           KindRequestInfo,
		IdempotencyKey: fmt.Sprintf("%s:info:%d", load.ID, load.FollowUpCount+1),
		To:             load.ShipperEmail,
		ThreadID:       load.ThreadID,
		InReplyTo:      load.LatestMessageID,
		Subject:        replySubject(load),
		Load:           summarize(load),
		MissingFields:  missing,
	}
	resp, err := g.post(ctx, p)
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Dispatch offers the load to one carrier. (load, carrier) is the
// idempotency key, so a repeated call is not a second offer.
func (g *Gateway) Dispatch(ctx context.Context, load *model.Load, score model.CarrierScore, tier int) (model.DeliveryResult, error) {
	p := Payload{
		Kind:           KindLoadOffer,
		IdempotencyKey: load.ID + ":" + score.CarrierID,
		To:             score.CarrierEmail,
		Subject:        "Load " + load.LoadNumber,
		Load:           summarize(load),
		Carrier:        &CarrierInfo{ID: score.CarrierID, Name: score.CarrierName, Score: score.Total},
		Tier:           tier,
	}
	resp, err := g.post(ctx, p)
	if err != nil {
		return model.DeliveryResult{}, err
	}
	status := model.AttemptStatus(resp.Status)
	if !status.Succeeded() && status != model.AttemptFailed {
		status = model.AttemptSent
	}
	return model.DeliveryResult{Status: status, ExternalMessageID: resp.MessageID}, nil
}

func (g *Gateway) post(ctx context.Context, p Payload) (*Response, error) {
	if p.From == "" {
		p.From = g.from
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "delivery: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "delivery: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "delivery: post %s", p.Kind), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "delivery: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := eris.Errorf("delivery: %s returned status %d: %s", p.Kind, resp.StatusCode, truncate(string(raw), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, eris.Wrap(err, "delivery: decode response")
		}
	}
	if out.MessageID == "" {
		return nil, eris.Errorf("delivery: %s response has no message_id", p.Kind)
	}
	return &out, nil
}

func summarize(load *model.Load) LoadSummary {
	return LoadSummary{ID: load.ID, LoadNumber: load.LoadNumber, Fields: load.Fields.Clone()}
}

func replySubject(load *model.Load) string {
	subject := load.Subject
	if subject == "" {
		subject = "Load request"
	}
	return fmt.Sprintf("Re: %s [%s]", subject, load.LoadNumber)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
