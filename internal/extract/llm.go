// Package extract implements the field extraction collaborator on top of
// the Anthropic Messages API.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/intake"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/pkg/anthropic"
)

const systemPrompt = `You read freight load requests sent by shippers and return the shipment details as JSON.

Fields:
- origin_zip: 5-digit ZIP code of the pickup location
- dest_zip: 5-digit ZIP code of the delivery location
- pickup_dt: ready-for-pickup date or date-time, ISO 8601
- equipment: trailer type (Van, Reefer, Flatbed, Stepdeck, RGN, ...)
- weight_lb: total weight in pounds, integer
- commodity: what is being shipped
- pieces: number of pallets or pieces, integer
- hazmat: true if the shipment is hazardous material
- dims: dimensions as written
- special_instructions: anything else the carrier must know

Rules:
- Only report values stated in the message. Use null for anything not stated.
- Never guess a ZIP code from a city name unless the ZIP is written.
- Respond with a single JSON object and nothing else:
{"fields": {"<field>": <value or null>, ...}, "confidence": <0.0 to 1.0>}`

// response is the JSON shape the model is asked for.
type response struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
}

// LLMExtractor implements intake.Extractor with a language model.
type LLMExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMExtractor creates an extractor from the anthropic config section.
func NewLLMExtractor(client anthropic.Client, cfg config.AnthropicConfig) *LLMExtractor {
	e := &LLMExtractor{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}
	if e.model == "" {
		e.model = "claude-haiku-4-5-20251001"
	}
	if e.maxTokens <= 0 {
		e.maxTokens = 1024
	}
	return e
}

// Extract asks the model for field values found in req.FreeText. When
// req.Requested is set only those fields are returned. API and parse
// failures are transient extraction failures.
func (e *LLMExtractor) Extract(ctx context.Context, req intake.ExtractRequest) (*intake.ExtractResult, error) {
	zero := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(req)}},
		Temperature: &zero,
	})
	if err != nil {
		return nil, failure(err)
	}
	resp.Usage.LogCost(e.model, "extract")

	var out response
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &out); err != nil {
		zap.L().Warn("extract: unparseable model output",
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, failure(eris.Wrap(err, "parse model output"))
	}

	return &intake.ExtractResult{
		Fields:     filter(out.Fields, req.Requested),
		Confidence: clamp(out.Confidence),
	}, nil
}

func failure(cause error) error {
	return resilience.NewTransientError(eris.Wrapf(intake.ErrExtractionFailure, "%v", cause), 0)
}

func userPrompt(req intake.ExtractRequest) string {
	var b strings.Builder
	if len(req.Requested) > 0 {
		fmt.Fprintf(&b, "Only extract these fields: %s\n\n", strings.Join(req.Requested, ", "))
	}
	if len(req.Known) > 0 {
		known, _ := json.Marshal(req.Known)
		fmt.Fprintf(&b, "Already known about this load (do not repeat unless the message changes them):\n%s\n\n", known)
	}
	b.WriteString("Message:\n")
	b.WriteString(req.FreeText)
	return b.String()
}

// filter drops nulls and, when requested is non-empty, any field not in it.
func filter(in map[string]any, requested []string) model.Fields {
	var allow map[string]bool
	if len(requested) > 0 {
		allow = make(map[string]bool, len(requested))
		for _, k := range requested {
			allow[k] = true
		}
	}
	out := model.Fields{}
	for k, v := range in {
		if v == nil || (allow != nil && !allow[k]) {
			continue
		}
		out[k] = v
	}
	return out
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// cleanJSON pulls a JSON object out of text that may be wrapped in
// markdown code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
