// Package extract turns call transcripts into candidate field values using
// the Anthropic Messages API.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/resilience"
	"github.com/het0814/SD-voice-ai-service/pkg/anthropic"
)

const confidenceGuide = `CONFIDENCE SCORING GUIDE:
- 1.0: explicitly stated with no ambiguity ("Yes, we accept Blue Cross")
- 0.8-0.9: clearly implied or stated with minor hedging ("I believe we still take Aetna")
- 0.6-0.7: indirectly stated or partially answered ("We take most major plans")
- 0.4-0.5: vague or uncertain ("I'm not sure, maybe check our website")
- 0.1-0.3: inferred from context but not directly stated`

const outputContract = `Return ONLY a JSON object of the form
{"fields": [{"field_name": "accepting_new_patients", "value": true, "confidence": 0.95, "source_segment": "Yes, we are taking new patients."}]}
Only include fields that were actually discussed. Return {"fields": []} when nothing relevant was said.`

// Config tunes the extractor.
type Config struct {
	Model     string
	MaxTokens int64
	Retry     resilience.RetryConfig
	Breaker   resilience.CircuitBreakerConfig
}

// Extractor calls the model and parses its answer into candidates.
type Extractor struct {
	client  anthropic.Client
	cfg     Config
	system  []anthropic.SystemBlock
	breaker *resilience.CircuitBreaker
}

// New creates an Extractor. The system prompt lists the registry's fields
// so the model answers with recognised keys.
func New(client anthropic.Client, cfg Config, registry *model.FieldRegistry) *Extractor {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if registry == nil {
		registry = model.DefaultFieldRegistry()
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "extract")
	}
	cfg.Breaker.ShouldTrip = resilience.IsTransient
	return &Extractor{
		client:  client,
		cfg:     cfg,
		system:  anthropic.BuildCachedSystemBlocks(systemPrompt(registry)),
		breaker: resilience.NewCircuitBreaker("anthropic", cfg.Breaker),
	}
}

func systemPrompt(registry *model.FieldRegistry) string {
	var b strings.Builder
	b.WriteString("You are a precise data extraction system. You read transcripts of calls between a ")
	b.WriteString("verification agent and a specialist's office staff and extract directory facts.\n\n")
	b.WriteString("FIELD KEYS:\n")
	for _, f := range registry.Fields {
		fmt.Fprintf(&b, "- %s: %s", f.Name, f.Kind)
		if f.Description != "" {
			fmt.Fprintf(&b, " (%s)", f.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\n")
	b.WriteString(confidenceGuide)
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

// Extract returns the candidates found in transcript. An empty transcript
// yields none without calling the model. Low-information transcripts are
// expressed through low confidence, not errors.
func (e *Extractor) Extract(ctx context.Context, transcript string) ([]model.Candidate, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      e.system,
		Messages:    []anthropic.Message{{Role: "user", Content: "TRANSCRIPT:\n" + transcript}},
		Temperature: &temp,
	}

	resp, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := e.client.CreateMessage(ctx, req)
			if err != nil {
				if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
					return nil, resilience.NewTransientError(err, code)
				}
				return nil, err
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: create message")
	}
	resp.Usage.LogCost(e.cfg.Model, "extraction")

	candidates, err := Parse(resp.Text())
	if err != nil {
		return nil, err
	}
	zap.L().Debug("extract: candidates parsed",
		zap.Int("count", len(candidates)),
		zap.String("stop_reason", resp.StopReason),
	)
	return candidates, nil
}
