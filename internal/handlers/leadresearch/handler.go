// Package leadresearch is a reference task_kind plugin: it runs an
// Anthropic-backed research prompt per lead in a payload's lead list,
// bounded by ConcurrencyLimit, caching each prompt response through the
// AI response cache (C6). It directly realizes the fan-out-with-partial-
// failure scenario the specification describes: one bad lead does not
// fail the whole batch.
package leadresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/aicache"
	"github.com/Userport-ai/enrichment-worker/internal/cachekey"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"
)

const TaskKind = "lead_research"

const model = "claude-sonnet-4-5"

const defaultConcurrencyLimit = 4

const aicacheTTL = 24 * time.Hour

// Model is the narrow surface this handler needs from the Anthropic
// client, so tests can stub it without a live API key.
type Model interface {
	Research(ctx context.Context, prompt string) (string, error)
}

// AnthropicModel calls the real Messages API.
type AnthropicModel struct {
	client anthropic.Client
}

func NewAnthropicModel(client anthropic.Client) *AnthropicModel {
	return &AnthropicModel{client: client}
}

func (m *AnthropicModel) Research(ctx context.Context, prompt string) (string, error) {
	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("leadresearch: anthropic request: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}

// Handler implements handler.Handler for TaskKind.
type Handler struct {
	model             Model
	cache             *aicache.Cache
	concurrencyLimit  int
	version           string
}

func New(model Model, cache *aicache.Cache) *Handler {
	return &Handler{model: model, cache: cache, concurrencyLimit: defaultConcurrencyLimit, version: "v1"}
}

func (h *Handler) TaskKind() string      { return TaskKind }
func (h *Handler) ConcurrencyLimit() int { return h.concurrencyLimit }

type leadOutcome struct {
	LeadID string `json:"lead_id"`
	Notes  string `json:"notes,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) Execute(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
	log := ctxlog.Logger(ctx)

	jobID, _ := payload["job_id"].(string)
	entityID, _ := payload["account_id"].(string)
	leads, err := leadsFrom(payload)
	if err != nil {
		return nil, nil, err
	}

	outcomes := handler.Fanout(ctx, leads, h.concurrencyLimit, func(ctx context.Context, lead string) (leadOutcome, error) {
		notes, err := h.researchOne(ctx, lead)
		if err != nil {
			return leadOutcome{LeadID: lead, Error: err.Error()}, err
		}
		return leadOutcome{LeadID: lead, Notes: notes}, nil
	})

	items := make([]leadOutcome, 0, len(outcomes))
	errCount := 0
	for _, o := range outcomes {
		items = append(items, o.Value)
		if o.Err != nil {
			errCount++
			log.Warn("leadresearch: item failed", zap.String("lead_id", o.Value.LeadID), zap.Error(o.Err))
		}
	}

	processedData, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("leadresearch: marshal results: %w", err)
	}

	result := &resultstore.Result{
		JobID: jobID, TaskKind: TaskKind, EntityID: entityID, Status: resultstore.StatusCompleted,
		Source: "anthropic", CompletionPercentage: 100, ProcessedData: processedData,
	}
	summary, _ := json.Marshal(struct {
		Total, Succeeded, Failed int
	}{len(items), len(items) - errCount, errCount})
	return result, summary, nil
}

func (h *Handler) researchOne(ctx context.Context, lead string) (string, error) {
	prompt := "Summarize public information relevant to a B2B sales outreach for: " + lead

	key := aicache.Key(cachekey.AIRequest{
		Model: model, PromptFingerprint: prompt, ConfigFingerprint: "default", HandlerVersion: h.version,
	})
	if entry, ok := h.cache.Get(ctx, model, key); ok {
		var cached string
		if err := json.Unmarshal(entry.Body, &cached); err == nil {
			return cached, nil
		}
	}

	notes, err := h.model.Research(ctx, prompt)
	if err != nil {
		return "", err
	}

	body, _ := json.Marshal(notes)
	h.cache.Put(ctx, model, prompt, key, body, aicacheTTL, nil)
	return notes, nil
}

func leadsFrom(payload handler.Payload) ([]string, error) {
	raw, ok := payload["leads"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("leadresearch: payload missing required field %q", "leads")
	}
	leads := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			leads = append(leads, s)
		}
	}
	return leads, nil
}
