// Package accountenhance is a reference task_kind plugin: it looks up an
// account against an external data provider through the API response
// cache (C5), demonstrating the handler contract end to end. A real
// deployment replaces this with an actual provider integration (Apollo,
// Clearbit, etc.) — this package exists to exercise C5/C9/C10/C11 with a
// concrete, runnable handler rather than leaving them untested in
// isolation.
package accountenhance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/apicache"
	"github.com/Userport-ai/enrichment-worker/internal/cachekey"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/httppool"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/retry"
	"go.uber.org/zap"
)

const TaskKind = "account_enhance"

const providerName = "demo-directory"

const cacheTTL = time.Hour

// Provider is the external data source; an interface so tests can stub it
// without standing up an HTTP server for every case.
type Provider interface {
	Lookup(ctx context.Context, domain string) (json.RawMessage, error)
}

// HTTPProvider calls a real HTTP directory endpoint through the shared pool.
type HTTPProvider struct {
	BaseURL string
	Pool    *httppool.Pool
}

func (p *HTTPProvider) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/v1/companies?domain=%s", p.BaseURL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var body json.RawMessage
	err = retry.Do(ctx, retry.Policy{MaxAttempts: 3, Base: 200 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2}, func(ctx context.Context, attempt int) error {
		client, release, err := p.Pool.Acquire(ctx, req.URL.Host)
		if err != nil {
			return retry.Retryable(err)
		}
		defer release()

		resp, err := client.Do(req)
		if err != nil {
			p.Pool.RecordResult(req.URL.Host, false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		p.Pool.RecordResult(req.URL.Host, resp.StatusCode < 500)

		if resp.StatusCode >= 500 {
			return retry.Retryable(fmt.Errorf("provider returned %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("provider returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&body)
	})
	return body, err
}

// Handler implements handler.Handler for TaskKind.
type Handler struct {
	provider Provider
	cache    *apicache.Cache
	version  string
}

func New(provider Provider, cache *apicache.Cache) *Handler {
	return &Handler{provider: provider, cache: cache, version: "v1"}
}

func (h *Handler) TaskKind() string      { return TaskKind }
func (h *Handler) ConcurrencyLimit() int { return 0 }

func (h *Handler) Execute(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
	log := ctxlog.Logger(ctx)

	jobID, _ := payload["job_id"].(string)
	entityID, _ := entityIDFrom(payload)
	domain, _ := payload["domain"].(string)
	if domain == "" {
		return nil, nil, fmt.Errorf("accountenhance: payload missing required field %q", "domain")
	}

	key := apicache.Key(cachekey.APIRequest{
		Method: http.MethodGet, URL: "https://" + providerName + "/v1/companies", Query: map[string]string{"domain": domain},
		HandlerVersion: h.version,
	})

	var body json.RawMessage
	if entry, ok := h.cache.Get(ctx, providerName, key); ok {
		log.Debug("accountenhance: cache hit", zap.String("domain", domain))
		body = entry.Body
	} else {
		var err error
		body, err = h.provider.Lookup(ctx, domain)
		if err != nil {
			result := &resultstore.Result{
				JobID: jobID, TaskKind: TaskKind, EntityID: entityID, Status: "failed", Source: providerName,
				ErrorDetails: &resultstore.ErrorDetails{Type: fmt.Sprintf("%T", err), Message: err.Error(), Stage: "provider_lookup"},
			}
			return result, summarize(result), nil
		}
		h.cache.Put(ctx, providerName, key, json.RawMessage(`{"domain":"`+domain+`"}`), body, cacheTTL, nil)
	}

	result := &resultstore.Result{
		JobID: jobID, TaskKind: TaskKind, EntityID: entityID, Status: resultstore.StatusCompleted,
		Source: providerName, CompletionPercentage: 100, ProcessedData: body,
	}
	return result, summarize(result), nil
}

func summarize(r *resultstore.Result) json.RawMessage {
	b, _ := json.Marshal(struct {
		Status string `json:"status"`
		Source string `json:"source"`
	}{r.Status, r.Source})
	return b
}

func entityIDFrom(payload handler.Payload) (string, bool) {
	if v, ok := payload["account_id"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := payload["lead_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}
