// Package aicache is the append-only, warehouse-backed cache of AI-model
// responses (spec C6). Same contract as the API cache — newest non-expired
// row wins on read, warehouse failures degrade to a miss/no-op — keyed
// instead on (model, prompt_fingerprint, config_fingerprint).
package aicache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/cachekey"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"go.uber.org/zap"
)

const table = "ai_prompt_cache"

var columns = []string{"cache_key", "model", "prompt_fingerprint", "response_json", "meta_json", "ttl_seconds", "created_at"}

// Entry is one cached model response.
type Entry struct {
	Body json.RawMessage
	Meta map[string]string
}

// Cache is safe for concurrent use; it holds no mutable state of its own.
type Cache struct {
	wh *warehouse.Client
}

func New(wh *warehouse.Client) *Cache {
	return &Cache{wh: wh}
}

// Key derives the deterministic cache key for a canonicalized model request.
func Key(req cachekey.AIRequest) string {
	return cachekey.ForAIRequest(req)
}

// Get returns the newest non-expired entry for cacheKey, or (Entry{}, false)
// on a miss or on a warehouse read failure (logged, not propagated).
func (c *Cache) Get(ctx context.Context, model, cacheKey string) (Entry, bool) {
	log := ctxlog.Logger(ctx)

	rows, err := c.wh.Query(ctx, `
		SELECT response_json, meta_json, ttl_seconds, created_at
		FROM `+table+`
		WHERE cache_key = ? AND model = ?
		ORDER BY created_at DESC`, cacheKey, model)
	if err != nil {
		log.Warn("aicache: read failed, treating as miss", zap.Error(err))
		return Entry{}, false
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var responseJSON, metaJSON string
		var ttlSeconds int64
		var createdAt time.Time
		if err := rows.Scan(&responseJSON, &metaJSON, &ttlSeconds, &createdAt); err != nil {
			log.Warn("aicache: scan failed, treating as miss", zap.Error(err))
			return Entry{}, false
		}
		if createdAt.Add(time.Duration(ttlSeconds) * time.Second).Before(now) {
			continue
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		return Entry{Body: json.RawMessage(responseJSON), Meta: meta}, true
	}
	return Entry{}, false
}

// Put appends one row. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, model, promptFingerprint, cacheKey string, responseJSON json.RawMessage, ttl time.Duration, meta map[string]string) {
	log := ctxlog.Logger(ctx)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	row := warehouse.Row{cacheKey, model, promptFingerprint, string(responseJSON), string(metaJSON), int64(ttl.Seconds()), time.Now()}
	if err := c.wh.AppendRows(ctx, table, columns, []warehouse.Row{row}); err != nil {
		log.Warn("aicache: write failed, proceeding without cache entry", zap.Error(err))
	}
}
