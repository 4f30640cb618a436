// Package apicache is the append-only, warehouse-backed cache of external
// data-provider responses (spec C5). Entries are never updated; the newest
// non-expired row for a key is authoritative. A warehouse failure on either
// path degrades to a miss/no-op rather than failing the caller — caching
// must never fail a handler.
package apicache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/cachekey"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"go.uber.org/zap"
)

const table = "api_request_cache"

var columns = []string{"cache_key", "provider", "request_json", "response_json", "meta_json", "ttl_seconds", "created_at"}

// Entry is one cached provider response.
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

// Key derives the deterministic cache key for a canonicalized request.
func Key(req cachekey.APIRequest) string {
	return cachekey.ForAPIRequest(req)
}

// Get returns the newest non-expired entry for cacheKey, or (Entry{}, false)
// on a miss or on a warehouse read failure (logged, not propagated).
func (c *Cache) Get(ctx context.Context, provider, cacheKey string) (Entry, bool) {
	log := ctxlog.Logger(ctx)

	rows, err := c.wh.Query(ctx, `
		SELECT response_json, meta_json, ttl_seconds, created_at
		FROM `+table+`
		WHERE cache_key = ? AND provider = ?
		ORDER BY created_at DESC`, cacheKey, provider)
	if err != nil {
		log.Warn("apicache: read failed, treating as miss", zap.Error(err))
		return Entry{}, false
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var responseJSON, metaJSON string
		var ttlSeconds int64
		var createdAt time.Time
		if err := rows.Scan(&responseJSON, &metaJSON, &ttlSeconds, &createdAt); err != nil {
			log.Warn("apicache: scan failed, treating as miss", zap.Error(err))
			return Entry{}, false
		}
		if createdAt.Add(time.Duration(ttlSeconds) * time.Second).Before(now) {
			continue // expired; the newest non-expired row is authoritative, not merely the newest row
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		return Entry{Body: json.RawMessage(responseJSON), Meta: meta}, true
	}
	return Entry{}, false
}

// Put appends one row. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, provider, cacheKey string, requestJSON, responseJSON json.RawMessage, ttl time.Duration, meta map[string]string) {
	log := ctxlog.Logger(ctx)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	row := warehouse.Row{cacheKey, provider, string(requestJSON), string(responseJSON), string(metaJSON), int64(ttl.Seconds()), time.Now()}
	if err := c.wh.AppendRows(ctx, table, columns, []warehouse.Row{row}); err != nil {
		log.Warn("apicache: write failed, proceeding without cache entry", zap.Error(err))
	}
}
