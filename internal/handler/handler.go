// Package handler defines the plugin contract task kinds implement (spec
// C11) and the bounded fan-out / blocking-offload combinators every
// handler builds on. Handlers never touch the result store or the
// callback transport directly — only the runner does, after execute
// returns.
package handler

import (
	"context"
	"encoding/json"

	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
)

// Payload is the opaque, handler-specific task body. job_id and one of
// account_id/lead_id are checked present by the delivery endpoint (and by
// the admin retry path) before the runner is called; task_kind comes from
// the delivery path and is not required in the body. Unknown fields are
// preserved verbatim.
type Payload map[string]any

// Handler is the contract a task_kind plugin implements.
type Handler interface {
	// TaskKind is the registry key this handler answers for.
	TaskKind() string

	// ConcurrencyLimit bounds in-handler fan-out; 0 means the handler does
	// no internal fan-out or imposes no limit of its own.
	ConcurrencyLimit() int

	// Execute runs the task. A nil result means "no final callback" — the
	// runner still returns summary to the delivery endpoint but stores
	// nothing and delivers nothing. An error means an uncaught failure;
	// the runner synthesizes a failed result from it.
	Execute(ctx context.Context, payload Payload) (*resultstore.Result, json.RawMessage, error)
}
