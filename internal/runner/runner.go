// Package runner implements the idempotency-aware execution loop invoked
// per delivery (spec C10) — the only component permitted to write to the
// result store or drive the callback transport. It is the one place the
// control flow described by the specification's §4.7 happens:
// existing-result short-circuit, handler execution, idempotent storage on
// completion, and callback delivery.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Userport-ai/enrichment-worker/internal/callback"
	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/rawdata"
	"github.com/Userport-ai/enrichment-worker/internal/registry"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"go.uber.org/zap"
)

// Outcome tells the delivery endpoint (C12) how to respond to the queue.
type Outcome struct {
	// Summary is returned verbatim to the caller on success.
	Summary json.RawMessage
	// Redeliver, when true, means the endpoint must answer with a 5xx so
	// the queue retries; otherwise it answers 200 even if the task itself
	// reported status=failed (the delivery was still handled).
	Redeliver bool
}

// ErrUnknownTaskKind is returned when the registry has no handler for the
// requested task_kind; C12 maps it to a 404.
var ErrUnknownTaskKind = errors.New("runner: unknown task_kind")

// Runner wires the registry, result store, raw-data audit trail, and
// callback transport.
type Runner struct {
	registry *registry.Registry
	results  *resultstore.Store
	raw      *rawdata.Store
	deliver  *callback.Transport
}

func New(reg *registry.Registry, results *resultstore.Store, raw *rawdata.Store, deliver *callback.Transport) *Runner {
	return &Runner{registry: reg, results: results, raw: raw, deliver: deliver}
}

// Delivery is one queue delivery, as parsed by C12 from the inbound body.
type Delivery struct {
	TaskKind string
	JobID    string
	EntityID string
	Payload  map[string]any
}

// Run executes the §4.7 control flow for one delivery.
func (r *Runner) Run(ctx context.Context, d Delivery) (Outcome, error) {
	log := ctxlog.Logger(ctx)
	idempotencyKey := idempotencyKeyString(d.TaskKind, d.JobID, d.EntityID)

	h, err := r.registry.Lookup(d.TaskKind)
	if err != nil {
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTaskKind, d.TaskKind)
		}
		return Outcome{}, err
	}

	existing, found, err := r.results.Get(ctx, d.TaskKind, d.JobID, d.EntityID)
	if err != nil {
		log.Warn("runner: idempotency lookup failed, proceeding with fresh execution",
			zap.String("idempotency_key", idempotencyKey), zap.Error(err))
	}
	if found {
		log.Info("runner: skip-reprocess, resending stored result",
			zap.String("idempotency_key", idempotencyKey))
		if err := r.deliver.Deliver(ctx, idempotencyKey, existing); err != nil {
			log.Error("runner: resend delivery failed", zap.Error(err))
			return Outcome{}, fmt.Errorf("runner: resend: %w", err)
		}
		return Outcome{Summary: summaryView(existing)}, nil
	}

	if err := r.raw.WritePayloadSnapshot(ctx, d.JobID, d.TaskKind, d.EntityID, d.Payload); err != nil {
		log.Warn("runner: failed to snapshot inbound payload, admin-triggered retry won't be possible for this attempt",
			zap.String("idempotency_key", idempotencyKey), zap.Error(err))
	}

	result, summary, execErr := r.execute(ctx, h, d)
	if execErr != nil {
		log.Error("runner: handler execution raised uncaught error, synthesizing failed result",
			zap.String("idempotency_key", idempotencyKey), zap.Error(execErr))
		result = &resultstore.Result{
			JobID: d.JobID, TaskKind: d.TaskKind, EntityID: d.EntityID,
			Status: "failed",
			ErrorDetails: &resultstore.ErrorDetails{
				Type: fmt.Sprintf("%T", execErr), Message: execErr.Error(), Stage: rawdata.StageExecute,
			},
		}
		summary = summaryView(*result)
	}

	if result == nil {
		// "no final callback": nothing to store, nothing to deliver.
		return Outcome{Summary: summary}, nil
	}

	if err := r.raw.WriteAttempt(ctx, d.JobID, d.TaskKind, d.EntityID, rawdata.StageExecute, result.ErrorDetails); err != nil {
		log.Warn("runner: failed to record attempt audit row", zap.Error(err))
	}

	if result.Status == resultstore.StatusCompleted {
		if err := r.results.Put(ctx, *result); err != nil {
			log.Error("runner: failed to persist idempotency entry", zap.Error(err))
			return Outcome{}, fmt.Errorf("runner: store result: %w", err)
		}
	}

	if err := r.deliver.Deliver(ctx, idempotencyKey, *result); err != nil {
		if result.Status == resultstore.StatusCompleted {
			// Idempotency entry is already durable; the next redelivery
			// short-circuits at the existing-result branch above and
			// resends from the stored row (I2).
			return Outcome{Redeliver: true}, fmt.Errorf("runner: callback delivery failed after idempotency storage: %w", err)
		}
		log.Warn("runner: failure-result callback delivery failed, not retried by design",
			zap.String("idempotency_key", idempotencyKey), zap.Error(err))
	}

	return Outcome{Summary: summary}, nil
}

func (r *Runner) execute(ctx context.Context, h registry.Handler, d Delivery) (result *resultstore.Result, summary json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Execute(ctx, d.Payload)
}

func summaryView(r resultstore.Result) json.RawMessage {
	view := struct {
		JobID                string `json:"job_id"`
		TaskKind             string `json:"task_kind"`
		EntityID             string `json:"entity_id"`
		Status               string `json:"status"`
		CompletionPercentage int    `json:"completion_percentage"`
	}{r.JobID, r.TaskKind, r.EntityID, r.Status, r.CompletionPercentage}
	b, _ := json.Marshal(view)
	return b
}

func idempotencyKeyString(taskKind, jobID, entityID string) string {
	return taskKind + "|" + jobID + "|" + entityID
}
