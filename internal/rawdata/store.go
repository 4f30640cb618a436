// Package rawdata is the append-only attempt/error audit trail (the
// enrichment_raw_data table in the expanded spec's warehouse schema):
// one row per stage a delivery passes through, keyed by
// (job_id, task_kind, entity_id, stage). The admin/status API (C13)
// derives attempt counts, last errors, and job status from these rows
// joined against the result store's completed rows.
package rawdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
)

const table = "enrichment_raw_data"

var columns = []string{"job_id", "task_kind", "entity_id", "stage", "data_json", "error_json", "created_at"}

// StagePayloadSnapshot is the reserved stage name under which the runner
// records the inbound delivery payload before execution starts, so a
// later admin-triggered retry can reconstruct the original delivery
// (DESIGN.md Q1).
const StagePayloadSnapshot = "task_payload"

// StageExecute is the stage name recorded for handler execution
// attempts, successful or not.
const StageExecute = "execute"

type Store struct {
	wh *warehouse.Client
}

func New(wh *warehouse.Client) *Store {
	return &Store{wh: wh}
}

// WritePayloadSnapshot records the inbound payload for a delivery under
// the reserved snapshot stage. Failures are logged by the caller's
// discretion; this never blocks execution on a warehouse outage.
func (s *Store) WritePayloadSnapshot(ctx context.Context, jobID, taskKind, entityID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.appendRow(ctx, jobID, taskKind, entityID, StagePayloadSnapshot, data, nil)
}

// WriteAttempt records one execution attempt: its stage, and, if the
// attempt failed, the error detail.
func (s *Store) WriteAttempt(ctx context.Context, jobID, taskKind, entityID, stage string, errDetails *resultstore.ErrorDetails) error {
	var errJSON json.RawMessage
	if errDetails != nil {
		b, err := json.Marshal(errDetails)
		if err != nil {
			return err
		}
		errJSON = b
	}
	return s.appendRow(ctx, jobID, taskKind, entityID, stage, nil, errJSON)
}

func (s *Store) appendRow(ctx context.Context, jobID, taskKind, entityID, stage string, data, errJSON json.RawMessage) error {
	if data == nil {
		data = json.RawMessage("{}")
	}
	var errVal any
	if errJSON != nil {
		errVal = string(errJSON)
	}
	row := warehouse.Row{jobID, taskKind, entityID, stage, string(data), errVal, time.Now().UTC()}
	return s.wh.AppendRows(ctx, table, columns, []warehouse.Row{row})
}
