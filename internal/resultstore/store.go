// Package resultstore is the append-only idempotency store (spec C7): the
// authoritative record of completed task outcomes, keyed on
// (task_kind, job_id, entity_id). Only the runner ever writes here (I6);
// writes happen iff status=completed (I1). Oversized payloads are split
// into a logical group of numbered chunks under the same key and
// reassembled on read, in index order, newest complete group wins.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"go.uber.org/zap"
)

const table = "enrichment_callbacks"

var columns = []string{"task_kind", "job_id", "entity_id", "chunk_index", "chunk_count", "payload_json", "created_at"}

// MaxRowBytes bounds a single warehouse row's payload fragment (spec §6).
const MaxRowBytes = 900_000

// Result is the final callback payload a handler produces on success.
type Result struct {
	JobID                string          `json:"job_id"`
	TaskKind             string          `json:"task_kind"`
	EntityID             string          `json:"entity_id"`
	Status               string          `json:"status"`
	Source               string          `json:"source"`
	CompletionPercentage int             `json:"completion_percentage"`
	ProcessedData        json.RawMessage `json:"processed_data"`
	ErrorDetails         *ErrorDetails   `json:"error_details,omitempty"`
}

// ErrorDetails describes a failed result.
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

const StatusCompleted = "completed"

// Store is safe for concurrent use; it holds no mutable state of its own
// beyond the shared warehouse client.
type Store struct {
	wh *warehouse.Client
}

func New(wh *warehouse.Client) *Store {
	return &Store{wh: wh}
}

// Put appends result as one logical chunk group. It is a no-op (returns nil)
// unless result.Status == StatusCompleted — callers must not rely on Put to
// reject failed results; the runner enforces I1 before ever calling Put.
func (s *Store) Put(ctx context.Context, result Result) error {
	if result.Status != StatusCompleted {
		return nil
	}

	chunks := splitPayload(result.ProcessedData, MaxRowBytes)
	now := time.Now()

	rows := make([]warehouse.Row, 0, len(chunks))
	for i, chunk := range chunks {
		withoutData := result
		withoutData.ProcessedData = nil
		envelope, err := json.Marshal(struct {
			Result
			ProcessedDataChunk json.RawMessage `json:"processed_data_chunk"`
		}{Result: withoutData, ProcessedDataChunk: chunk})
		if err != nil {
			return fmt.Errorf("resultstore: marshal chunk %d: %w", i, err)
		}
		rows = append(rows, warehouse.Row{
			result.TaskKind, result.JobID, result.EntityID, i, len(chunks), string(envelope), now,
		})
	}

	if err := s.wh.AppendRows(ctx, table, columns, rows); err != nil {
		return fmt.Errorf("resultstore: append: %w", err)
	}
	return nil
}

// Get returns the most recent completed, complete chunk group for the key,
// reassembled in chunk_index order, or (Result{}, false) if none exists.
func (s *Store) Get(ctx context.Context, taskKind, jobID, entityID string) (Result, bool, error) {
	log := ctxlog.Logger(ctx)

	rows, err := s.wh.Query(ctx, `
		SELECT chunk_index, chunk_count, payload_json, created_at
		FROM `+table+`
		WHERE task_kind = ? AND job_id = ? AND entity_id = ?
		ORDER BY created_at DESC`, taskKind, jobID, entityID)
	if err != nil {
		return Result{}, false, fmt.Errorf("resultstore: query: %w", err)
	}
	defer rows.Close()

	type scanned struct {
		index, count int
		payload      string
		createdAt    time.Time
	}
	var all []scanned
	for rows.Next() {
		var r scanned
		if err := rows.Scan(&r.index, &r.count, &r.payload, &r.createdAt); err != nil {
			return Result{}, false, fmt.Errorf("resultstore: scan: %w", err)
		}
		all = append(all, r)
	}
	if len(all) == 0 {
		return Result{}, false, nil
	}

	// Group rows by created_at (one Put call writes a whole group under one
	// timestamp). Rows arrive newest-group-first since the query orders by
	// created_at DESC, so the groups slice below is already newest-first.
	var groupOrder []time.Time
	groups := make(map[time.Time]map[int]string)
	expectedCounts := make(map[time.Time]int)
	for _, r := range all {
		if _, ok := groups[r.createdAt]; !ok {
			groups[r.createdAt] = make(map[int]string)
			expectedCounts[r.createdAt] = r.count
			groupOrder = append(groupOrder, r.createdAt)
		}
		groups[r.createdAt][r.index] = r.payload
	}

	// §4.6: the newest *complete* group wins on read — an incomplete newest
	// group falls back to the next-newest complete one rather than being
	// treated as "no result".
	for _, ts := range groupOrder {
		groupEnvelopes := groups[ts]
		expectedCount := expectedCounts[ts]
		if len(groupEnvelopes) != expectedCount {
			log.Warn("resultstore: chunk group incomplete, skipping to next-newest group",
				zap.String("task_kind", taskKind), zap.String("job_id", jobID), zap.String("entity_id", entityID),
				zap.Int("have", len(groupEnvelopes)), zap.Int("want", expectedCount))
			continue
		}

		var assembled Result
		dataChunks := make([]json.RawMessage, expectedCount)
		for i := 0; i < expectedCount; i++ {
			var envelope struct {
				Result
				ProcessedDataChunk json.RawMessage `json:"processed_data_chunk"`
			}
			if err := json.Unmarshal([]byte(groupEnvelopes[i]), &envelope); err != nil {
				return Result{}, false, fmt.Errorf("resultstore: unmarshal chunk %d: %w", i, err)
			}
			if i == 0 {
				assembled = envelope.Result
			}
			dataChunks[i] = envelope.ProcessedDataChunk
		}
		assembled.ProcessedData = joinJSONChunks(dataChunks)
		return assembled, true, nil
	}

	log.Warn("resultstore: no complete chunk group found among any stored group",
		zap.String("task_kind", taskKind), zap.String("job_id", jobID), zap.String("entity_id", entityID))
	return Result{}, false, nil
}
