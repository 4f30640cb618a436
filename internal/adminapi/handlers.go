package adminapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/runner"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// rawDataStagePayloadSnapshot is the reserved stage name the runner writes
// the inbound task payload under before execute() starts, so a later
// retry can reconstruct it. Handlers writing their own audit rows under
// other stage names do not affect retry eligibility.
const rawDataStagePayloadSnapshot = "task_payload"

// StatusView is the derived per-(task_kind,job_id,entity_id) status the
// admin API reports (spec §6).
type StatusView struct {
	TaskKind   string     `json:"task_kind"`
	EntityID   string     `json:"entity_id"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Handlers implements the admin/status API handler methods.
type Handlers struct {
	wh     *warehouse.Client
	runner *runner.Runner
}

func NewHandlers(wh *warehouse.Client, r *runner.Runner) *Handlers {
	return &Handlers{wh: wh, runner: r}
}

// GetStatus handles GET /jobs/{job_id}/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	views, err := h.statusViews(r.Context(), jobID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STATUS_QUERY_FAILED", err.Error())
		return
	}
	if len(views) == 0 {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("no records for job_id %q", jobID))
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ListFailed handles GET /jobs/failed?since=<ts>&task_kind=<k>.
func (h *Handlers) ListFailed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Time{}
	if s := q.Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be RFC3339")
			return
		}
		since = parsed
	}
	taskKindFilter := q.Get("task_kind")

	rows, err := h.wh.Query(r.Context(), `
		SELECT job_id, task_kind, entity_id, stage, error_json, created_at
		FROM enrichment_raw_data
		WHERE error_json IS NOT NULL AND created_at >= ?
		ORDER BY created_at DESC`, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	defer rows.Close()

	type failedJob struct {
		JobID     string    `json:"job_id"`
		TaskKind  string    `json:"task_kind"`
		EntityID  string    `json:"entity_id"`
		LastError string    `json:"last_error"`
		FailedAt  time.Time `json:"failed_at"`
	}
	seen := make(map[string]bool)
	var out []failedJob
	for rows.Next() {
		var jobID, taskKind, entityID, stage, errorJSON string
		var createdAt time.Time
		if err := rows.Scan(&jobID, &taskKind, &entityID, &stage, &errorJSON, &createdAt); err != nil {
			writeError(w, http.StatusInternalServerError, "SCAN_FAILED", err.Error())
			return
		}
		if taskKindFilter != "" && taskKind != taskKindFilter {
			continue
		}
		key := taskKind + "|" + jobID + "|" + entityID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, failedJob{JobID: jobID, TaskKind: taskKind, EntityID: entityID, LastError: errorJSON, FailedAt: createdAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// Retry handles POST /jobs/{job_id}/retry. It refuses with 409 unless the
// latest known status for every (task_kind, entity_id) pair under the job
// is failed, and a task_payload snapshot row with job_id and one of
// account_id/lead_id exists to reconstruct the original delivery from
// (Q1 in DESIGN.md).
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	log := ctxlog.Logger(r.Context())

	views, err := h.statusViews(r.Context(), jobID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STATUS_QUERY_FAILED", err.Error())
		return
	}
	if len(views) == 0 {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("no records for job_id %q", jobID))
		return
	}

	var retried []string
	for _, v := range views {
		if v.Status != "failed" {
			writeError(w, http.StatusConflict, "NOT_FAILED", fmt.Sprintf("task_kind %q entity %q latest status is %q, not failed", v.TaskKind, v.EntityID, v.Status))
			return
		}

		payload, ok, err := h.payloadSnapshot(r.Context(), jobID, v.TaskKind, v.EntityID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SNAPSHOT_QUERY_FAILED", err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "NO_PAYLOAD_SNAPSHOT",
				fmt.Sprintf("task_kind %q entity %q has no recoverable task payload; cannot safely retry", v.TaskKind, v.EntityID))
			return
		}

		ctx := ctxlog.WithTag(r.Context(), "retry_triggered_by", "admin_api")
		if _, err := h.runner.Run(ctx, runner.Delivery{TaskKind: v.TaskKind, JobID: jobID, EntityID: v.EntityID, Payload: payload}); err != nil {
			log.Error("adminapi: retry delivery failed", zap.String("task_kind", v.TaskKind), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "RETRY_FAILED", err.Error())
			return
		}
		retried = append(retried, v.TaskKind+"|"+v.EntityID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
}

func (h *Handlers) statusViews(ctx context.Context, jobID, taskKindFilter string) ([]StatusView, error) {
	completed, err := h.latestCompleted(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rawStats, err := h.rawDataStats(ctx, jobID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool)
	for k := range completed {
		keys[k] = true
	}
	for k := range rawStats {
		keys[k] = true
	}

	var views []StatusView
	for key := range keys {
		taskKind, entityID := splitKey(key)
		if taskKindFilter != "" && taskKind != taskKindFilter {
			continue
		}
		stats := rawStats[key]
		view := StatusView{TaskKind: taskKind, EntityID: entityID, Attempts: stats.attempts, StartedAt: stats.startedAt}
		if completed[key] {
			view.Status = "completed"
			finishedAt := stats.lastAt
			view.FinishedAt = &finishedAt
		} else if stats.lastError != "" {
			view.Status = "failed"
			view.LastError = stats.lastError
			finishedAt := stats.lastAt
			view.FinishedAt = &finishedAt
		} else {
			view.Status = "processing"
		}
		views = append(views, view)
	}
	return views, nil
}

type rawStat struct {
	attempts  int
	startedAt time.Time
	lastAt    time.Time
	lastError string
}

func (h *Handlers) latestCompleted(ctx context.Context, jobID string) (map[string]bool, error) {
	rows, err := h.wh.Query(ctx, `
		SELECT DISTINCT task_kind, entity_id FROM enrichment_callbacks WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var taskKind, entityID string
		if err := rows.Scan(&taskKind, &entityID); err != nil {
			return nil, err
		}
		out[taskKind+"|"+entityID] = true
	}
	return out, nil
}

func (h *Handlers) rawDataStats(ctx context.Context, jobID string) (map[string]rawStat, error) {
	rows, err := h.wh.Query(ctx, `
		SELECT task_kind, entity_id, error_json, created_at
		FROM enrichment_raw_data WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]rawStat)
	for rows.Next() {
		var taskKind, entityID string
		var errorJSON sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&taskKind, &entityID, &errorJSON, &createdAt); err != nil {
			return nil, err
		}
		key := taskKind + "|" + entityID
		s := out[key]
		if s.attempts == 0 {
			s.startedAt = createdAt
		}
		s.attempts++
		s.lastAt = createdAt
		if errorJSON.Valid && errorJSON.String != "" {
			s.lastError = errorJSON.String
		}
		out[key] = s
	}
	return out, nil
}

func (h *Handlers) payloadSnapshot(ctx context.Context, jobID, taskKind, entityID string) (map[string]any, bool, error) {
	row := h.wh.QueryRow(ctx, `
		SELECT data_json FROM enrichment_raw_data
		WHERE job_id = ? AND task_kind = ? AND entity_id = ? AND stage = ?
		ORDER BY created_at DESC LIMIT 1`, jobID, taskKind, entityID, rawDataStagePayloadSnapshot)

	var dataJSON string
	if err := row.Scan(&dataJSON); err != nil {
		return nil, false, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
		return nil, false, nil
	}
	if jid, _ := payload["job_id"].(string); jid == "" {
		return nil, false, nil
	}
	accountID, _ := payload["account_id"].(string)
	leadID, _ := payload["lead_id"].(string)
	if accountID == "" && leadID == "" {
		return nil, false, nil
	}
	return payload, true, nil
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}
