package leadresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/Userport-ai/enrichment-worker/internal/aicache"
	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	fail map[string]bool
}

func (s *stubModel) Research(ctx context.Context, prompt string) (string, error) {
	for lead := range s.fail {
		if s.fail[lead] && len(prompt) > 0 && containsLead(prompt, lead) {
			return "", fmt.Errorf("model error for %s", lead)
		}
	}
	return "notes: " + prompt, nil
}

func containsLead(prompt, lead string) bool {
	return len(prompt) >= len(lead) && indexOf(prompt, lead) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func newHandler(t *testing.T, model Model) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(model, aicache.New(warehouse.NewFromDB(db, nil))), mock
}

func TestExecuteResearchesAllLeads(t *testing.T) {
	h, mock := newHandler(t, &stubModel{})
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("SELECT response_json").WillReturnRows(
		sqlmock.NewRows([]string{"response_json", "meta_json", "ttl_seconds", "created_at"}))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ai_prompt_cache").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, summary, err := h.Execute(context.Background(), handler.Payload{
		"job_id": "j1", "account_id": "a1", "leads": []any{"lead-a"},
	})
	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)

	var s struct{ Total, Succeeded, Failed int }
	require.NoError(t, json.Unmarshal(summary, &s))
	require.Equal(t, 1, s.Total)
	require.Equal(t, 1, s.Succeeded)
	require.Equal(t, 0, s.Failed)
}

func TestExecuteRejectsMissingLeads(t *testing.T) {
	h, _ := newHandler(t, &stubModel{})
	_, _, err := h.Execute(context.Background(), handler.Payload{"job_id": "j1", "account_id": "a1"})
	require.Error(t, err)
}

func TestExecutePartialFailureStillCompletes(t *testing.T) {
	h, mock := newHandler(t, &stubModel{fail: map[string]bool{"bad-lead": true}})
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("SELECT response_json").WillReturnRows(
		sqlmock.NewRows([]string{"response_json", "meta_json", "ttl_seconds", "created_at"}))
	mock.ExpectQuery("SELECT response_json").WillReturnRows(
		sqlmock.NewRows([]string{"response_json", "meta_json", "ttl_seconds", "created_at"}))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ai_prompt_cache").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, summary, err := h.Execute(context.Background(), handler.Payload{
		"job_id": "j1", "account_id": "a1", "leads": []any{"good-lead", "bad-lead"},
	})
	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)

	var s struct{ Total, Succeeded, Failed int }
	require.NoError(t, json.Unmarshal(summary, &s))
	require.Equal(t, 2, s.Total)
	require.Equal(t, 1, s.Succeeded)
	require.Equal(t, 1, s.Failed)
}
