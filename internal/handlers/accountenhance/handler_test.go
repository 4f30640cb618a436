package accountenhance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Userport-ai/enrichment-worker/internal/apicache"
	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	body json.RawMessage
	err  error
	n    int
}

func (s *stubProvider) Lookup(ctx context.Context, domain string) (json.RawMessage, error) {
	s.n++
	return s.body, s.err
}

func TestExecuteFetchesOnMissAndCachesResponse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT response_json").WillReturnRows(
		sqlmock.NewRows([]string{"response_json", "meta_json", "ttl_seconds", "created_at"}))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO api_request_cache").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	provider := &stubProvider{body: json.RawMessage(`{"employees":50}`)}
	h := New(provider, apicache.New(warehouse.NewFromDB(db, nil)))

	result, _, err := h.Execute(context.Background(), handler.Payload{
		"job_id": "j1", "account_id": "a1", "domain": "example.com",
	})
	require.NoError(t, err)
	require.Equal(t, resultstore.StatusCompleted, result.Status)
	require.Equal(t, 1, provider.n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsMissingDomain(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	h := New(&stubProvider{}, apicache.New(warehouse.NewFromDB(db, nil)))
	_, _, err = h.Execute(context.Background(), handler.Payload{"job_id": "j1", "account_id": "a1"})
	require.Error(t, err)
}

func TestExecuteReturnsFailedResultOnProviderError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT response_json").WillReturnRows(
		sqlmock.NewRows([]string{"response_json", "meta_json", "ttl_seconds", "created_at"}))

	provider := &stubProvider{err: errNotFound}
	h := New(provider, apicache.New(warehouse.NewFromDB(db, nil)))

	result, _, err := h.Execute(context.Background(), handler.Payload{
		"job_id": "j1", "account_id": "a1", "domain": "example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "failed", result.Status)
}

var errNotFound = &lookupError{"not found"}

type lookupError struct{ msg string }

func (e *lookupError) Error() string { return e.msg }
