package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/callback"
	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/httppool"
	"github.com/Userport-ai/enrichment-worker/internal/rawdata"
	"github.com/Userport-ai/enrichment-worker/internal/registry"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/retry"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type fnHandler struct {
	kind string
	fn   func(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error)
}

func (h fnHandler) TaskKind() string      { return h.kind }
func (h fnHandler) ConcurrencyLimit() int { return 0 }
func (h fnHandler) Execute(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
	return h.fn(ctx, payload)
}

func newRunner(t *testing.T, h registry.Handler, callbackURL string) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	reg, err := registry.New(h)
	require.NoError(t, err)

	tr, err := callback.New(callback.Config{
		ReceiverURL: callbackURL,
		Pool:        httppool.New(10, 10, 5*time.Second),
		Signer:      callback.NewSigner("enrichment-worker", "secret", 5*time.Minute),
		RetryPolicy: retry.Policy{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Millisecond},
	})
	require.NoError(t, err)

	wh := warehouse.NewFromDB(db, nil)
	return New(reg, resultstore.New(wh), rawdata.New(wh), tr), mock
}

// expectRawDataWrite sets up the Begin/Prepare/Exec/Commit sequence for one
// append to enrichment_raw_data (payload snapshot or attempt audit row).
func expectRawDataWrite(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO enrichment_raw_data").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestRunReturnsNotFoundForUnknownTaskKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	r, _ := newRunner(t, fnHandler{kind: "known"}, srv.URL)
	_, err := r.Run(context.Background(), Delivery{TaskKind: "unknown", JobID: "j1", EntityID: "e1"})
	require.ErrorIs(t, err, ErrUnknownTaskKind)
}

func TestRunStoresAndDeliversCompletedResult(t *testing.T) {
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	h := fnHandler{kind: "sync_crm", fn: func(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
		return &resultstore.Result{
			JobID: "j1", TaskKind: "sync_crm", EntityID: "e1", Status: resultstore.StatusCompleted,
			ProcessedData: json.RawMessage(`{"ok":true}`),
		}, json.RawMessage(`{"done":true}`), nil
	}}

	r, mock := newRunner(t, h, srv.URL)
	mock.ExpectQuery("SELECT chunk_index").WillReturnRows(
		sqlmock.NewRows([]string{"chunk_index", "chunk_count", "payload_json", "created_at"}))
	expectRawDataWrite(mock)
	expectRawDataWrite(mock)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO enrichment_callbacks").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := r.Run(context.Background(), Delivery{TaskKind: "sync_crm", JobID: "j1", EntityID: "e1"})
	require.NoError(t, err)
	require.False(t, outcome.Redeliver)
	require.Equal(t, int32(1), atomic.LoadInt32(&delivered))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDoesNotStoreFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	h := fnHandler{kind: "sync_crm", fn: func(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
		return &resultstore.Result{
			JobID: "j1", TaskKind: "sync_crm", EntityID: "e1", Status: "failed",
			ErrorDetails: &resultstore.ErrorDetails{Type: "ProviderError", Message: "boom", Stage: "fetch"},
		}, json.RawMessage(`{"done":false}`), nil
	}}

	r, mock := newRunner(t, h, srv.URL)
	mock.ExpectQuery("SELECT chunk_index").WillReturnRows(
		sqlmock.NewRows([]string{"chunk_index", "chunk_count", "payload_json", "created_at"}))
	expectRawDataWrite(mock)
	expectRawDataWrite(mock)

	outcome, err := r.Run(context.Background(), Delivery{TaskKind: "sync_crm", JobID: "j1", EntityID: "e1"})
	require.NoError(t, err)
	require.False(t, outcome.Redeliver)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSynthesizesFailedResultOnPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer srv.Close()

	h := fnHandler{kind: "sync_crm", fn: func(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
		panic("handler exploded")
	}}

	r, mock := newRunner(t, h, srv.URL)
	mock.ExpectQuery("SELECT chunk_index").WillReturnRows(
		sqlmock.NewRows([]string{"chunk_index", "chunk_count", "payload_json", "created_at"}))
	expectRawDataWrite(mock)
	expectRawDataWrite(mock)

	outcome, err := r.Run(context.Background(), Delivery{TaskKind: "sync_crm", JobID: "j1", EntityID: "e1"})
	require.NoError(t, err)
	require.False(t, outcome.Redeliver)
}

func TestRunPromotesToRedeliverWhenDeliveryFailsAfterStorage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	h := fnHandler{kind: "sync_crm", fn: func(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
		return &resultstore.Result{
			JobID: "j1", TaskKind: "sync_crm", EntityID: "e1", Status: resultstore.StatusCompleted,
			ProcessedData: json.RawMessage(`{}`),
		}, json.RawMessage(`{}`), nil
	}}

	r, mock := newRunner(t, h, srv.URL)
	mock.ExpectQuery("SELECT chunk_index").WillReturnRows(
		sqlmock.NewRows([]string{"chunk_index", "chunk_count", "payload_json", "created_at"}))
	expectRawDataWrite(mock)
	expectRawDataWrite(mock)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO enrichment_callbacks").ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := r.Run(context.Background(), Delivery{TaskKind: "sync_crm", JobID: "j1", EntityID: "e1"})
	require.Error(t, err)
	require.True(t, outcome.Redeliver)
}
