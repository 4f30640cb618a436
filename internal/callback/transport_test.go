package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/httppool"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/retry"
	"github.com/stretchr/testify/require"
)

func newTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := New(Config{
		ReceiverURL: url,
		Pool:        httppool.New(10, 10, 5*time.Second),
		Signer:      NewSigner("enrichment-worker", "test-secret", 5*time.Minute),
		RetryPolicy: retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: time.Millisecond, Jitter: 0},
	})
	require.NoError(t, err)
	return tr
}

func TestDeliverSinglePageSuccess(t *testing.T) {
	var gotAuth string
	var pageIndices []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body page
		json.NewDecoder(r.Body).Decode(&body)
		pageIndices = append(pageIndices, body.PageIndex)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport(t, srv.URL)
	err := tr.Deliver(context.Background(), "key1", resultstore.Result{
		JobID: "j1", TaskKind: "sync_crm", EntityID: "a1", Status: "completed",
		ProcessedData: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	require.Contains(t, gotAuth, "Bearer ")
	require.Equal(t, []int{0}, pageIndices)
}

func TestDeliverSplitsLargeArrayIntoOrderedPages(t *testing.T) {
	var mu sync.Mutex
	var received []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body page
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body.PageIndex)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var elems []string
	for i := 0; i < 50; i++ {
		elems = append(elems, `item-`+strconv.Itoa(i)+`-`+string(make([]byte, 3000)))
	}
	data, err := json.Marshal(elems)
	require.NoError(t, err)

	tr := newTransport(t, srv.URL)
	err = tr.Deliver(context.Background(), "key1", resultstore.Result{
		JobID: "j1", TaskKind: "sync_crm", EntityID: "a1", Status: "completed",
		ProcessedData: data,
	})
	require.NoError(t, err)
	require.Greater(t, len(received), 1)
	for i, idx := range received {
		require.Equal(t, i, idx)
	}
}

func TestDeliverSplitsObjectWithListFieldIntoOrderedPages(t *testing.T) {
	var mu sync.Mutex
	var pages []page
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body page
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		pages = append(pages, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var leads []string
	for i := 0; i < 200; i++ {
		leads = append(leads, `lead-`+strconv.Itoa(i)+`-`+string(make([]byte, 1300)))
	}
	leadsJSON, err := json.Marshal(leads)
	require.NoError(t, err)
	data := json.RawMessage(`{"leads":` + string(leadsJSON) + `}`)

	tr := newTransport(t, srv.URL)
	err = tr.Deliver(context.Background(), "key1", resultstore.Result{
		JobID: "j1", TaskKind: "sync_crm", EntityID: "a1", Status: "completed",
		ProcessedData: data,
	})
	require.NoError(t, err)
	require.Greater(t, len(pages), 1)

	var allLeads []string
	for i, p := range pages {
		require.Equal(t, i, p.PageIndex)
		require.LessOrEqual(t, len(p.ProcessedData), MaxPageBytes)
		var obj struct {
			Leads []string `json:"leads"`
		}
		require.NoError(t, json.Unmarshal(p.ProcessedData, &obj))
		allLeads = append(allLeads, obj.Leads...)
	}
	require.Equal(t, leads, allLeads)
}

func TestDeliverRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport(t, srv.URL)
	err := tr.Deliver(context.Background(), "key1", resultstore.Result{
		JobID: "j1", TaskKind: "sync_crm", EntityID: "a1", Status: "completed",
		ProcessedData: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), attempts.Load())
}

func TestDeliverFailsImmediatelyOnNon429FourXX(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := newTransport(t, srv.URL)
	err := tr.Deliver(context.Background(), "key1", resultstore.Result{
		JobID: "j1", TaskKind: "sync_crm", EntityID: "a1", Status: "completed",
		ProcessedData: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	require.Equal(t, int32(1), attempts.Load())
}

func TestRequestIDStableForSameKeyAndPage(t *testing.T) {
	require.Equal(t, requestID("k", 0), requestID("k", 0))
	require.NotEqual(t, requestID("k", 0), requestID("k", 1))
}
