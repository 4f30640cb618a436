package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Userport-ai/enrichment-worker/internal/handler"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{ kind string }

func (s stubHandler) TaskKind() string        { return s.kind }
func (s stubHandler) ConcurrencyLimit() int   { return 0 }
func (s stubHandler) Execute(ctx context.Context, payload handler.Payload) (*resultstore.Result, json.RawMessage, error) {
	return nil, nil, nil
}

func TestLookupFindsRegisteredHandler(t *testing.T) {
	r, err := New(stubHandler{kind: "sync_crm"}, stubHandler{kind: "enrich_lead"})
	require.NoError(t, err)

	h, err := r.Lookup("sync_crm")
	require.NoError(t, err)
	require.Equal(t, "sync_crm", h.TaskKind())
}

func TestLookupMissReturnsNotFoundError(t *testing.T) {
	r, err := New(stubHandler{kind: "sync_crm"})
	require.NoError(t, err)

	_, err = r.Lookup("unknown")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "unknown", nf.TaskKind)
}

func TestNewRejectsDuplicateTaskKind(t *testing.T) {
	_, err := New(stubHandler{kind: "sync_crm"}, stubHandler{kind: "sync_crm"})
	require.Error(t, err)
}
