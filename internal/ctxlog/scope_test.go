package ctxlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithNestsAndRestores(t *testing.T) {
	ctx := context.Background()
	ctx = With(ctx, Scope{TraceID: "t1", JobID: "j1"})

	nested := With(ctx, Scope{EntityID: "e1"})
	got := From(nested)
	require.Equal(t, "t1", got.TraceID)
	require.Equal(t, "j1", got.JobID)
	require.Equal(t, "e1", got.EntityID)

	// original ctx is unaffected by the nested scope
	require.Equal(t, "", From(ctx).EntityID)
}

func TestWithTagMerges(t *testing.T) {
	ctx := With(context.Background(), Scope{Tags: map[string]string{"a": "1"}})
	ctx = WithTag(ctx, "b", "2")
	got := From(ctx)
	require.Equal(t, "1", got.Tags["a"])
	require.Equal(t, "2", got.Tags["b"])
}

func TestLoggerCarriesScopeAcrossGoroutine(t *testing.T) {
	ctx := With(context.Background(), Scope{TraceID: "trace-async"})
	done := make(chan Scope, 1)
	go func(ctx context.Context) {
		done <- From(ctx)
	}(ctx)
	got := <-done
	require.Equal(t, "trace-async", got.TraceID)
}
