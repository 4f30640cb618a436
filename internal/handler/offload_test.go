package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/stretchr/testify/require"
)

func TestOffloadReturnsFnError(t *testing.T) {
	sentinel := errors.New("boom")
	err := Offload(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestOffloadCarriesCtxlogScope(t *testing.T) {
	ctx := ctxlog.With(context.Background(), ctxlog.Scope{JobID: "job-42"})
	var seen string
	err := Offload(ctx, func(ctx context.Context) error {
		seen = ctxlog.From(ctx).JobID
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "job-42", seen)
}

func TestOffloadRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		<-started
		cancel()
		close(unblock)
	}()

	err := Offload(ctx, func(ctx context.Context) error {
		close(started)
		<-unblock
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
