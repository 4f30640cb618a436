package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanoutPreservesInputOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	outcomes := Fanout(context.Background(), items, 3, func(ctx context.Context, item int) (int, error) {
		time.Sleep(time.Duration(item) * time.Millisecond)
		return item * 10, nil
	})
	for i, o := range outcomes {
		require.Equal(t, i, o.Index)
		require.Equal(t, items[i]*10, o.Value)
		require.NoError(t, o.Err)
	}
}

func TestFanoutBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	items := make([]int, 20)
	Fanout(context.Background(), items, 4, func(ctx context.Context, item int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	})
	require.LessOrEqual(t, maxInFlight.Load(), int32(4))
}

func TestFanoutSurfacesPartialFailure(t *testing.T) {
	items := []int{1, 2, 3}
	sentinel := errors.New("item 2 failed")
	outcomes := Fanout(context.Background(), items, 2, func(ctx context.Context, item int) (int, error) {
		if item == 2 {
			return 0, sentinel
		}
		return item, nil
	})
	require.NoError(t, outcomes[0].Err)
	require.ErrorIs(t, outcomes[1].Err, sentinel)
	require.NoError(t, outcomes[2].Err)
}

func TestFanoutEmptyItems(t *testing.T) {
	outcomes := Fanout[int, int](context.Background(), nil, 2, func(ctx context.Context, item int) (int, error) {
		t.Fatal("should not be called")
		return 0, nil
	})
	require.Empty(t, outcomes)
}

func TestFanoutCancellationStopsUnstartedItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := []int{1, 2, 3, 4, 5, 6}
	var started atomic.Int32
	outcomes := Fanout(ctx, items, 1, func(ctx context.Context, item int) (int, error) {
		started.Add(1)
		if item == 2 {
			cancel()
		}
		return item, nil
	})
	sawCanceled := false
	for _, o := range outcomes {
		if errors.Is(o.Err, context.Canceled) {
			sawCanceled = true
		}
	}
	require.True(t, sawCanceled)
}
