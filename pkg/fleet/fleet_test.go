package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
)

func TestPoolRunsEveryJob(t *testing.T) {
	var calls int32
	pool := NewPool(3, func(_ context.Context, n int) error {
		atomic.AddInt32(&calls, int32(n))
		return nil
	}, nil)

	for i := 1; i <= 4; i++ {
		pool.Submit(context.Background(), i, nil)
	}
	pool.Close()
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	var inFlight, peak int

	pool := NewPool(2, func(context.Context, int) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}, nil)

	for i := 0; i < 6; i++ {
		pool.Submit(context.Background(), i, nil)
	}
	pool.Close()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, int32(0), pool.ActiveWorkers())
}

func TestPoolReportsJobOutcome(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(1, func(_ context.Context, fail bool) error {
		if fail {
			return boom
		}
		return nil
	}, nil)

	var got []error
	var mu sync.Mutex
	collect := func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}
	pool.Submit(context.Background(), false, collect)
	pool.Submit(context.Background(), true, collect)
	pool.Close()

	require.Len(t, got, 2)
	assert.NoError(t, got[0])
	assert.ErrorIs(t, got[1], boom)
}

func TestPoolSkipsJobsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(1, func(context.Context, int) error {
		t.Error("job must not run with a cancelled context")
		return nil
	}, nil)

	var got error
	pool.Submit(ctx, 1, func(err error) { got = err })
	pool.Close()
	assert.ErrorIs(t, got, context.Canceled)
}

func TestRunAppliesOpToEveryDevice(t *testing.T) {
	devices := []config.DeviceConfig{
		{Name: "a", Kind: "local"},
		{Name: "b", Kind: "local"},
		{Name: "c", Kind: "local"},
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	results := Run(context.Background(), devices, 2, nil, func(ctx context.Context, a device.Adapter) error {
		mu.Lock()
		seen[a.Handle().Name] = true
		mu.Unlock()
		if a.Handle().Name == "b" {
			return errors.New("b failed")
		}
		return nil
	})

	require.Len(t, results, 3)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
	assert.Equal(t, "a", results[0].Device)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "b failed")
	assert.NoError(t, results[2].Err)
}

func TestRunSurfacesFactoryErrors(t *testing.T) {
	results := Run(context.Background(), []config.DeviceConfig{{Name: "x", Kind: "serial"}}, 1, nil, func(context.Context, device.Adapter) error {
		return nil
	})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}
