package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/device-test-core/pkg/device"
)

func connErr(n int) error {
	return device.E(device.KindConnection, "execute", "dev-01", fmt.Errorf("boom %d", n))
}

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		MaxDelay:       4 * time.Millisecond,
		RetryableKinds: []device.Kind{device.KindConnection},
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "execute", fastConfig(5), func(context.Context) error {
		calls++
		if calls <= 2 {
			return connErr(calls)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "two failures then success should use exactly three attempts")
}

func TestDoFailsFastOnNonRetryableKind(t *testing.T) {
	calls := 0
	fatal := device.E(device.KindTransfer, "copy_to", "dev-01", errors.New("permission denied"))
	err := Do(context.Background(), "copy_to", fastConfig(5), func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "fail-fast must not wrap in ExhaustedError")
}

func TestDoRetriesTransferWrappingConnection(t *testing.T) {
	// A copy that failed because the connection dropped carries both
	// kinds in its chain and stays retryable.
	calls := 0
	err := Do(context.Background(), "copy_to", fastConfig(2), func(context.Context) error {
		calls++
		return device.E(device.KindTransfer, "copy_to", "dev-01", connErr(calls))
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoExhaustionCarriesAttemptHistory(t *testing.T) {
	cfg := fastConfig(4)
	calls := 0
	err := Do(context.Background(), "execute", cfg, func(context.Context) error {
		calls++
		return connErr(calls)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 4)

	assert.Equal(t, time.Duration(0), exhausted.Attempts[0].DelayBefore,
		"the delay before the first attempt is always zero")
	for i := 1; i < len(exhausted.Attempts); i++ {
		a, prev := exhausted.Attempts[i], exhausted.Attempts[i-1]
		assert.Equal(t, i+1, a.Number)
		assert.GreaterOrEqual(t, a.DelayBefore, prev.DelayBefore, "delays must be non-decreasing")
		assert.LessOrEqual(t, a.DelayBefore, cfg.MaxDelay, "delays must respect the ceiling")
	}
	// base=1ms mult=2 cap=4ms: 1ms, 2ms, 4ms.
	assert.Equal(t, time.Millisecond, exhausted.Attempts[1].DelayBefore)
	assert.Equal(t, 2*time.Millisecond, exhausted.Attempts[2].DelayBefore)
	assert.Equal(t, 4*time.Millisecond, exhausted.Attempts[3].DelayBefore)

	assert.ErrorIs(t, err, exhausted.Err)
	assert.Contains(t, exhausted.History(), "#1")
}

func TestDoValueReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), "execute", fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", connErr(1)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDoSleepIsCancellable(t *testing.T) {
	cfg := Config{
		MaxAttempts:    3,
		BaseDelay:      time.Minute, // would block a long time if not cancellable
		Multiplier:     2,
		MaxDelay:       time.Hour,
		RetryableKinds: []device.Kind{device.KindConnection},
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, "execute", cfg, func(context.Context) error { return connErr(1) })
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDoDefaultsToSingleAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "execute", Config{}, func(context.Context) error {
		calls++
		return connErr(1)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
