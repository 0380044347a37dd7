package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	m.Run()
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), "test", fastConfig(5), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, Retryable(errors.New("connection refused"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad password")
	calls := 0
	_, err := Do(context.Background(), "test", fastConfig(5), func() (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	last := errors.New("still down")
	calls := 0
	_, err := Do(context.Background(), "test", fastConfig(3), func() (string, error) {
		calls++
		return "", Retryable(last)
	})
	assert.Equal(t, last, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{InitialWait: time.Hour, Multiplier: 1}
	_, err := Do(ctx, "test", cfg, func() (int, error) {
		return 0, Retryable(errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, time.Second, cfg.backoff(10))

	cfg.Jitter = 0.5
	for i := 0; i < 20; i++ {
		w := cfg.backoff(1)
		assert.GreaterOrEqual(t, w, 50*time.Millisecond)
		assert.LessOrEqual(t, w, 150*time.Millisecond)
	}
}

func TestRetryableNil(t *testing.T) {
	assert.NoError(t, Retryable(nil))
}
