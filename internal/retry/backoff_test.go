package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, -1, config.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.True(t, config.Jitter)
}

func TestDelay_ExponentialAndCapped(t *testing.T) {
	config := Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 10*time.Millisecond, Delay(config, 0))
	assert.Equal(t, 20*time.Millisecond, Delay(config, 1))
	assert.Equal(t, 40*time.Millisecond, Delay(config, 2))
	assert.Equal(t, 50*time.Millisecond, Delay(config, 3))
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	config := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 100; i++ {
		d := Delay(config, 1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	config := Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	result := Do(context.Background(), config, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, zerolog.Nop())

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.LastError)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	config := Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	boom := errors.New("boom")

	result := Do(context.Background(), config, func(ctx context.Context) error {
		return boom
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastError, boom)
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	config := Config{MaxRetries: -1, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := Do(ctx, config, func(ctx context.Context) error {
		return errors.New("down")
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.DeadlineExceeded)
}
