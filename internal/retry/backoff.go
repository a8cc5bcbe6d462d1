package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           `koanf:"max_retries"` // Maximum number of retries; negative retries forever
	BaseDelay  time.Duration `koanf:"base_delay"`  // Delay before the first retry
	MaxDelay   time.Duration `koanf:"max_delay"`   // Upper bound for any single delay
	Multiplier float64       `koanf:"multiplier"`  // Exponential growth factor
	Jitter     bool          `koanf:"jitter"`      // Spread retries of many clients apart
}

// Result describes how an operation under retry ended.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// DefaultConfig is tuned for reconnecting a push channel.
func DefaultConfig() Config {
	return Config{
		MaxRetries: -1,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs operation until it succeeds, retries are exhausted or ctx is done.
func Do(ctx context.Context, config Config, operation func(ctx context.Context) error, logger zerolog.Logger) Result {
	start := time.Now()
	var result Result

	for attempt := 0; config.MaxRetries < 0 || attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				logger.Debug().Int("attempts", result.Attempts).Dur("took", result.TotalDuration).Msg("operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}
		if config.MaxRetries >= 0 && attempt >= config.MaxRetries {
			break
		}

		delay := Delay(config, attempt)
		logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("operation failed, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// Delay returns the wait before retry number attempt (0-based).
func Delay(config Config, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// up to 20% either way
		jitterRange := delay * 0.2
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}
