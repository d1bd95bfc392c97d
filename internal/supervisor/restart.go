package supervisor

import (
	"math"
	"math/rand"
	"time"

	"ghost/internal/config"
)

// restartDelay computes the auto-restart backoff for the (1-indexed)
// restartCount-th attempt: exponential growth off baseDelay, capped at
// config.RestartMaxDelay, jittered within [config.RestartJitterMin,
// config.RestartJitterMax] so a crash loop across many processes doesn't
// thunder-herd retries on the same tick.
func restartDelay(restartCount int, baseDelay time.Duration) time.Duration {
	if restartCount < 1 {
		restartCount = 1
	}

	exp := math.Pow(2, float64(restartCount-1))

	delay := time.Duration(float64(baseDelay) * exp)
	if delay > config.RestartMaxDelay || delay <= 0 {
		delay = config.RestartMaxDelay
	}

	jitter := config.RestartJitterMin + rand.Float64()*(config.RestartJitterMax-config.RestartJitterMin)

	return time.Duration(float64(delay) * jitter)
}

// pruneRestartWindow drops restart timestamps older than
// config.RestartWindow from the front of times, then appends now,
// returning the pruned, updated slice. Attempts outside the rolling
// window no longer count toward the restart limit.
func pruneRestartWindow(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-config.RestartWindow)

	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}

	return append(times[i:], now)
}
