package jetstream

import (
	"math"
	"time"
)

// ReconnectDelay returns how long to wait before reconnect attempt n (n >= 1).
// The base delay doubles per attempt from one second and is capped at
// maxDelay. jitter is added as-is and should lie in [-0.5, 0.5] seconds.
func ReconnectDelay(attempt int, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := math.Min(maxDelay.Seconds(), math.Pow(2, float64(attempt)))
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}
