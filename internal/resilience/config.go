package resilience

import (
	"time"
)

// FromGradingConfig builds the model-call retry policy from configured
// attempts and base delay. A non-positive delay means immediate retries.
func FromGradingConfig(maxAttempts, backoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if backoffMs > 0 {
		cfg.InitialBackoff = time.Duration(backoffMs) * time.Millisecond
		cfg.JitterFraction = 0.25
	}
	return cfg
}
