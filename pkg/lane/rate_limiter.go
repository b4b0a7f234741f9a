package lane

import (
	"math"

	"golang.org/x/time/rate"
)

// newLimiter returns nil when cfg does not limit admission.
func newLimiter(cfg *Config) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = int(math.Max(1, math.Ceil(cfg.RateLimit)))
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}
