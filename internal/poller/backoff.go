package poller

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase   = time.Second
	jitterRange   = time.Second
	maxShiftWidth = 30
)

// Delay computes the retry delay for the given consecutive failure count:
// exponential growth from one second, saturating at cap, plus uniform jitter
// of up to one second to avoid synchronized retry storms.
func Delay(retryCount int, limit time.Duration) time.Duration {
	return backoffDelay(retryCount, limit) + rand.N(jitterRange)
}

func backoffDelay(retryCount int, limit time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxShiftWidth {
		retryCount = maxShiftWidth
	}
	base := backoffBase << uint(retryCount)
	if limit > 0 && base > limit {
		return limit
	}
	return base
}
