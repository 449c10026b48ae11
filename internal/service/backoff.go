package service

import "time"

// Backoff returns min(limit, base*2^retryCount). Negative retry counts are
// treated as zero.
func Backoff(retryCount int, base, limit time.Duration) time.Duration {
	if base <= 0 || limit <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= limit {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}
