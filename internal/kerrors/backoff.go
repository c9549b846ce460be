package kerrors

import "time"

// BackoffForAttempt implements the scheme downloader's exact retry policy:
// min(500·2^(attempt-1), 5000) ms, attempt starting at 1 for the first
// retry. Grounded on CloudPull's ExponentialBackoff shape but pinned to this
// repo's fixed constants rather than CloudPull's configurable/jittered one,
// since the design document specifies an exact formula.
func BackoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := 500
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= 5000 {
			ms = 5000
			break
		}
	}
	if ms > 5000 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}
