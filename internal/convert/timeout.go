package convert

import "time"

// Size thresholds for the conversion timeout ladder.
const (
	mib = 1024 * 1024

	timeoutBase   = 5 * time.Minute
	timeoutMedium = 7 * time.Minute
	timeoutLarge  = 10 * time.Minute
	timeoutStep   = 2 * time.Minute
	timeoutCap    = 60 * time.Minute

	mediumThreshold = 10 * mib
	largeThreshold  = 50 * mib
)

// TimeoutForSize derives the pipeline deadline from the input size: 5m for
// small files, 7m above 10 MiB, and 10m plus 2m per additional 50 MiB above
// 50 MiB, capped at one hour.
func TimeoutForSize(size int64) time.Duration {
	switch {
	case size <= mediumThreshold:
		return timeoutBase
	case size <= largeThreshold:
		return timeoutMedium
	}

	extra := (size - largeThreshold + largeThreshold - 1) / largeThreshold
	timeout := timeoutLarge + time.Duration(extra)*timeoutStep
	if timeout > timeoutCap {
		return timeoutCap
	}
	return timeout
}
