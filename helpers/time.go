package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// Since boot helper for frame timestamps, ms as float32.
func MillisSince(begin time.Time, now time.Time) float32 {
	return float32(now.Sub(begin)) / float32(time.Millisecond)
}
