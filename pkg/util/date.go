package util

// SecondsToMs converts a unix timestamp in seconds to milliseconds.
func SecondsToMs(ts int64) int64 {
	return ts * 1000
}

// MsToSeconds converts a unix timestamp in milliseconds to seconds, dropping
// the sub-second part.
func MsToSeconds(ms int64) int64 {
	return ms / 1000
}

// AlignToInterval floors ts (seconds) to a multiple of interval seconds.
// A non-positive interval returns ts unchanged.
func AlignToInterval(ts int64, interval int) int64 {
	if interval <= 0 {
		return ts
	}
	step := int64(interval)
	r := ts % step
	if r < 0 {
		r += step
	}
	return ts - r
}
