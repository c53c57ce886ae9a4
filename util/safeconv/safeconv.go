package safeconv

import (
	"math"
	"time"
)

// IntSliceToInt32Slice converts token ids to int32 with clamping to avoid overflow/underflow.
func IntSliceToInt32Slice(input []int) []int32 {
	out := make([]int32, len(input))
	for i, v := range input {
		switch {
		case v < math.MinInt32:
			out[i] = math.MinInt32
		case v > math.MaxInt32:
			out[i] = math.MaxInt32
		default:
			out[i] = int32(v)
		}
	}
	return out
}

// Uint32SliceToInt32Slice converts token ids to int32, clamping values above MaxInt32.
func Uint32SliceToInt32Slice(input []uint32) []int32 {
	out := make([]int32, len(input))
	for i, v := range input {
		if v > math.MaxInt32 {
			out[i] = math.MaxInt32
		} else {
			out[i] = int32(v) // #nosec G115 checked above
		}
	}
	return out
}

// Int32SliceToInt64Slice widens a slice of int32.
func Int32SliceToInt64Slice(input []int32) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// AverageDuration divides a nanosecond total by a call count, treating zero calls as one.
func AverageDuration(totalNS, calls uint64) time.Duration {
	return time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}
