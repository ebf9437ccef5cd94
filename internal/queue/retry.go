package queue

// NormalizeRetryIntervals sanitizes a configured list of retry-interval
// seconds against maxRetries: non-positive values are dropped, a missing
// list falls back to a 30-second interval, and a short list is padded by
// repeating its last value until it covers every retry attempt (then
// truncated to maxRetries entries).
func NormalizeRetryIntervals(maxRetries int, intervals []int) []int {
	sanitized := make([]int, 0, len(intervals))
	for _, v := range intervals {
		if v > 0 {
			sanitized = append(sanitized, v)
		}
	}
	if len(sanitized) == 0 {
		sanitized = []int{30}
	}
	if maxRetries <= 1 {
		return []int{sanitized[0]}
	}
	for len(sanitized) < maxRetries {
		sanitized = append(sanitized, sanitized[len(sanitized)-1])
	}
	return sanitized[:maxRetries]
}
