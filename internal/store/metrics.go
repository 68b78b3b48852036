package store

type PeakHourBucket struct {
	Hour  int  `json:"hour"`
	Count int  `json:"count"`
	Peak  bool `json:"peak"`
}

// BuildPeakBuckets lays issuance counts into a fixed hour-of-day window and
// flags every bucket tied for the maximum. An empty day has no peak.
func BuildPeakBuckets(counts map[int]int, startHour, endHour int) []PeakHourBucket {
	if endHour < startHour {
		startHour, endHour = endHour, startHour
	}
	buckets := make([]PeakHourBucket, 0, endHour-startHour+1)
	max := 0
	for hour := startHour; hour <= endHour; hour++ {
		count := counts[hour]
		if count > max {
			max = count
		}
		buckets = append(buckets, PeakHourBucket{Hour: hour, Count: count})
	}
	if max == 0 {
		return buckets
	}
	for i := range buckets {
		buckets[i].Peak = buckets[i].Count == max
	}
	return buckets
}

// EstimateWaitMinutes derives the public wait estimate from the average
// historical per-token service time. With no completed history yet the
// configured default applies instead of a misleading zero.
func EstimateWaitMinutes(avgServiceSeconds float64, aheadCount, defaultServiceMinutes int) int {
	if aheadCount <= 0 {
		return 0
	}
	if avgServiceSeconds <= 0 {
		return defaultServiceMinutes * aheadCount
	}
	minutes := avgServiceSeconds * float64(aheadCount) / 60.0
	rounded := int(minutes + 0.5)
	if rounded < 1 {
		rounded = 1
	}
	return rounded
}
