package detector

import (
	"math"
	"time"

	"ipsentry/internal/model"
)

const burstSpan = 60 * time.Second

func computeFeatures(w *windowState) model.FeatureRow {
	entries := w.live()
	total := len(entries)
	row := model.FeatureRow{
		RecentEvents:  total,
		RecentFailed:  w.failed,
		RecentSuccess: w.success,
	}
	if total == 0 {
		return row
	}
	row.RecentFailRatio = float64(w.failed) / float64(total)

	users := make(map[string]struct{})
	// a missing port counts as one distinct value, a missing user does not
	ports := make(map[int]struct{})
	for _, ev := range entries {
		if ev.User != nil {
			users[*ev.User] = struct{}{}
		}
		port := -1
		if ev.DestPort != nil {
			port = *ev.DestPort
		}
		ports[port] = struct{}{}
	}
	row.UniqueUsers = len(users)
	row.UniqueDestPorts = len(ports)
	row.Burst60sMax = burstMax(entries, burstSpan)
	row.InterMean, row.InterStd = interArrival(entries)
	return row
}

// burstMax is the largest number of entries whose first and last timestamps
// are at most span apart.
func burstMax(entries []eventEntry, span time.Duration) int {
	best := 0
	i := 0
	for j := range entries {
		for entries[j].Timestamp.Sub(entries[i].Timestamp) > span {
			i++
		}
		if n := j - i + 1; n > best {
			best = n
		}
	}
	return best
}

// interArrival returns mean and population standard deviation of the gaps
// between consecutive entries, in seconds.
func interArrival(entries []eventEntry) (float64, float64) {
	if len(entries) < 2 {
		return 0, 0
	}
	var n int
	var mean, m2 float64
	for k := 1; k < len(entries); k++ {
		gap := entries[k].Timestamp.Sub(entries[k-1].Timestamp).Seconds()
		n++
		diff := gap - mean
		mean += diff / float64(n)
		m2 += diff * (gap - mean)
	}
	return mean, math.Sqrt(m2 / float64(n))
}
