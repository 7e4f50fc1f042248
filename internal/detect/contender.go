package detect

import (
	"contention-agent/internal/task"
)

// Attribute scans all other live tasks and picks the one with the largest
// positive resource-specific delta as the most plausible contender. Ties
// keep the first task seen; a delta of zero or less never qualifies. An
// unknown-reason anomaly carries no contender.
func Attribute(store *task.Store, contended *task.Record, resource Resource) []string {
	if resource == ResourceUnknown {
		return nil
	}

	var contenderID string
	var deltaMax float64

	store.Each(func(rec *task.Record) {
		if rec.CID == contended.CID {
			return
		}

		var delta float64
		switch resource {
		case ResourceLLC:
			delta = rec.LLCOccupancyDelta()
		case ResourceMemoryBW:
			delta = rec.LatestMemBandwidth()
		case ResourceTDP:
			delta = rec.FreqDelta()
		}

		if delta > 0 && delta > deltaMax {
			deltaMax = delta
			contenderID = rec.CID
		}
	})

	if contenderID == "" {
		return nil
	}
	return []string{contenderID}
}
