package room

import (
	"math"
	"strconv"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// Summarize computes reveal-time statistics over a set of votes. It is a
// pure function: identical input always yields identical output, so both
// the reveal broadcast and any client-side recompute agree.
//
// Mode is the value with the highest occurrence count; ties break toward
// the value whose first occurrence was inserted earliest. Average is the
// mean of all numerically coercible votes rounded to one decimal, 0 when
// none are numeric.
func Summarize(votes []Vote) protocol.VoteStats {
	if len(votes) == 0 {
		return protocol.VoteStats{}
	}

	counts := make(map[string]int, len(votes))
	firstSeen := make(map[string]int, len(votes))
	for i, v := range votes {
		counts[v.Value]++
		if _, ok := firstSeen[v.Value]; !ok {
			firstSeen[v.Value] = i
		}
	}

	mode := ""
	best := 0
	for value, count := range counts {
		switch {
		case count > best:
			mode, best = value, count
		case count == best && firstSeen[value] < firstSeen[mode]:
			mode = value
		}
	}

	sum := 0.0
	numeric := 0
	for _, v := range votes {
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			continue
		}
		sum += f
		numeric++
	}

	avg := 0.0
	if numeric > 0 {
		avg = math.Round(sum/float64(numeric)*10) / 10
	}

	return protocol.VoteStats{Mode: mode, Average: avg}
}
