// Package history classifies the stored tail of one (symbol, tf) series:
// the S2 stage. Pure functions over a bar slice; no I/O.
package history

import (
	"smc-systemv1/internal/model"
)

// gapFactor: a pairwise open-time delta above gapFactor×tf_ms counts as a
// gap. Exactly one bar duration apart is contiguous; small jitter is not.
const gapFactor = 1.5

// Params configures one classification.
type Params struct {
	MinHistoryBars int
	StaleK         float64 // tail is stale when age > StaleK × tf_ms
	NowMS          int64
}

// Classify derives the HistoryStatus for a tail window. The tail must be in
// store order (ascending open_time as written); violations are what the
// non-monotonic counters detect.
func Classify(symbol, tf string, tail []model.Bar, p Params) model.HistoryStatus {
	st := model.HistoryStatus{
		Symbol:    symbol,
		TF:        tf,
		State:     model.HistoryUnknown,
		BarsCount: len(tail),
	}

	tfMS, ok := model.TFMillis(tf)
	if !ok {
		return st
	}

	if len(tail) < p.MinHistoryBars {
		st.State = model.HistoryInsufficient
		st.NeedsWarmup = true
		if len(tail) > 0 {
			st.LastOpenTimeMS = lastOpen(tail)
		}
		return st
	}

	st.LastOpenTimeMS = lastOpen(tail)
	if st.LastOpenTimeMS <= 0 {
		return st
	}

	st.AgeMS = p.NowMS - st.LastOpenTimeMS
	if st.AgeMS < 0 {
		st.AgeMS = 0
	}
	// Boundary: age exactly StaleK×tf_ms is still fresh.
	if float64(st.AgeMS) > p.StaleK*float64(tfMS) {
		st.State = model.HistoryStaleTail
		st.NeedsBackfill = true
		return st
	}

	for i := 1; i < len(tail); i++ {
		delta := model.NormalizeMS(tail[i].OpenTime) - model.NormalizeMS(tail[i-1].OpenTime)
		switch {
		case delta < 0:
			st.NonMonotonicCount++
		case delta == 0:
			// duplicate write, ignored
		case float64(delta) > gapFactor*float64(tfMS):
			st.GapsCount++
			if delta > st.MaxGapMS {
				st.MaxGapMS = delta
			}
		}
	}

	switch {
	case st.NonMonotonicCount > 0:
		st.State = model.HistoryNonMonotonic
		st.NeedsBackfill = true
	case st.GapsCount > 0:
		st.State = model.HistoryGappyTail
		st.NeedsBackfill = true
	default:
		st.State = model.HistoryOK
	}
	return st
}

func lastOpen(tail []model.Bar) int64 {
	// Store order is by open_time, but a non-monotonic tail may end on an
	// older bar; the newest open time is the honest tail age.
	var max int64
	for i := range tail {
		if ot := model.NormalizeMS(tail[i].OpenTime); ot > max {
			max = ot
		}
	}
	return max
}

// Summarize counts states across a batch of statuses for envelope meta.
func Summarize(statuses []model.HistoryStatus) map[string]int {
	out := make(map[string]int, 6)
	for i := range statuses {
		out[statuses[i].State]++
	}
	return out
}
