package history

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"smc-systemv1/internal/model"
)

const tfMS = int64(60_000)

func tailFrom(openTimes ...int64) []model.Bar {
	bars := make([]model.Bar, len(openTimes))
	for i, ot := range openTimes {
		bars[i] = model.Bar{
			OpenTime: ot, CloseTime: ot + tfMS,
			Open: 1, High: 1, Low: 1, Close: 1, Complete: true,
		}
	}
	return bars
}

func contiguous(startMS int64, n int) []model.Bar {
	opens := make([]int64, n)
	for i := 0; i < n; i++ {
		opens[i] = startMS + int64(i)*tfMS
	}
	return tailFrom(opens...)
}

func TestClassify_Insufficient(t *testing.T) {
	now := int64(1_700_000_000_000)
	st := Classify("XAUUSD", "1m", contiguous(now-10*tfMS, 5),
		Params{MinHistoryBars: 100, StaleK: 3, NowMS: now})

	assert.Equal(t, model.HistoryInsufficient, st.State)
	assert.True(t, st.NeedsWarmup)
	assert.False(t, st.NeedsBackfill)
	assert.Equal(t, 5, st.BarsCount)
}

func TestClassify_ExactlyMinBarsIsOK(t *testing.T) {
	now := int64(1_700_000_000_000)
	tail := contiguous(now-10*tfMS, 10)
	st := Classify("XAUUSD", "1m", tail, Params{MinHistoryBars: 10, StaleK: 3, NowMS: now})
	assert.Equal(t, model.HistoryOK, st.State)
}

func TestClassify_StaleTailBoundary(t *testing.T) {
	now := int64(1_700_000_000_000)
	staleK := 3.0

	// age == staleK×tf exactly: still ok.
	tail := contiguous(now-3*tfMS-9*tfMS, 10)
	st := Classify("EURUSD", "1m", tail, Params{MinHistoryBars: 10, StaleK: staleK, NowMS: now})
	assert.Equal(t, model.HistoryOK, st.State, "boundary age must classify ok")

	// One ms past the boundary: stale.
	st = Classify("EURUSD", "1m", tail, Params{MinHistoryBars: 10, StaleK: staleK, NowMS: now + 1})
	assert.Equal(t, model.HistoryStaleTail, st.State)
	assert.True(t, st.NeedsBackfill)
}

func TestClassify_GappyTail(t *testing.T) {
	now := int64(1_700_000_000_000)
	// 4 contiguous bars then a 5-minute hole then 6 more ending now.
	opens := []int64{
		now - 14*tfMS, now - 13*tfMS, now - 12*tfMS, now - 11*tfMS,
		now - 6*tfMS, now - 5*tfMS, now - 4*tfMS, now - 3*tfMS, now - 2*tfMS, now - tfMS,
	}
	st := Classify("GBPUSD", "1m", tailFrom(opens...), Params{MinHistoryBars: 10, StaleK: 3, NowMS: now})

	assert.Equal(t, model.HistoryGappyTail, st.State)
	assert.Equal(t, 1, st.GapsCount)
	assert.Equal(t, 5*tfMS, st.MaxGapMS)
	assert.True(t, st.NeedsBackfill)
}

func TestClassify_NonMonotonicWinsOverGappy(t *testing.T) {
	now := int64(1_700_000_000_000)
	opens := []int64{
		now - 9*tfMS, now - 3*tfMS, now - 8*tfMS, // regression + gap
		now - 2*tfMS, now - tfMS, now - 7*tfMS, now - 6*tfMS, now - 5*tfMS, now - 4*tfMS, now,
	}
	st := Classify("XAUUSD", "1m", tailFrom(opens...), Params{MinHistoryBars: 10, StaleK: 3, NowMS: now})

	assert.Equal(t, model.HistoryNonMonotonic, st.State)
	assert.Greater(t, st.NonMonotonicCount, 0)
	assert.True(t, st.NeedsBackfill)
}

func TestClassify_DuplicateOpenTimesIgnored(t *testing.T) {
	now := int64(1_700_000_000_000)
	opens := []int64{now - 3*tfMS, now - 2*tfMS, now - 2*tfMS, now - tfMS}
	st := Classify("XAUUSD", "1m", tailFrom(opens...), Params{MinHistoryBars: 4, StaleK: 3, NowMS: now})
	assert.Equal(t, model.HistoryOK, st.State)
	assert.Zero(t, st.NonMonotonicCount)
	assert.Zero(t, st.GapsCount)
}

func TestClassify_SecondsScaleTimestamps(t *testing.T) {
	// Tails written with second-scale stamps classify identically.
	nowMS := int64(1_700_000_000_000)
	opens := []int64{
		nowMS/1000 - 180, nowMS/1000 - 120, nowMS/1000 - 60,
	}
	st := Classify("EURUSD", "1m", tailFrom(opens...), Params{MinHistoryBars: 3, StaleK: 3, NowMS: nowMS})
	assert.Equal(t, model.HistoryOK, st.State)
	assert.Equal(t, nowMS-60_000, st.LastOpenTimeMS)
}

func TestClassify_UnknownTF(t *testing.T) {
	st := Classify("XAUUSD", "7m", contiguous(0, 20), Params{MinHistoryBars: 10, StaleK: 3})
	assert.Equal(t, model.HistoryUnknown, st.State)
}

func TestSummarize(t *testing.T) {
	sum := Summarize([]model.HistoryStatus{
		{State: model.HistoryOK}, {State: model.HistoryOK}, {State: model.HistoryStaleTail},
	})
	assert.Equal(t, map[string]int{"ok": 2, "stale_tail": 1}, sum)
}
