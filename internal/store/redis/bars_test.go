package redis

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-systemv1/internal/model"
)

func bar(openMS int64, close float64) model.Bar {
	return model.Bar{
		OpenTime: openMS, CloseTime: openMS + 60_000,
		Open: close, High: close, Low: close, Close: close,
		Complete: true,
	}
}

func TestPutBars_SkipsNonIncreasingOpenTimes(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)
	ctx := context.Background()

	key := "ai_one:ohlcv:XAUUSD:1m"
	stored := bar(120_000, 1)

	// Tail already ends at open 120000: the two older/equal bars are skipped.
	mock.ExpectZRevRangeWithScores(key, 0, 0).SetVal([]goredis.Z{
		{Score: 120_000, Member: string(stored.JSON())},
	})

	fresh := bar(180_000, 3)
	mock.ExpectZAdd(key, &goredis.Z{Score: 180_000, Member: string(fresh.JSON())}).SetVal(1)
	mock.ExpectZRemRangeByRank(key, 0, -5001).SetVal(0)
	mock.ExpectSet("ai_one:ohlcv:latest:XAUUSD:1m", string(fresh.JSON()), defaultLatestTTL).SetVal("OK")

	n, err := s.PutBars(ctx, "XAUUSD", "1m", []model.Bar{
		bar(60_000, 1), bar(120_000, 2), fresh,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutBars_RejectsIncompleteBars(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)

	key := "ai_one:ohlcv:EURUSD:1m"
	mock.ExpectZRevRangeWithScores(key, 0, 0).RedisNil()

	live := bar(60_000, 1)
	live.Complete = false
	n, err := s.PutBars(context.Background(), "EURUSD", "1m", []model.Bar{live})
	require.NoError(t, err)
	assert.Zero(t, n, "live bars must never reach the store")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTail_ReturnsAscendingOrder(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)

	b1, b2 := bar(60_000, 1), bar(120_000, 2)
	// ZREVRANGE yields newest first; Tail flips to store order.
	mock.ExpectZRevRange("ai_one:ohlcv:XAUUSD:1m", 0, 1).SetVal([]string{
		string(b2.JSON()), string(b1.JSON()),
	})

	tail, err := s.Tail(context.Background(), "XAUUSD", "1m", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(60_000), tail[0].OpenTime)
	assert.Equal(t, int64(120_000), tail[1].OpenTime)
}

func TestTail_ZeroLimit(t *testing.T) {
	client, _ := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)
	tail, err := s.Tail(context.Background(), "XAUUSD", "1m", 0)
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestLastTick_AbsentIsNil(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)

	mock.ExpectGet("ai_one:tick:GBPUSD").RedisNil()
	tick, err := s.LastTick(context.Background(), "GBPUSD")
	require.NoError(t, err)
	assert.Nil(t, tick)
}

func TestSnapshotRoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewFromClient(client, "ai_one", 5000)
	ctx := context.Background()

	doc := []byte(`{"XAUUSD":{"schema":"viewer_state.v2"}}`)
	mock.ExpectSet("ai_one:ui:smc_viewer_snapshot", string(doc), 0).SetVal("OK")
	require.NoError(t, s.SaveSnapshot(ctx, "ai_one:ui:smc_viewer_snapshot", doc))

	mock.ExpectGet("ai_one:ui:smc_viewer_snapshot").SetVal(string(doc))
	got, err := s.LoadSnapshot(ctx, "ai_one:ui:smc_viewer_snapshot")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	mock.ExpectGet("ai_one:ui:missing").RedisNil()
	got, err = s.LoadSnapshot(ctx, "ai_one:ui:missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
