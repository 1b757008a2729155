package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"smc-systemv1/internal/model"
)

// PutBars appends sealed bars to the (symbol, tf) tail. Open times must be
// strictly increasing per series: bars at or before the stored maximum are
// skipped, never rewritten. Returns the number of bars written.
func (s *Store) PutBars(ctx context.Context, symbol, tf string, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	key := s.barsKey(symbol, tf)

	maxOpen, err := s.maxOpenTime(ctx, key)
	if err != nil {
		return 0, err
	}

	members := make([]*goredis.Z, 0, len(bars))
	var lastJSON string
	for i := range bars {
		b := &bars[i]
		if !b.Complete || b.OpenTime <= maxOpen {
			continue
		}
		maxOpen = b.OpenTime
		lastJSON = string(b.JSON())
		members = append(members, &goredis.Z{
			Score:  float64(b.OpenTime),
			Member: lastJSON,
		})
	}
	if len(members) == 0 {
		return 0, nil
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.Pipeline()
		pipe.ZAdd(ctx, key, members...)
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.max-1))
		pipe.Set(ctx, s.latestBarKey(symbol, tf), lastJSON, defaultLatestTTL)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return 0, fmt.Errorf("put bars %s: %w", model.PairKey(symbol, tf), err)
	}
	return len(members), nil
}

// Tail returns up to limit most recent bars in ascending open_time order.
func (s *Store) Tail(ctx context.Context, symbol, tf string, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.ZRevRange(ctx, s.barsKey(symbol, tf), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", model.PairKey(symbol, tf), err)
	}
	return decodeDescending(raw)
}

// TailBefore is Tail bounded above by toMS (inclusive on open_time).
func (s *Store) TailBefore(ctx context.Context, symbol, tf string, toMS int64, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.ZRevRangeByScore(ctx, s.barsKey(symbol, tf), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(toMS, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tail before %s: %w", model.PairKey(symbol, tf), err)
	}
	return decodeDescending(raw)
}

// BarCount returns the stored tail length for a pair.
func (s *Store) BarCount(ctx context.Context, symbol, tf string) (int, error) {
	n, err := s.client.ZCard(ctx, s.barsKey(symbol, tf)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) maxOpenTime(ctx context.Context, key string) (int64, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil && err != goredis.Nil {
		return 0, err
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return int64(zs[0].Score), nil
}

// decodeDescending parses ZREVRANGE output (newest first) into ascending
// store order; undecodable members are dropped with a log line.
func decodeDescending(raw []string) ([]model.Bar, error) {
	bars := make([]model.Bar, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var b model.Bar
		if err := json.Unmarshal([]byte(raw[i]), &b); err != nil {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}
