package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"smc-systemv1/internal/model"
)

// PutTick caches the latest quote for a symbol.
func (s *Store) PutTick(ctx context.Context, tick *model.Tick) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.tickKey(tick.Symbol), string(tick.JSON()), defaultTickTTL).Err()
	})
	return err
}

// LastTick returns the cached quote, or nil when none is stored.
func (s *Store) LastTick(ctx context.Context, symbol string) (*model.Tick, error) {
	raw, err := s.client.Get(ctx, s.tickKey(symbol)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last tick %s: %w", symbol, err)
	}
	var t model.Tick
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("last tick %s decode: %w", symbol, err)
	}
	return &t, nil
}

// SaveSnapshot stores one JSON document at key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, doc []byte) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, string(doc), 0).Err()
	})
	return err
}

// LoadSnapshot returns the JSON document at key, nil when absent.
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return []byte(raw), nil
}
