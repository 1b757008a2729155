// Package redis is the rolling time-series store and snapshot/pub-sub
// transport. Bar tails live in sorted sets scored by open_time_ms; ticks
// and snapshots are plain keys. Writes go through a circuit breaker so a
// dead Redis degrades to dropped writes instead of a stalled pipeline.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

const (
	defaultLatestTTL = 30 * time.Minute
	defaultTickTTL   = 5 * time.Minute
	dialTimeout      = 5 * time.Second
)

// Config configures the store connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // key prefix, e.g. "ai_one"
	MaxBars   int    // retained tail depth per (symbol, tf); 0 = 5000
}

// Store wraps one Redis client for bars, ticks, snapshots and pub/sub.
type Store struct {
	client *goredis.Client
	ns     string
	max    int
	cb     *gobreaker.CircuitBreaker
	log    *slog.Logger
}

// New dials Redis and pings it once.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	max := cfg.MaxBars
	if max <= 0 {
		max = 5000
	}

	st := gobreaker.Settings{Name: "redis-store", Timeout: 15 * time.Second}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Store{
		client: client,
		ns:     cfg.Namespace,
		max:    max,
		cb:     gobreaker.NewCircuitBreaker(st),
		log:    slog.Default().With("component", "store"),
	}, nil
}

// NewFromClient wraps an existing client; used by tests with redismock.
func NewFromClient(client *goredis.Client, namespace string, maxBars int) *Store {
	if maxBars <= 0 {
		maxBars = 5000
	}
	st := gobreaker.Settings{Name: "redis-store", Timeout: 15 * time.Second}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Store{
		client: client,
		ns:     namespace,
		max:    maxBars,
		cb:     gobreaker.NewCircuitBreaker(st),
		log:    slog.Default().With("component", "store"),
	}
}

// Client exposes the underlying connection for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

// Publish sends one payload on a pub/sub channel, through the breaker.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, string(payload)).Err()
	})
	return err
}

// Subscribe opens a pub/sub subscription on the given channels.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}

func (s *Store) barsKey(symbol, tf string) string {
	return s.ns + ":ohlcv:" + symbol + ":" + tf
}

func (s *Store) latestBarKey(symbol, tf string) string {
	return s.ns + ":ohlcv:latest:" + symbol + ":" + tf
}

func (s *Store) tickKey(symbol string) string {
	return s.ns + ":tick:" + symbol
}
