// Package sqlite is the durable bar archive behind the rolling Redis tail.
// Single-writer, transaction-batched; the export tool reads it back for
// JSONL dumps.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"smc-systemv1/internal/model"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = 500 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol        TEXT    NOT NULL,
	tf            TEXT    NOT NULL,
	open_time_ms  INTEGER NOT NULL,
	close_time_ms INTEGER NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	close         REAL    NOT NULL,
	volume        REAL,
	source        TEXT,
	PRIMARY KEY (symbol, tf, open_time_ms)
);
`

// Archive is a single-goroutine SQLite bar archive.
type Archive struct {
	db  *sqlx.DB
	log *slog.Logger
}

// barRow maps one bars table row.
type barRow struct {
	Symbol    string  `db:"symbol"`
	TF        string  `db:"tf"`
	OpenTime  int64   `db:"open_time_ms"`
	CloseTime int64   `db:"close_time_ms"`
	Open      float64 `db:"open"`
	High      float64 `db:"high"`
	Low       float64 `db:"low"`
	Close     float64 `db:"close"`
	Volume    float64 `db:"volume"`
	Source    string  `db:"source"`
}

// New opens (or creates) the archive in WAL mode.
func New(path string) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Archive{db: db, log: slog.Default().With("component", "archive")}, nil
}

// DB exposes the handle for health checks.
func (a *Archive) DB() *sqlx.DB { return a.db }

// Run drains the archive channel into batched transactions. Flushes every
// defaultBatchSize bars or defaultFlushDelay, whichever comes first. Blocks
// until ctx is cancelled or the channel closes.
func (a *Archive) Run(ctx context.Context, ch <-chan model.ArchivedBar) {
	batch := make([]model.ArchivedBar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.insertBatch(batch); err != nil {
			a.log.Error("batch insert failed", "bars", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ab, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ab)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (a *Archive) insertBatch(batch []model.ArchivedBar) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars
			(symbol, tf, open_time_ms, close_time_ms, open, high, low, close, volume, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range batch {
		ab := &batch[i]
		b := &ab.Bar
		_, err := stmt.Exec(ab.Symbol, ab.TF,
			b.OpenTime, b.CloseTime, b.Open, b.High, b.Low, b.Close, b.Volume, b.Source)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Range returns up to limit bars for a pair with close_time ≤ toMS (toMS=0
// means unbounded), in ascending close_time order.
func (a *Archive) Range(ctx context.Context, symbol, tf string, toMS int64, limit int) ([]model.Bar, error) {
	if toMS <= 0 {
		toMS = 1<<63 - 1
	}
	var rows []barRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT symbol, tf, open_time_ms, close_time_ms, open, high, low, close, volume, source
		FROM (
			SELECT * FROM bars
			WHERE symbol = ? AND tf = ? AND close_time_ms <= ?
			ORDER BY close_time_ms DESC LIMIT ?
		) ORDER BY close_time_ms ASC
	`, symbol, tf, toMS, limit)
	if err != nil {
		return nil, fmt.Errorf("archive range %s: %w", model.PairKey(symbol, tf), err)
	}

	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = model.Bar{
			OpenTime: r.OpenTime, CloseTime: r.CloseTime,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
			Volume: r.Volume, Complete: true, Source: r.Source,
		}
	}
	return bars, nil
}

// Pairs lists every distinct (symbol, tf) present in the archive, sorted.
func (a *Archive) Pairs(ctx context.Context) ([][2]string, error) {
	var rows []struct {
		Symbol string `db:"symbol"`
		TF     string `db:"tf"`
	}
	err := a.db.SelectContext(ctx, &rows,
		`SELECT DISTINCT symbol, tf FROM bars ORDER BY symbol, tf`)
	if err != nil {
		return nil, err
	}
	out := make([][2]string, len(rows))
	for i, r := range rows {
		out[i] = [2]string{r.Symbol, r.TF}
	}
	return out, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
