// Package postgres provides a PostgreSQL-backed [history.Recorder].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Record(ctx, history.Event{Channel: "news", Kind: history.KindStarted})
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Imranch4/discord-stream-bot/internal/history"
)

var _ history.Recorder = (*Store)(nil)

// ddlStreamEvents creates the event table and its lookup index.
const ddlStreamEvents = `
CREATE TABLE IF NOT EXISTS stream_events (
    id            BIGSERIAL    PRIMARY KEY,
    channel       TEXT         NOT NULL,
    kind          TEXT         NOT NULL,
    source_index  INTEGER      NOT NULL DEFAULT 0,
    source        TEXT         NOT NULL DEFAULT '',
    detail        TEXT         NOT NULL DEFAULT '',
    at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stream_events_channel_at
    ON stream_events (channel, at DESC);
`

// Migrate creates the schema if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlStreamEvents); err != nil {
		return fmt.Errorf("postgres history: migrate: %w", err)
	}
	return nil
}

// Store records stream events in PostgreSQL. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Record implements [history.Recorder].
func (s *Store) Record(ctx context.Context, ev history.Event) error {
	if !ev.Kind.IsValid() {
		return fmt.Errorf("postgres history: invalid event kind %q", ev.Kind)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	const q = `INSERT INTO stream_events (channel, kind, source_index, source, detail, at)
	           VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, ev.Channel, string(ev.Kind), ev.SourceIndex, ev.Source, ev.Detail, ev.At); err != nil {
		return fmt.Errorf("postgres history: record %s/%s: %w", ev.Channel, ev.Kind, err)
	}
	return nil
}

// Recent implements [history.Recorder].
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = history.DefaultSize
	}
	const q = `SELECT channel, kind, source_index, source, detail, at
	           FROM stream_events
	           WHERE ($1 = '' OR channel = $1)
	           ORDER BY at DESC, id DESC
	           LIMIT $2`
	rows, err := s.pool.Query(ctx, q, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres history: recent: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Event, error) {
		var (
			ev   history.Event
			kind string
		)
		err := row.Scan(&ev.Channel, &kind, &ev.SourceIndex, &ev.Source, &ev.Detail, &ev.At)
		ev.Kind = history.Kind(kind)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: scan: %w", err)
	}
	return events, nil
}

// Check pings the database. Used by readiness probes.
func (s *Store) Check(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
