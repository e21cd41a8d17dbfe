package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	pkgch "FinCascade/pkg/clickhouse"
	applogger "FinCascade/pkg/logger"
)

const eventsTable = "cascade_events"

// EventSchema creates the archive table. Safe to run on every start.
var EventSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + eventsTable + ` (
        ts          DateTime64(3, 'UTC'),
        type        LowCardinality(String),
        request_id  String,
        stage       LowCardinality(String),
        endpoint    LowCardinality(String),
        kind        LowCardinality(String),
        detail      String,
        degraded    UInt8,
        latency_ms  Int64
    ) ENGINE = MergeTree
    PARTITION BY toYYYYMMDD(ts)
    ORDER BY (request_id, ts)
    TTL toDateTime(ts) + INTERVAL 30 DAY`,
}

// CHEventStore archives telemetry events in ClickHouse.
type CHEventStore struct {
	db *sql.DB
	l  *applogger.Logger
}

// NewCHEventStore creates the store over an open client.
func NewCHEventStore(ch *pkgch.Client) *CHEventStore {
	return NewCHEventStoreFromDB(ch.DB())
}

// NewCHEventStoreFromDB creates the store over any *sql.DB speaking ClickHouse SQL.
func NewCHEventStoreFromDB(db *sql.DB) *CHEventStore {
	return &CHEventStore{db: db, l: applogger.Nop()}
}

// SetLogger injects a structured logger.
func (s *CHEventStore) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

func (s *CHEventStore) EmitBatch(ctx context.Context, events []models.Event) error {
	return s.StoreBatch(ctx, events)
}

func (s *CHEventStore) StoreBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	// Multi-row VALUES to keep round-trips low.
	const chunkSize = 2000
	for lo := 0; lo < len(events); lo += chunkSize {
		hi := lo + chunkSize
		if hi > len(events) {
			hi = len(events)
		}
		values := make([]string, 0, hi-lo)
		args := make([]interface{}, 0, (hi-lo)*9)
		for _, ev := range events[lo:hi] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			var degraded uint8
			if ev.Degraded {
				degraded = 1
			}
			args = append(args,
				ev.Time.UTC(),
				string(ev.Type),
				ev.RequestID,
				string(ev.Stage),
				ev.Endpoint,
				string(ev.Kind),
				ev.Detail,
				degraded,
				ev.Latency,
			)
		}
		q := fmt.Sprintf("INSERT INTO %s (ts, type, request_id, stage, endpoint, kind, detail, degraded, latency_ms) VALUES %s",
			eventsTable, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse store_events error",
				applogger.Int("rows", hi-lo),
				applogger.Error(err),
			)
			return fmt.Errorf("store events: %w", err)
		}
	}
	s.l.Debug("clickhouse store_events ok",
		applogger.Int("rows", len(events)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// Query returns the newest events of one run, oldest first.
func (s *CHEventStore) Query(ctx context.Context, requestID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
        SELECT ts, type, request_id, stage, endpoint, kind, detail, degraded, latency_ms
        FROM ` + eventsTable + `
        WHERE request_id = ?
        ORDER BY ts ASC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, q, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]models.Event, 0, limit)
	for rows.Next() {
		var (
			ev               models.Event
			typ, stage, kind string
			degraded         uint8
		)
		if err := rows.Scan(&ev.Time, &typ, &ev.RequestID, &stage, &ev.Endpoint, &kind, &ev.Detail, &degraded, &ev.Latency); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(typ)
		ev.Stage = models.Stage(stage)
		ev.Kind = models.FailureKind(kind)
		ev.Degraded = degraded == 1
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *CHEventStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHEventStore) Close() error {
	return nil // Managed by pkg
}

var (
	_ domrepo.EventStore     = (*CHEventStore)(nil)
	_ domrepo.EventBatchSink = (*CHEventStore)(nil)
)
