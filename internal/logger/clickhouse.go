package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const eventsDDL = `
CREATE TABLE IF NOT EXISTS proxy_events (
	request_id     String,
	service        LowCardinality(String),
	family         LowCardinality(String),
	model          LowCardinality(String),
	key_hash       FixedString(8),
	input_tokens   UInt32,
	output_tokens  UInt32,
	retries        UInt8,
	latency_ms     UInt32,
	status         UInt16,
	created_at     DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, service)
TTL created_at + INTERVAL 90 DAY
`

// ClickHouseSink persists request events for offline analysis. It is the
// optional durable sink; the proxy runs fine without it.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects with the given DSN (clickhouse://host:9000/db)
// and ensures the events table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, eventsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ddl: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch inserts one batch of events.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO proxy_events")
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range events {
		keyHash := e.KeyHash
		if len(keyHash) > 8 {
			keyHash = keyHash[:8]
		}
		if err := batch.Append(
			e.RequestID,
			e.Service,
			e.Family,
			e.Model,
			keyHash,
			uint32(e.InputTokens),
			uint32(e.OutputTokens),
			uint8(min(e.Retries, 255)),
			uint32(e.LatencyMs),
			uint16(e.Status),
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }
