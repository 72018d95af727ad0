package reqlog

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink is a durable analytics Sink. It batches RequestLog rows
// into a single native-protocol insert per flush.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// ClickHouseConfig names the pieces needed to dial ClickHouse's native
// protocol.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	// Table is the target table name; defaults to "request_logs".
	Table string
}

// NewClickHouseSink dials ClickHouse and verifies connectivity with a Ping
// before returning, so misconfiguration surfaces at startup rather than on
// the first flush.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "request_logs"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reqlog: clickhouse dial: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("reqlog: clickhouse ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// WriteBatch opens a native batch insert and appends one row per entry.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, alias, provider, model, input_tokens, output_tokens, latency_ms, status, cached, created_at)",
		s.table,
	))
	if err != nil {
		return fmt.Errorf("reqlog: prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID.String(),
			e.Alias,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("reqlog: append row: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }
