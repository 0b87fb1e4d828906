package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS gateway_events (
		id UUID,
		request_id String,
		event LowCardinality(String),
		client String,
		username String,
		action LowCardinality(String),
		reference_id String,
		message String,
		created_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (event, created_at)
`

// recordTimeout bounds one audit insert on the request path.
const recordTimeout = 2 * time.Second

// ClickHouseRecorder appends audit entries to a ClickHouse table.
type ClickHouseRecorder struct {
	conn driver.Conn
}

// NewClickHouseRecorder connects to ClickHouse and creates the events table if needed.
func NewClickHouseRecorder(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseRecorder, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, createEventsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create gateway_events table: %w", err)
	}

	return &ClickHouseRecorder{conn: conn}, nil
}

// clickHouseOptions builds the connection options. Inserts are asynchronous:
// the server buffers rows and acknowledges before flushing, so a Record call
// costs one round trip rather than a part write per request.
func clickHouseOptions(cfg config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 0,
		},
		DialTimeout: 5 * time.Second,
	}
}

// Record implements Recorder. Entries become visible once the server
// flushes its async insert buffer.
func (r *ClickHouseRecorder) Record(ctx context.Context, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	query := `
		INSERT INTO gateway_events (
			id, request_id, event, client, username,
			action, reference_id, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.conn.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		string(entry.Event),
		entry.Client,
		entry.Username,
		entry.Action,
		entry.ReferenceID,
		entry.Message,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry %s: %w", entry.ID, err)
	}

	return nil
}

// CountByEvent returns how many entries of the given type were recorded.
func (r *ClickHouseRecorder) CountByEvent(ctx context.Context, event EventType) (uint64, error) {
	var count uint64
	row := r.conn.QueryRow(ctx, `SELECT count() FROM gateway_events WHERE event = ?`, string(event))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s events: %w", event, err)
	}
	return count, nil
}

// Close closes the ClickHouse connection.
func (r *ClickHouseRecorder) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
