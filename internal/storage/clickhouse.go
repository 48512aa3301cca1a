package storage

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/reward-settler/internal/config"
)

// DefaultArchiveTable holds evaluated engagements when CLICKHOUSE_ARCHIVE_TABLE is unset
const DefaultArchiveTable = "engagement_events"

// archiveTablePlaceholder is replaced with the configured table in migrations
const archiveTablePlaceholder = "{{archive_table}}"

// the table name is spliced into SQL, so only plain identifiers are accepted
var archiveTablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseDB is the engagement archive's ClickHouse connection, bound to
// one archive table
type ClickHouseDB struct {
	conn  driver.Conn
	table string
}

// NewClickHouseDB connects to ClickHouse and checks the archive table name
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	table := cfg.ArchiveTable
	if table == "" {
		table = DefaultArchiveTable
	}
	if !archiveTablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid CLICKHOUSE_ARCHIVE_TABLE %q", table)
	}

	maxExec := cfg.MaxExecutionTime
	if maxExec <= 0 {
		maxExec = time.Minute
	}
	settings := clickhouse.Settings{
		"max_execution_time": int(maxExec.Seconds()),
	}
	if cfg.AsyncInsert {
		// The server buffers small archive batches; Send returns once they are flushed
		settings["async_insert"] = 1
		settings["wait_for_async_insert"] = 1
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings:         settings,
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn, table: table}, nil
}

// ArchiveTable returns the table archived events are written to
func (db *ClickHouseDB) ArchiveTable() string {
	return db.table
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping implements the health check
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs one migration statement
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// renderArchiveSQL puts the archive table name into a migration statement
func renderArchiveSQL(stmt, table string) string {
	return strings.ReplaceAll(stmt, archiveTablePlaceholder, table)
}

// InsertEvents writes one batch of archived events in a single insert
func (db *ClickHouseDB) InsertEvents(ctx context.Context, events []ArchivedEvent) error {
	batch, err := db.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			provider_event_id, event_type, action, actor_fid, target_fid, target_cast_hash,
			creator_address, actor_address, token_address, amount, decision, ledger_entry_id, event_time
		)
	`, db.table))
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(
			ev.ProviderEventID,
			ev.EventType,
			ev.Action,
			ev.ActorFID,
			ev.TargetFID,
			ev.TargetCastHash,
			ev.CreatorAddress,
			ev.ActorAddress,
			ev.TokenAddress,
			ev.Amount,
			ev.Decision,
			ev.LedgerEntryID,
			ev.EventTime,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append archived event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}

// DecisionCounts aggregates archived decisions since a point in time.
// FINAL collapses redelivered events that share a sort key.
func (db *ClickHouseDB) DecisionCounts(ctx context.Context, since time.Time) (map[string]uint64, error) {
	rows, err := db.conn.Query(ctx, fmt.Sprintf(`
		SELECT decision, count() FROM %s FINAL
		WHERE event_time >= ?
		GROUP BY decision
	`, db.table), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]uint64)
	for rows.Next() {
		var decision string
		var n uint64
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("failed to scan decision count: %w", err)
		}
		counts[decision] = n
	}
	return counts, rows.Err()
}
