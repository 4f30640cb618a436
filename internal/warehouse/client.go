// Package warehouse is the thin typed adapter over the columnar warehouse
// (spec C4): append-only row writes, batched at the configured size limit,
// and parameterized reads. Modeled on the teacher's ClickHouse exporter
// (internal/long-term-archives/clickhouse_exporter.go), generalized from a
// single archive table into a generic append/query surface shared by C5, C6
// and C7.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// Row is one logical record to append; column order must match the target
// table's INSERT column list supplied by the caller.
type Row []any

// Rows is the typed result of a Query call.
type Rows = *sql.Rows

// Config mirrors the teacher's ClickHouseConfig shape.
type Config struct {
	DSN             string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxBatchRows    int // rows per INSERT statement; spec §6 row-size cap is enforced by callers
}

// Client is process-wide and safe for concurrent use (spec §5).
type Client struct {
	cfg    Config
	db     *sql.DB
	logger *zap.Logger
}

// New opens the warehouse connection and verifies it with a ping.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchRows <= 0 {
		cfg.MaxBatchRows = 1000
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{Database: cfg.Database},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("warehouse: ping: %w", err)
	}

	return &Client{cfg: cfg, db: db, logger: logger}, nil
}

// NewFromDB wraps an already-open *sql.DB (used by tests with go-sqlmock).
func NewFromDB(db *sql.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: Config{MaxBatchRows: 1000}, db: db, logger: logger}
}

// AppendRows inserts rows into table (columns as given) in batches bounded
// by cfg.MaxBatchRows. All writes are append-only per spec §4.4.
func (c *Client) AppendRows(ctx context.Context, table string, columns []string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := placeholderList(len(columns))
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinColumns(columns), placeholders)

	for start := 0; start < len(rows); start += c.cfg.MaxBatchRows {
		end := start + c.cfg.MaxBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		if err := c.appendBatch(ctx, insertSQL, rows[start:end]); err != nil {
			return fmt.Errorf("warehouse: append batch [%d:%d) to %s: %w", start, end, table, err)
		}
	}
	return nil
}

func (c *Client) appendBatch(ctx context.Context, insertSQL string, rows []Row) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	return tx.Commit()
}

// Query runs a parameterized read. Callers must Close the returned Rows.
func (c *Client) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: query: %w", err)
	}
	return rows, nil
}

// QueryRow runs a parameterized single-row read.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Exec runs a parameterized statement outside the batched-append path (DDL,
// one-off maintenance).
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

func (c *Client) Close() error { return c.db.Close() }

func placeholderList(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}

func joinColumns(cols []string) string {
	s := ""
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += c
	}
	return s
}
