package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig configures the PostgreSQL reader.
type PostgresConfig struct {
	DSN          string
	Table        string // defaults to "records"
	MaxOpenConns int
	QueryTimeout time.Duration
}

// Postgres reads records from a table shaped as
// (collection text, id text, doc jsonb, created_at timestamptz).
type Postgres struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db, cfg), nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, cfg PostgresConfig) *Postgres {
	table := cfg.Table
	if table == "" {
		table = "records"
	}
	timeout := cfg.QueryTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{
		db:      db,
		query:   selectQuery(table),
		timeout: timeout,
	}
}

func selectQuery(table string) string {
	return fmt.Sprintf(
		`SELECT doc FROM %s WHERE collection = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		quoteIdent(table))
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

func (p *Postgres) GetAll(ctx context.Context, collection string, limit, offset int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, p.query, collection, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (p *Postgres) Close() error { return p.db.Close() }
