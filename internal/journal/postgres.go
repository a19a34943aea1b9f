package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS session_events (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

// PostgresOption customises the Postgres journal.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	maxConns int32
	appName  string
	timeout  time.Duration
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) PostgresOption {
	return func(o *postgresOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithApplicationName sets application_name on pooled connections.
func WithApplicationName(name string) PostgresOption {
	return func(o *postgresOptions) {
		o.appName = name
	}
}

// WithTimeout bounds each statement.
func WithTimeout(d time.Duration) PostgresOption {
	return func(o *postgresOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Postgres persists events to the session_events table.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres opens a pool for dsn and ensures the events table exists.
func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres journal dsn required")
	}
	options := postgresOptions{maxConns: 4, appName: "rtsp-proxy", timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres journal config: %w", err)
	}
	cfg.MaxConns = options.maxConns
	if options.appName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = options.appName
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal pool: %w", err)
	}
	store := &Postgres{pool: pool, timeout: options.timeout}
	migrateCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create session_events table: %w", err)
	}
	return store, nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Append inserts event.
func (p *Postgres) Append(ctx context.Context, event Event) error {
	if p.pool == nil {
		return fmt.Errorf("postgres journal pool not configured")
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
INSERT INTO session_events (kind, subject, detail, occurred_at)
VALUES ($1, $2, $3, $4)
`, event.Kind, event.Subject, event.Detail, event.At.UTC())
	return err
}

// Recent returns up to limit events, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Event, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres journal pool not configured")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `
SELECT id, kind, subject, detail, occurred_at
FROM session_events
ORDER BY id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Kind, &event.Subject, &event.Detail, &event.At); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes events that occurred before cutoff and reports how many
// were removed.
func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if p.pool == nil {
		return 0, fmt.Errorf("postgres journal pool not configured")
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM session_events WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
