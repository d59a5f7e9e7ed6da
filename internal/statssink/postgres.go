package statssink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heatlink/fetchengine/internal/stats"
)

// pgxIface is the subset of *pgxpool.Pool this sink needs, so tests can
// substitute pgxmock.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres persists flushed aggregates as upserted rows in a
// source_stats table.
type Postgres struct {
	pool pgxIface
}

// NewPostgres opens a connection pool against dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("statssink: creating connection pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool builds a Postgres sink over an already-constructed
// pool, used by tests to inject a pgxmock pool.
func NewPostgresWithPool(pool pgxIface) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Flush implements stats.Sink, upserting the latest aggregate for the
// source and overwriting the by-call-type breakdown.
func (p *Postgres) Flush(ctx context.Context, snapshot stats.Aggregate) error {
	byCallType, err := json.Marshal(snapshot.ByCallType)
	if err != nil {
		return fmt.Errorf("statssink: marshaling call-type breakdown: %w", err)
	}

	query := `
		INSERT INTO source_stats (
			source_id, total_requests, error_count, success_rate,
			avg_response_time_ms, by_call_type, observed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO UPDATE SET
			total_requests = EXCLUDED.total_requests,
			error_count = EXCLUDED.error_count,
			success_rate = EXCLUDED.success_rate,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			by_call_type = EXCLUDED.by_call_type,
			observed_at = EXCLUDED.observed_at;
	`
	_, err = p.pool.Exec(ctx, query,
		snapshot.SourceID,
		snapshot.TotalRequests,
		snapshot.ErrorCount,
		snapshot.SuccessRate,
		snapshot.AvgResponseTimeMS,
		byCallType,
		snapshot.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("statssink: upserting source_stats for %s: %w", snapshot.SourceID, err)
	}
	return nil
}
