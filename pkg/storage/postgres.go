package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS energycast_artifacts (
	dataset TEXT NOT NULL,
	kind TEXT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (dataset, kind)
);
CREATE TABLE IF NOT EXISTS energycast_samples (
	dataset TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	body JSONB NOT NULL,
	PRIMARY KEY (dataset, ts)
);
`

// PostgresProvider implements Database on PostgreSQL.
type PostgresProvider struct {
	pool *pgxpool.Pool
	dsn  string
}

var _ Database = (*PostgresProvider)(nil)

func configuredPostgres() *PostgresProvider {
	dsn := lflag.String("postgres-dsn", "", "PostgreSQL connection string")

	p := &PostgresProvider{}

	lflag.Do(func() {
		p.dsn = *dsn
	})

	return p
}

// Validate checks if the provider is properly configured.
func (p *PostgresProvider) Validate() error {
	if p.dsn == "" {
		return errors.New("postgres-dsn is required")
	}
	return nil
}

// Init connects to PostgreSQL and creates the tables if needed.
func (p *PostgresProvider) Init(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres connection failed: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("failed to create postgres schema: %w", err)
	}
	p.pool = pool
	return nil
}

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresProvider) getArtifact(ctx context.Context, dataset, kind string, v any) error {
	if err := checkDataset(dataset); err != nil {
		return err
	}
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM energycast_artifacts WHERE dataset = $1 AND kind = $2`,
		dataset, kind,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", dataset, kind, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres query failed: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return nil
}

func (p *PostgresProvider) setArtifact(ctx context.Context, dataset, kind string, v any) error {
	if err := checkDataset(dataset); err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO energycast_artifacts (dataset, kind, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (dataset, kind) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, dataset, kind, body)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

// GetScalers implements Database.
func (p *PostgresProvider) GetScalers(ctx context.Context, dataset string) (scaler.Pair, error) {
	var pair scaler.Pair
	if err := p.getArtifact(ctx, dataset, kindScalers, &pair); err != nil {
		return scaler.Pair{}, err
	}
	return pair, nil
}

// SetScalers implements Database.
func (p *PostgresProvider) SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error {
	return p.setArtifact(ctx, dataset, kindScalers, pair)
}

// GetHistoricalTable implements Database.
func (p *PostgresProvider) GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error) {
	var t history.Table
	if err := p.getArtifact(ctx, dataset, kindTable, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetHistoricalTable implements Database.
func (p *PostgresProvider) SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error {
	return p.setArtifact(ctx, dataset, kindTable, table)
}

// GetResults implements Database.
func (p *PostgresProvider) GetResults(ctx context.Context, dataset string) (types.Results, error) {
	var r types.Results
	if err := p.getArtifact(ctx, dataset, kindResults, &r); err != nil {
		return types.Results{}, err
	}
	return r, nil
}

// SetResults implements Database.
func (p *PostgresProvider) SetResults(ctx context.Context, dataset string, results types.Results) error {
	return p.setArtifact(ctx, dataset, kindResults, results)
}

// UpsertSamples inserts samples in one batch, replacing rows with the same
// timestamp.
func (p *PostgresProvider) UpsertSamples(ctx context.Context, dataset string, samples types.Series) error {
	if err := checkDataset(dataset); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range samples {
		body, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		batch.Queue(`
			INSERT INTO energycast_samples (dataset, ts, body) VALUES ($1, $2, $3)
			ON CONFLICT (dataset, ts) DO UPDATE SET body = EXCLUDED.body
		`, dataset, s.TS.UTC(), body)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres sample upsert failed: %w", err)
	}
	return nil
}

// GetSamples implements Database.
func (p *PostgresProvider) GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error) {
	if err := checkDataset(dataset); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM energycast_samples WHERE dataset = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`,
		dataset, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	return scanSamples(rows)
}

// GetLatestSamples implements Database.
func (p *PostgresProvider) GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error) {
	if err := checkDataset(dataset); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM energycast_samples WHERE dataset = $1 ORDER BY ts DESC LIMIT $2`,
		dataset, n,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	series, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(series)
	return series, nil
}

func scanSamples(rows pgx.Rows) (types.Series, error) {
	defer rows.Close()
	var series types.Series
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var s types.Sample
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
		}
		series = append(series, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows failed: %w", err)
	}
	return series, nil
}
