package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")
)

// Artifact kinds stored per dataset.
const (
	kindScalers = "scalers"
	kindTable   = "historical_table"
	kindResults = "results"
)

// Database defines the interface for persisting prepared artifacts, recent
// samples and evaluation results. Everything is scoped by a dataset name,
// e.g. "weather".
type Database interface {
	// Artifacts
	GetScalers(ctx context.Context, dataset string) (scaler.Pair, error)
	SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error
	GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error)
	SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error

	// Samples
	// UpsertSamples adds or replaces samples keyed by timestamp.
	UpsertSamples(ctx context.Context, dataset string, samples types.Series) error
	// GetSamples returns samples in [start, end) in chronological order.
	GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error)
	// GetLatestSamples returns up to n of the most recent samples in
	// chronological order.
	GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error)

	// Results
	GetResults(ctx context.Context, dataset string) (types.Results, error)
	SetResults(ctx context.Context, dataset string, results types.Results) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore, redis, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	rs := configuredRedis()
	ps := configuredPostgres()
	fl := configuredFile()

	lflag.Do(func() {
		ctx := context.Background()
		var db interface {
			Database
			Validate() error
			Init(context.Context) error
		}
		switch *provider {
		case "firestore":
			db = fs
		case "redis":
			db = rs
		case "postgres":
			db = ps
		case "file":
			db = fl
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
		if err := db.Validate(); err != nil {
			panic(fmt.Sprintf("%s validation failed: %v", *provider, err))
		}
		if err := db.Init(ctx); err != nil {
			panic(fmt.Sprintf("%s init failed: %v", *provider, err))
		}
		p.Database = db
	})

	return &p
}

func checkDataset(dataset string) error {
	if dataset == "" {
		return fmt.Errorf("dataset cannot be empty")
	}
	return nil
}

func sampleKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
