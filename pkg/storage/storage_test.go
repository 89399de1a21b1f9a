package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// testDatabase exercises the Database contract against a live provider.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	dataset := fmt.Sprintf("test-%d", time.Now().UnixNano())

	t.Run("NotFound", func(t *testing.T) {
		_, err := db.GetScalers(ctx, dataset)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetHistoricalTable(ctx, dataset)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetResults(ctx, dataset)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EmptyDataset", func(t *testing.T) {
		_, err := db.GetScalers(ctx, "")
		assert.ErrorContains(t, err, "dataset cannot be empty")
	})

	t.Run("Scalers", func(t *testing.T) {
		pair := scaler.Pair{
			Features: &scaler.Standard{Mean: []float64{1, 2}, Scale: []float64{3, 4}},
			Targets:  &scaler.Standard{Mean: []float64{5}, Scale: []float64{6}},
		}
		require.NoError(t, db.SetScalers(ctx, dataset, pair))
		got, err := db.GetScalers(ctx, dataset)
		require.NoError(t, err)
		assert.Equal(t, pair, got)
	})

	t.Run("HistoricalTable", func(t *testing.T) {
		tbl := history.NewTable(map[history.Bucket]map[string]float64{
			{Weekday: 2, Month: 7, Hour: 13}: {"ghi": 812.5},
		})
		require.NoError(t, db.SetHistoricalTable(ctx, dataset, tbl))
		got, err := db.GetHistoricalTable(ctx, dataset)
		require.NoError(t, err)
		v, ok := got.Lookup(history.Bucket{Weekday: 2, Month: 7, Hour: 13})
		require.True(t, ok)
		assert.Equal(t, 812.5, v["ghi"])
	})

	t.Run("Results", func(t *testing.T) {
		res := types.Results{
			Model:       "weather",
			GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Metrics:     map[string]types.VariableMetrics{"ghi": {MAE: 1, RMSE: 2, R2: 0.9}},
			Predictions: map[string]map[string]float64{"2024-01-01T00:05:00Z": {"ghi": 3}},
		}
		require.NoError(t, db.SetResults(ctx, dataset, res))
		got, err := db.GetResults(ctx, dataset)
		require.NoError(t, err)
		assert.Equal(t, res.Metrics, got.Metrics)
		assert.Equal(t, res.Predictions, got.Predictions)
		assert.True(t, res.GeneratedAt.Equal(got.GeneratedAt))
	})

	t.Run("Samples", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var series types.Series
		for i := range 10 {
			series = append(series, types.Sample{
				TS:     start.Add(time.Duration(i) * 5 * time.Minute),
				Values: map[string]float64{"air_temp": float64(i)},
			})
		}
		require.NoError(t, db.UpsertSamples(ctx, dataset, series))

		// replace one sample
		require.NoError(t, db.UpsertSamples(ctx, dataset, types.Series{
			{TS: series[9].TS, Values: map[string]float64{"air_temp": 99}},
		}))

		got, err := db.GetSamples(ctx, dataset, series[2].TS, series[5].TS)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].TS.Equal(series[2].TS))
		assert.Equal(t, 4.0, got[2].Values["air_temp"])

		latest, err := db.GetLatestSamples(ctx, dataset, 3)
		require.NoError(t, err)
		require.Len(t, latest, 3)
		assert.True(t, latest[0].TS.Equal(series[7].TS))
		assert.Equal(t, 99.0, latest[2].Values["air_temp"])

		all, err := db.GetLatestSamples(ctx, dataset, 100)
		require.NoError(t, err)
		assert.Len(t, all, 10)
	})
}

func TestFileProvider(t *testing.T) {
	f := NewFileProvider(t.TempDir())
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(context.Background()))
	defer f.Close()

	testDatabase(t, f)

	t.Run("InvalidDataset", func(t *testing.T) {
		_, err := f.GetScalers(context.Background(), "../etc")
		assert.ErrorContains(t, err, "invalid dataset")
	})
}

func TestFirestoreProvider(t *testing.T) {
	emulator := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(context.Background()))
	defer f.Close()

	testDatabase(t, f)
}

func TestRedisProvider(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	r := &RedisProvider{addr: addr, prefix: "energycast-test"}
	require.NoError(t, r.Validate())
	require.NoError(t, r.Init(context.Background()))
	defer r.Close()

	testDatabase(t, r)
}

func TestRedisValidate(t *testing.T) {
	assert.Error(t, (&RedisProvider{}).Validate())
	assert.Error(t, (&RedisProvider{addr: "localhost:6379", db: -1}).Validate())
	assert.NoError(t, (&RedisProvider{addr: "localhost:6379"}).Validate())
}

func TestPostgresProvider(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	p := &PostgresProvider{dsn: dsn}
	require.NoError(t, p.Validate())
	require.NoError(t, p.Init(context.Background()))
	defer p.Close()

	testDatabase(t, p)
}

func TestPostgresValidate(t *testing.T) {
	assert.Error(t, (&PostgresProvider{}).Validate())
}
