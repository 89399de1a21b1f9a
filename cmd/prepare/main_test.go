package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/storage"
	"github.com/energycast/energycast/pkg/types"
)

func writeFixture(t *testing.T, dir string, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("period_end,air_temp,ghi\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range rows {
		ts := start.Add(time.Duration(i) * 5 * time.Minute)
		fmt.Fprintf(&b, "%s,%d,%d\n", ts.Format(time.RFC3339), 10+i%3, i)
	}
	path := filepath.Join(dir, "weather.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFixture(t, dir, 36)
	mdPath := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(mdPath, []byte(`{"features":["air_temp","ghi","hour_sin"],"target_vars":["air_temp","ghi"]}`), 0o600))

	db := storage.NewFileProvider(filepath.Join(dir, "store"))
	ctx := context.Background()
	require.NoError(t, db.Init(ctx))

	err := run(ctx, db, config{
		csvPath:      csvPath,
		tsColumn:     "period_end",
		comma:        ',',
		dataset:      "weather",
		metadataPath: mdPath,
		scalerYears:  5,
		storeSamples: 10,
	})
	require.NoError(t, err)

	pair, err := db.GetScalers(ctx, "weather")
	require.NoError(t, err)
	require.NoError(t, pair.Validate())
	assert.Equal(t, 3, pair.Features.Width())
	assert.Equal(t, 2, pair.Targets.Width())
	assert.InDelta(t, 17.5, pair.Targets.Mean[1], 1e-9)

	table, err := db.GetHistoricalTable(ctx, "weather")
	require.NoError(t, err)
	// 36 samples at 5 minutes span hours 0 through 2
	assert.Equal(t, 3, table.Len())
	vals, ok := table.Lookup(history.Bucket{Weekday: 0, Month: 1, Hour: 1})
	require.True(t, ok)
	assert.InDelta(t, 17.5, vals[types.VarGHI], 1e-9)

	samples, err := db.GetLatestSamples(ctx, "weather", 100)
	require.NoError(t, err)
	require.Len(t, samples, 10)
	assert.Equal(t, 35.0, samples[9].Values[types.VarGHI])
	assert.Contains(t, samples[9].Values, types.FeatureHourSin)
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	db := storage.NewFileProvider(dir)
	require.NoError(t, db.Init(context.Background()))

	err := run(context.Background(), db, config{csvPath: filepath.Join(dir, "missing.csv"), tsColumn: "period_end", dataset: "weather"})
	assert.ErrorContains(t, err, "failed to open csv")

	// default weather metadata needs columns the fixture lacks
	err = run(context.Background(), db, config{csvPath: writeFixture(t, dir, 4), tsColumn: "period_end", dataset: "weather"})
	assert.ErrorContains(t, err, "no complete rows")
}
