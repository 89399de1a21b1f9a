// Command prepare reads a weather CSV export, fits the feature and target
// scalers, builds the seasonal table and stores them with the most recent
// samples so the server can start without touching the CSV.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/dataset"
	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/storage"
	"github.com/energycast/energycast/pkg/types"
)

type config struct {
	csvPath      string
	tsColumn     string
	comma        rune
	dataset      string
	metadataPath string
	scalerYears  int
	storeSamples int
}

func main() {
	s := storage.Configured()

	csvPath := lflag.RequiredString("csv", "Path to the weather CSV export")
	tsColumn := lflag.String("ts-column", "period_end", "Timestamp column of the CSV")
	comma := lflag.String("csv-comma", ",", "Field delimiter of the CSV")
	datasetName := lflag.String("dataset", model.NameWeather, "Dataset the artifacts are stored under")
	metadataPath := lflag.String("metadata", "", "Optional model metadata JSON naming features and targets (defaults to the weather columns)")
	scalerYears := 5
	lflag.JSON(&scalerYears, "scaler-years", scalerYears, "Years of trailing data the scalers are fitted on")
	storeSamples := 8064
	lflag.JSON(&storeSamples, "store-samples", storeSamples, "Number of trailing samples to store for serving and evaluation (0 stores all)")

	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	r, _ := utf8.DecodeRuneInString(*comma)
	cfg := config{
		csvPath:      *csvPath,
		tsColumn:     *tsColumn,
		comma:        r,
		dataset:      *datasetName,
		metadataPath: *metadataPath,
		scalerYears:  scalerYears,
		storeSamples: storeSamples,
	}
	if err := run(ctx, s, cfg); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "prepare failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "prepared dataset", slog.String("dataset", cfg.dataset))
}

func run(ctx context.Context, db storage.Database, cfg config) error {
	md := types.Metadata{
		Features:   types.WeatherFeatures,
		TargetVars: types.WeatherTargets,
	}
	if cfg.metadataPath != "" {
		b, err := os.ReadFile(cfg.metadataPath)
		if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		if err := json.Unmarshal(b, &md); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	f, err := os.Open(cfg.csvPath)
	if err != nil {
		return fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()
	series, err := dataset.ReadCSV(f, cfg.tsColumn, cfg.comma)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return fmt.Errorf("csv %s has no rows", cfg.csvPath)
	}
	dataset.AddCyclicFeatures(series)
	log.Ctx(ctx).InfoContext(
		ctx,
		"read csv",
		slog.Int("rows", len(series)),
		slog.Time("first", series[0].TS),
		slog.Time("last", series.Last().TS),
	)

	pair, err := fitScalers(series, md, cfg.scalerYears)
	if err != nil {
		return err
	}
	if err := db.SetScalers(ctx, cfg.dataset, pair); err != nil {
		return fmt.Errorf("failed to store scalers: %w", err)
	}

	table := history.Build(series, md.TargetVars)
	if err := db.SetHistoricalTable(ctx, cfg.dataset, table); err != nil {
		return fmt.Errorf("failed to store seasonal table: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "stored seasonal table", slog.Int("buckets", table.Len()))

	recent := series
	if cfg.storeSamples > 0 {
		recent = series.Tail(cfg.storeSamples)
	}
	if err := db.UpsertSamples(ctx, cfg.dataset, recent); err != nil {
		return fmt.Errorf("failed to store samples: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "stored samples", slog.Int("samples", len(recent)))
	return nil
}

// fitScalers fits both scalers on the trailing years of complete rows.
func fitScalers(series types.Series, md types.Metadata, years int) (scaler.Pair, error) {
	recent := series
	if years > 0 {
		recent = dataset.Since(series, series.Last().TS.AddDate(-years, 0, 0))
	}
	cols := append(append([]string(nil), md.Features...), md.TargetVars...)
	var complete types.Series
	for _, s := range recent {
		if _, err := dataset.Row(s, cols); err == nil {
			complete = append(complete, s)
		}
	}
	if len(complete) == 0 {
		return scaler.Pair{}, fmt.Errorf("no complete rows since %s", recent[0].TS.Format(time.DateOnly))
	}

	x, err := dataset.Matrix(complete, md.Features)
	if err != nil {
		return scaler.Pair{}, err
	}
	y, err := dataset.Matrix(complete, md.TargetVars)
	if err != nil {
		return scaler.Pair{}, err
	}
	var pair scaler.Pair
	if pair.Features, err = scaler.Fit(x); err != nil {
		return scaler.Pair{}, fmt.Errorf("failed to fit feature scaler: %w", err)
	}
	if pair.Targets, err = scaler.Fit(y); err != nil {
		return scaler.Pair{}, fmt.Errorf("failed to fit target scaler: %w", err)
	}
	return pair, nil
}
