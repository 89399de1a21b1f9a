package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// FileProvider implements Database with JSON files under a directory:
// {dir}/{dataset}/{kind}.json and {dir}/{dataset}/samples.json.
// It is intended for local development and single-instance deployments.
type FileProvider struct {
	mu  sync.RWMutex
	dir string
}

var _ Database = (*FileProvider)(nil)

func configuredFile() *FileProvider {
	dir := lflag.String("file-storage-dir", "data", "Directory for the file storage provider")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// NewFileProvider returns a FileProvider rooted at dir. Init must still be called.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.dir == "" {
		return errors.New("file-storage-dir is required")
	}
	return nil
}

// Init creates the storage directory.
func (f *FileProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) path(dataset, name string) (string, error) {
	if err := checkDataset(dataset); err != nil {
		return "", err
	}
	if dataset != filepath.Base(dataset) || dataset == "." || dataset == ".." {
		return "", fmt.Errorf("invalid dataset name %q", dataset)
	}
	return filepath.Join(f.dir, dataset, name+".json"), nil
}

func (f *FileProvider) read(dataset, name string, v any) error {
	p, err := f.path(dataset, name)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s/%s: %w", dataset, name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", p, err)
	}
	return nil
}

// write replaces the file atomically via a temp file and rename.
func (f *FileProvider) write(dataset, name string, v any) error {
	p, err := f.path(dataset, name)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// GetScalers implements Database.
func (f *FileProvider) GetScalers(ctx context.Context, dataset string) (scaler.Pair, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var p scaler.Pair
	if err := f.read(dataset, kindScalers, &p); err != nil {
		return scaler.Pair{}, err
	}
	return p, nil
}

// SetScalers implements Database.
func (f *FileProvider) SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(dataset, kindScalers, pair)
}

// GetHistoricalTable implements Database.
func (f *FileProvider) GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var t history.Table
	if err := f.read(dataset, kindTable, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetHistoricalTable implements Database.
func (f *FileProvider) SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(dataset, kindTable, table)
}

// GetResults implements Database.
func (f *FileProvider) GetResults(ctx context.Context, dataset string) (types.Results, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var r types.Results
	if err := f.read(dataset, kindResults, &r); err != nil {
		return types.Results{}, err
	}
	return r, nil
}

// SetResults implements Database.
func (f *FileProvider) SetResults(ctx context.Context, dataset string, results types.Results) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(dataset, kindResults, results)
}

func (f *FileProvider) readSamples(dataset string) (types.Series, error) {
	var series types.Series
	err := f.read(dataset, "samples", &series)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return series, err
}

// UpsertSamples merges samples into the dataset's sample file, replacing
// samples with the same timestamp.
func (f *FileProvider) UpsertSamples(ctx context.Context, dataset string, samples types.Series) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.readSamples(dataset)
	if err != nil {
		return err
	}
	byTS := make(map[int64]types.Sample, len(existing)+len(samples))
	for _, s := range existing {
		byTS[s.TS.Unix()] = s
	}
	for _, s := range samples {
		byTS[s.TS.Unix()] = s
	}
	merged := make(types.Series, 0, len(byTS))
	for _, s := range byTS {
		merged = append(merged, s)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].TS.Before(merged[j].TS)
	})
	return f.write(dataset, "samples", merged)
}

// GetSamples implements Database.
func (f *FileProvider) GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	series, err := f.readSamples(dataset)
	if err != nil {
		return nil, err
	}
	var out types.Series
	for _, s := range series {
		if !s.TS.Before(start) && s.TS.Before(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetLatestSamples implements Database.
func (f *FileProvider) GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 {
		return nil, nil
	}
	series, err := f.readSamples(dataset)
	if err != nil {
		return nil, err
	}
	return series.Tail(n), nil
}
