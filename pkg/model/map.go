package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/types"
)

// Names of the models served by the API.
const (
	NameWeather = "weather"
	NameCOM     = "com"
)

// Artifact is the on-disk description of a trained model. Exactly one of
// Network or RemoteURL must be set.
type Artifact struct {
	Metadata  types.Metadata `json:"metadata"`
	Network   *Network       `json:"network,omitempty"`
	RemoteURL string         `json:"remote_url,omitempty"`
}

// Validate checks the artifact can be turned into a predictor.
func (a Artifact) Validate() error {
	if err := a.Metadata.Validate(); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	switch {
	case a.Network != nil && a.RemoteURL != "":
		return errors.New("artifact cannot set both network and remote_url")
	case a.Network != nil:
		if err := a.Network.Validate(); err != nil {
			return fmt.Errorf("invalid network: %w", err)
		}
		if a.Network.Outputs() != a.Metadata.ForecastHorizon*len(a.Metadata.TargetVars) {
			return fmt.Errorf("network outputs %d values, metadata expects %d x %d",
				a.Network.Outputs(), a.Metadata.ForecastHorizon, len(a.Metadata.TargetVars))
		}
	case a.RemoteURL == "":
		return errors.New("artifact must set network or remote_url")
	}
	return nil
}

// Entry is a loaded model with its shape contract.
type Entry struct {
	Predictor Predictor
	Metadata  types.Metadata
}

// LoadArtifact reads an artifact file. remoteURL, when non-empty, overrides
// the artifact's remote_url and drops any embedded network.
func LoadArtifact(path, remoteURL string, timeout time.Duration) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open model artifact: %w", err)
	}
	defer f.Close()

	var a Artifact
	if err := json.NewDecoder(f).Decode(&a); err != nil {
		return Entry{}, fmt.Errorf("failed to decode model artifact %s: %w", path, err)
	}
	if remoteURL != "" {
		a.Network = nil
		a.RemoteURL = remoteURL
	}
	return NewEntry(a, timeout)
}

// NewEntry builds an Entry from a validated artifact.
func NewEntry(a Artifact, timeout time.Duration) (Entry, error) {
	if err := a.Validate(); err != nil {
		return Entry{}, err
	}
	e := Entry{Metadata: a.Metadata}
	if a.Network != nil {
		e.Predictor = a.Network
	} else {
		e.Predictor = NewRemote(a.RemoteURL, timeout)
	}
	return e, nil
}

// Map holds the named models that loaded successfully. A model that failed to
// load is simply absent.
type Map struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		entries: make(map[string]Entry),
	}
}

// Get returns the model with the given name.
func (m *Map) Get(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok
}

// Set registers a model. This is primarily used for testing.
func (m *Map) Set(name string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = e
}

// Names returns the loaded model names in sorted order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured registers the model flags and returns a Map that is populated
// once flags are parsed. Load failures are logged and leave the model absent.
func Configured() *Map {
	weatherPath := lflag.String("weather-model", "", "Path to the weather model artifact (JSON)")
	weatherURL := lflag.String("weather-model-url", "", "Remote predict URL for the weather model, overrides the artifact")
	comPath := lflag.String("com-model", "", "Path to the energy community consumption model artifact (JSON)")
	comURL := lflag.String("com-model-url", "", "Remote predict URL for the consumption model, overrides the artifact")
	timeout := lflag.Duration("model-timeout", 10*time.Second, "Timeout for remote model predictions")

	m := NewMap()

	lflag.Do(func() {
		ctx := context.Background()
		m.load(ctx, NameWeather, *weatherPath, *weatherURL, *timeout)
		m.load(ctx, NameCOM, *comPath, *comURL, *timeout)
	})

	return m
}

func (m *Map) load(ctx context.Context, name, path, remoteURL string, timeout time.Duration) {
	if path == "" {
		log.Ctx(ctx).InfoContext(ctx, "model not configured", slog.String("model", name))
		return
	}
	e, err := LoadArtifact(path, remoteURL, timeout)
	if err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to load model",
			slog.String("model", name),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}
	m.Set(name, e)
	log.Ctx(ctx).InfoContext(
		ctx,
		"loaded model",
		slog.String("model", name),
		slog.Int("windowSize", e.Metadata.WindowSize),
		slog.Int("forecastHorizon", e.Metadata.ForecastHorizon),
	)
}
