package types

import (
	"fmt"
	"time"
)

// DefaultInterval is the sampling interval of the weather dataset.
const DefaultInterval = 5 * time.Minute

// Weather variable names as they appear in the source dataset.
const (
	VarAirTemp      = "air_temp"
	VarGHI          = "ghi"
	VarWindSpeed10m = "wind_speed_10m"
)

// Cyclic time features appended to the raw weather columns.
const (
	FeatureHourSin = "hour_sin"
	FeatureHourCos = "hour_cos"
	FeatureDaySin  = "day_sin"
	FeatureDayCos  = "day_cos"
)

var (
	// WeatherColumns are the raw columns read from the weather CSV.
	WeatherColumns = []string{
		"air_temp", "albedo", "azimuth", "clearsky_dhi", "clearsky_dni",
		"clearsky_ghi", "clearsky_gti", "cloud_opacity", "dewpoint_temp", "dhi",
		"dni", "ghi", "gti", "precipitable_water", "precipitation_rate",
		"relative_humidity", "surface_pressure", "snow_depth", "snow_water_equivalent",
		"snow_soiling_rooftop", "snow_soiling_ground", "wind_direction_100m",
		"wind_direction_10m", "wind_speed_100m", "wind_speed_10m", "zenith",
	}

	// WeatherFeatures are the model inputs: raw columns plus cyclic time features.
	WeatherFeatures = append(append([]string{}, WeatherColumns...),
		FeatureHourSin, FeatureHourCos, FeatureDaySin, FeatureDayCos)

	// WeatherTargets are the variables the weather model forecasts.
	WeatherTargets = []string{
		"air_temp", "ghi", "precipitable_water", "precipitation_rate",
		"relative_humidity", "wind_direction_10m", "wind_speed_10m",
	}
)

// Sample is a single observation of every feature at one timestamp.
type Sample struct {
	TS     time.Time          `json:"ts"`
	Values map[string]float64 `json:"values"`
}

// Series is an ordered sequence of samples at a fixed interval.
type Series []Sample

// Last returns the final sample of the series. It panics on an empty series.
func (s Series) Last() Sample {
	return s[len(s)-1]
}

// Tail returns at most the trailing n samples.
func (s Series) Tail(n int) Series {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// CheckOrdered returns an error if timestamps are not strictly increasing.
func (s Series) CheckOrdered() error {
	for i := 1; i < len(s); i++ {
		if !s[i].TS.After(s[i-1].TS) {
			return fmt.Errorf("sample %d (%s) is not after sample %d (%s)",
				i, s[i].TS.Format(time.RFC3339), i-1, s[i-1].TS.Format(time.RFC3339))
		}
	}
	return nil
}

// RecordSource identifies which path produced a forecast record.
type RecordSource string

const (
	SourceModel    RecordSource = "model"
	SourceHistory  RecordSource = "history"
	SourceFallback RecordSource = "fallback"
)

// Record is one composed forecast step.
type Record struct {
	TS     time.Time          `json:"ts"`
	Values map[string]float64 `json:"values"`
	Source RecordSource       `json:"source"`
}

// DegradationKind classifies a recoverable condition hit while composing.
type DegradationKind string

const (
	DegradedInsufficientWindow DegradationKind = "insufficientWindow"
	DegradedModelUnavailable   DegradationKind = "modelUnavailable"
	DegradedMissingBucket      DegradationKind = "missingBucket"
	DegradedShortOutput        DegradationKind = "shortOutput"
)

// Degradation describes a fallback that was taken. TS is set for per-step conditions.
type Degradation struct {
	Kind   DegradationKind `json:"kind"`
	TS     time.Time       `json:"ts,omitzero"`
	Detail string          `json:"detail,omitempty"`
}

// Forecast is a dense, chronologically ordered series of composed records.
type Forecast struct {
	Start    time.Time     `json:"start"`
	Interval time.Duration `json:"interval"`
	Records  []Record      `json:"records"`
	Degraded []Degradation `json:"degraded,omitempty"`
}

// ModelSteps returns how many leading records came from the sequence model.
func (f *Forecast) ModelSteps() int {
	var n int
	for _, r := range f.Records {
		if r.Source == SourceModel {
			n++
		}
	}
	return n
}

// Metadata describes the shape contract of a trained sequence model.
type Metadata struct {
	WindowSize      int      `json:"window_size"`
	ForecastHorizon int      `json:"forecast_horizon"`
	Features        []string `json:"features"`
	TargetVars      []string `json:"target_vars"`
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
}

// Interval returns the sampling interval, defaulting to DefaultInterval.
func (m Metadata) Interval() time.Duration {
	if m.IntervalMinutes <= 0 {
		return DefaultInterval
	}
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// Validate checks the metadata is usable by the composer.
func (m Metadata) Validate() error {
	if m.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive: %d", m.WindowSize)
	}
	if m.ForecastHorizon <= 0 {
		return fmt.Errorf("forecast_horizon must be positive: %d", m.ForecastHorizon)
	}
	if len(m.Features) == 0 {
		return fmt.Errorf("features cannot be empty")
	}
	if len(m.TargetVars) == 0 {
		return fmt.Errorf("target_vars cannot be empty")
	}
	return nil
}
