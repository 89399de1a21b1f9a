package pv

import (
	"errors"
	"fmt"
	"time"

	"github.com/energycast/energycast/pkg/types"
)

// DefaultStepSeconds is used when consecutive timestamps are not increasing.
const DefaultStepSeconds = 300.0

// ErrMissingInput is returned when a forecast record lacks a required variable.
var ErrMissingInput = errors.New("missing simulation input")

// Step is the weather forcing at one timestamp.
type Step struct {
	TS       time.Time
	GHI      float64 // W/m²
	AmbientC float64
	Wind     float64 // m/s
}

// Result is the simulated state at one timestamp.
type Result struct {
	TS     time.Time `json:"ts"`
	TempC  float64   `json:"tempC"`
	PowerW float64   `json:"powerW"`
}

// Columns names the forecast variables read by StepsFromForecast.
type Columns struct {
	GHI     string `json:"ghi"`
	Ambient string `json:"ambient"`
	Wind    string `json:"wind"`
}

// DefaultColumns are the weather model's target names.
func DefaultColumns() Columns {
	return Columns{
		GHI:     types.VarGHI,
		Ambient: types.VarAirTemp,
		Wind:    types.VarWindSpeed10m,
	}
}

// StepsFromForecast extracts simulator input from composed forecast records.
func StepsFromForecast(records []types.Record, cols Columns) ([]Step, error) {
	steps := make([]Step, len(records))
	for i, r := range records {
		s := Step{TS: r.TS}
		for _, in := range []struct {
			name string
			dst  *float64
		}{
			{cols.GHI, &s.GHI},
			{cols.Ambient, &s.AmbientC},
			{cols.Wind, &s.Wind},
		} {
			v, ok := r.Values[in.name]
			if !ok {
				return nil, fmt.Errorf("record %s: %q: %w", r.TS.Format(time.RFC3339), in.name, ErrMissingInput)
			}
			*in.dst = v
		}
		steps[i] = s
	}
	return steps, nil
}

// Simulate integrates panel temperature across steps and returns one result
// per step in the same order. The panel starts at the first ambient
// temperature. The interval ending at step i uses step i's forcing, and its
// length is the time since step i-1.
func (p Panel) Simulate(steps []Step) []Result {
	if len(steps) == 0 {
		return nil
	}
	out := make([]Result, len(steps))
	temp := steps[0].AmbientC
	for i, s := range steps {
		if i > 0 {
			dt := s.TS.Sub(steps[i-1].TS).Seconds()
			if dt <= 0 {
				dt = DefaultStepSeconds
			}
			temp = p.StepRK4(temp, s.GHI, s.AmbientC, s.Wind, dt)
		}
		out[i] = Result{
			TS:     s.TS,
			TempC:  temp,
			PowerW: p.PowerAt(s.GHI, temp),
		}
	}
	return out
}

// Power returns only the power column of Simulate.
func (p Panel) Power(steps []Step) []float64 {
	res := p.Simulate(steps)
	out := make([]float64, len(res))
	for i, r := range res {
		out[i] = r.PowerW
	}
	return out
}
