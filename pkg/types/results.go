package types

import "time"

// VariableMetrics holds evaluation metrics for one target variable.
type VariableMetrics struct {
	MAE  float64 `json:"MAE"`
	RMSE float64 `json:"RMSE"`
	R2   float64 `json:"R2"`
}

// Results is the persisted evaluation document served by GET /results.
// Predictions and Power are keyed by ResultKey(ts).
type Results struct {
	Model       string                        `json:"model"`
	GeneratedAt time.Time                     `json:"generatedAt"`
	Metrics     map[string]VariableMetrics    `json:"metrics"`
	Predictions map[string]map[string]float64 `json:"predictions"`
	Power       map[string]float64            `json:"power,omitempty"`
	Degraded    []Degradation                 `json:"degraded,omitempty"`
}

// ResultKey stringifies a timestamp for use as a results map key.
func ResultKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewResults builds a results document from a composed forecast.
func NewResults(model string, generatedAt time.Time, metrics map[string]VariableMetrics, f *Forecast) Results {
	r := Results{
		Model:       model,
		GeneratedAt: generatedAt,
		Metrics:     metrics,
		Predictions: map[string]map[string]float64{},
	}
	if r.Metrics == nil {
		r.Metrics = map[string]VariableMetrics{}
	}
	if f != nil {
		for _, rec := range f.Records {
			r.Predictions[ResultKey(rec.TS)] = rec.Values
		}
		r.Degraded = f.Degraded
	}
	return r
}
