// Package dataset turns raw historical CSV exports into model-ready series,
// feature matrices and sliding windows.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/energycast/energycast/pkg/types"
)

// ErrMissingColumn is returned when a requested column is absent from a sample.
var ErrMissingColumn = errors.New("missing column")

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTime parses the timestamp formats seen in weather exports.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ReadCSV reads a delimited export where tsColumn holds the timestamp and every
// other column that parses as a number becomes a sample value. Rows are sorted
// by timestamp. Empty cells are skipped.
func ReadCSV(r io.Reader, tsColumn string, comma rune) (types.Series, error) {
	cr := csv.NewReader(r)
	if comma != 0 {
		cr.Comma = comma
	}
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols := append([]string(nil), header...)
	tsIdx := -1
	for i, c := range cols {
		cols[i] = strings.TrimSpace(c)
		if cols[i] == tsColumn {
			tsIdx = i
		}
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("timestamp column %q: %w", tsColumn, ErrMissingColumn)
	}

	var series types.Series
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		ts, err := ParseTime(rec[tsIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values := make(map[string]float64, len(cols)-1)
		for i, cell := range rec {
			if i == tsIdx || i >= len(cols) {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				// non-numeric columns (ids, units) are not features
				continue
			}
			values[cols[i]] = v
		}
		series = append(series, types.Sample{TS: ts, Values: values})
	}

	sort.SliceStable(series, func(i, j int) bool {
		return series[i].TS.Before(series[j].TS)
	})
	return series, nil
}

// AddCyclicFeatures adds sin/cos encodings of hour-of-day and day-of-year to
// every sample in place.
func AddCyclicFeatures(series types.Series) {
	for i := range series {
		ts := series[i].TS
		if series[i].Values == nil {
			series[i].Values = map[string]float64{}
		}
		hour := 2 * math.Pi * float64(ts.Hour()) / 24
		day := 2 * math.Pi * float64(ts.YearDay()) / 365
		series[i].Values[types.FeatureHourSin] = math.Sin(hour)
		series[i].Values[types.FeatureHourCos] = math.Cos(hour)
		series[i].Values[types.FeatureDaySin] = math.Sin(day)
		series[i].Values[types.FeatureDayCos] = math.Cos(day)
	}
}

// Row extracts the given columns from a sample in order.
func Row(s types.Sample, cols []string) ([]float64, error) {
	row := make([]float64, len(cols))
	for j, c := range cols {
		v, ok := s.Values[c]
		if !ok {
			return nil, fmt.Errorf("sample %s column %q: %w", s.TS.Format(time.RFC3339), c, ErrMissingColumn)
		}
		row[j] = v
	}
	return row, nil
}

// Matrix extracts the given columns from every sample.
func Matrix(series types.Series, cols []string) ([][]float64, error) {
	rows := make([][]float64, len(series))
	for i, s := range series {
		row, err := Row(s, cols)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

// Since returns the samples at or after t.
func Since(series types.Series, t time.Time) types.Series {
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].TS.Before(t)
	})
	return series[i:]
}

// Windows slices aligned feature and target matrices into supervised pairs.
// Each X is window consecutive feature rows; each Y is the following horizon
// target rows flattened step-major.
func Windows(x, y [][]float64, window, horizon int) ([][][]float64, [][]float64, error) {
	if len(x) != len(y) {
		return nil, nil, fmt.Errorf("feature rows %d != target rows %d", len(x), len(y))
	}
	if window <= 0 || horizon <= 0 {
		return nil, nil, fmt.Errorf("window (%d) and horizon (%d) must be positive", window, horizon)
	}
	n := len(x) - window - horizon + 1
	if n <= 0 {
		return nil, nil, nil
	}
	xs := make([][][]float64, n)
	ys := make([][]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = x[i : i+window]
		var flat []float64
		for _, row := range y[i+window : i+window+horizon] {
			flat = append(flat, row...)
		}
		ys[i] = flat
	}
	return xs, ys, nil
}

// Split returns the train/validation/test boundaries for n items using the
// given cumulative fractions, e.g. 0.7 and 0.85.
func Split(n int, trainFrac, valFrac float64) (int, int) {
	train := int(trainFrac * float64(n))
	val := int(valFrac * float64(n))
	if val < train {
		val = train
	}
	if val > n {
		val = n
	}
	return train, val
}
