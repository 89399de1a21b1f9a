// Package history builds and queries the seasonal-average table used to
// backfill forecast steps the sequence model does not cover.
package history

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/energycast/energycast/pkg/types"
)

// decayDays is the e-folding time of the recency weight.
const decayDays = 365.0

// Bucket is a seasonal key. Weekday counts from Monday=0.
type Bucket struct {
	Weekday int
	Month   int
	Hour    int
}

// BucketOf returns the UTC bucket containing t. Tables are built and queried
// in UTC so the same instant maps to the same bucket whatever its offset.
func BucketOf(t time.Time) Bucket {
	t = t.UTC()
	return Bucket{
		Weekday: (int(t.Weekday()) + 6) % 7,
		Month:   int(t.Month()),
		Hour:    t.Hour(),
	}
}

// String returns the "weekday-month-hour" form used as the JSON key.
func (b Bucket) String() string {
	return fmt.Sprintf("%d-%d-%d", b.Weekday, b.Month, b.Hour)
}

// Valid reports whether every component is in range.
func (b Bucket) Valid() bool {
	return b.Weekday >= 0 && b.Weekday <= 6 &&
		b.Month >= 1 && b.Month <= 12 &&
		b.Hour >= 0 && b.Hour <= 23
}

// ParseBucket parses the String form.
func ParseBucket(s string) (Bucket, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return Bucket{}, fmt.Errorf("invalid bucket key %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Bucket{}, fmt.Errorf("invalid bucket key %q: %w", s, err)
		}
		vals[i] = v
	}
	b := Bucket{Weekday: vals[0], Month: vals[1], Hour: vals[2]}
	if !b.Valid() {
		return Bucket{}, fmt.Errorf("bucket key %q out of range", s)
	}
	return b, nil
}

// Table maps seasonal buckets to per-variable weighted means. A Table is
// immutable once built and safe for concurrent reads.
type Table struct {
	buckets map[Bucket]map[string]float64
}

// NewTable wraps an existing bucket map. The map must not be modified afterwards.
func NewTable(buckets map[Bucket]map[string]float64) *Table {
	if buckets == nil {
		buckets = map[Bucket]map[string]float64{}
	}
	return &Table{buckets: buckets}
}

// Lookup returns a copy of the means for b.
func (t *Table) Lookup(b Bucket) (map[string]float64, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.buckets[b]
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out, true
}

// Len returns the number of populated buckets. A nil table is empty.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.buckets)
}

// Buckets returns the populated buckets in (weekday, month, hour) order.
func (t *Table) Buckets() []Bucket {
	if t == nil {
		return nil
	}
	out := make([]Bucket, 0, len(t.buckets))
	for b := range t.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

// MarshalJSON encodes the table as {"w-m-h": {var: mean}}.
func (t *Table) MarshalJSON() ([]byte, error) {
	m := make(map[string]map[string]float64, t.Len())
	if t != nil {
		for b, v := range t.buckets {
			m[b.String()] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the MarshalJSON form.
func (t *Table) UnmarshalJSON(data []byte) error {
	var m map[string]map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	buckets := make(map[Bucket]map[string]float64, len(m))
	for k, v := range m {
		b, err := ParseBucket(k)
		if err != nil {
			return err
		}
		buckets[b] = v
	}
	t.buckets = buckets
	return nil
}

// Build computes the table using the latest sample timestamp as the recency
// reference.
func Build(samples types.Series, vars []string) *Table {
	var ref time.Time
	for _, s := range samples {
		if s.TS.After(ref) {
			ref = s.TS
		}
	}
	return BuildAt(samples, vars, ref)
}

// BuildAt computes the table. Each sample is weighted by exp(-days/365) where
// days is the whole number of days between the sample and ref. A sample that
// lacks a variable does not contribute to that variable's mean.
func BuildAt(samples types.Series, vars []string, ref time.Time) *Table {
	type acc struct {
		x, w []float64
	}
	groups := map[Bucket]map[string]*acc{}
	for _, s := range samples {
		days := math.Floor(ref.Sub(s.TS).Hours() / 24)
		w := math.Exp(-days / decayDays)
		b := BucketOf(s.TS)
		g, ok := groups[b]
		if !ok {
			g = map[string]*acc{}
			groups[b] = g
		}
		for _, v := range vars {
			x, ok := s.Values[v]
			if !ok || math.IsNaN(x) {
				continue
			}
			a, ok := g[v]
			if !ok {
				a = &acc{}
				g[v] = a
			}
			a.x = append(a.x, x)
			a.w = append(a.w, w)
		}
	}

	buckets := make(map[Bucket]map[string]float64, len(groups))
	for b, g := range groups {
		if len(g) == 0 {
			continue
		}
		means := make(map[string]float64, len(g))
		for v, a := range g {
			means[v] = stat.Mean(a.x, a.w)
		}
		buckets[b] = means
	}
	return NewTable(buckets)
}
