package segmetrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Float is a float64 whose JSON form is null when the value is NaN, so that
// "not computable" survives a round trip and is never mistaken for 0.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) {
		return []byte("null"), nil
	}
	if math.IsInf(v, 0) {
		return nil, fmt.Errorf("cannot encode %v as JSON", v)
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Score is one metric evaluated on every foreground class. Mean is the
// average over the classes where the metric is computable; it is NaN when no
// class is.
type Score struct {
	Mean     float64
	PerClass []float64
}

// NewScore builds a Score from per-class values.
func NewScore(perClass []float64) Score {
	return Score{
		Mean:     meanIgnoringNaN(perClass),
		PerClass: append([]float64(nil), perClass...),
	}
}

// MarshalJSON writes single-class scores as a bare number and multi-class
// scores as a list of per-class numbers.
func (s Score) MarshalJSON() ([]byte, error) {
	if len(s.PerClass) <= 1 {
		return Float(s.Mean).MarshalJSON()
	}
	out := make([]Float, len(s.PerClass))
	for i, v := range s.PerClass {
		out[i] = Float(v)
	}
	return json.Marshal(out)
}

func (s *Score) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var values []Float
		if err := json.Unmarshal(b, &values); err != nil {
			return err
		}
		perClass := make([]float64, len(values))
		for i, v := range values {
			perClass[i] = float64(v)
		}
		*s = NewScore(perClass)
		return nil
	}

	var v Float
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	*s = NewScore([]float64{float64(v)})
	return nil
}

// ScoreSet maps each evaluated metric to its Score.
type ScoreSet map[Metric]Score

// Aggregation selects how per-exemplar scores are combined into one
// predicted score.
type Aggregation string

const (
	// AggregateMean averages each class over the exemplars.
	AggregateMean Aggregation = "mean"

	// AggregateMax keeps, for each class, the best agreement over the
	// exemplars: the largest Dice or the smallest distance.
	AggregateMax Aggregation = "max"
)

// ParseAggregation maps a name onto an Aggregation.
func ParseAggregation(name string) (Aggregation, error) {
	switch Aggregation(name) {
	case AggregateMean, AggregateMax:
		return Aggregation(name), nil
	}
	return "", fmt.Errorf("aggregation must be %q or %q, got %q", AggregateMean, AggregateMax, name)
}

// Combine merges several ScoreSets class by class. NaN entries are ignored;
// a class is NaN only if it is NaN in every set. Metrics missing from some
// sets are combined over the sets that carry them.
func Combine(sets []ScoreSet, how Aggregation) (ScoreSet, error) {
	if _, err := ParseAggregation(string(how)); err != nil {
		return nil, err
	}

	out := make(ScoreSet)
	if len(sets) == 0 {
		return out, nil
	}

	collected := make(map[Metric][][]float64)
	for _, set := range sets {
		for m, s := range set {
			collected[m] = append(collected[m], s.PerClass)
		}
	}

	for m, rows := range collected {
		nClasses := len(rows[0])
		perClass := make([]float64, nClasses)
		for c := 0; c < nClasses; c++ {
			column := make([]float64, 0, len(rows))
			for _, row := range rows {
				if c >= len(row) {
					return nil, fmt.Errorf("metric %s: inconsistent class counts across scores", m)
				}
				column = append(column, row[c])
			}
			perClass[c] = reduce(column, m, how)
		}
		out[m] = NewScore(perClass)
	}

	return out, nil
}

func reduce(values []float64, m Metric, how Aggregation) float64 {
	if how == AggregateMean {
		return meanIgnoringNaN(values)
	}

	best := math.NaN()
	for _, v := range values {
		switch {
		case math.IsNaN(v):
		case math.IsNaN(best):
			best = v
		case m.HigherIsBetter() && v > best:
			best = v
		case !m.HigherIsBetter() && v < best:
			best = v
		}
	}
	return best
}
