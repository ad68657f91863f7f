// Package segmetrics compares two label masks class by class: volumetric
// overlap (Dice) and boundary distances (Hausdorff, HD95, ASSD).
package segmetrics

import (
	"errors"
	"fmt"
	"math"

	"github.com/carbocation/rca/overlay"
)

var (
	ErrShapeMismatch     = errors.New("masks have different shapes")
	ErrInvalidClassCount = errors.New("class count must be between 1 and 255")
	ErrLabelOutOfRange   = errors.New("mask label exceeds the class count")
)

type Metric string

const (
	Dice      Metric = "Dice"
	Hausdorff Metric = "Hausdorff"
	HD95      Metric = "HD95"
	ASSD      Metric = "ASSD"
)

// AllMetrics lists the supported metrics in their canonical order.
var AllMetrics = []Metric{Dice, Hausdorff, HD95, ASSD}

// ParseMetric maps a metric name onto a Metric.
func ParseMetric(name string) (Metric, error) {
	for _, m := range AllMetrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("metric must be one of %v, got %q", AllMetrics, name)
}

// HigherIsBetter reports whether larger values of m mean closer agreement.
func (m Metric) HigherIsBetter() bool { return m == Dice }

// Compute evaluates every metric in AllMetrics. a and b are symmetric
// arguments: swapping them yields the same scores.
func Compute(a, b overlay.LabelMask, nClasses int) (ScoreSet, error) {
	return ComputeSelected(a, b, nClasses, AllMetrics)
}

// ComputeSelected evaluates only the requested metrics.
func ComputeSelected(a, b overlay.LabelMask, nClasses int, metrics []Metric) (ScoreSet, error) {
	if nClasses < 1 || nClasses > 255 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClassCount, nClasses)
	}
	if a.IsZero() || b.IsZero() || !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, []int(a.Shape()), []int(b.Shape()))
	}
	if max := a.MaxLabel(); int(max) > nClasses {
		return nil, fmt.Errorf("%w: label %d with %d classes", ErrLabelOutOfRange, max, nClasses)
	}
	if max := b.MaxLabel(); int(max) > nClasses {
		return nil, fmt.Errorf("%w: label %d with %d classes", ErrLabelOutOfRange, max, nClasses)
	}

	wantBoundary := false
	for _, m := range metrics {
		if _, err := ParseMetric(string(m)); err != nil {
			return nil, err
		}
		if m != Dice {
			wantBoundary = true
		}
	}

	perClass := make(map[Metric][]float64, len(metrics))
	for _, m := range metrics {
		perClass[m] = make([]float64, nClasses)
	}

	for c := 1; c <= nClasses; c++ {
		label := uint8(c)
		if _, ok := perClass[Dice]; ok {
			perClass[Dice][c-1] = dice(a, b, label)
		}
		if !wantBoundary {
			continue
		}

		d := surfaceDistances(a, b, label)
		for m, values := range perClass {
			switch m {
			case Hausdorff:
				values[c-1] = d.hausdorff()
			case HD95:
				values[c-1] = d.hd95()
			case ASSD:
				values[c-1] = d.assd()
			}
		}
	}

	out := make(ScoreSet, len(metrics))
	for m, values := range perClass {
		out[m] = NewScore(values)
	}
	return out, nil
}

// dice is 2|A∩B|/(|A|+|B|) for one class. Two empty masks agree perfectly.
func dice(a, b overlay.LabelMask, c uint8) float64 {
	var inA, inB, both int
	for i := 0; i < a.Len(); i++ {
		va, vb := a.At(i) == c, b.At(i) == c
		if va {
			inA++
		}
		if vb {
			inB++
		}
		if va && vb {
			both++
		}
	}

	if inA+inB == 0 {
		return 1
	}
	return 2 * float64(both) / float64(inA+inB)
}

func meanIgnoringNaN(values []float64) float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
