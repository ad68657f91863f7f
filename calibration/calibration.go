// Package calibration measures how well predicted quality scores track the
// real ones across a dataset split, and draws evaluation subsets.
package calibration

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/carbocation/rca/rca"
	"github.com/carbocation/rca/segmetrics"
	"github.com/montanaflynn/stats"
)

// Pair is one predicted score with the real score it tries to estimate.
type Pair struct {
	Predicted float64
	Real      float64
}

// ComputeECE is the expected calibration error of pairs over nBins
// equal-width bins on [0, 1]. Bins are half-open, (lo, hi], except that a
// prediction of exactly 0 belongs to the first bin. Each occupied bin
// contributes |mean predicted - mean real| weighted by the fraction of pairs
// it holds; empty bins contribute nothing. Scores must lie in [0, 1].
func ComputeECE(pairs []Pair, nBins int) (float64, error) {
	if nBins < 1 {
		return 0, fmt.Errorf("need at least one bin, got %d", nBins)
	}
	if len(pairs) == 0 {
		return 0, fmt.Errorf("cannot compute ECE without any pairs")
	}
	for i, p := range pairs {
		if !inUnitInterval(p.Predicted) || !inUnitInterval(p.Real) {
			return 0, fmt.Errorf("pair %d (%v, %v) is outside [0, 1]", i, p.Predicted, p.Real)
		}
	}

	// upper[b] is the inclusive upper edge of bin b.
	upper := make([]float64, nBins)
	for b := range upper {
		upper[b] = float64(b+1) / float64(nBins)
	}
	upper[nBins-1] = 1

	count := make([]int, nBins)
	sumPredicted := make([]float64, nBins)
	sumReal := make([]float64, nBins)
	for _, p := range pairs {
		b := sort.SearchFloat64s(upper, p.Predicted)
		count[b]++
		sumPredicted[b] += p.Predicted
		sumReal[b] += p.Real
	}

	var ece float64
	for b, n := range count {
		if n == 0 {
			continue
		}
		gap := math.Abs(sumPredicted[b]/float64(n) - sumReal[b]/float64(n))
		ece += gap * float64(n) / float64(len(pairs))
	}
	return ece, nil
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// PairsFromRecords extracts the mean predicted and real scores of metric.
// Failed records and records where either score is missing or NaN are
// skipped and counted.
func PairsFromRecords(records []rca.Record, metric segmetrics.Metric) (pairs []Pair, skipped int) {
	for _, r := range records {
		if r.Failed() {
			skipped++
			continue
		}
		predicted, okP := r.Predicted[metric]
		real, okR := r.Real[metric]
		if !okP || !okR || math.IsNaN(predicted.Mean) || math.IsNaN(real.Mean) {
			skipped++
			continue
		}
		pairs = append(pairs, Pair{Predicted: predicted.Mean, Real: real.Mean})
	}
	return pairs, skipped
}

// SampleBalanced splits [minVal, max(scores)] into nBuckets equal-width
// buckets and draws the same number of samples from each occupied bucket:
// as many as the least populated occupied bucket holds. NaN scores and
// scores below minVal are never drawn. The returned indices are sorted.
func SampleBalanced(scores []float64, nBuckets int, minVal float64, rng *rand.Rand) ([]int, error) {
	if nBuckets < 1 {
		return nil, fmt.Errorf("need at least one bucket, got %d", nBuckets)
	}

	maxVal := math.Inf(-1)
	for _, s := range scores {
		if !math.IsNaN(s) && s >= minVal {
			maxVal = math.Max(maxVal, s)
		}
	}
	if math.IsInf(maxVal, -1) {
		return nil, fmt.Errorf("no score is at least %v", minVal)
	}

	width := (maxVal - minVal) / float64(nBuckets)
	buckets := make([][]int, nBuckets)
	for i, s := range scores {
		if math.IsNaN(s) || s < minVal {
			continue
		}
		b := nBuckets - 1
		if width > 0 {
			b = int((s - minVal) / width)
			if b >= nBuckets {
				b = nBuckets - 1
			}
		}
		buckets[b] = append(buckets[b], i)
	}

	perBucket := len(scores)
	for _, b := range buckets {
		if len(b) > 0 && len(b) < perBucket {
			perBucket = len(b)
		}
	}

	var out []int
	for _, b := range buckets {
		if len(b) == 0 {
			continue
		}
		for _, j := range rng.Perm(len(b))[:perBucket] {
			out = append(out, b[j])
		}
	}
	sort.Ints(out)
	return out, nil
}

// SampleN draws n distinct indices uniformly at random, or every index when
// n is at least len(scores). The returned indices are sorted.
func SampleN(scores []float64, n int, rng *rand.Rand) []int {
	if n >= len(scores) {
		n = len(scores)
	}
	if n <= 0 {
		return nil
	}
	out := rng.Perm(len(scores))[:n]
	sort.Ints(out)
	return out
}

// Summary describes the agreement between predicted and real scores.
type Summary struct {
	N             int
	MAE           float64
	Correlation   float64
	MeanPredicted float64
	MeanReal      float64

	// ECE is NaN when the scores do not lie in [0, 1] (e.g. distances).
	ECE float64
}

// Summarize computes a Summary over pairs, with nBins bins for the ECE.
func Summarize(pairs []Pair, nBins int) (Summary, error) {
	out := Summary{N: len(pairs), ECE: math.NaN(), Correlation: math.NaN()}
	if len(pairs) == 0 {
		return out, fmt.Errorf("cannot summarize without any pairs")
	}

	predicted := make(stats.Float64Data, len(pairs))
	real := make(stats.Float64Data, len(pairs))
	absErr := make(stats.Float64Data, len(pairs))
	for i, p := range pairs {
		predicted[i] = p.Predicted
		real[i] = p.Real
		absErr[i] = math.Abs(p.Predicted - p.Real)
	}

	var err error
	if out.MeanPredicted, err = predicted.Mean(); err != nil {
		return out, err
	}
	if out.MeanReal, err = real.Mean(); err != nil {
		return out, err
	}
	if out.MAE, err = absErr.Mean(); err != nil {
		return out, err
	}

	// Correlation is undefined for fewer than two pairs or constant input.
	if corr, err := stats.Correlation(predicted, real); err == nil && !math.IsNaN(corr) {
		out.Correlation = corr
	}

	if ece, err := ComputeECE(pairs, nBins); err == nil {
		out.ECE = ece
	}

	return out, nil
}
