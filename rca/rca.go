// Package rca implements Reference-based Confidence Assessment: each test
// image is segmented with the help of its nearest reference exemplars, and
// the agreement between that segmentation and the exemplars' trusted masks
// is reported as a predicted quality score, alongside the real score
// against the withheld ground truth.
package rca

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync/atomic"

	"github.com/carbocation/rca/embedding"
	"github.com/carbocation/rca/overlay"
	"github.com/carbocation/rca/segmenter"
	"github.com/carbocation/rca/segmetrics"
)

// Logf receives progress messages. Replace it to redirect or silence them.
var Logf func(format string, v ...interface{}) = log.Printf

// Stage is a step of the per-sample state machine:
// start -> retrieved -> segmented -> scored -> done, with failed reachable
// from any step before done.
type Stage string

const (
	StageStart     Stage = "start"
	StageRetrieved Stage = "retrieved"
	StageSegmented Stage = "segmented"
	StageScored    Stage = "scored"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// Record is the outcome for one test sample. Failed records keep the last
// stage that was reached before the failure and the error text.
type Record struct {
	ID           string              `json:"id"`
	Status       Stage               `json:"status"`
	Stage        Stage               `json:"stage"`
	Error        string              `json:"error,omitempty"`
	Predicted    segmetrics.ScoreSet `json:"RCA score,omitempty"`
	Real         segmetrics.ScoreSet `json:"Real score,omitempty"`
	References   []string            `json:"references,omitempty"`
	Similarities []segmetrics.Float  `json:"similarities,omitempty"`
	Components   []int               `json:"components,omitempty"`
}

// Failed reports whether the sample could not be evaluated.
func (r Record) Failed() bool { return r.Status == StageFailed }

// Evaluator runs RCA over a set of test samples.
type Evaluator struct {
	Segmenter segmenter.Segmenter

	// NTest is the number of exemplars retrieved per test sample.
	NTest int

	// NClasses is the number of foreground classes.
	NClasses int

	// Metrics defaults to segmetrics.AllMetrics.
	Metrics []segmetrics.Metric

	// Aggregate combines the per-exemplar scores; it defaults to the mean.
	Aggregate segmetrics.Aggregation

	// Workers is the number of samples evaluated concurrently. Values below
	// 2 evaluate serially. Results do not depend on it, except for the
	// draws of a random retrieval fallback.
	Workers int
}

func (e Evaluator) metrics() []segmetrics.Metric {
	if len(e.Metrics) == 0 {
		return segmetrics.AllMetrics
	}
	return e.Metrics
}

func (e Evaluator) aggregate() segmetrics.Aggregation {
	if e.Aggregate == "" {
		return segmetrics.AggregateMean
	}
	return e.Aggregate
}

// Run evaluates every test sample against the references held by idx and
// returns one record per sample in input order. Failures are recorded, not
// returned: the error is non-nil only when the evaluator itself is
// misconfigured.
func (e Evaluator) Run(ctx context.Context, refs overlay.ReferenceSet, idx *embedding.Index, tests []overlay.Sample) ([]Record, Summary, error) {
	summary := newSummary()

	if e.Segmenter == nil || idx == nil {
		return nil, summary, fmt.Errorf("evaluator needs a segmenter and an index")
	}
	if e.NTest < 1 {
		return nil, summary, fmt.Errorf("n_test must be at least 1, got %d", e.NTest)
	}
	if e.NClasses < 1 {
		return nil, summary, fmt.Errorf("%w: %d", segmetrics.ErrInvalidClassCount, e.NClasses)
	}
	if _, err := segmetrics.ParseAggregation(string(e.aggregate())); err != nil {
		return nil, summary, err
	}

	records := make([]Record, len(tests))

	concurrency := e.Workers
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan bool, concurrency)

	var done int64
	for i, s := range tests {
		sem <- true
		go func(i int, s overlay.Sample) {
			records[i] = e.evaluate(ctx, refs, idx, s)
			if n := atomic.AddInt64(&done, 1); n%100 == 0 {
				Logf("Evaluated %d of %d samples\n", n, len(tests))
			}
			<-sem
		}(i, s)
	}

	for i := 0; i < cap(sem); i++ {
		sem <- true
	}

	summary.add(records)

	return records, summary, nil
}

func (e Evaluator) evaluate(ctx context.Context, refs overlay.ReferenceSet, idx *embedding.Index, s overlay.Sample) Record {
	rec := Record{ID: s.ID, Stage: StageStart}
	fail := func(err error) Record {
		rec.Status = StageFailed
		rec.Error = err.Error()
		return rec
	}

	if err := s.Validate(); err != nil {
		return fail(err)
	}

	// Retrieve
	neighbors, err := idx.Query(ctx, s.Image, e.NTest)
	if err != nil {
		return fail(err)
	}
	exemplars := make([]segmenter.Exemplar, 0, len(neighbors))
	for _, n := range neighbors {
		ref, ok := refs.ByID(n.ID)
		if !ok {
			return fail(fmt.Errorf("index returned reference %s which is not in the reference set", n.ID))
		}
		exemplars = append(exemplars, segmenter.ExemplarFromSample(ref))
		rec.References = append(rec.References, n.ID)
		rec.Similarities = append(rec.Similarities, segmetrics.Float(n.Similarity))
	}
	rec.Stage = StageRetrieved

	// Segment
	adapter := segmenter.Adapter{Segmenter: e.Segmenter, NTest: e.NTest}
	pred, err := adapter.Segment(ctx, segmenter.FromSample(s), exemplars)
	if err != nil {
		return fail(err)
	}
	rec.Stage = StageSegmented

	// Score
	perExemplar := make([]segmetrics.ScoreSet, 0, len(exemplars))
	for _, ex := range exemplars {
		scores, err := segmetrics.ComputeSelected(pred, ex.Mask, e.NClasses, e.metrics())
		if err != nil {
			return fail(fmt.Errorf("scoring against reference %s: %w", ex.ID, err))
		}
		perExemplar = append(perExemplar, scores)
	}
	rec.Predicted, err = segmetrics.Combine(perExemplar, e.aggregate())
	if err != nil {
		return fail(err)
	}
	rec.Stage = StageScored

	if !s.Truth.IsZero() {
		rec.Real, err = segmetrics.ComputeSelected(pred, s.Truth, e.NClasses, e.metrics())
		if err != nil {
			return fail(fmt.Errorf("scoring against ground truth: %w", err))
		}
	}
	rec.Components = overlay.CountConnectedRegions(pred, e.NClasses)

	rec.Stage = StageDone
	rec.Status = StageDone
	return rec
}

// ScoreCandidates returns the Dice score of each sample's candidate
// segmentation against its ground truth, or NaN when either is missing or
// they cannot be compared. The scores feed balanced subsampling.
func ScoreCandidates(samples []overlay.Sample, nClasses int) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = math.NaN()
		if s.Candidate == nil || s.Truth.IsZero() {
			continue
		}
		scores, err := segmetrics.ComputeSelected(*s.Candidate, s.Truth, nClasses, []segmetrics.Metric{segmetrics.Dice})
		if err != nil {
			Logf("Cannot score candidate for %s: %v\n", s.ID, err)
			continue
		}
		out[i] = scores[segmetrics.Dice].Mean
	}
	return out
}
