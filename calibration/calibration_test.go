package calibration

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbocation/rca/rca"
	"github.com/carbocation/rca/segmetrics"
	"github.com/google/go-cmp/cmp"
)

func TestComputeECE(t *testing.T) {
	for _, v := range []struct {
		name  string
		pairs []Pair
		bins  int
		ece   float64
	}{
		{"perfect", []Pair{{0.25, 0.25}, {0.75, 0.75}}, 10, 0},
		{"single bin", []Pair{{0.9, 0.5}, {0.8, 0.6}}, 1, 0.3},
		{"weighted", []Pair{{0.1, 0.1}, {0.1, 0.1}, {0.1, 0.1}, {0.9, 0.5}}, 2, 0.1},
		{"zero in first bin", []Pair{{0, 0.2}}, 5, 0.2},
		{"upper edge inclusive", []Pair{{0.5, 0.5}, {0.5, 0.5}, {1, 0}}, 2, 1.0 / 3},
	} {
		got, err := ComputeECE(v.pairs, v.bins)
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		if math.Abs(got-v.ece) > 1e-12 {
			t.Fatalf("\nCase: %s\nECE: %.12f\nExpected: %.12f\n", v.name, got, v.ece)
		}
	}
}

func TestComputeECEPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pairs := make([]Pair, 200)
	for i := range pairs {
		pairs[i] = Pair{Predicted: rng.Float64(), Real: rng.Float64()}
	}
	want, err := ComputeECE(pairs, 10)
	if err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 5; round++ {
		shuffled := append([]Pair(nil), pairs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := ComputeECE(shuffled, 10)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-want) > 1e-12 {
			t.Fatalf("round %d: ECE changed under permutation: %.15f != %.15f", round, got, want)
		}
	}
}

func TestComputeECERejectsBadInput(t *testing.T) {
	for _, pairs := range [][]Pair{
		{{math.NaN(), 0.5}},
		{{1.5, 0.5}},
		{{0.5, -0.1}},
		nil,
	} {
		if _, err := ComputeECE(pairs, 10); err == nil {
			t.Fatalf("expected an error for %v", pairs)
		}
	}
	if _, err := ComputeECE([]Pair{{0.5, 0.5}}, 0); err == nil {
		t.Fatalf("expected an error for zero bins")
	}
}

func TestSampleBalanced(t *testing.T) {
	// Bucket [0, 0.5) holds two samples, [0.5, 1] holds five.
	scores := []float64{0.1, 0.9, 0.95, 0.2, 0.8, 0.85, 1.0, math.NaN()}

	got, err := SampleBalanced(scores, 2, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 2 samples per bucket, got %v", got)
	}

	var low, high int
	for i, idx := range got {
		if i > 0 && got[i-1] >= idx {
			t.Fatalf("indices are not sorted and distinct: %v", got)
		}
		switch {
		case scores[idx] < 0.55:
			low++
		default:
			high++
		}
	}
	if low != 2 || high != 2 {
		t.Fatalf("unbalanced draw: %d low, %d high", low, high)
	}

	again, err := SampleBalanced(scores, 2, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("same seed gave different draws (-first +second):\n%s", diff)
	}

	if _, err := SampleBalanced([]float64{0.1}, 2, 0.5, rand.New(rand.NewSource(1))); err == nil {
		t.Fatalf("expected an error when no score reaches min_val")
	}
}

func TestSampleBalancedUniform(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	scores := make([]float64, 1000)
	maxVal := 0.0
	for i := range scores {
		scores[i] = rng.Float64()
		maxVal = math.Max(maxVal, scores[i])
	}

	got, err := SampleBalanced(scores, 5, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatalf("expected a non-empty draw")
	}

	counts := make([]int, 5)
	for _, idx := range got {
		b := int(scores[idx] / (maxVal / 5))
		if b > 4 {
			b = 4
		}
		counts[b]++
	}
	for b, c := range counts {
		if c < counts[0]-1 || c > counts[0]+1 {
			t.Fatalf("bucket %d holds %d samples, bucket 0 holds %d: %v", b, c, counts[0], counts)
		}
	}
}

func TestSampleN(t *testing.T) {
	scores := make([]float64, 10)
	got := SampleN(scores, 4, rand.New(rand.NewSource(1)))
	if len(got) != 4 {
		t.Fatalf("expected 4 indices, got %v", got)
	}
	if diff := cmp.Diff(got, SampleN(scores, 4, rand.New(rand.NewSource(1)))); diff != "" {
		t.Fatalf("same seed gave different draws (-first +second):\n%s", diff)
	}
	if all := SampleN(scores, 20, rand.New(rand.NewSource(1))); len(all) != 10 {
		t.Fatalf("expected every index, got %v", all)
	}
}

func record(id string, predicted, real float64) rca.Record {
	return rca.Record{
		ID:        id,
		Status:    rca.StageDone,
		Stage:     rca.StageDone,
		Predicted: segmetrics.ScoreSet{segmetrics.Dice: segmetrics.NewScore([]float64{predicted})},
		Real:      segmetrics.ScoreSet{segmetrics.Dice: segmetrics.NewScore([]float64{real})},
	}
}

func TestPairsFromRecords(t *testing.T) {
	records := []rca.Record{
		record("a", 0.9, 0.8),
		{ID: "b", Status: rca.StageFailed, Stage: rca.StageRetrieved, Error: "boom"},
		record("c", math.NaN(), 0.5),
		record("d", 0.4, 0.6),
	}

	pairs, skipped := PairsFromRecords(records, segmetrics.Dice)
	if skipped != 2 {
		t.Fatalf("expected 2 skipped records, got %d", skipped)
	}
	if diff := cmp.Diff([]Pair{{0.9, 0.8}, {0.4, 0.6}}, pairs); diff != "" {
		t.Fatalf("pairs mismatch (-want +got):\n%s", diff)
	}

	if _, skipped := PairsFromRecords(records, segmetrics.HD95); skipped != 4 {
		t.Fatalf("records without the metric should be skipped, got %d", skipped)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize([]Pair{{0.2, 0.1}, {0.4, 0.3}, {0.6, 0.5}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s.N != 3 || math.Abs(s.MAE-0.1) > 1e-12 || math.Abs(s.Correlation-1) > 1e-9 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if math.Abs(s.ECE-0.1) > 1e-12 {
		t.Fatalf("ECE: expected 0.1, got %f", s.ECE)
	}

	distances, err := Summarize([]Pair{{3, 4}, {5, 5}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(distances.ECE) {
		t.Fatalf("ECE of distances should be NaN, got %f", distances.ECE)
	}
}

func TestWriteCSV(t *testing.T) {
	multi := rca.Record{
		ID:        "m",
		Status:    rca.StageDone,
		Stage:     rca.StageDone,
		Predicted: segmetrics.ScoreSet{segmetrics.Dice: segmetrics.NewScore([]float64{0.5, 1})},
		Real:      segmetrics.ScoreSet{segmetrics.Dice: segmetrics.NewScore([]float64{0.25, math.NaN()})},
	}
	records := []rca.Record{record("a", 0.9, 0.8), multi, {ID: "f", Status: rca.StageFailed}}

	path := filepath.Join(t.TempDir(), "out.csv")
	if err := WriteCSV(path, records, []segmetrics.Metric{segmetrics.Dice}, []string{"lung", "heart"}); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	expected := strings.Join([]string{
		"id,status,metric,class,predicted,real",
		"a,done,Dice,mean,0.9,0.8",
		"m,done,Dice,mean,0.75,0.25",
		"m,done,Dice,lung,0.5,0.25",
		"m,done,Dice,heart,1,",
		"f,failed,,,,",
		"",
	}, "\n")
	if diff := cmp.Diff(expected, string(b)); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}
}
