package segmetrics

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/carbocation/rca/overlay"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func square(size, x0, y0, side int, label uint8) overlay.LabelMask {
	labels := make([]uint8, size*size)
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			labels[y*size+x] = label
		}
	}
	return overlay.MustLabelMask(overlay.Shape{size, size}, labels)
}

func TestIdenticalMasks(t *testing.T) {
	// Region (2:5, 2:5) of a 10x10 grid.
	m := square(10, 2, 2, 3, 1)
	scores, err := Compute(m, m, 1)
	if err != nil {
		t.Fatal(err)
	}

	for metric, expected := range map[Metric]float64{Dice: 1, Hausdorff: 0, HD95: 0, ASSD: 0} {
		if got := scores[metric].Mean; got != expected {
			t.Fatalf("%s: expected %f, got %f", metric, expected, got)
		}
	}
}

func TestSymmetry(t *testing.T) {
	a := square(12, 1, 1, 5, 1)
	b := square(12, 3, 4, 6, 1)

	ab, err := Compute(a, b, 1)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := Compute(b, a, 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(ab, ba, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("scores are not symmetric (-ab +ba):\n%s", diff)
	}
}

func TestKnownValues(t *testing.T) {
	// Two 2x2 squares on a 6x6 grid, overlapping in one column.
	a := square(6, 0, 0, 2, 1)
	b := square(6, 1, 0, 2, 1)

	scores, err := Compute(a, b, 1)
	if err != nil {
		t.Fatal(err)
	}

	if got := scores[Dice].Mean; math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("Dice: expected 0.5, got %f", got)
	}
	if got := scores[Hausdorff].Mean; math.Abs(got-1) > 1e-12 {
		t.Fatalf("Hausdorff: expected 1, got %f", got)
	}
	// Each directed set is {0, 1, 0, 1}.
	if got := scores[ASSD].Mean; math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("ASSD: expected 0.5, got %f", got)
	}
}

func TestHD95Interpolation(t *testing.T) {
	d := distances{
		aToB: []float64{9, 1, 7, 3, 5},
		bToA: []float64{0, 8, 2, 6, 4},
	}
	if got := d.hd95(); math.Abs(got-8.55) > 1e-9 {
		t.Fatalf("expected HD95 of 0..9 to be 8.55, got %f", got)
	}
	if got := d.hausdorff(); got != 9 {
		t.Fatalf("expected Hausdorff 9, got %f", got)
	}
}

func TestEmptyClassPolicy(t *testing.T) {
	empty := overlay.EmptyMask(overlay.Shape{3, 4})
	one := square(4, 0, 0, 1, 1)
	one = overlay.MustLabelMask(overlay.Shape{3, 4}, one.Labels()[:12])

	both, err := Compute(empty, empty, 1)
	if err != nil {
		t.Fatal(err)
	}
	if both[Dice].Mean != 1 {
		t.Fatalf("Dice of two empty masks: expected 1, got %f", both[Dice].Mean)
	}
	for _, m := range []Metric{Hausdorff, HD95, ASSD} {
		if !math.IsNaN(both[m].Mean) {
			t.Fatalf("%s of two empty masks: expected NaN, got %f", m, both[m].Mean)
		}
	}

	oneSided, err := Compute(empty, one, 1)
	if err != nil {
		t.Fatal(err)
	}
	if oneSided[Dice].Mean != 0 {
		t.Fatalf("Dice with one empty mask: expected 0, got %f", oneSided[Dice].Mean)
	}
	for _, m := range []Metric{Hausdorff, HD95, ASSD} {
		if got := oneSided[m].Mean; got != 5 {
			t.Fatalf("%s with one empty mask: expected the diagonal 5, got %f", m, got)
		}
	}
}

func TestMultiClassAggregation(t *testing.T) {
	a := overlay.MustLabelMask(overlay.Shape{2, 4}, []uint8{
		1, 1, 0, 0,
		1, 1, 0, 0,
	})
	b := overlay.MustLabelMask(overlay.Shape{2, 4}, []uint8{
		1, 1, 0, 2,
		1, 1, 0, 2,
	})

	scores, err := Compute(a, b, 2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{1, 0}, scores[Dice].PerClass); diff != "" {
		t.Fatalf("per-class Dice mismatch (-want +got):\n%s", diff)
	}
	if scores[Dice].Mean != 0.5 {
		t.Fatalf("Dice mean: expected 0.5, got %f", scores[Dice].Mean)
	}

	diag := math.Sqrt(4 + 16)
	if got := scores[Hausdorff].PerClass[1]; got != diag {
		t.Fatalf("Hausdorff class 2: expected %f, got %f", diag, got)
	}
	if got, expected := scores[Hausdorff].Mean, diag/2; math.Abs(got-expected) > 1e-12 {
		t.Fatalf("Hausdorff mean: expected %f, got %f", expected, got)
	}
}

func TestVolumes(t *testing.T) {
	labels := make([]uint8, 27)
	labels[13] = 1
	a := overlay.MustLabelMask(overlay.Shape{3, 3, 3}, labels)
	labels[13] = 0
	labels[22] = 1
	b := overlay.MustLabelMask(overlay.Shape{3, 3, 3}, labels)

	scores, err := Compute(a, b, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := scores[Hausdorff].Mean; got != 1 {
		t.Fatalf("expected a distance of one slice, got %f", got)
	}
}

func TestErrors(t *testing.T) {
	a := square(4, 0, 0, 2, 1)
	for _, v := range []struct {
		name     string
		b        overlay.LabelMask
		nClasses int
		err      error
	}{
		{"shape", square(5, 0, 0, 2, 1), 1, ErrShapeMismatch},
		{"zero classes", a, 0, ErrInvalidClassCount},
		{"label range", square(4, 0, 0, 2, 3), 2, ErrLabelOutOfRange},
		{"uninitialised", overlay.LabelMask{}, 1, ErrShapeMismatch},
	} {
		if _, err := Compute(a, v.b, v.nClasses); !errors.Is(err, v.err) {
			t.Fatalf("%s: expected %v, got %v", v.name, v.err, err)
		}
	}

	if _, err := ComputeSelected(a, a, 1, []Metric{"Jaccard"}); err == nil {
		t.Fatalf("expected an error for an unknown metric")
	}
}

func TestComputeSelected(t *testing.T) {
	a := square(4, 0, 0, 2, 1)
	scores, err := ComputeSelected(a, a, 1, []Metric{Dice})
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected only Dice, got %v", scores)
	}
}

func TestScoreJSON(t *testing.T) {
	set := ScoreSet{
		Dice:      NewScore([]float64{0.75}),
		Hausdorff: NewScore([]float64{math.NaN()}),
		ASSD:      NewScore([]float64{1, math.NaN()}),
	}

	b, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	if expected := `{"ASSD":[1,null],"Dice":0.75,"Hausdorff":null}`; string(b) != expected {
		t.Fatalf("\nExpected: %s\nGot: %s\n", expected, b)
	}

	var back ScoreSet
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back[Dice].Mean != 0.75 {
		t.Fatalf("Dice did not survive: %+v", back[Dice])
	}
	if !math.IsNaN(back[Hausdorff].Mean) {
		t.Fatalf("NaN decoded as %f", back[Hausdorff].Mean)
	}
	if back[ASSD].Mean != 1 || len(back[ASSD].PerClass) != 2 {
		t.Fatalf("multi-class score did not survive: %+v", back[ASSD])
	}
}

func TestCombine(t *testing.T) {
	sets := []ScoreSet{
		{Dice: NewScore([]float64{0.2}), Hausdorff: NewScore([]float64{4})},
		{Dice: NewScore([]float64{0.6}), Hausdorff: NewScore([]float64{math.NaN()})},
		{Dice: NewScore([]float64{0.4}), Hausdorff: NewScore([]float64{2})},
	}

	mean, err := Combine(sets, AggregateMean)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mean[Dice].Mean-0.4) > 1e-12 || mean[Hausdorff].Mean != 3 {
		t.Fatalf("unexpected mean: %+v", mean)
	}

	max, err := Combine(sets, AggregateMax)
	if err != nil {
		t.Fatal(err)
	}
	if max[Dice].Mean != 0.6 || max[Hausdorff].Mean != 2 {
		t.Fatalf("unexpected best agreement: %+v", max)
	}

	if _, err := Combine(sets, "median"); err == nil {
		t.Fatalf("expected an error for an unknown aggregation")
	}
}
