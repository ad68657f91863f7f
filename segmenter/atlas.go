package segmenter

import (
	"context"
	"fmt"

	"github.com/carbocation/rca/overlay"
)

// Atlas is the classical multi-atlas segmenter: every voxel takes the label
// that most exemplar masks agree on. Ties go to the lower label, so a voxel
// where foreground and background are split evenly stays background.
// Exemplars are assumed to be registered to the test image, which holds
// after the square resize applied when datasets are loaded.
type Atlas struct{}

func (Atlas) Segment(ctx context.Context, target Target, exemplars []Exemplar) (overlay.LabelMask, error) {
	if len(exemplars) == 0 {
		return overlay.LabelMask{}, ErrInsufficientReferences
	}

	shape := target.Image.Shape()
	for _, e := range exemplars {
		if !e.Mask.Shape().Equal(shape) {
			return overlay.LabelMask{}, fmt.Errorf("exemplar %s has shape %v, test image has %v", e.ID, []int(e.Mask.Shape()), []int(shape))
		}
	}

	if err := ctx.Err(); err != nil {
		return overlay.LabelMask{}, err
	}

	var maxLabel uint8
	for _, e := range exemplars {
		if m := e.Mask.MaxLabel(); m > maxLabel {
			maxLabel = m
		}
	}

	votes := make([]int, int(maxLabel)+1)
	labels := make([]uint8, shape.Len())
	for i := range labels {
		for j := range votes {
			votes[j] = 0
		}
		for _, e := range exemplars {
			votes[e.Mask.At(i)]++
		}

		best := 0
		for c := 1; c < len(votes); c++ {
			if votes[c] > votes[best] {
				best = c
			}
		}
		labels[i] = uint8(best)
	}

	return overlay.NewLabelMask(shape, labels)
}

// Precomputed returns the candidate segmentation that was produced offline
// and shipped with the dataset. It ignores the exemplars.
type Precomputed struct{}

func (Precomputed) Segment(_ context.Context, target Target, _ []Exemplar) (overlay.LabelMask, error) {
	if target.Candidate == nil {
		return overlay.LabelMask{}, fmt.Errorf("sample %s has no precomputed segmentation", target.ID)
	}
	return *target.Candidate, nil
}
