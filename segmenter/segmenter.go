// Package segmenter defines the in-context segmentation capability used by
// RCA: given a test image and a handful of reference exemplars with trusted
// masks, produce a label mask for the test image.
package segmenter

import (
	"context"
	"errors"
	"fmt"

	"github.com/carbocation/rca/overlay"
)

var (
	ErrSegmentationFailure    = errors.New("segmentation failure")
	ErrInsufficientReferences = errors.New("no reference exemplars available")
	ErrUnrecognizedClassifier = errors.New("unrecognized classifier")
)

// Target is the image to segment. It never carries ground truth. Candidate
// is the offline candidate segmentation, when the dataset provides one.
type Target struct {
	ID        string
	Image     overlay.Image
	Candidate *overlay.LabelMask
}

// Exemplar is a reference image with its trusted mask.
type Exemplar struct {
	ID    string
	Image overlay.Image
	Mask  overlay.LabelMask
}

// Segmenter produces a mask for target, optionally conditioned on exemplars.
type Segmenter interface {
	Segment(ctx context.Context, target Target, exemplars []Exemplar) (overlay.LabelMask, error)
}

// Adapter enforces the contract that RCA relies on for every Segmenter: at
// most NTest exemplars are passed on, at least one is required, and the
// returned mask has the shape of the test image.
type Adapter struct {
	Segmenter Segmenter
	NTest     int
}

// Segment runs the wrapped Segmenter. Any failure wraps
// ErrSegmentationFailure, except for an empty exemplar list which is
// reported as ErrInsufficientReferences.
func (a Adapter) Segment(ctx context.Context, target Target, exemplars []Exemplar) (overlay.LabelMask, error) {
	if len(exemplars) == 0 {
		return overlay.LabelMask{}, fmt.Errorf("%w: %s", ErrInsufficientReferences, target.ID)
	}
	if a.NTest > 0 && len(exemplars) > a.NTest {
		exemplars = exemplars[:a.NTest]
	}

	mask, err := a.Segmenter.Segment(ctx, target, exemplars)
	if err != nil {
		return overlay.LabelMask{}, fmt.Errorf("%w: %s: %v", ErrSegmentationFailure, target.ID, err)
	}

	if mask.IsZero() || !mask.Shape().Equal(target.Image.Shape()) {
		return overlay.LabelMask{}, fmt.Errorf("%w: %s: mask shape %v does not match image shape %v",
			ErrSegmentationFailure, target.ID, []int(mask.Shape()), []int(target.Image.Shape()))
	}

	return mask, nil
}

// FromSample builds the Target for a sample, dropping its ground truth.
func FromSample(s overlay.Sample) Target {
	return Target{ID: s.ID, Image: s.Image, Candidate: s.Candidate}
}

// ExemplarFromSample builds an Exemplar from a reference sample.
func ExemplarFromSample(s overlay.Sample) Exemplar {
	return Exemplar{ID: s.ID, Image: s.Image, Mask: s.Truth}
}
