package overlay

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Sample is one dataset item: an image, its trusted segmentation, and an
// optional candidate segmentation produced offline. Samples are values; the
// transforms below return new Samples instead of mutating their input.
type Sample struct {
	ID        string
	Image     Image
	Truth     LabelMask
	Candidate *LabelMask
}

// Validate checks that every mask matches the image's shape.
func (s Sample) Validate() error {
	if s.Image.IsZero() {
		return fmt.Errorf("sample %q has no image", s.ID)
	}
	if !s.Truth.IsZero() && !s.Truth.shape.Equal(s.Image.shape) {
		return fmt.Errorf("sample %q: truth shape %v differs from image shape %v", s.ID, []int(s.Truth.shape), []int(s.Image.shape))
	}
	if s.Candidate != nil && !s.Candidate.shape.Equal(s.Image.shape) {
		return fmt.Errorf("sample %q: candidate shape %v differs from image shape %v", s.ID, []int(s.Candidate.shape), []int(s.Image.shape))
	}
	return nil
}

// WithImage returns a copy of the sample carrying img.
func (s Sample) WithImage(img Image) Sample {
	s.Image = img
	return s
}

// ReferenceSet is an ordered collection of samples that all carry a trusted
// segmentation. It is not modified once constructed.
type ReferenceSet struct {
	samples []Sample
	byID    map[string]int
}

// NewReferenceSet validates samples and wraps them in a ReferenceSet. IDs
// must be unique and every sample must have a truth mask.
func NewReferenceSet(samples []Sample) (ReferenceSet, error) {
	rs := ReferenceSet{
		samples: append([]Sample(nil), samples...),
		byID:    make(map[string]int, len(samples)),
	}
	for i, s := range samples {
		if s.Truth.IsZero() {
			return ReferenceSet{}, fmt.Errorf("reference sample %q has no trusted mask", s.ID)
		}
		if err := s.Validate(); err != nil {
			return ReferenceSet{}, err
		}
		if _, exists := rs.byID[s.ID]; exists {
			return ReferenceSet{}, fmt.Errorf("duplicate reference sample id %q", s.ID)
		}
		rs.byID[s.ID] = i
	}
	return rs, nil
}

// Len is the number of reference samples.
func (rs ReferenceSet) Len() int { return len(rs.samples) }

// At returns the i-th sample in insertion order.
func (rs ReferenceSet) At(i int) Sample { return rs.samples[i] }

// ByID looks up a sample by identifier.
func (rs ReferenceSet) ByID(id string) (Sample, bool) {
	i, ok := rs.byID[id]
	if !ok {
		return Sample{}, false
	}
	return rs.samples[i], true
}

// Transform is a pure function from one Sample to another.
type Transform func(Sample) (Sample, error)

// Compose chains transforms left to right.
func Compose(transforms ...Transform) Transform {
	return func(s Sample) (Sample, error) {
		var err error
		for _, t := range transforms {
			if t == nil {
				continue
			}
			if s, err = t(s); err != nil {
				return s, err
			}
		}
		return s, nil
	}
}

func mapPixels(img Image, f func([]float64) []float64) Image {
	return Image{shape: img.shape.clone(), channels: img.channels, pix: f(img.Pixels())}
}

// Scale z-normalises the intensities, stretches them to [0, 255] and
// truncates to whole 8-bit levels. Constant images are passed through
// unchanged.
func Scale() Transform {
	return func(s Sample) (Sample, error) {
		mean, std := stat.PopMeanStdDev(s.Image.pix, nil)
		if std == 0 {
			return s, nil
		}
		return s.WithImage(mapPixels(s.Image, func(pix []float64) []float64 {
			lo, hi := math.Inf(1), math.Inf(-1)
			for i, v := range pix {
				z := (v - mean) / std
				pix[i] = z
				lo = math.Min(lo, z)
				hi = math.Max(hi, z)
			}
			for i, z := range pix {
				pix[i] = math.Floor(math.Max(0, math.Min(255, (z-lo)/(hi-lo)*255)))
			}
			return pix
		})), nil
	}
}

// HUScale clips intensities to the [minQuantile, maxQuantile] range of the
// image (useful for CT Hounsfield units) and stretches the result to
// [0, 255].
func HUScale(minQuantile, maxQuantile float64) Transform {
	return func(s Sample) (Sample, error) {
		if minQuantile < 0 || maxQuantile > 1 || minQuantile >= maxQuantile {
			return s, fmt.Errorf("invalid quantile range [%g, %g]", minQuantile, maxQuantile)
		}
		sorted := s.Image.Pixels()
		sort.Float64s(sorted)
		lo := Quantile(sorted, minQuantile)
		hi := Quantile(sorted, maxQuantile)
		if hi <= lo {
			return s, nil
		}
		return s.WithImage(mapPixels(s.Image, func(pix []float64) []float64 {
			for i, v := range pix {
				v = math.Max(lo, math.Min(hi, v))
				pix[i] = (v - lo) / (hi - lo) * 255
			}
			return pix
		})), nil
	}
}

// Quantile returns the p-quantile of an ascending slice, interpolating
// linearly between closest ranks at h = p*(n-1). This is the "linear"
// method of numpy and R's type 7, not gonum's stat.LinInterp (type 4).
// An empty slice yields NaN.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := p * float64(n-1)
	lo := math.Floor(h)
	i := int(lo)
	if i < 0 {
		return sorted[0]
	}
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}

// UnitRange maps 8-bit intensities in [0, 255] onto [0, 1], clamping values
// outside that range. It is the last step before embedding or segmentation.
func UnitRange() Transform {
	return func(s Sample) (Sample, error) {
		return s.WithImage(mapPixels(s.Image, func(pix []float64) []float64 {
			for i, v := range pix {
				pix[i] = math.Max(0, math.Min(1, v/255))
			}
			return pix
		})), nil
	}
}
