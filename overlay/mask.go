package overlay

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/minio/blake2b-simd"
)

// Shape is the spatial extent of an image or mask: [H W] for 2D data and
// [D H W] for volumes. The last axis varies fastest in the flat layout.
type Shape []int

// Len is the number of voxels described by the shape.
func (s Shape) Len() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}

// Equal reports whether both shapes have the same rank and extents.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Diagonal is the length of the diagonal of the bounding box of the shape, in
// voxel units.
func (s Shape) Diagonal() float64 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Strides returns the flat-index step of each axis.
func (s Shape) Strides() []int {
	out := make([]int, len(s))
	step := 1
	for i := len(s) - 1; i >= 0; i-- {
		out[i] = step
		step *= s[i]
	}
	return out
}

// Coords writes the per-axis coordinates of flat index i into dst, which must
// have len(s) entries, and returns it.
func (s Shape) Coords(i int, dst []int) []int {
	for axis := len(s) - 1; axis >= 0; axis-- {
		dst[axis] = i % s[axis]
		i /= s[axis]
	}
	return dst
}

func (s Shape) valid() error {
	if len(s) < 2 || len(s) > 3 {
		return fmt.Errorf("shape must be 2D or 3D, got rank %d", len(s))
	}
	for _, v := range s {
		if v <= 0 {
			return fmt.Errorf("shape %v has a non-positive extent", []int(s))
		}
	}
	return nil
}

func (s Shape) clone() Shape {
	return append(Shape(nil), s...)
}

// LabelMask is a grid of integer class labels where 0 is background. A
// LabelMask is immutable: constructors copy their input and accessors never
// expose the backing array.
type LabelMask struct {
	shape  Shape
	labels []uint8
}

// NewLabelMask copies labels into a new mask of the given shape.
func NewLabelMask(shape Shape, labels []uint8) (LabelMask, error) {
	if err := shape.valid(); err != nil {
		return LabelMask{}, err
	}
	if len(labels) != shape.Len() {
		return LabelMask{}, fmt.Errorf("mask of shape %v needs %d labels, got %d", []int(shape), shape.Len(), len(labels))
	}

	return LabelMask{shape: shape.clone(), labels: append([]uint8(nil), labels...)}, nil
}

// MustLabelMask is NewLabelMask for statically known inputs; it panics on
// error.
func MustLabelMask(shape Shape, labels []uint8) LabelMask {
	m, err := NewLabelMask(shape, labels)
	if err != nil {
		panic(err)
	}
	return m
}

// EmptyMask returns an all-background mask.
func EmptyMask(shape Shape) LabelMask {
	return LabelMask{shape: shape.clone(), labels: make([]uint8, shape.Len())}
}

// Shape returns a copy of the mask's shape.
func (m LabelMask) Shape() Shape { return m.shape.clone() }

// Len is the number of voxels in the mask.
func (m LabelMask) Len() int { return len(m.labels) }

// IsZero reports whether the mask was never constructed.
func (m LabelMask) IsZero() bool { return m.shape == nil }

// At returns the label at flat index i.
func (m LabelMask) At(i int) uint8 { return m.labels[i] }

// Labels returns a copy of the flat label array.
func (m LabelMask) Labels() []uint8 { return append([]uint8(nil), m.labels...) }

// MaxLabel is the largest label present in the mask.
func (m LabelMask) MaxLabel() uint8 {
	var max uint8
	for _, v := range m.labels {
		if v > max {
			max = v
		}
	}
	return max
}

// Count is the number of voxels carrying label c.
func (m LabelMask) Count(c uint8) int {
	n := 0
	for _, v := range m.labels {
		if v == c {
			n++
		}
	}
	return n
}

// Image is a grid of intensities with 1 (grayscale) or 3 (RGB) interleaved
// channels per voxel. Like LabelMask it is immutable.
type Image struct {
	shape    Shape
	channels int
	pix      []float64
}

// NewImage copies pix into a new image. len(pix) must equal
// shape.Len()*channels.
func NewImage(shape Shape, channels int, pix []float64) (Image, error) {
	if err := shape.valid(); err != nil {
		return Image{}, err
	}
	if channels != 1 && channels != 3 {
		return Image{}, fmt.Errorf("image must have 1 or 3 channels, got %d", channels)
	}
	if len(pix) != shape.Len()*channels {
		return Image{}, fmt.Errorf("image of shape %v with %d channels needs %d values, got %d", []int(shape), channels, shape.Len()*channels, len(pix))
	}

	return Image{shape: shape.clone(), channels: channels, pix: append([]float64(nil), pix...)}, nil
}

// MustImage is NewImage for statically known inputs; it panics on error.
func MustImage(shape Shape, channels int, pix []float64) Image {
	img, err := NewImage(shape, channels, pix)
	if err != nil {
		panic(err)
	}
	return img
}

// Shape returns a copy of the image's spatial shape.
func (img Image) Shape() Shape { return img.shape.clone() }

// Channels is the number of values per voxel.
func (img Image) Channels() int { return img.channels }

// IsZero reports whether the image was never constructed.
func (img Image) IsZero() bool { return img.shape == nil }

// Pixels returns a copy of the interleaved intensity array.
func (img Image) Pixels() []float64 { return append([]float64(nil), img.pix...) }

// Gray returns one luminance value per voxel (ITU-R 601 weights for RGB).
func (img Image) Gray() []float64 {
	if img.channels == 1 {
		return img.Pixels()
	}
	out := make([]float64, img.shape.Len())
	for i := range out {
		r, g, b := img.pix[3*i], img.pix[3*i+1], img.pix[3*i+2]
		out[i] = 0.299*r + 0.587*g + 0.114*b
	}
	return out
}

// Fingerprint is a hex blake2b digest of the image's shape and contents. Two
// images with equal fingerprints are treated as identical by caches.
func (img Image) Fingerprint() string {
	h := blake2b.New256()
	buf := make([]byte, 8)
	for _, v := range img.shape {
		binary.LittleEndian.PutUint64(buf, uint64(v))
		h.Write(buf)
	}
	binary.LittleEndian.PutUint64(buf, uint64(img.channels))
	h.Write(buf)
	for _, v := range img.pix {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
