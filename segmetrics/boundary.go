package segmetrics

import (
	"math"
	"sort"

	"github.com/carbocation/rca/overlay"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// distances holds the directed nearest-boundary distances between the two
// boundaries of one class. When exactly one mask lacks the class, every
// statistic is the fixed penalty (the image diagonal). When both lack it,
// every statistic is NaN.
type distances struct {
	aToB, bToA []float64
	penalty    float64
	missing    bool
}

func surfaceDistances(a, b overlay.LabelMask, c uint8) distances {
	pa := boundary(a, c)
	pb := boundary(b, c)

	switch {
	case len(pa) == 0 && len(pb) == 0:
		return distances{missing: true}
	case len(pa) == 0 || len(pb) == 0:
		return distances{penalty: a.Shape().Diagonal()}
	}

	return distances{
		aToB: directed(pa, pb),
		bToA: directed(pb, pa),
	}
}

func (d distances) fixed() (float64, bool) {
	if d.missing {
		return math.NaN(), true
	}
	if d.penalty > 0 {
		return d.penalty, true
	}
	return 0, false
}

func (d distances) hausdorff() float64 {
	if v, ok := d.fixed(); ok {
		return v
	}
	var max float64
	for _, v := range d.aToB {
		max = math.Max(max, v)
	}
	for _, v := range d.bToA {
		max = math.Max(max, v)
	}
	return max
}

func (d distances) hd95() float64 {
	if v, ok := d.fixed(); ok {
		return v
	}
	pooled := make([]float64, 0, len(d.aToB)+len(d.bToA))
	pooled = append(pooled, d.aToB...)
	pooled = append(pooled, d.bToA...)
	sort.Float64s(pooled)
	return overlay.Quantile(pooled, 0.95)
}

func (d distances) assd() float64 {
	if v, ok := d.fixed(); ok {
		return v
	}
	return (stat.Mean(d.aToB, nil) + stat.Mean(d.bToA, nil)) / 2
}

// directed returns, for every point of from, the Euclidean distance to the
// nearest point of to.
func directed(from, to kdtree.Points) []float64 {
	// kdtree.New reorders its input.
	pts := make(kdtree.Points, len(to))
	copy(pts, to)
	tree := kdtree.New(pts, false)

	out := make([]float64, len(from))
	for i, p := range from {
		_, sq := tree.Nearest(p)
		out[i] = math.Sqrt(sq)
	}
	return out
}

// boundary returns the coordinates of the voxels of class c that touch,
// through a face, either a voxel of another label or the edge of the volume.
func boundary(m overlay.LabelMask, c uint8) kdtree.Points {
	shape := m.Shape()
	strides := shape.Strides()
	coords := make([]int, len(shape))

	var out kdtree.Points
	for i := 0; i < m.Len(); i++ {
		if m.At(i) != c {
			continue
		}
		shape.Coords(i, coords)

		edge := false
		for axis, stride := range strides {
			if coords[axis] == 0 || coords[axis] == shape[axis]-1 {
				edge = true
				break
			}
			if m.At(i-stride) != c || m.At(i+stride) != c {
				edge = true
				break
			}
		}
		if !edge {
			continue
		}

		p := make(kdtree.Point, len(coords))
		for axis, v := range coords {
			p[axis] = float64(v)
		}
		out = append(out, p)
	}
	return out
}
