package overlay

import (
	"github.com/theodesp/unionfind"
)

// Following the guide at
// http://aishack.in/tutorials/connected-component-labelling/, generalized to
// volumes. Voxels are connected through shared faces (4-connectivity in 2D,
// 6-connectivity in 3D).

// Connected holds the component labelling of a mask.
type Connected struct {
	mask LabelMask
	uf   *unionfind.UnionFind
}

// NewConnected labels the connected regions of every class in m.
func NewConnected(m LabelMask) Connected {
	c := Connected{
		mask: m,
		uf:   unionfind.New(m.Len()),
	}

	strides := m.shape.Strides()
	coords := make([]int, len(m.shape))
	for i, v := range m.labels {
		m.shape.Coords(i, coords)

		// Only look backwards along each axis: those voxels have already been
		// visited, so each face is considered exactly once.
		for axis, stride := range strides {
			if coords[axis] == 0 {
				continue
			}
			if m.labels[i-stride] != v {
				continue
			}
			c.uf.Union(i-stride, i)
		}
	}

	return c
}

// Count returns the number of connected regions of each class 1..nClasses.
// Entry c-1 holds the count for class c.
func (c Connected) Count(nClasses int) []int {
	roots := make([]map[int]struct{}, nClasses)
	for i := range roots {
		roots[i] = make(map[int]struct{})
	}

	for i, v := range c.mask.labels {
		if v == 0 || int(v) > nClasses {
			continue
		}
		roots[v-1][c.uf.Root(i)] = struct{}{}
	}

	out := make([]int, nClasses)
	for i, set := range roots {
		out[i] = len(set)
	}
	return out
}

// CountConnectedRegions is a shortcut for NewConnected(m).Count(nClasses).
func CountConnectedRegions(m LabelMask, nClasses int) []int {
	return NewConnected(m).Count(nClasses)
}
