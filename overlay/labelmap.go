package overlay

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/carbocation/pfx"

	"github.com/tj/go-rle"
)

// A Label tracks the segmentation class ID with a human-identifiable name.
type Label struct {
	Label     string
	ID        uint `json:"id"`
	SortOrder int  `json:"sort_order,omitempty"`
}

// LabelMap ([string label name]Label) keeps track of the relationship between
// class names and the integer IDs stored in a LabelMask.
type LabelMap map[string]Label

// DefaultLabelMap names classes 1..nClasses as "class_1", "class_2", ... with
// ID 0 reserved for the background.
func DefaultLabelMap(nClasses int) LabelMap {
	out := LabelMap{"background": {ID: 0}}
	for c := 1; c <= nClasses; c++ {
		out["class_"+strconv.Itoa(c)] = Label{ID: uint(c)}
	}
	return out
}

// Valid ensures that the LabelMap is valid by testing that it is bijective. If
// not, it's invalid.
func (l LabelMap) Valid() bool {
	inverse := make(map[uint]string)
	for k, v := range l {
		inverse[v.ID] = k
	}

	return len(l) == len(inverse)
}

// Sorted returns the labels ordered by SortOrder, then by ID.
func (l LabelMap) Sorted() []Label {
	out := make([]Label, 0, len(l))

	for k, v := range l {
		v.Label = k
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		// If SortOrder is defined and different, use it:
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}

		// If SortOrder is not defined, or is the same for two values, drop down
		// to the ID field for sorting
		return out[i].ID < out[j].ID
	})

	return out
}

// ClassNames returns the names of classes 1..nClasses, falling back to the
// class number when a class has no entry in the map.
func (l LabelMap) ClassNames(nClasses int) []string {
	byID := make(map[uint]string, len(l))
	for k, v := range l {
		byID[v.ID] = k
	}

	out := make([]string, nClasses)
	for c := 1; c <= nClasses; c++ {
		if name, ok := byID[uint(c)]; ok {
			out[c-1] = name
			continue
		}
		out[c-1] = strconv.Itoa(c)
	}
	return out
}

// EncodeMaskRLE run-length encodes the flat label array of m.
func EncodeMaskRLE(m LabelMask) []byte {
	pixelLabels := make([]int64, len(m.labels))
	for i, v := range m.labels {
		pixelLabels[i] = int64(v)
	}

	return rle.EncodeInt64(pixelLabels)
}

// DecodeMaskRLE rebuilds a mask of the given shape from EncodeMaskRLE output.
func DecodeMaskRLE(rleBytes []byte, shape Shape) (LabelMask, error) {
	slc, err := rle.DecodeInt64(rleBytes)
	if err != nil {
		return LabelMask{}, pfx.Err(err)
	}

	if len(slc) != shape.Len() {
		return LabelMask{}, fmt.Errorf("decoded %d labels but shape %v needs %d", len(slc), []int(shape), shape.Len())
	}

	labels := make([]uint8, len(slc))
	for i, v := range slc {
		if v < 0 || v > 255 {
			return LabelMask{}, fmt.Errorf("label %d at position %d does not fit in a mask", v, i)
		}
		labels[i] = uint8(v)
	}

	return NewLabelMask(shape, labels)
}
