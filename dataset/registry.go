// Package dataset loads the reference, test and calibration splits of the
// supported segmentation benchmarks into overlay.Samples.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/carbocation/rca/overlay"
)

var ErrUnrecognizedDataset = errors.New("unrecognized dataset")

// Info describes one benchmark and how its files become samples.
type Info struct {
	Name string

	// Dir is the dataset's folder under the data root.
	Dir string

	NClasses   int
	TargetSize int

	// EmbeddingModel is the default model used to retrieve exemplars.
	EmbeddingModel string

	// HU marks CT data, whose intensities are clipped to inner quantiles
	// instead of being z-normalised.
	HU bool
}

const (
	defaultEmbeddingModel   = "facebook/dinov2-base"
	radiologyEmbeddingModel = "microsoft/rad-dino"
)

var registry = map[string]Info{
	"hc18":            {Dir: "HC18", NClasses: 1},
	"psfhs":           {Dir: "PSFHS", NClasses: 2},
	"scd":             {Dir: "SCD", NClasses: 1},
	"jsrt":            {Dir: "JSRT", NClasses: 2, EmbeddingModel: radiologyEmbeddingModel},
	"ph2":             {Dir: "PH2", NClasses: 1},
	"isic 2018":       {Dir: "ISIC 2018", NClasses: 1},
	"3d-ircadb/liver": {Dir: "3D-IRCADB/liver", NClasses: 1, TargetSize: 128, HU: true},
	"nucls":           {Dir: "NuCLS", NClasses: 1},
	"wbc/cv":          {Dir: "WBC/CV", NClasses: 2},
	"wbc/jtsc":        {Dir: "WBC/JTSC", NClasses: 2},
}

// Lookup returns the description of the named dataset.
func Lookup(name string) (Info, error) {
	info, ok := registry[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q, must be one of %s", ErrUnrecognizedDataset, name, strings.Join(Names(), ", "))
	}
	info.Name = name
	if info.TargetSize == 0 {
		info.TargetSize = 256
	}
	if info.EmbeddingModel == "" {
		info.EmbeddingModel = defaultEmbeddingModel
	}
	return info, nil
}

// Names lists the supported datasets in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Transform is the intensity pipeline applied to every loaded sample. It
// leaves intensities in [0, 1].
func (i Info) Transform() overlay.Transform {
	intensity := overlay.Scale()
	if i.HU {
		intensity = overlay.HUScale(0.05, 0.95)
	}
	return overlay.Compose(intensity, overlay.UnitRange())
}

// imageKey derives the name prefix of a segmentation's image and ground
// truth from the segmentation's file name. The remaining underscore-separated
// fields describe how the segmentation was produced.
func (i Info) imageKey(segName string) string {
	fields := strings.Split(segName, "_")
	switch {
	case strings.Contains(i.Dir, "ISIC") && len(fields) >= 2:
		return fields[0] + "_" + fields[1]
	case strings.Contains(i.Dir, "3D-IRCADB") && len(fields) >= 3:
		return fields[0] + "/" + fields[1] + "_" + fields[2]
	}
	return fields[0]
}
