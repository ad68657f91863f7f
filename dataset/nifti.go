package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/carbocation/rca/overlay"
	"github.com/henghuang/nifti"
)

func isVolume(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// SafelyNiftiParse consumes panics emitted by the nifti library, which are
// inappropriate and must be captured in order to turn them into recoverable
// errors.
func SafelyNiftiParse(filename string) (parsedData nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%s: %v", filename, panicErr)
		}
	}()

	parsedData.LoadImage(filename, true)

	return
}

// readVolume loads the first time point of a NIfTI volume as a flat array in
// (z, y, x) order. Single-slice volumes come back two-dimensional.
func readVolume(ctx context.Context, src Source, name string) (overlay.Shape, []float64, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	// The nifti reader needs a file name, and picks its decompression from
	// the extension.
	suffix := ".nii"
	if strings.HasSuffix(name, ".gz") {
		suffix = ".nii.gz"
	}
	f, err := os.CreateTemp("", "rca-"+strings.TrimSuffix(path.Base(name), suffix)+"-*"+suffix)
	if err != nil {
		return nil, nil, pfx.Err(err)
	}
	defer os.Remove(f.Name())

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return nil, nil, pfx.Err(err)
	}
	if err := f.Close(); err != nil {
		return nil, nil, pfx.Err(err)
	}

	vol, err := SafelyNiftiParse(f.Name())
	if err != nil {
		return nil, nil, err
	}

	dims := vol.GetDims()
	xm, ym, zm := dims[0], dims[1], dims[2]
	if zm < 1 {
		zm = 1
	}
	if xm < 1 || ym < 1 {
		return nil, nil, fmt.Errorf("%s: volume has no voxels (dims %v)", name, dims)
	}

	shape := overlay.Shape{zm, ym, xm}
	if zm == 1 {
		shape = overlay.Shape{ym, xm}
	}

	values := make([]float64, 0, xm*ym*zm)
	for z := 0; z < zm; z++ {
		for y := 0; y < ym; y++ {
			for x := 0; x < xm; x++ {
				values = append(values, float64(vol.GetAt(x, y, z, 0)))
			}
		}
	}

	return shape, values, nil
}

func volumeImage(ctx context.Context, src Source, name string) (overlay.Image, error) {
	shape, values, err := readVolume(ctx, src, name)
	if err != nil {
		return overlay.Image{}, err
	}
	return overlay.NewImage(shape, 1, values)
}

// volumeMask rounds voxel values to labels, which must lie in [0, nClasses].
func volumeMask(ctx context.Context, src Source, name string, nClasses int) (overlay.LabelMask, error) {
	shape, values, err := readVolume(ctx, src, name)
	if err != nil {
		return overlay.LabelMask{}, err
	}

	labels := make([]uint8, len(values))
	for i, v := range values {
		l := math.Round(v)
		if l < 0 || l > float64(nClasses) {
			return overlay.LabelMask{}, fmt.Errorf("%s: voxel value %v is not a label in [0, %d]", name, v, nClasses)
		}
		labels[i] = uint8(l)
	}
	return overlay.NewLabelMask(shape, labels)
}
