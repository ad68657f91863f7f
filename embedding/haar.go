package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/carbocation/rca/overlay"
	"github.com/disintegration/imaging"
)

// Haar is a built-in embedding model that needs no external service: the
// image is reduced to a Size x Size grayscale thumbnail, mean-centred, and
// passed through a 2D Haar wavelet transform. The coefficients are the
// embedding. Volumes are represented by their central slice.
type Haar struct {
	// Size must be a power of two. Zero means 32.
	Size int
}

func (h Haar) Name() string { return fmt.Sprintf("haar%d", h.size()) }

func (h Haar) size() int {
	if h.Size <= 0 {
		return 32
	}
	return h.Size
}

func (h Haar) Embed(ctx context.Context, img overlay.Image) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := h.size()
	if size&(size-1) != 0 {
		return nil, fmt.Errorf("haar size %d is not a power of two", size)
	}
	if img.IsZero() {
		return nil, fmt.Errorf("cannot embed an empty image")
	}

	thumb := imaging.Resize(img.ToGray(), size, size, imaging.Linear)

	coefs := make([]float64, size*size)
	var mean float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := float64(thumb.Pix[y*thumb.Stride+4*x]) / 255
			coefs[y*size+x] = v
			mean += v
		}
	}
	mean /= float64(len(coefs))
	for i := range coefs {
		coefs[i] -= mean
	}

	haarTransform(coefs, size)

	return coefs, nil
}

// haarTransform applies the forward 2D Haar transform in place, first on
// rows and then on columns.
func haarTransform(coefs []float64, size int) {
	temp := make([]float64, size)

	for row := 0; row < size; row++ {
		for step := size / 2; step >= 1; step /= 2 {
			for column := 0; column < step; column++ {
				a, b := coefs[row*size+2*column], coefs[row*size+2*column+1]
				temp[column] = (a + b) / math.Sqrt2
				temp[column+step] = (a - b) / math.Sqrt2
			}
			copy(coefs[row*size:row*size+2*step], temp[:2*step])
		}
	}

	for column := 0; column < size; column++ {
		for step := size / 2; step >= 1; step /= 2 {
			for row := 0; row < step; row++ {
				a, b := coefs[(2*row)*size+column], coefs[(2*row+1)*size+column]
				temp[row] = (a + b) / math.Sqrt2
				temp[row+step] = (a - b) / math.Sqrt2
			}
			for row := 0; row < 2*step; row++ {
				coefs[row*size+column] = temp[row]
			}
		}
	}
}
