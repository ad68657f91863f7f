package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/carbocation/pfx"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ImageFromBytes creates an image from the specified bytes. Must be PNG, GIF,
// BMP, TIFF or JPEG formatted (based on the decoders we have imported).
func ImageFromBytes(imgBytes []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	return img, err
}

// DecodeImage reads the full stream before decoding. The image decoder
// swallows i/o errors, so reading first lets us report them.
func DecodeImage(r io.Reader) (image.Image, error) {
	imgBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, pfx.Err(err)
	}

	return ImageFromBytes(imgBytes)
}

// OpenImageFromLocalFile decodes the image stored at filePath.
func OpenImageFromLocalFile(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", filePath, err))
	}
	return img, nil
}

// LabeledPixelToID converts the label-encoded pixel (e.g., #010101) which is
// alpha-premultiplied into an ID in the range of 0-255
func LabeledPixelToID(c color.Color) (uint32, error) {

	// Find the color channel values for this pixel
	pr, pg, pb, a := c.RGBA()

	// Confirm that we're mapping ID 1 => #010101, etc
	if pr != pg || pg != pb || pr != pb {
		return 0, fmt.Errorf("Encoding expected to have equal values for R, G, and B. Instead, found %d, %d, %d", pr, pg, pb)
	}

	// Fully transparent pixels are background
	if a == 0 {
		return 0, nil
	}

	// Since each color channel is "alpha-premultiplied"
	// (https://golang.org/pkg/image/color/#RGBA), we need to divide by alpha
	// (scaling 0-1), then multiply by 255, to get what we're actually looking
	// for
	return uint32(math.Round(255 * float64(pr) / float64(a))), nil
}

// SquareResize pads img with black to a centred square and resizes it to
// size x size. Masks are resampled with nearest neighbour so that no new
// label values are invented. A non-positive size only pads.
func SquareResize(img image.Image, size int, isMask bool) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() > side {
		side = b.Dy()
	}

	var out image.Image = img
	if b.Dx() != side || b.Dy() != side {
		out = imaging.PasteCenter(imaging.New(side, side, color.Black), img)
	}

	if size <= 0 || size == side {
		return out
	}

	filter := imaging.Linear
	if isMask {
		filter = imaging.NearestNeighbor
	}
	return imaging.Resize(out, size, size, filter)
}

// ImageFromGoImage converts a decoded image into an Image with intensities in
// [0, 255]. With grayscale set, colour images are collapsed to luminance.
func ImageFromGoImage(src image.Image, grayscale bool) (Image, error) {
	b := src.Bounds()
	shape := Shape{b.Dy(), b.Dx()}

	channels := 3
	if grayscale {
		channels = 1
		src = imaging.Grayscale(src)
	}

	pix := make([]float64, 0, shape.Len()*channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if grayscale {
				pix = append(pix, float64(c.R))
				continue
			}
			pix = append(pix, float64(c.R), float64(c.G), float64(c.B))
		}
	}

	return NewImage(shape, channels, pix)
}

// MaskFromGoImage reads a label image. Pixels are decoded with
// LabeledPixelToID. When every value already lies in [0, nClasses] the values
// are the labels; otherwise the distinct non-zero gray levels are ranked so
// that the darkest becomes class 1 (e.g. a 0/255 binary mask becomes 0/1).
func MaskFromGoImage(src image.Image, nClasses int) (LabelMask, error) {
	b := src.Bounds()
	shape := Shape{b.Dy(), b.Dx()}
	ids := make([]uint32, 0, shape.Len())
	levels := make(map[uint32]struct{})
	var maxID uint32

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.At(x, y)
			if _, ok := c.(color.Gray); !ok {
				c = color.GrayModel.Convert(c)
			}
			id, err := LabeledPixelToID(c)
			if err != nil {
				return LabelMask{}, err
			}
			ids = append(ids, id)
			if id > 0 {
				levels[id] = struct{}{}
			}
			if id > maxID {
				maxID = id
			}
		}
	}

	remap := func(id uint32) uint8 { return uint8(id) }
	if maxID > uint32(nClasses) {
		if len(levels) > nClasses {
			return LabelMask{}, fmt.Errorf("mask has %d distinct labels but only %d classes are configured", len(levels), nClasses)
		}
		sorted := make([]uint32, 0, len(levels))
		for id := range levels {
			sorted = append(sorted, id)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		rank := make(map[uint32]uint8, len(sorted))
		for i, id := range sorted {
			rank[id] = uint8(i + 1)
		}
		remap = func(id uint32) uint8 { return rank[id] }
	}

	labels := make([]uint8, len(ids))
	for i, id := range ids {
		labels[i] = remap(id)
	}

	return NewLabelMask(shape, labels)
}

// EncodeMaskToImageSegment produces an image where each pixel has the same R,
// G, and B value mapped to the integer label. For example, background is
// #000000 and label 1 is #010101. Only 2D masks can be encoded.
func EncodeMaskToImageSegment(m LabelMask) (*image.RGBA, error) {
	if len(m.shape) != 2 {
		return nil, fmt.Errorf("cannot encode a mask of rank %d as an image", len(m.shape))
	}
	h, w := m.shape[0], m.shape[1]
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			id := m.labels[y*w+x]
			out.Set(x, y, color.RGBA{R: id, G: id, B: id, A: 255})
		}
	}
	return out, nil
}

// WriteMaskPNG writes m as a label-encoded PNG.
func WriteMaskPNG(w io.Writer, m LabelMask) error {
	img, err := EncodeMaskToImageSegment(m)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// ToGray renders the image as 8-bit grayscale, stretching the intensity
// range to [0, 255]. Volumes are represented by their central slice.
func (img Image) ToGray() *image.Gray {
	gray := img.Gray()
	h, w := img.shape[len(img.shape)-2], img.shape[len(img.shape)-1]
	offset := 0
	if len(img.shape) == 3 {
		offset = (img.shape[0] / 2) * h * w
	}
	plane := gray[offset : offset+h*w]

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range plane {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range plane {
		var scaled float64
		if hi > lo {
			scaled = (v - lo) / (hi - lo) * 255
		}
		out.Pix[(i/w)*out.Stride+i%w] = uint8(math.Round(scaled))
	}
	return out
}
