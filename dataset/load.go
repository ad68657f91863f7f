package dataset

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/carbocation/rca/overlay"
)

// Logf receives progress messages. Replace it to redirect or silence them.
var Logf func(format string, v ...interface{}) = log.Printf

// Loader reads the splits of one dataset from a Source laid out as
// <Dir>/<Split>/{images,masks,segs}. A split folder may instead be shipped
// as <Dir>/<Split>.zip, which is extracted once below TempDir.
type Loader struct {
	Info   Info
	Source Source

	// TempDir defaults to os.TempDir().
	TempDir string

	// Workers is the number of samples decoded concurrently.
	Workers int
}

// Load reads every sample of split. Training samples always carry a truth
// mask; test and calibration samples carry the candidate segmentation and,
// when present, the truth mask. Files that cannot be paired are logged and
// skipped, while a file that cannot be decoded fails the whole load.
func (l Loader) Load(ctx context.Context, split Split) ([]overlay.Sample, error) {
	src, dir, err := l.splitSource(ctx, split)
	if err != nil {
		return nil, err
	}

	images, err := src.List(ctx, path.Join(dir, imagesDir))
	if err != nil {
		return nil, err
	}
	masks, err := src.List(ctx, path.Join(dir, masksDir))
	if err != nil {
		return nil, err
	}

	var entries []entry
	var unmatched []string
	if split == Train {
		entries, unmatched = pairTrain(images, masks)
	} else {
		segs, err := src.List(ctx, path.Join(dir, segsDir))
		if err != nil {
			return nil, err
		}
		entries, unmatched = l.Info.pairEvaluation(images, masks, segs)
	}
	for _, name := range unmatched {
		Logf("%s/%s: no matching files for %s, skipping\n", l.Info.Dir, split, name)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s/%s: no samples found", l.Info.Dir, split)
	}

	samples := make([]overlay.Sample, len(entries))
	errs := make([]error, len(entries))

	concurrency := l.Workers
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan bool, concurrency)

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			break
		}
		sem <- true
		go func(i int, e entry) {
			samples[i], errs[i] = l.loadEntry(ctx, src, dir, e)
			<-sem
		}(i, e)
	}

	for i := 0; i < cap(sem); i++ {
		sem <- true
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	Logf("Loaded %d %s samples from %s\n", len(samples), split, l.Info.Dir)

	return samples, nil
}

// splitSource finds the folder holding split, extracting its archive when
// the folder itself is absent.
func (l Loader) splitSource(ctx context.Context, split Split) (Source, string, error) {
	dir := path.Join(l.Info.Dir, string(split))

	files, err := l.Source.List(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	if len(files) > 0 {
		return l.Source, dir, nil
	}

	tempDir := l.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	dest := filepath.Join(tempDir, "rca", strings.ReplaceAll(l.Info.Dir, "/", "_"), string(split))

	if err := extractOnce(ctx, l.Source, dir+".zip", dest); err != nil {
		return nil, "", fmt.Errorf("%s has no %s folder and no usable archive: %w", l.Info.Dir, split, err)
	}
	return LocalSource{Root: dest}, "", nil
}

func (l Loader) loadEntry(ctx context.Context, src Source, dir string, e entry) (overlay.Sample, error) {
	var err error
	s := overlay.Sample{ID: e.ID}

	if s.Image, err = l.readImage(ctx, src, path.Join(dir, e.Image)); err != nil {
		return s, err
	}
	if e.Mask != "" {
		if s.Truth, err = l.readMask(ctx, src, path.Join(dir, e.Mask)); err != nil {
			return s, err
		}
	}
	if e.Seg != "" {
		candidate, err := l.readMask(ctx, src, path.Join(dir, e.Seg))
		if err != nil {
			return s, err
		}
		s.Candidate = &candidate
	}

	if s, err = l.Info.Transform()(s); err != nil {
		return s, fmt.Errorf("%s: %w", e.ID, err)
	}
	return s, s.Validate()
}

func (l Loader) readImage(ctx context.Context, src Source, name string) (overlay.Image, error) {
	if isVolume(name) {
		return volumeImage(ctx, src, name)
	}

	rc, err := src.Open(ctx, name)
	if err != nil {
		return overlay.Image{}, err
	}
	defer rc.Close()

	r, err := MaybeDecompress(rc)
	if err != nil {
		return overlay.Image{}, fmt.Errorf("%s: %w", name, err)
	}
	img, err := overlay.DecodeImage(r)
	if err != nil {
		return overlay.Image{}, fmt.Errorf("%s: %w", name, err)
	}

	return overlay.ImageFromGoImage(overlay.SquareResize(img, l.Info.TargetSize, false), true)
}

func (l Loader) readMask(ctx context.Context, src Source, name string) (overlay.LabelMask, error) {
	if isVolume(name) {
		return volumeMask(ctx, src, name, l.Info.NClasses)
	}

	rc, err := src.Open(ctx, name)
	if err != nil {
		return overlay.LabelMask{}, err
	}
	defer rc.Close()

	r, err := MaybeDecompress(rc)
	if err != nil {
		return overlay.LabelMask{}, fmt.Errorf("%s: %w", name, err)
	}
	img, err := overlay.DecodeImage(r)
	if err != nil {
		return overlay.LabelMask{}, fmt.Errorf("%s: %w", name, err)
	}

	m, err := overlay.MaskFromGoImage(overlay.SquareResize(img, l.Info.TargetSize, true), l.Info.NClasses)
	if err != nil {
		return overlay.LabelMask{}, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}
