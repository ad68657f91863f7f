package dataset

import (
	"path"
	"sort"
	"strings"
)

// Split names one of the three folders of a dataset.
type Split string

const (
	Train       Split = "Train"
	Test        Split = "Test"
	Calibration Split = "Calibration"
)

const (
	imagesDir = "images"
	masksDir  = "masks"
	segsDir   = "segs"
)

// entry is the set of files that make up one sample. Paths are relative to
// the split folder.
type entry struct {
	ID    string
	Image string
	Mask  string
	Seg   string
}

var imageExtensions = map[string]bool{
	".png":  true,
	".bmp":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// stem drops the file extension, treating .nii.gz and compressed images
// (e.g. .png.gz) as a single extension.
func stem(name string) string {
	if strings.HasSuffix(name, ".nii.gz") {
		return strings.TrimSuffix(name, ".nii.gz")
	}
	for _, c := range []string{".gz", ".bz2", ".xz"} {
		name = strings.TrimSuffix(name, c)
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

func isSampleFile(name string) bool {
	if isVolume(name) {
		return true
	}
	return imageExtensions[strings.ToLower(extOf(name))]
}

// extOf is the image extension of name once any compression suffix is
// removed.
func extOf(name string) string {
	for _, c := range []string{".gz", ".bz2", ".xz"} {
		name = strings.TrimSuffix(name, c)
	}
	return path.Ext(name)
}

// firstWithPrefix returns the first of the sorted names that starts with
// prefix.
func firstWithPrefix(sorted []string, prefix string) (string, bool) {
	i := sort.SearchStrings(sorted, prefix)
	if i < len(sorted) && strings.HasPrefix(sorted[i], prefix) {
		return sorted[i], true
	}
	return "", false
}

// pairTrain matches every image with the first mask whose relative path
// starts with the image's stem. Images without a mask are returned in
// unmatched.
func pairTrain(images, masks []string) (entries []entry, unmatched []string) {
	for _, img := range images {
		if !isSampleFile(img) {
			continue
		}
		id := stem(img)
		mask, ok := firstWithPrefix(masks, id)
		if !ok {
			unmatched = append(unmatched, img)
			continue
		}
		entries = append(entries, entry{ID: id, Image: path.Join(imagesDir, img), Mask: path.Join(masksDir, mask)})
	}
	return entries, unmatched
}

// pairEvaluation walks the top-level PNG segmentations in sorted order and
// finds the image and ground truth for each by the key derived from the
// segmentation's name. The sample is identified by the segmentation's stem,
// since one image may carry several candidate segmentations. A missing
// ground truth leaves Mask empty; a missing image puts the segmentation in
// unmatched.
func (i Info) pairEvaluation(images, masks, segs []string) (entries []entry, unmatched []string) {
	for _, seg := range segs {
		if strings.Contains(seg, "/") || strings.ToLower(path.Ext(seg)) != ".png" {
			continue
		}
		key := i.imageKey(seg)
		img, ok := firstWithPrefix(images, key)
		if !ok {
			unmatched = append(unmatched, seg)
			continue
		}

		e := entry{ID: stem(seg), Image: path.Join(imagesDir, img), Seg: path.Join(segsDir, seg)}
		if mask, ok := firstWithPrefix(masks, key); ok {
			e.Mask = path.Join(masksDir, mask)
		}
		entries = append(entries, e)
	}
	return entries, unmatched
}
