package dataset

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/carbocation/rca/overlay"
	"github.com/google/go-cmp/cmp"
)

func init() {
	Logf = func(string, ...interface{}) {}
}

var toy = Info{Name: "toy", Dir: "TOY", NClasses: 1, TargetSize: 8}

// pngBytes draws a width x height gray image whose left half is v and whose
// right half is black.
func pngBytes(t *testing.T, width, height int, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFiles(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, b := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLookup(t *testing.T) {
	jsrt, err := Lookup("jsrt")
	if err != nil {
		t.Fatal(err)
	}
	if jsrt.NClasses != 2 || jsrt.TargetSize != 256 || jsrt.EmbeddingModel != "microsoft/rad-dino" {
		t.Fatalf("unexpected jsrt info: %+v", jsrt)
	}

	liver, err := Lookup("3d-ircadb/liver")
	if err != nil {
		t.Fatal(err)
	}
	if liver.NClasses != 1 || liver.TargetSize != 128 || liver.EmbeddingModel != "facebook/dinov2-base" || !liver.HU {
		t.Fatalf("unexpected 3d-ircadb info: %+v", liver)
	}

	if _, err := Lookup("mnist"); !errors.Is(err, ErrUnrecognizedDataset) {
		t.Fatalf("expected ErrUnrecognizedDataset, got %v", err)
	}

	if len(Names()) != 10 {
		t.Fatalf("expected 10 datasets, got %v", Names())
	}
}

func TestImageKey(t *testing.T) {
	isic, _ := Lookup("isic 2018")
	liver, _ := Lookup("3d-ircadb/liver")
	hc18, _ := Lookup("hc18")

	for _, v := range []struct {
		info     Info
		seg      string
		expected string
	}{
		{isic, "ISIC_0000123_unet_3.png", "ISIC_0000123"},
		{liver, "patient1_slice_42_unet.png", "patient1/slice_42"},
		{hc18, "001_HC_unet.png", "001"},
		{hc18, "plain.png", "plain.png"},
	} {
		if got := v.info.imageKey(v.seg); got != v.expected {
			t.Fatalf("%s: expected %q, got %q", v.seg, v.expected, got)
		}
	}
}

func TestPairTrain(t *testing.T) {
	entries, unmatched := pairTrain(
		[]string{"a.png", "b.jpg", "notes.txt", "sub/c.png"},
		[]string{"a_mask.png", "sub/c_mask.png"},
	)

	expected := []entry{
		{ID: "a", Image: "images/a.png", Mask: "masks/a_mask.png"},
		{ID: "sub/c", Image: "images/sub/c.png", Mask: "masks/sub/c_mask.png"},
	}
	if diff := cmp.Diff(expected, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b.jpg"}, unmatched); diff != "" {
		t.Fatalf("unmatched mismatch (-want +got):\n%s", diff)
	}
}

func TestStem(t *testing.T) {
	for name, expected := range map[string]string{
		"a.png":        "a",
		"a.b.png":      "a.b",
		"vol.nii.gz":   "vol",
		"vol.nii":      "vol",
		"scan.png.gz":  "scan",
		"dir/x.tiff":   "dir/x",
		"no-extension": "no-extension",
	} {
		if got := stem(name); got != expected {
			t.Fatalf("stem(%q): expected %q, got %q", name, expected, got)
		}
	}
}

func TestLoadTrain(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string][]byte{
		"TOY/Train/images/a.png":      pngBytes(t, 8, 4, 200),
		"TOY/Train/images/b.png":      pngBytes(t, 8, 4, 100),
		"TOY/Train/images/readme.txt": []byte("not an image"),
		"TOY/Train/masks/a_mask.png":  pngBytes(t, 8, 4, 255),
	})

	samples, err := Loader{Info: toy, Source: LocalSource{Root: root}}.Load(context.Background(), Train)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].ID != "a" {
		t.Fatalf("expected only sample a, got %d samples", len(samples))
	}

	s := samples[0]
	if diff := cmp.Diff(overlay.Shape{8, 8}, s.Image.Shape()); diff != "" {
		t.Fatalf("image was not squared (-want +got):\n%s", diff)
	}
	// The 4x8 foreground is padded to rows 2..5 of the 8x8 square.
	if s.Truth.Count(1) != 16 || s.Truth.At(0) != 0 || s.Truth.At(2*8) != 1 {
		t.Fatalf("unexpected truth mask: %v", s.Truth.Labels())
	}
	for _, v := range s.Image.Pixels() {
		if v < 0 || v > 1 {
			t.Fatalf("intensity %v is outside [0, 1]", v)
		}
	}
	if s.Candidate != nil {
		t.Fatalf("training samples have no candidate")
	}
}

func TestLoadTest(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string][]byte{
		"TOY/Test/images/001.png":          pngBytes(t, 8, 8, 50),
		"TOY/Test/images/003.png":          pngBytes(t, 8, 8, 50),
		"TOY/Test/masks/001_truth.png":     pngBytes(t, 8, 8, 255),
		"TOY/Test/segs/001_unet.png":       pngBytes(t, 8, 8, 255),
		"TOY/Test/segs/002_unet.png":       pngBytes(t, 8, 8, 255),
		"TOY/Test/segs/003_unet.png":       pngBytes(t, 8, 8, 1),
		"TOY/Test/segs/nested/004_x.png":   pngBytes(t, 8, 8, 1),
		"TOY/Test/segs/005_unet.jpg":       pngBytes(t, 8, 8, 1),
		"TOY/Calibration/images/keep.png":  pngBytes(t, 8, 8, 1),
		"TOY/Calibration/segs/keep_x.png":  pngBytes(t, 8, 8, 1),
		"TOY/Calibration/masks/keep_y.png": pngBytes(t, 8, 8, 1),
	})

	l := Loader{Info: toy, Source: LocalSource{Root: root}, Workers: 3}
	samples, err := l.Load(context.Background(), Test)
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, s := range samples {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"001_unet", "003_unet"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}

	if samples[0].Truth.IsZero() || samples[0].Candidate == nil {
		t.Fatalf("001 should carry truth and candidate")
	}
	if !samples[1].Truth.IsZero() || samples[1].Candidate == nil {
		t.Fatalf("003 has no ground truth but should still carry its candidate")
	}
	if samples[1].Candidate.Count(1) != 32 {
		t.Fatalf("expected the left half of the candidate to be labelled, got %d pixels", samples[1].Candidate.Count(1))
	}

	cal, err := l.Load(context.Background(), Calibration)
	if err != nil {
		t.Fatal(err)
	}
	if len(cal) != 1 || cal[0].ID != "keep_x" {
		t.Fatalf("unexpected calibration samples: %d", len(cal))
	}
}

func TestLoadMissingSplit(t *testing.T) {
	if _, err := (Loader{Info: toy, Source: LocalSource{Root: t.TempDir()}, TempDir: t.TempDir()}).Load(context.Background(), Test); err == nil {
		t.Fatalf("expected an error for a missing split")
	}
}

// storedZip writes an uncompressed archive whose local headers carry the
// sizes, so it can be read as a stream.
func storedZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, b := range files {
		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               name,
			Method:             zip.Store,
			CRC32:              crc32.ChecksumIEEE(b),
			CompressedSize64:   uint64(len(b)),
			UncompressedSize64: uint64(len(b)),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadFromArchive(t *testing.T) {
	root, temp := t.TempDir(), t.TempDir()
	writeFiles(t, root, map[string][]byte{
		"TOY/Train.zip": storedZip(t, map[string][]byte{
			"Train/images/a.png":  pngBytes(t, 8, 8, 10),
			"Train/masks/a_m.png": pngBytes(t, 8, 8, 255),
			"__MACOSX/._a.png":    []byte("resource fork"),
		}),
	})

	l := Loader{Info: toy, Source: LocalSource{Root: root}, TempDir: temp}
	for i := 0; i < 2; i++ {
		samples, err := l.Load(context.Background(), Train)
		if err != nil {
			t.Fatal(err)
		}
		if len(samples) != 1 || samples[0].ID != "a" {
			t.Fatalf("pass %d: unexpected samples %d", i, len(samples))
		}
	}

	if _, err := os.Stat(filepath.Join(temp, "rca", "TOY", "Train", "images", "a.png")); err != nil {
		t.Fatalf("archive was not flattened into place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(temp, "rca", "TOY", "Train", "__MACOSX")); !os.IsNotExist(err) {
		t.Fatalf("resource forks should be skipped, got %v", err)
	}
}

func TestMaybeDecompress(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hello"))
	gz.Close()

	for _, v := range []struct {
		name  string
		input []byte
	}{
		{"gzip", buf.Bytes()},
		{"plain", []byte("hello")},
	} {
		r, err := MaybeDecompress(bytes.NewReader(v.input))
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		if string(b) != "hello" {
			t.Fatalf("%s: expected hello, got %q", v.name, b)
		}
	}

	dt, err := DetectDataType(bufio.NewReader(bytes.NewReader([]byte{0x50, 0x4b, 0x03, 0x04, 0, 0})))
	if err != nil || dt != DataTypeZip {
		t.Fatalf("expected a zip signature, got %v (%v)", dt, err)
	}
	if dt, err := DetectDataType(bufio.NewReader(bytes.NewReader(nil))); err != nil || dt != DataTypeNoCompression {
		t.Fatalf("empty input: got %v (%v)", dt, err)
	}
}

func TestSplitGSPath(t *testing.T) {
	for _, v := range []struct {
		input, bucket, prefix string
	}{
		{"gs://bucket/a/b/", "bucket", "a/b"},
		{"gs://bucket", "bucket", ""},
	} {
		bucket, prefix, err := SplitGSPath(v.input)
		if err != nil {
			t.Fatal(err)
		}
		if bucket != v.bucket || prefix != v.prefix {
			t.Fatalf("%s: got (%q, %q)", v.input, bucket, prefix)
		}
	}
	if _, _, err := SplitGSPath("gs://"); err == nil {
		t.Fatalf("expected an error without a bucket")
	}
}
