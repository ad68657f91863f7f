package dataset

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/krolaw/zipstream"
)

// extractOnce unpacks the zip archive stored at name into dest, unless dest
// already exists. The archive is unpacked into a sibling temporary directory
// that is renamed into place, so an interrupted extraction is never mistaken
// for a complete one. A single top-level folder named like dest is
// flattened away.
func extractOnce(ctx context.Context, src Source, name, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	rc, err := src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	if dt, err := DetectDataType(br); err != nil {
		return pfx.Err(err)
	} else if dt != DataTypeZip {
		return fmt.Errorf("%s is not a zip archive", name)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pfx.Err(err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), filepath.Base(dest)+"-*")
	if err != nil {
		return pfx.Err(err)
	}
	defer os.RemoveAll(tmp)

	Logf("Extracting %s to %s\n", name, dest)
	if err := unzip(br, tmp, strings.TrimSuffix(path.Base(name), path.Ext(name))); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		// Another process may have won the race.
		if _, statErr := os.Stat(dest); statErr == nil {
			return nil
		}
		return pfx.Err(err)
	}
	return nil
}

func unzip(r io.Reader, dest, topLevel string) error {
	zr := zipstream.NewReader(r)
	for {
		header, err := zr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pfx.Err(err)
		}

		target, ok := archiveTarget(dest, topLevel, header)
		if !ok {
			continue
		}

		if header.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return pfx.Err(err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return pfx.Err(err)
		}
		f, err := os.Create(target)
		if err != nil {
			return pfx.Err(err)
		}
		if _, err := io.Copy(f, zr); err != nil {
			f.Close()
			return pfx.Err(err)
		}
		if err := f.Close(); err != nil {
			return pfx.Err(err)
		}
	}
}

// archiveTarget maps an archive entry onto a path below dest. Entries that
// would escape dest and macOS resource forks are skipped.
func archiveTarget(dest, topLevel string, header *zip.FileHeader) (string, bool) {
	name := path.Clean(strings.ReplaceAll(header.Name, "\\", "/"))
	if strings.HasPrefix(name, "__MACOSX/") || name == "__MACOSX" {
		return "", false
	}
	name = strings.TrimPrefix(name, topLevel+"/")
	if name == topLevel || name == "." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return "", false
	}
	return filepath.Join(dest, filepath.FromSlash(name)), true
}
