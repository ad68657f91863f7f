package dataset

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"google.golang.org/api/iterator"
)

// Source is a read-only tree of dataset files. Paths use forward slashes and
// are relative to the source root.
type Source interface {
	// List returns every file below dir, relative to dir, in sorted order.
	// A missing dir yields no files and no error.
	List(ctx context.Context, dir string) ([]string, error)

	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// OpenSource returns a Source for root, which is either a local directory or
// a gs://bucket/prefix location.
func OpenSource(ctx context.Context, root string) (Source, error) {
	if !strings.HasPrefix(root, "gs://") {
		return LocalSource{Root: root}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pfx.Err(err)
	}
	bucket, prefix, err := SplitGSPath(root)
	if err != nil {
		return nil, err
	}
	return GCSSource{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

// LocalSource reads from a directory on disk.
type LocalSource struct {
	Root string
}

func (s LocalSource) List(_ context.Context, dir string) ([]string, error) {
	base := filepath.Join(s.Root, filepath.FromSlash(dir))
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}

	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, pfx.Err(err)
	}

	sort.Strings(out)
	return out, nil
}

func (s LocalSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Root, filepath.FromSlash(name)))
	if err != nil {
		return nil, pfx.Err(err)
	}
	return f, nil
}

// GCSSource reads objects below Prefix in a Google Storage bucket.
type GCSSource struct {
	Client *storage.Client
	Bucket string
	Prefix string
}

func (s GCSSource) List(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(path.Join(s.Prefix, dir), "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	var out []string
	it := s.Client.Bucket(s.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, pfx.Err(fmt.Errorf("listing gs://%s/%s: %w", s.Bucket, prefix, err))
		}

		// Skip folder placeholders
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		out = append(out, strings.TrimPrefix(attrs.Name, prefix))
	}

	sort.Strings(out)
	return out, nil
}

func (s GCSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object := path.Join(s.Prefix, name)
	r, err := s.Client.Bucket(s.Bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("gs://%s/%s: %w", s.Bucket, object, err))
	}
	return r, nil
}

// SplitGSPath splits gs://bucket/some/prefix into its bucket and prefix.
func SplitGSPath(gsPath string) (bucket, prefix string, err error) {
	pathParts := strings.SplitN(strings.TrimPrefix(gsPath, "gs://"), "/", 2)
	if pathParts[0] == "" {
		return "", "", fmt.Errorf("%s does not name a google storage bucket", gsPath)
	}
	if len(pathParts) == 1 {
		return pathParts[0], "", nil
	}
	return pathParts[0], strings.Trim(pathParts[1], "/"), nil
}
