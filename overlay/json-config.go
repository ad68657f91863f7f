package overlay

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
)

// JSONConfig is the optional run configuration for an RCA evaluation. Any
// field left at its zero value is taken from the command line instead.
type JSONConfig struct {
	ConfigPath      string   `json:"-"`
	Dataset         string   `json:"dataset"`
	Classifier      string   `json:"classifier"`
	Output          string   `json:"output"`
	Root            string   `json:"root"`
	NTest           int      `json:"n_test"`
	EmbeddingModel  string   `json:"emb_model"`
	SegmenterConfig string   `json:"segmenter_config"`
	Remote          string   `json:"remote"`
	RemoteRPS       float64  `json:"remote_rps"`
	Workers         int      `json:"workers"`
	Seed            int64    `json:"seed"`
	Aggregate       string   `json:"aggregate"`
	Metrics         string   `json:"metrics"`
	Fallback        string   `json:"fallback"`
	EmbeddingCache  string   `json:"embedding_cache"`
	BalancedBuckets int      `json:"balanced_buckets"`
	MaxSamples      int      `json:"max_samples"`
	CSV             bool     `json:"csv"`
	Labels          LabelMap `json:"labels"`
}

func ParseJSONConfigFromPath(path string) (JSONConfig, error) {
	out := JSONConfig{ConfigPath: path}

	f, err := os.Open(expandHomeDir(path))
	if err != nil {
		return out, pfx.Err(err)
	}
	defer f.Close()

	err = json.NewDecoder(f).Decode(&out)
	if err != nil {
		if e, ok := err.(*json.SyntaxError); ok {
			log.Printf("syntax error at byte offset %d", e.Offset)
			return out, pfx.Err(err)
		}

		return out, pfx.Err(err)
	}

	if out.Labels != nil && !out.Labels.Valid() {
		return out, pfx.Err(fmt.Errorf("labels must map each name to a distinct id"))
	}

	// Interpret ~ if present
	out.ConfigPath = expandHomeDir(out.ConfigPath)
	out.Output = expandHomeDir(out.Output)
	out.Root = expandHomeDir(out.Root)
	out.EmbeddingCache = expandHomeDir(out.EmbeddingCache)

	return out, nil
}

// Via https://stackoverflow.com/a/17617721/199475
func expandHomeDir(path string) string {

	usr, err := user.Current()
	if err != nil {
		return path
	}

	dir := usr.HomeDir

	if path == "~" {
		// In case of "~", which won't be caught by the "else if"
		path = dir
	} else if strings.HasPrefix(path, "~/") {
		// Use strings.HasPrefix so we don't match paths like
		// "/something/~/something/"
		path = filepath.Join(dir, path[2:])
	}

	return path
}
