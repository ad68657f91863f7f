package segmenter

import (
	"fmt"
	"path"
	"sort"
	"sync"
)

// Config carries the settings a Factory may need.
type Config struct {
	// NClasses is the number of foreground classes.
	NClasses int

	// ModelConfig names the model variant, e.g. a SAM2 config such as
	// "sam2_hiera_t".
	ModelConfig string

	// RemoteURL is the base URL of a model server, for segmenters that run
	// out of process.
	RemoteURL string

	// RequestsPerSecond caps calls to the model server. Zero means no cap.
	RequestsPerSecond float64

	// Client optionally carries a model-server client that is already in
	// use elsewhere, so that every caller shares one rate limit. Factories
	// ignore values of a type they do not understand and fall back to
	// RemoteURL.
	Client interface{}
}

// Factory builds a Segmenter from its Config.
type Factory func(cfg Config) (Segmenter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"atlas":       func(Config) (Segmenter, error) { return Atlas{}, nil },
		"precomputed": func(Config) (Segmenter, error) { return Precomputed{}, nil },
	}
)

// Register makes a Segmenter available by name. It panics if the name is
// already taken.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("segmenter %q registered twice", name))
	}
	registry[name] = f
}

// Names lists the registered classifiers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Known reports whether name is a registered classifier, without building
// it.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, ok := registry[name]
	return ok
}

// Lookup builds the Segmenter registered under name.
func Lookup(name string, cfg Config) (Segmenter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q, must be one of %v", ErrUnrecognizedClassifier, name, Names())
	}
	return f(cfg)
}

// SAM2CheckpointDir is where SAM2 checkpoints are looked up.
var SAM2CheckpointDir = "sam2/checkpoints"

var sam2Models = map[string]string{
	"sam2_hiera_t":   "sam2_hiera_tiny",
	"sam2_hiera_s":   "sam2_hiera_small",
	"sam2_hiera_b+":  "sam2_hiera_base_plus",
	"sam2_hiera_l":   "sam2_hiera_large",
	"sam2.1_hiera_t": "sam2.1_hiera_tiny",
}

// SAM2Checkpoint maps a SAM2 config name to its model config file and
// checkpoint path.
func SAM2Checkpoint(config string) (configFile, checkpoint string, err error) {
	model, ok := sam2Models[config]
	if !ok {
		known := make([]string, 0, len(sam2Models))
		for k := range sam2Models {
			known = append(known, k)
		}
		sort.Strings(known)
		return "", "", fmt.Errorf("SAM2 config %q is not recognized, must be one of %v", config, known)
	}

	return config + ".yaml", path.Join(SAM2CheckpointDir, model+".pt"), nil
}
