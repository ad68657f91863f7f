// rca estimates the quality of candidate segmentations without ground truth.
// Each test image is segmented with the help of its most similar reference
// images, and the agreement with those references' trusted masks is reported
// as the predicted quality. Results for the Test and Calibration splits are
// written as JSON, with optional CSV.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/carbocation/rca/compileinfoprint"
	"github.com/carbocation/rca/dataset"
	"github.com/carbocation/rca/overlay"
	"github.com/carbocation/rca/segmenter"
)

func init() {
	flag.Usage = func() {
		flag.PrintDefaults()

		log.Println("Datasets:", strings.Join(dataset.Names(), ", "))
		log.Println("Classifiers:", strings.Join(segmenter.Names(), ", "))
		log.Println("Example JSONConfig file layout:")
		bts, err := json.MarshalIndent(overlay.JSONConfig{Dataset: "jsrt", Classifier: "atlas", NTest: 8, Labels: overlay.LabelMap{"background": overlay.Label{ID: 0}, "lungs": overlay.Label{ID: 1}, "heart": overlay.Label{ID: 2}}}, "", "  ")
		if err == nil {
			log.Println(string(bts))
		}
	}
}

type options struct {
	Dataset         string
	Classifier      string
	Output          string
	Root            string
	NTest           int
	EmbeddingModel  string
	SegmenterConfig string
	Remote          string
	RemoteRPS       float64
	Workers         int
	Seed            int64
	Aggregate       string
	Metrics         string
	Fallback        string
	EmbeddingCache  string
	BalancedBuckets int
	MaxSamples      int
	CSV             bool
	Labels          overlay.LabelMap
}

func main() {
	fmt.Fprintf(os.Stderr, "%q\n", os.Args)

	var opts options
	var jsonConfig string

	flag.StringVar(&opts.Dataset, "dataset", "", "Dataset to evaluate. One of: "+strings.Join(dataset.Names(), ", "))
	flag.StringVar(&opts.Classifier, "classifier", "", "In-context segmenter. One of: "+strings.Join(segmenter.Names(), ", "))
	flag.StringVar(&opts.Output, "output", "", "Output prefix. Writes <output>_test.json, <output>_cal.json and their .summary.json files.")
	flag.StringVar(&opts.Root, "root", "data", "Folder (or gs://bucket/prefix) holding one subfolder per dataset")
	flag.IntVar(&opts.NTest, "n-test", 8, "Number of reference exemplars retrieved per test image")
	flag.StringVar(&opts.EmbeddingModel, "emb-model", "", "Embedding model used for retrieval. Defaults per dataset. 'None' disables retrieval; 'haar32' (or another power of two) uses the built-in embedder.")
	flag.StringVar(&opts.SegmenterConfig, "segmenter-config", "sam2_hiera_t", "SAM 2 model config")
	flag.StringVar(&opts.Remote, "remote", "", "(Optional) Base URL of the model server hosting remote embedders and segmenters")
	flag.Float64Var(&opts.RemoteRPS, "remote-rps", 0, "(Optional) Maximum requests per second to the model server. 0 means no limit.")
	flag.IntVar(&opts.Workers, "workers", 1, "Number of test images evaluated concurrently")
	flag.Int64Var(&opts.Seed, "seed", 1, "Seed for every random choice (sampling, random retrieval fallback)")
	flag.StringVar(&opts.Aggregate, "aggregate", "mean", "How per-exemplar scores are combined: mean or max")
	flag.StringVar(&opts.Metrics, "metrics", "Dice,Hausdorff,HD95,ASSD", "Comma-separated metrics to compute")
	flag.StringVar(&opts.Fallback, "fallback", "first", "Retrieval without an embedding model: first or random")
	flag.StringVar(&opts.EmbeddingCache, "embedding-cache", "", "(Optional) SQLite file in which reference embeddings are cached across runs")
	flag.IntVar(&opts.BalancedBuckets, "balanced-buckets", 0, "(Optional) If positive, evaluate an equal number of images from this many buckets of candidate Dice")
	flag.IntVar(&opts.MaxSamples, "max-samples", 0, "(Optional) If positive, evaluate at most this many randomly chosen images per split")
	flag.BoolVar(&opts.CSV, "csv", false, "Also write <output>_test.csv and <output>_cal.csv")
	flag.StringVar(&jsonConfig, "json", "", "(Optional) JSONConfig file. Flags given on the command line take precedence.")
	flag.Parse()

	if jsonConfig != "" {
		config, err := overlay.ParseJSONConfigFromPath(jsonConfig)
		if err != nil {
			log.Println(err)
			flag.Usage()
			os.Exit(1)
		}

		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		opts = mergeConfig(opts, config, set)
	}

	if opts.Dataset == "" || opts.Classifier == "" || opts.Output == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Fail on names we do not know before loading any data or model.
	info, err := dataset.Lookup(opts.Dataset)
	if err != nil {
		log.Fatalln(err)
	}
	if !segmenter.Known(opts.Classifier) {
		log.Fatalf("%v: %q, must be one of %s\n", segmenter.ErrUnrecognizedClassifier, opts.Classifier, strings.Join(segmenter.Names(), ", "))
	}

	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = info.EmbeddingModel
	}

	if err := run(context.Background(), opts, info); err != nil {
		log.Fatalln(err)
	}
}

// mergeConfig fills every option not set on the command line from the
// non-zero fields of config.
func mergeConfig(opts options, config overlay.JSONConfig, set map[string]bool) options {
	str := func(flagName string, dst *string, v string) {
		if !set[flagName] && v != "" {
			*dst = v
		}
	}
	num := func(flagName string, dst *int, v int) {
		if !set[flagName] && v != 0 {
			*dst = v
		}
	}

	str("dataset", &opts.Dataset, config.Dataset)
	str("classifier", &opts.Classifier, config.Classifier)
	str("output", &opts.Output, config.Output)
	str("root", &opts.Root, config.Root)
	str("emb-model", &opts.EmbeddingModel, config.EmbeddingModel)
	str("segmenter-config", &opts.SegmenterConfig, config.SegmenterConfig)
	str("remote", &opts.Remote, config.Remote)
	str("aggregate", &opts.Aggregate, config.Aggregate)
	str("metrics", &opts.Metrics, config.Metrics)
	str("fallback", &opts.Fallback, config.Fallback)
	str("embedding-cache", &opts.EmbeddingCache, config.EmbeddingCache)
	num("n-test", &opts.NTest, config.NTest)
	num("workers", &opts.Workers, config.Workers)
	num("balanced-buckets", &opts.BalancedBuckets, config.BalancedBuckets)
	num("max-samples", &opts.MaxSamples, config.MaxSamples)

	if !set["remote-rps"] && config.RemoteRPS != 0 {
		opts.RemoteRPS = config.RemoteRPS
	}

	if !set["seed"] && config.Seed != 0 {
		opts.Seed = config.Seed
	}
	if !set["csv"] && config.CSV {
		opts.CSV = true
	}
	if config.Labels != nil {
		opts.Labels = config.Labels
	}

	return opts
}
