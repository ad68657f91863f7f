package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/carbocation/rca/calibration"
	"github.com/carbocation/rca/dataset"
	"github.com/carbocation/rca/embedding"
	"github.com/carbocation/rca/overlay"
	"github.com/carbocation/rca/rca"
	"github.com/carbocation/rca/remote"
	"github.com/carbocation/rca/segmenter"
	"github.com/carbocation/rca/segmetrics"
)

const (
	memoryCacheSize = 4096
	eceBins         = 10
)

// outputs pairs each evaluated split with the suffix of its result files.
var outputs = []struct {
	split  dataset.Split
	suffix string
}{
	{dataset.Test, "_test"},
	{dataset.Calibration, "_cal"},
}

func run(ctx context.Context, opts options, info dataset.Info) error {
	metrics, err := parseMetrics(opts.Metrics)
	if err != nil {
		return err
	}
	aggregate, err := segmetrics.ParseAggregation(opts.Aggregate)
	if err != nil {
		return err
	}
	fallback, err := parseFallback(opts.Fallback)
	if err != nil {
		return err
	}

	var client *remote.Client
	if opts.Remote != "" {
		client = remote.NewClient(opts.Remote, opts.RemoteRPS, 1)
	}

	model, err := embeddingModel(opts.EmbeddingModel, client)
	if err != nil {
		return err
	}

	seg, err := segmenter.Lookup(opts.Classifier, segmenterConfig(opts, info, client))
	if err != nil {
		return err
	}

	src, err := dataset.OpenSource(ctx, opts.Root)
	if err != nil {
		return err
	}
	loader := dataset.Loader{Info: info, Source: src, Workers: opts.Workers}

	train, err := loader.Load(ctx, dataset.Train)
	if err != nil {
		return err
	}
	refs, err := overlay.NewReferenceSet(train)
	if err != nil {
		return err
	}

	cache, mem, closeCache, err := embeddingCache(opts.EmbeddingCache)
	if err != nil {
		return err
	}
	defer closeCache()

	idx, err := embedding.Build(ctx, model, refs, embedding.Options{Cache: cache, Fallback: fallback, Rand: rand.New(rand.NewSource(opts.Seed))})
	if err != nil {
		return err
	}
	log.Printf("Indexed %d references for %s\n", idx.Size(), info.Name)
	if model != nil {
		stats := mem.Stats()
		log.Printf("Embedding cache: %d hits, %d misses\n", stats.Hits, stats.Misses)
	}

	evaluator := rca.Evaluator{
		Segmenter: seg,
		NTest:     opts.NTest,
		NClasses:  info.NClasses,
		Metrics:   metrics,
		Aggregate: aggregate,
		Workers:   opts.Workers,
	}

	classNames := overlay.DefaultLabelMap(info.NClasses).ClassNames(info.NClasses)
	if opts.Labels != nil {
		classNames = opts.Labels.ClassNames(info.NClasses)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for _, out := range outputs {
		samples, err := loader.Load(ctx, out.split)
		if err != nil {
			return err
		}
		if samples, err = subsample(samples, info.NClasses, opts, rng); err != nil {
			return err
		}
		log.Printf("Evaluating %d %s samples\n", len(samples), out.split)

		records, summary, err := evaluator.Run(ctx, refs, idx, samples)
		if err != nil {
			return err
		}

		prefix := opts.Output + out.suffix
		if err := rca.WriteJSON(prefix+".json", records); err != nil {
			return err
		}
		if err := rca.WriteSummary(prefix+".summary.json", summary); err != nil {
			return err
		}
		if opts.CSV {
			if err := calibration.WriteCSV(prefix+".csv", records, metrics, classNames); err != nil {
				return err
			}
		}

		log.Printf("%s: %d done, %d failed\n", out.split, summary.Done, summary.Failed)
		logCalibration(records, metrics)
	}

	return nil
}

func parseMetrics(list string) ([]segmetrics.Metric, error) {
	var out []segmetrics.Metric
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		m, err := segmetrics.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no metrics selected")
	}
	return out, nil
}

func parseFallback(name string) (embedding.Fallback, error) {
	switch name {
	case "", "first":
		return embedding.FallbackFirstK, nil
	case "random":
		return embedding.FallbackRandom, nil
	}
	return 0, fmt.Errorf("unknown retrieval fallback %q, must be first or random", name)
}

// embeddingModel resolves a model name. Names other than None and haarN are
// served by the model server; without one, the built-in embedder stands in.
// segmenterConfig hands the embedder's client to remote segmenters so both
// draw from one rate limit.
func segmenterConfig(opts options, info dataset.Info, client *remote.Client) segmenter.Config {
	cfg := segmenter.Config{
		NClasses:          info.NClasses,
		ModelConfig:       opts.SegmenterConfig,
		RemoteURL:         opts.Remote,
		RequestsPerSecond: opts.RemoteRPS,
	}
	if client != nil {
		cfg.Client = client
	}
	return cfg
}

func embeddingModel(name string, client *remote.Client) (embedding.EmbeddingModel, error) {
	switch {
	case name == "" || name == "None":
		return nil, nil
	case strings.HasPrefix(name, "haar"):
		h := embedding.Haar{}
		if size := strings.TrimPrefix(name, "haar"); size != "" {
			n, err := strconv.Atoi(size)
			if err != nil || n < 1 || n&(n-1) != 0 {
				return nil, fmt.Errorf("embedding model %q: size must be a power of two", name)
			}
			h.Size = n
		}
		return h, nil
	case client == nil:
		log.Printf("Embedding model %s needs a model server (-remote); using %s instead\n", name, embedding.Haar{}.Name())
		return embedding.Haar{}, nil
	}
	return client.Embedder(name), nil
}

// embeddingCache always keeps an in-memory LRU in front. With a path, it is
// backed by a SQLite file that persists across runs.
func embeddingCache(path string) (embedding.Cache, *embedding.MemoryCache, func(), error) {
	mem, err := embedding.NewMemoryCache(memoryCacheSize)
	if err != nil {
		return nil, nil, nil, err
	}
	if path == "" {
		return mem, mem, func() {}, nil
	}

	disk, err := embedding.OpenSQLiteCache(path)
	if err != nil {
		return nil, nil, nil, err
	}
	closer := func() {
		if err := disk.Close(); err != nil {
			log.Println(err)
		}
	}
	return embedding.Tiered{Front: mem, Back: disk}, mem, closer, nil
}

// subsample applies the optional balanced draw over candidate Dice and then
// the optional cap on the number of samples.
func subsample(samples []overlay.Sample, nClasses int, opts options, rng *rand.Rand) ([]overlay.Sample, error) {
	if opts.BalancedBuckets > 0 {
		scores := rca.ScoreCandidates(samples, nClasses)
		keep, err := calibration.SampleBalanced(scores, opts.BalancedBuckets, 0, rng)
		if err != nil {
			return nil, err
		}
		samples = pick(samples, keep)
	}

	if opts.MaxSamples > 0 && opts.MaxSamples < len(samples) {
		samples = pick(samples, calibration.SampleN(make([]float64, len(samples)), opts.MaxSamples, rng))
	}

	return samples, nil
}

func pick(samples []overlay.Sample, indices []int) []overlay.Sample {
	out := make([]overlay.Sample, 0, len(indices))
	for _, i := range indices {
		out = append(out, samples[i])
	}
	return out
}

func logCalibration(records []rca.Record, metrics []segmetrics.Metric) {
	for _, m := range metrics {
		pairs, skipped := calibration.PairsFromRecords(records, m)
		if len(pairs) == 0 {
			continue
		}
		s, err := calibration.Summarize(pairs, eceBins)
		if err != nil {
			log.Println(err)
			continue
		}

		ece := "NA"
		if !math.IsNaN(s.ECE) {
			ece = strconv.FormatFloat(s.ECE, 'g', 4, 64)
		}
		log.Printf("%s: N=%d (skipped %d) MAE=%.4g r=%.4g ECE=%s\n", m, s.N, skipped, s.MAE, s.Correlation, ece)
	}
}
