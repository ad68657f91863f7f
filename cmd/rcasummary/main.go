// rcasummary is a convenience tool to summarize the output of rca: for each
// result file and metric it prints how closely the predicted scores track the
// real ones, as TSV.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/carbocation/rca/calibration"
	"github.com/carbocation/rca/rca"
	"github.com/carbocation/rca/segmetrics"
	"github.com/montanaflynn/stats"
)

func main() {
	var metricList string
	var bins, histBins int
	var linePrefix string

	flag.StringVar(&metricList, "metrics", "Dice,Hausdorff,HD95,ASSD", "Comma-separated metrics to summarize")
	flag.IntVar(&bins, "bins", 10, "Number of bins for the expected calibration error")
	flag.IntVar(&histBins, "histogram", 10, "Number of buckets in the histogram of predicted scores printed to stderr. 0 disables it.")
	flag.StringVar(&linePrefix, "line_prefix", "", "Column to add to each line. If empty, no column will be added.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] results_test.json [results_cal.json ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	var metrics []segmetrics.Metric
	for _, name := range strings.Split(metricList, ",") {
		m, err := segmetrics.ParseMetric(strings.TrimSpace(name))
		if err != nil {
			log.Fatalln(err)
		}
		metrics = append(metrics, m)
	}

	printHeader(os.Stdout, linePrefix != "")
	for _, input := range flag.Args() {
		records, err := rca.ReadJSON(input)
		if err != nil {
			log.Fatalln(err)
		}
		if err := summarize(os.Stdout, os.Stderr, input, linePrefix, records, metrics, bins, histBins); err != nil {
			log.Fatalln(err)
		}
	}
}

func printHeader(w io.Writer, withPrefix bool) {
	output := []string{"File"}
	if withPrefix {
		output = append(output, "LinePrefix")
	}
	output = append(output, []string{
		"Metric",
		"N",
		"Skipped",
		"Predicted",
		"PredictedSD",
		"Real",
		"RealSD",
		"MAE",
		"Correlation",
		"ECE",
	}...)
	fmt.Fprintln(w, strings.Join(output, "\t"))
}

func summarize(w, hist io.Writer, input, linePrefix string, records []rca.Record, metrics []segmetrics.Metric, bins, histBins int) error {
	for _, m := range metrics {
		pairs, skipped := calibration.PairsFromRecords(records, m)
		if len(pairs) == 0 {
			log.Printf("%s: no scored samples for %s\n", input, m)
			continue
		}

		s, err := calibration.Summarize(pairs, bins)
		if err != nil {
			return err
		}

		predicted := make(stats.Float64Data, len(pairs))
		real := make(stats.Float64Data, len(pairs))
		for i, p := range pairs {
			predicted[i] = p.Predicted
			real[i] = p.Real
		}
		predictedSD, err := predicted.StandardDeviation()
		if err != nil {
			return err
		}
		realSD, err := real.StandardDeviation()
		if err != nil {
			return err
		}

		output := []string{input}
		if linePrefix != "" {
			output = append(output, linePrefix)
		}
		output = append(output,
			string(m),
			fmt.Sprint(s.N),
			fmt.Sprint(skipped),
			formatFloat(s.MeanPredicted),
			formatFloat(predictedSD),
			formatFloat(s.MeanReal),
			formatFloat(realSD),
			formatFloat(s.MAE),
			formatFloat(s.Correlation),
			formatFloat(s.ECE),
		)
		fmt.Fprintln(w, strings.Join(output, "\t"))

		// Skip the histogram when every score is the same: there is no
		// range to bucket.
		lo, _ := predicted.Min()
		hi, _ := predicted.Max()
		if histBins > 0 && hi > lo {
			fmt.Fprintf(hist, "%s %s predicted scores:\n", input, m)
			if err := histogram.Fprint(hist, histogram.Hist(histBins, predicted), histogram.Linear(40)); err != nil {
				return err
			}
		}
	}

	return nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return fmt.Sprintf("%.5g", v)
}
