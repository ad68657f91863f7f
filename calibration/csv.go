package calibration

import (
	"math"
	"os"
	"strconv"

	"github.com/carbocation/pfx"
	"github.com/carbocation/rca/rca"
	"github.com/carbocation/rca/segmetrics"
	"github.com/gocarina/gocsv"
)

// Row is one (record, metric, class) line of the CSV export. Class "mean"
// holds the class-averaged score. Scores that are not computable are empty.
type Row struct {
	ID        string `csv:"id"`
	Status    string `csv:"status"`
	Metric    string `csv:"metric"`
	Class     string `csv:"class"`
	Predicted string `csv:"predicted"`
	Real      string `csv:"real"`
}

// Rows flattens records into CSV rows. classNames labels the per-class
// rows; missing names fall back to the class number.
func Rows(records []rca.Record, metrics []segmetrics.Metric, classNames []string) []Row {
	var out []Row
	for _, r := range records {
		if r.Failed() {
			out = append(out, Row{ID: r.ID, Status: string(r.Status)})
			continue
		}

		for _, m := range metrics {
			predicted, real := r.Predicted[m], r.Real[m]
			out = append(out, Row{
				ID:        r.ID,
				Status:    string(r.Status),
				Metric:    string(m),
				Class:     "mean",
				Predicted: formatScore(predicted.Mean, predicted.PerClass != nil),
				Real:      formatScore(real.Mean, real.PerClass != nil),
			})

			if len(predicted.PerClass) < 2 {
				continue
			}
			for c := range predicted.PerClass {
				name := strconv.Itoa(c + 1)
				if c < len(classNames) && classNames[c] != "" {
					name = classNames[c]
				}
				row := Row{
					ID:        r.ID,
					Status:    string(r.Status),
					Metric:    string(m),
					Class:     name,
					Predicted: formatScore(predicted.PerClass[c], true),
				}
				if c < len(real.PerClass) {
					row.Real = formatScore(real.PerClass[c], true)
				}
				out = append(out, row)
			}
		}
	}
	return out
}

func formatScore(v float64, present bool) string {
	if !present || math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the rows for records to path.
func WriteCSV(path string, records []rca.Record, metrics []segmetrics.Metric, classNames []string) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}

	rows := Rows(records, metrics, classNames)
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		f.Close()
		return pfx.Err(err)
	}

	return pfx.Err(f.Close())
}
