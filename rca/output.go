package rca

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/carbocation/pfx"
	"github.com/carbocation/rca/compileinfo"
	"github.com/google/uuid"
)

// Summary describes one evaluation pass.
type Summary struct {
	RunID         string                  `json:"run_id"`
	Started       time.Time               `json:"started"`
	Finished      time.Time               `json:"finished"`
	Total         int                     `json:"total"`
	Done          int                     `json:"done"`
	Failed        int                     `json:"failed"`
	FailedByStage map[Stage]int           `json:"failed_by_stage,omitempty"`
	Failures      []string                `json:"failures,omitempty"`
	Build         compileinfo.CompileInfo `json:"build"`
}

func newSummary() Summary {
	return Summary{
		RunID:   uuid.New().String(),
		Started: time.Now(),
		Build:   compileinfo.Get(),
	}
}

func (s *Summary) add(records []Record) {
	for _, r := range records {
		s.Total++
		if !r.Failed() {
			s.Done++
			continue
		}
		s.Failed++
		if s.FailedByStage == nil {
			s.FailedByStage = make(map[Stage]int)
		}
		s.FailedByStage[r.Stage]++
		s.Failures = append(s.Failures, r.ID)
	}
	sort.Strings(s.Failures)
	s.Finished = time.Now()
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(path string, records []Record) error {
	return writeJSON(path, records)
}

// WriteSummary writes the run summary next to the records.
func WriteSummary(path string, s Summary) error {
	return writeJSON(path, s)
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return pfx.Err(err)
	}

	return pfx.Err(f.Close())
}

// ReadJSON reads records written by WriteJSON.
func ReadJSON(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	var out []Record
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}
