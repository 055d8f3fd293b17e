// Package export serializes a finished result matrix into the stable
// result.json artifact consumed by dashboards and longitudinal tooling.
// Field names and cell ordering are part of the contract: cells appear in
// deterministic (client, server, test) order and verdict strings are the
// stable spellings, so two runs over the same matrix diff cleanly.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/version"
)

// Document is the top-level result.json structure.
type Document struct {
	Version string `json:"runner_version"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// DurationSeconds is the wall-clock duration of the whole matrix run.
	DurationSeconds float64 `json:"duration_seconds"`

	Clients []string `json:"clients"`
	Servers []string `json:"servers"`
	Tests   []Test   `json:"tests"`

	Results []CellResult `json:"results"`
}

// Test describes one column of the matrix.
type Test struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Profile  string `json:"profile,omitempty"`
}

// CellResult is one matrix cell.
type CellResult struct {
	Client   string `json:"client"`
	Server   string `json:"server"`
	TestCase string `json:"testcase"`

	Verdict  string `json:"verdict"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`

	Measurement *Measurement `json:"measurement,omitempty"`
}

// Measurement carries the per-cell statistics of a measurement case. The
// deviation and confidence fields stay null when fewer than two usable
// samples exist.
type Measurement struct {
	Samples []Sample `json:"samples"`

	Count          int      `json:"count"`
	MeanEfficiency float64  `json:"mean_efficiency"`
	StdDev         *float64 `json:"stddev"`
	CILow          *float64 `json:"ci_low"`
	CIHigh         *float64 `json:"ci_high"`
}

// Sample is one raw measurement repetition.
type Sample struct {
	Bytes           int64   `json:"bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Goodput         float64 `json:"goodput"`
	Efficiency      float64 `json:"efficiency"`
	Flagged         bool    `json:"flagged,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Build flattens a matrix into its export document.
func Build(m *model.ResultMatrix) *Document {
	doc := &Document{
		Version:         version.Version,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		DurationSeconds: m.EndTime.Sub(m.StartTime).Seconds(),
		Clients:         m.Clients,
		Servers:         m.Servers,
	}
	for _, tc := range m.Tests {
		doc.Tests = append(doc.Tests, Test{
			ID:       tc.ID,
			Category: string(tc.Category),
			Profile:  tc.Profile,
		})
	}
	for _, cell := range m.Cells() {
		r := CellResult{
			Client:   cell.Client,
			Server:   cell.Server,
			TestCase: cell.TestCase,
			Verdict:  string(cell.Verdict),
			Error:    string(cell.Error),
			Attempts: cell.Attempts,
		}
		if cell.Summary != nil {
			meas := &Measurement{
				Count:          cell.Summary.Count,
				MeanEfficiency: cell.Summary.MeanEfficiency,
				StdDev:         cell.Summary.StdDev,
				CILow:          cell.Summary.CILow,
				CIHigh:         cell.Summary.CIHigh,
			}
			for _, s := range cell.Samples {
				meas.Samples = append(meas.Samples, Sample{
					Bytes:           s.Bytes,
					DurationSeconds: s.Duration.Seconds(),
					Goodput:         s.Goodput,
					Efficiency:      s.Efficiency,
					Flagged:         s.Flagged,
					Error:           string(s.Error),
				})
			}
			r.Measurement = meas
		}
		doc.Results = append(doc.Results, r)
	}
	return doc
}

// Export writes the matrix as indented JSON.
func Export(m *model.ResultMatrix, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Build(m)); err != nil {
		return fmt.Errorf("encoding result document: %w", err)
	}
	return nil
}

// Parse reads a previously exported document back. It is used by tooling
// that post-processes archived runs.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding result document: %w", err)
	}
	return &doc, nil
}
