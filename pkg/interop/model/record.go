package model

import (
	"time"

	"github.com/quic-interop/satrunner/pkg/interop/spec"
	"github.com/quic-interop/satrunner/pkg/version"
)

// RunRecord is the struct that is serialized as JSON to disk and inserted
// into the run history store as the archival record of a single attempt.
// Its schema is also what cmd/generate-schema infers for the longitudinal
// BigQuery pipeline, so fields are kept flat and additions must be
// backwards compatible.
type RunRecord struct {
	// GitShortCommit is the Git commit (short form) of the running runner
	// code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running runner code.
	Version string

	// UUID is the unique ID of the attempt.
	UUID string
	// Client and Server are the implementation names of the pair under test.
	Client string
	Server string
	// TestCase is the test case identifier.
	TestCase string
	// Category is the test case category (interop or measurement).
	Category string

	// StartTime is the time when the attempt was dispatched.
	StartTime time.Time
	// EndTime is the time when the attempt was finalized.
	EndTime time.Time

	Verdict   string
	ErrorCode string `json:",omitempty"`

	ClientExitCode int
	ServerExitCode int

	// BytesTransferred, Goodput and Efficiency are only set for successful
	// measurement attempts.
	BytesTransferred int64   `json:",omitempty"`
	Goodput          float64 `json:",omitempty"`
	Efficiency       float64 `json:",omitempty"`

	// CapturePath points at the pcap preserved for diagnostics.
	CapturePath string `json:",omitempty"`
}

// NewRunRecord flattens a finalized attempt into its archival record.
func NewRunRecord(a *RunAttempt, tc *TestCase, gitShortCommit string) RunRecord {
	r := RunRecord{
		GitShortCommit: gitShortCommit,
		Version:        version.Version,
		UUID:           a.ID,
		Client:         a.Client,
		Server:         a.Server,
		TestCase:       a.TestCase,
		Category:       string(spec.CategoryInterop),
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
		Verdict:        string(a.Verdict),
		ErrorCode:      string(a.Error),
		ClientExitCode: a.ClientExitCode,
		ServerExitCode: a.ServerExitCode,
		CapturePath:    a.CapturePath,
	}
	if tc != nil {
		r.Category = string(tc.Category)
	}
	if a.Sample != nil && !a.Sample.Flagged {
		r.BytesTransferred = a.Sample.Bytes
		r.Goodput = a.Sample.Goodput
		r.Efficiency = a.Sample.Efficiency
	}
	return r
}
