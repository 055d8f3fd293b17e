// Package model contains the data model of the interop matrix runner:
// implementation declarations, test case definitions, run attempts and the
// result matrix handed to the exporter.
package model

import (
	"time"

	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// Role is an endpoint role an implementation can take in an attempt.
type Role string

const (
	RoleClient = Role("client")
	RoleServer = Role("server")
	RoleBoth   = Role("both")
)

// Implementation identifies one protocol endpoint implementation. It is
// loaded from static configuration at process start and immutable afterwards.
type Implementation struct {
	// Name is the unique name of the implementation.
	Name string `yaml:"name"`
	// Image is the container image reference to invoke it.
	Image string `yaml:"image"`
	// Role declares whether the implementation can act as client, server or
	// both.
	Role Role `yaml:"role"`
	// TestCases is the set of test case identifiers the implementation
	// declares support for.
	TestCases []string `yaml:"testcases"`
}

// SupportsRole reports whether the implementation declares the given role.
func (i *Implementation) SupportsRole(r Role) bool {
	return i.Role == r || i.Role == RoleBoth
}

// Supports reports whether the implementation declares support for the test
// case with the given identifier.
func (i *Implementation) Supports(id string) bool {
	for _, tc := range i.TestCases {
		if tc == id {
			return true
		}
	}
	return false
}

// TestCase is a named protocol scenario. Test cases are static and loaded at
// process start.
type TestCase struct {
	// ID identifies the test case towards implementations (TESTCASE env
	// variable) and in the exported artifact.
	ID string
	// Category is either interop or measurement.
	Category spec.Category
	// Check names the validation procedure run over the capture.
	Check string
	// Timeout bounds one attempt of this test case end to end.
	Timeout time.Duration
	// Repetitions is the required number of repeated runs. It is 1 for
	// interop cases and >1 for measurement cases.
	Repetitions int
	// Profile names the link profile to apply before each attempt. Empty
	// means the unshaped baseline.
	Profile string
	// FileSize is the size in bytes of each file served by the server for
	// transfer-style cases.
	FileSize int64
	// FileCount is the number of files the client is asked to download.
	FileCount int
}

// Measurement reports whether this is a measurement case.
func (tc *TestCase) Measurement() bool {
	return tc.Category == spec.CategoryMeasurement
}

// LinkProfile resolves the declared link profile. Unknown names fall back to
// the baseline so that a bad registry entry cannot shape the link by
// accident.
func (tc *TestCase) LinkProfile() spec.LinkProfile {
	p, ok := spec.ProfileByName(tc.Profile)
	if !ok {
		return spec.ProfileBaseline
	}
	return p
}

// MeasurementSample is the outcome of one successful measurement attempt.
type MeasurementSample struct {
	// Bytes is the number of useful payload bytes transferred.
	Bytes int64
	// Duration is the wall-clock duration of the transfer.
	Duration time.Duration
	// Goodput is Bytes divided by Duration, in bytes per second.
	Goodput float64
	// Efficiency is Goodput normalized against the nominal forward-link
	// capacity of the applied profile, in [0, 1] for a well-behaved link.
	Efficiency float64
	// Flagged marks a sample excluded from aggregation, e.g. because of a
	// non-positive duration. Flagged samples stay in the raw records.
	Flagged bool
	// Error carries the sample-level error code when Flagged is true.
	Error spec.ErrorCode
}

// NewSample derives goodput and efficiency from raw transfer facts. Samples
// with a non-positive duration are flagged as clock anomalies instead of
// being dropped.
func NewSample(bytes int64, duration time.Duration, profile spec.LinkProfile) MeasurementSample {
	s := MeasurementSample{Bytes: bytes, Duration: duration}
	if duration <= 0 {
		s.Flagged = true
		s.Error = spec.ErrNoTimeDifference
		return s
	}
	s.Goodput = float64(bytes) / duration.Seconds()
	if profile.ForwardBandwidth > 0 {
		// ForwardBandwidth is in bits per second, goodput in bytes.
		s.Efficiency = s.Goodput / (float64(profile.ForwardBandwidth) / 8)
	}
	return s
}

// StatSummary is the statistical summary over the samples of one measurement
// cell. StdDev and the confidence bounds are nil when fewer than two usable
// samples exist: undefined is not the same as zero, and the exporter must be
// able to tell them apart.
type StatSummary struct {
	Count          int
	MeanEfficiency float64
	StdDev         *float64
	CILow          *float64
	CIHigh         *float64
}

// RunAttempt is one execution of a (client, server, test case) triple. It is
// created by the scheduler at dispatch time; the sandbox driver fills in the
// execution facts and the validator and aggregator fill in verdict and
// sample. Once finalized it is immutable.
type RunAttempt struct {
	// ID is the unique id of this attempt.
	ID string
	// Client and Server are implementation names.
	Client string
	Server string
	// TestCase is the test case identifier.
	TestCase string

	StartTime time.Time
	EndTime   time.Time

	// ClientRuntime is the wall-clock time between client start and client
	// exit, excluding sandbox setup. It is the duration base of measurement
	// samples.
	ClientRuntime time.Duration

	// ClientExitCode and ServerExitCode are the container exit codes. They
	// are -1 when the endpoint was killed before exiting on its own.
	ClientExitCode int
	ServerExitCode int

	// CapturePath is the path to the pcap recorded on the virtual link.
	CapturePath string
	// LogDir is the attempt's artifact directory.
	LogDir string

	Verdict spec.Verdict
	Error   spec.ErrorCode
	Sample  *MeasurementSample
}
