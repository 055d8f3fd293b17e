// Package sched enumerates and executes the (client, server, test case)
// matrix: it dispatches triples to a bounded worker pool, serializes access
// to the shared link emulation state, retries transient infrastructure
// faults and assembles the result matrix. One triple's crash must never
// corrupt or abort the rest of the matrix; the scheduler is the single
// place that decides retry versus final surface.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/quic-interop/satrunner/internal/sandbox"
	"github.com/quic-interop/satrunner/internal/stats"
	"github.com/quic-interop/satrunner/internal/validate"
	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// Driver executes one sandboxed attempt and fills in its execution facts.
// A sandbox.ErrTimeout return marks a timed-out attempt; any other error is
// an infrastructure failure.
type Driver interface {
	Run(ctx context.Context, client, server *model.Implementation,
		tc *model.TestCase, a *model.RunAttempt) error
}

// LinkController configures the shared emulated link. Its state is a single
// shared mutable resource; the scheduler serializes access to it.
type LinkController interface {
	Configure(ctx context.Context, profile spec.LinkProfile) error
	Reset(ctx context.Context) error
}

// Validator turns a finished attempt into a verdict.
type Validator interface {
	Validate(tc *model.TestCase, a *model.RunAttempt) (spec.Verdict, spec.ErrorCode)
}

// Recorder persists finalized attempts for longitudinal analysis. Recording
// failures are logged, never propagated: history is best effort, verdicts
// are not.
type Recorder interface {
	Record(rec model.RunRecord)
}

// Scheduler runs the whole matrix.
type Scheduler struct {
	Driver    Driver
	Link      LinkController
	Validator Validator
	// Recorder is optional.
	Recorder Recorder

	// Workers bounds how many triples execute concurrently.
	Workers int

	// GitShortCommit tags archival records.
	GitShortCommit string

	// SampleBytes reports the payload bytes transferred during a
	// measurement attempt. Defaults to summing the attempt's downloads
	// directory.
	SampleBytes func(a *model.RunAttempt) int64

	linkMu sync.Mutex
}

// RunMatrix executes every triple derivable from the given implementations
// and test cases and returns the fully populated matrix. Every cell gets
// exactly one verdict: cells skipped by cancellation are not-run, never
// absent.
func (s *Scheduler) RunMatrix(ctx context.Context, impls []model.Implementation,
	tests []model.TestCase) *model.ResultMatrix {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.SampleBytes == nil {
		s.SampleBytes = func(a *model.RunAttempt) int64 {
			return validate.DownloadedBytes(a.LogDir)
		}
	}

	var clients, servers []*model.Implementation
	var clientNames, serverNames []string
	for i := range impls {
		impl := &impls[i]
		if impl.SupportsRole(model.RoleClient) {
			clients = append(clients, impl)
			clientNames = append(clientNames, impl.Name)
		}
		if impl.SupportsRole(model.RoleServer) {
			servers = append(servers, impl)
			serverNames = append(serverNames, impl.Name)
		}
	}

	matrix := model.NewResultMatrix(clientNames, serverNames, tests)
	matrix.StartTime = time.Now()
	defer func() { matrix.EndTime = time.Now() }()

	sem := make(chan struct{}, s.Workers)
	var wg sync.WaitGroup
	for ci, client := range clients {
		for si, server := range servers {
			for ti := range tests {
				cell := matrix.CellAt(ci, si, ti)
				tc := &tests[ti]

				// Capability check happens before any resources are
				// committed: no sandbox is ever created for an unsupported
				// triple.
				if !client.Supports(tc.ID) || !server.Supports(tc.ID) {
					cell.Verdict = spec.VerdictUnsupported
					cell.Error = spec.ErrUnsupportedTestCase
					attemptsTotal.WithLabelValues(string(spec.VerdictUnsupported)).Inc()
					continue
				}

				if ctx.Err() != nil {
					// Cancelled: the pre-filled not-run verdict stands.
					continue
				}

				wg.Add(1)
				client, server := client, server
				go func() {
					defer wg.Done()
					select {
					case sem <- struct{}{}:
						defer func() { <-sem }()
					case <-ctx.Done():
						return
					}
					s.runTriple(ctx, client, server, tc, cell)
				}()
			}
		}
	}
	wg.Wait()
	return matrix
}

// runTriple produces the final verdict for one cell. The cell slot is owned
// exclusively by this goroutine.
func (s *Scheduler) runTriple(ctx context.Context, client, server *model.Implementation,
	tc *model.TestCase, cell *model.Cell) {
	defer func() {
		// A panic below would otherwise take down sibling triples with it.
		if r := recover(); r != nil {
			log.Error("triple panicked", "client", client.Name, "server", server.Name,
				"testcase", tc.ID, "panic", r)
			cell.Verdict = spec.VerdictInfraError
			cell.Error = spec.ErrUnknown
		}
		attemptsTotal.WithLabelValues(string(cell.Verdict)).Inc()
	}()

	if tc.Measurement() {
		s.runMeasurement(ctx, client, server, tc, cell)
		return
	}

	for retries := 0; ; retries++ {
		a := s.runAttempt(ctx, client, server, tc)
		cell.Attempts++
		if a.Verdict == spec.VerdictNotRun {
			// Cancelled mid-flight: the pre-filled not-run verdict stands and
			// the matrix stays unclean.
			return
		}
		if a.Verdict == spec.VerdictInfraError && retries < spec.MaxInfraRetries && ctx.Err() == nil {
			log.Warn("retrying after infrastructure error", "client", client.Name,
				"server", server.Name, "testcase", tc.ID, "attempt", retries+1)
			continue
		}
		cell.Verdict = a.Verdict
		cell.Error = a.Error
		return
	}
}

// runMeasurement runs the repeated samples of a measurement triple strictly
// in sequence: sample N+1's sandbox is only set up after sample N's full
// teardown, so repeated runs never contend for bandwidth with themselves.
func (s *Scheduler) runMeasurement(ctx context.Context, client, server *model.Implementation,
	tc *model.TestCase, cell *model.Cell) {
	reps := tc.Repetitions
	if reps <= 0 {
		reps = 1
	}

	retriedTimeout := false
	infraRetries := 0
	for len(cell.Samples) < reps {
		if ctx.Err() != nil {
			cell.Verdict = spec.VerdictNotRun
			return
		}
		a := s.runAttempt(ctx, client, server, tc)
		cell.Attempts++

		switch a.Verdict {
		case spec.VerdictSucceeded:
			if a.Sample == nil {
				a.Sample = &model.MeasurementSample{Flagged: true, Error: spec.ErrUnknown}
			}
			if a.Sample.Flagged {
				log.Warn("sample flagged", "attempt", a.ID, "err", a.Sample.Error)
			}
			cell.Samples = append(cell.Samples, *a.Sample)
		case spec.VerdictTimeout:
			// Timing jitter on a 600 ms RTT link is common; one more try.
			if !retriedTimeout {
				retriedTimeout = true
				continue
			}
			cell.Verdict = a.Verdict
			cell.Error = a.Error
			return
		case spec.VerdictInfraError:
			if infraRetries < spec.MaxInfraRetries {
				infraRetries++
				continue
			}
			cell.Verdict = a.Verdict
			cell.Error = a.Error
			return
		default:
			cell.Verdict = a.Verdict
			cell.Error = a.Error
			return
		}
	}
	summary := stats.Aggregate(cell.Samples)
	cell.Summary = &summary
	cell.Verdict = spec.VerdictSucceeded
}

// runAttempt executes one attempt end to end: link configuration, sandboxed
// execution, link reset, validation, archival. It always returns a
// finalized attempt and never panics through.
func (s *Scheduler) runAttempt(ctx context.Context, client, server *model.Implementation,
	tc *model.TestCase) *model.RunAttempt {
	a := &model.RunAttempt{
		ID:       uuid.NewString(),
		Client:   client.Name,
		Server:   server.Name,
		TestCase: tc.ID,
	}
	a.StartTime = time.Now()
	defer func() {
		attemptDuration.Observe(time.Since(a.StartTime).Seconds())
		s.record(a, tc)
	}()
	inflight.Inc()
	defer inflight.Dec()

	// The link state is shared across all workers: configuration is a
	// critical section even though execution is not.
	s.linkMu.Lock()
	err := s.Link.Configure(ctx, tc.LinkProfile())
	s.linkMu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.Verdict = spec.VerdictNotRun
			return a
		}
		log.Error("link configuration failed", "attempt", a.ID, "err", err)
		a.Verdict = spec.VerdictInfraError
		a.Error = spec.ErrUnknown
		return a
	}
	defer func() {
		// Reset runs regardless of the attempt's outcome: a leftover
		// profile would silently skew every following measurement.
		resetCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.linkMu.Lock()
		if err := s.Link.Reset(resetCtx); err != nil {
			log.Warn("link reset failed", "attempt", a.ID, "err", err)
		}
		s.linkMu.Unlock()
	}()

	err = s.Driver.Run(ctx, client, server, tc, a)
	switch {
	case errors.Is(err, context.Canceled):
		// Matrix abort, not a fact about this triple.
		a.Verdict = spec.VerdictNotRun
		return a
	case errors.Is(err, sandbox.ErrTimeout):
		a.Verdict = spec.VerdictTimeout
		a.Error = spec.ErrTimeout
		return a
	case err != nil:
		log.Error("sandbox failure", "attempt", a.ID, "client", client.Name,
			"server", server.Name, "testcase", tc.ID, "err", err)
		a.Verdict = spec.VerdictInfraError
		a.Error = spec.ErrUnknown
		return a
	}

	a.Verdict, a.Error = s.Validator.Validate(tc, a)

	if tc.Measurement() && a.Verdict == spec.VerdictSucceeded {
		duration := a.ClientRuntime
		if duration == 0 {
			duration = time.Since(a.StartTime)
		}
		sample := model.NewSample(s.SampleBytes(a), duration, tc.LinkProfile())
		a.Sample = &sample
	}
	return a
}

func (s *Scheduler) record(a *model.RunAttempt, tc *model.TestCase) {
	if a.EndTime.IsZero() {
		a.EndTime = time.Now()
	}
	if s.Recorder == nil {
		return
	}
	s.Recorder.Record(model.NewRunRecord(a, tc, s.GitShortCommit))
}
