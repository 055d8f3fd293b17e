package sched_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quic-interop/satrunner/internal/sandbox"
	"github.com/quic-interop/satrunner/internal/sched"
	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// stubDriver records invocations per triple and fails on demand.
type stubDriver struct {
	mu    sync.Mutex
	calls map[string]int
	total int
	// fail returns the error to inject for a given triple, or nil.
	fail func(client, server, tc string) error
	// clientRuntime is copied into every attempt.
	clientRuntime time.Duration
}

func tripleKey(c, s, tc string) string { return c + "|" + s + "|" + tc }

func (d *stubDriver) Run(_ context.Context, client, server *model.Implementation,
	tc *model.TestCase, a *model.RunAttempt) error {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = map[string]int{}
	}
	d.calls[tripleKey(client.Name, server.Name, tc.ID)]++
	d.total++
	d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(client.Name, server.Name, tc.ID); err != nil {
			return err
		}
	}
	a.ClientRuntime = d.clientRuntime
	return nil
}

func (d *stubDriver) callCount(c, s, tc string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[tripleKey(c, s, tc)]
}

type stubLink struct {
	mu           sync.Mutex
	configures   int
	resets       int
	configureErr error
}

func (l *stubLink) Configure(context.Context, spec.LinkProfile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configures++
	return l.configureErr
}

func (l *stubLink) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
	return nil
}

type stubValidator struct {
	verdict func(client, server, tc string) (spec.Verdict, spec.ErrorCode)
}

func (v *stubValidator) Validate(tc *model.TestCase, a *model.RunAttempt) (spec.Verdict, spec.ErrorCode) {
	if v.verdict != nil {
		return v.verdict(a.Client, a.Server, tc.ID)
	}
	return spec.VerdictSucceeded, ""
}

func impls(names ...string) []model.Implementation {
	out := make([]model.Implementation, 0, len(names))
	for _, n := range names {
		out = append(out, model.Implementation{
			Name:      n,
			Image:     n + ":latest",
			Role:      model.RoleBoth,
			TestCases: []string{"handshake", "goodput"},
		})
	}
	return out
}

func handshakeCase() model.TestCase {
	return model.TestCase{
		ID:       "handshake",
		Category: spec.CategoryInterop,
		Check:    "handshake",
		Timeout:  time.Minute,
	}
}

func goodputCase() model.TestCase {
	return model.TestCase{
		ID:          "goodput",
		Category:    spec.CategoryMeasurement,
		Check:       "transfer",
		Timeout:     2 * time.Minute,
		Repetitions: 3,
		Profile:     "sat",
		FileSize:    10_000_000,
	}
}

func newScheduler(d sched.Driver, l sched.LinkController, v sched.Validator) *sched.Scheduler {
	return &sched.Scheduler{
		Driver:      d,
		Link:        l,
		Validator:   v,
		Workers:     4,
		SampleBytes: func(*model.RunAttempt) int64 { return 10_000_000 },
	}
}

func TestRunMatrix_EndToEnd(t *testing.T) {
	driver := &stubDriver{}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})

	matrix := s.RunMatrix(context.Background(),
		impls("quiche", "lsquic", "ngtcp2", "mvfst"),
		[]model.TestCase{handshakeCase()})

	// 4 clients x 4 servers x 1 test case.
	cells := matrix.Cells()
	if len(cells) != 16 {
		t.Fatalf("got %d cells, want 16", len(cells))
	}
	for _, c := range cells {
		if c.Verdict != spec.VerdictSucceeded {
			t.Errorf("cell %s/%s/%s: verdict = %v, want succeeded",
				c.Client, c.Server, c.TestCase, c.Verdict)
		}
	}
	if !matrix.Clean() {
		t.Error("matrix with only definitive verdicts must be clean")
	}
}

func TestRunMatrix_UnsupportedSkipsSandbox(t *testing.T) {
	driver := &stubDriver{}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})

	pair := impls("alpha", "beta")
	// beta's server side no longer declares handshake.
	pair[1].TestCases = []string{"goodput"}

	matrix := s.RunMatrix(context.Background(), pair,
		[]model.TestCase{handshakeCase()})

	for _, client := range []string{"alpha", "beta"} {
		cell := matrix.Cell(client, "beta", "handshake")
		if cell.Verdict != spec.VerdictUnsupported {
			t.Errorf("%s->beta: verdict = %v, want unsupported", client, cell.Verdict)
		}
		if got := driver.callCount(client, "beta", "handshake"); got != 0 {
			t.Errorf("%s->beta: sandbox created %d times, want 0", client, got)
		}
		cell = matrix.Cell(client, "alpha", "handshake")
		if cell.Verdict != spec.VerdictSucceeded {
			t.Errorf("%s->alpha: verdict = %v, want succeeded", client, cell.Verdict)
		}
	}
	if !matrix.Clean() {
		t.Error("unsupported is a definitive verdict; matrix must be clean")
	}
}

func TestRunMatrix_InfraErrorIsolatedAndRetried(t *testing.T) {
	boom := errors.New("sandbox failed to start")
	driver := &stubDriver{
		fail: func(client, server, tc string) error {
			if client == "alpha" && server == "alpha" {
				return boom
			}
			return nil
		},
	}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})

	matrix := s.RunMatrix(context.Background(), impls("alpha", "beta"),
		[]model.TestCase{handshakeCase()})

	bad := matrix.Cell("alpha", "alpha", "handshake")
	if bad.Verdict != spec.VerdictInfraError {
		t.Errorf("crashing triple: verdict = %v, want infra-error", bad.Verdict)
	}
	if want := 1 + spec.MaxInfraRetries; bad.Attempts != want {
		t.Errorf("crashing triple attempts = %d, want %d", bad.Attempts, want)
	}
	// The sibling triples are untouched by the crash.
	for _, cs := range [][2]string{{"alpha", "beta"}, {"beta", "alpha"}, {"beta", "beta"}} {
		cell := matrix.Cell(cs[0], cs[1], "handshake")
		if cell.Verdict != spec.VerdictSucceeded {
			t.Errorf("%s->%s: verdict = %v, want succeeded", cs[0], cs[1], cell.Verdict)
		}
	}
	if matrix.Clean() {
		t.Error("matrix with an infra-error cell must not be clean")
	}
}

func TestRunMatrix_ProtocolFailureNotRetried(t *testing.T) {
	driver := &stubDriver{}
	validator := &stubValidator{
		verdict: func(client, server, tc string) (spec.Verdict, spec.ErrorCode) {
			return spec.VerdictFailed, spec.ErrTooFewClientHellos
		},
	}
	s := newScheduler(driver, &stubLink{}, validator)

	matrix := s.RunMatrix(context.Background(), impls("alpha"),
		[]model.TestCase{handshakeCase()})

	cell := matrix.Cell("alpha", "alpha", "handshake")
	if cell.Verdict != spec.VerdictFailed {
		t.Fatalf("verdict = %v, want failed", cell.Verdict)
	}
	if cell.Attempts != 1 {
		t.Errorf("failed verdicts are meaningful results, got %d attempts, want 1",
			cell.Attempts)
	}
}

func TestRunMatrix_MeasurementSamples(t *testing.T) {
	driver := &stubDriver{clientRuntime: 40 * time.Second}
	link := &stubLink{}
	s := newScheduler(driver, link, &stubValidator{})

	matrix := s.RunMatrix(context.Background(), impls("alpha"),
		[]model.TestCase{goodputCase()})

	cell := matrix.Cell("alpha", "alpha", "goodput")
	if cell.Verdict != spec.VerdictSucceeded {
		t.Fatalf("verdict = %v, want succeeded", cell.Verdict)
	}
	if len(cell.Samples) != 3 || cell.Attempts != 3 {
		t.Fatalf("samples = %d, attempts = %d, want 3/3",
			len(cell.Samples), cell.Attempts)
	}
	if cell.Summary == nil || cell.Summary.Count != 3 {
		t.Fatalf("summary missing or wrong count: %+v", cell.Summary)
	}
	// 10 MB over 40 s on the 20 Mbit/s satellite forward link is 10%.
	if diff := cell.Summary.MeanEfficiency - 0.1; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("mean efficiency = %v, want 0.1", cell.Summary.MeanEfficiency)
	}
	// The link is configured and reset once per sample.
	if link.configures != 3 || link.resets != 3 {
		t.Errorf("link configures/resets = %d/%d, want 3/3",
			link.configures, link.resets)
	}
}

func TestRunMatrix_MeasurementTimeoutRetriedOnce(t *testing.T) {
	driver := &stubDriver{
		fail: func(client, server, tc string) error {
			return fmt.Errorf("wrapped: %w", sandbox.ErrTimeout)
		},
	}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})

	matrix := s.RunMatrix(context.Background(), impls("alpha"),
		[]model.TestCase{goodputCase()})
	cell := matrix.Cell("alpha", "alpha", "goodput")
	if cell.Verdict != spec.VerdictTimeout {
		t.Fatalf("verdict = %v, want timeout", cell.Verdict)
	}
	if cell.Attempts != 2 {
		t.Errorf("measurement timeout attempts = %d, want 2", cell.Attempts)
	}

	matrix = s.RunMatrix(context.Background(), impls("alpha"),
		[]model.TestCase{handshakeCase()})
	cell = matrix.Cell("alpha", "alpha", "handshake")
	if cell.Verdict != spec.VerdictTimeout {
		t.Fatalf("verdict = %v, want timeout", cell.Verdict)
	}
	if cell.Attempts != 1 {
		t.Errorf("interop timeout attempts = %d, want 1", cell.Attempts)
	}
}

func TestRunMatrix_LinkConfigureFailure(t *testing.T) {
	driver := &stubDriver{}
	link := &stubLink{configureErr: errors.New("control channel unreachable")}
	s := newScheduler(driver, link, &stubValidator{})

	matrix := s.RunMatrix(context.Background(), impls("alpha"),
		[]model.TestCase{handshakeCase()})
	cell := matrix.Cell("alpha", "alpha", "handshake")
	if cell.Verdict != spec.VerdictInfraError {
		t.Errorf("verdict = %v, want infra-error", cell.Verdict)
	}
	if driver.total != 0 {
		t.Errorf("sandbox must not start on an unconfigured link, got %d runs",
			driver.total)
	}
}

// blockingDriver parks every attempt on the context, the way a sandbox with
// two live containers does, and reports how the attempt was concluded.
type blockingDriver struct {
	started chan struct{}
	once    sync.Once
}

func (d *blockingDriver) Run(ctx context.Context, _, _ *model.Implementation,
	_ *model.TestCase, _ *model.RunAttempt) error {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("attempt aborted: %w", ctx.Err())
	}
	return fmt.Errorf("wrapped: %w", sandbox.ErrTimeout)
}

func TestRunMatrix_CancelMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := &blockingDriver{started: make(chan struct{})}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})
	go func() {
		<-driver.started
		cancel()
	}()

	matrix := s.RunMatrix(ctx, impls("alpha"), []model.TestCase{handshakeCase()})

	// An aborted attempt is not a timeout: the cell stays not-run and the
	// matrix must report an unclean run.
	cell := matrix.Cell("alpha", "alpha", "handshake")
	if cell.Verdict != spec.VerdictNotRun {
		t.Errorf("in-flight cell after cancellation: verdict = %v, want not-run",
			cell.Verdict)
	}
	if matrix.Clean() {
		t.Error("a matrix aborted mid-flight must not be clean")
	}
}

func TestRunMatrix_CancelMidMeasurement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := &blockingDriver{started: make(chan struct{})}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})
	go func() {
		<-driver.started
		cancel()
	}()

	matrix := s.RunMatrix(ctx, impls("alpha"), []model.TestCase{goodputCase()})

	cell := matrix.Cell("alpha", "alpha", "goodput")
	if cell.Verdict != spec.VerdictNotRun {
		t.Errorf("in-flight measurement after cancellation: verdict = %v, want not-run",
			cell.Verdict)
	}
	if matrix.Clean() {
		t.Error("a matrix aborted mid-measurement must not be clean")
	}
}

func TestRunMatrix_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := &stubDriver{}
	s := newScheduler(driver, &stubLink{}, &stubValidator{})
	matrix := s.RunMatrix(ctx, impls("alpha", "beta"),
		[]model.TestCase{handshakeCase()})

	for _, c := range matrix.Cells() {
		if c.Verdict != spec.VerdictNotRun {
			t.Errorf("cell %s/%s: verdict = %v, want not-run", c.Client, c.Server, c.Verdict)
		}
	}
	if matrix.Clean() {
		t.Error("a cancelled matrix must not be clean")
	}
}
