// Package validate decides the verdict of a run attempt by inspecting the
// captured traffic. Each test case maps to a named check procedure: a small
// state machine walking the time-ordered packet sequence and rejecting
// missing or out-of-order required events.
//
// The set of checks is a registry keyed by check name, so new test-case
// families plug in without touching the dispatcher.
package validate

import (
	"errors"

	"github.com/charmbracelet/log"
	"github.com/quic-interop/satrunner/internal/trace"
	"github.com/quic-interop/satrunner/pkg/interop/model"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// input carries everything a check procedure may inspect.
type input struct {
	tc     *model.TestCase
	tr     *trace.Trace
	logDir string
}

type checkFunc func(in *input) (spec.Verdict, spec.ErrorCode)

type checker struct {
	fn checkFunc
	// allowClientFailure marks checks where a non-zero client exit code is
	// the expected outcome, e.g. a deliberate incompatibility probe.
	allowClientFailure bool
}

var checkers = map[string]checker{
	"handshake":          {fn: checkHandshake},
	"transfer":           {fn: checkTransfer},
	"versionnegotiation": {fn: checkVersionNegotiation, allowClientFailure: true},
	"retry":              {fn: checkRetry},
	"resumption":         {fn: checkResumption},
	"zerortt":            {fn: checkZeroRTT},
	"keyupdate":          {fn: checkKeyUpdate},
	"multiplexing":       {fn: checkMultiplexing},
	"amplificationlimit": {fn: checkAmplificationLimit},
	"rebind-addr":        {fn: checkRebind},
	"blackhole":          {fn: checkBlackhole},
}

// Validator turns the execution facts of an attempt into a verdict. It never
// panics past this boundary: ambiguous captures degrade to failed and
// undecodable ones to infra-error.
type Validator struct {
	// ServerPort is the UDP port the server listens on inside the sandbox.
	ServerPort uint16
}

// New returns a Validator for the standard sandbox server port.
func New() *Validator {
	return &Validator{ServerPort: spec.ServerPort}
}

// Validate decodes the capture of the given attempt and runs the test case's
// check procedure over it.
func (v *Validator) Validate(tc *model.TestCase, a *model.RunAttempt) (spec.Verdict, spec.ErrorCode) {
	tr, err := trace.ParseFile(a.CapturePath, v.ServerPort)
	if err != nil {
		if errors.Is(err, trace.ErrBrokenCapture) {
			log.Warn("capture not decodable", "attempt", a.ID, "err", err)
			return spec.VerdictInfraError, spec.ErrBrokenPcap
		}
		return spec.VerdictInfraError, spec.ErrUnknown
	}
	return Evaluate(tc, tr, a.LogDir, a.ClientExitCode, a.ServerExitCode)
}

// Evaluate runs the check procedure of tc over an already decoded trace.
// Split out from Validate so checks can be exercised against synthetic
// packet sequences.
func Evaluate(tc *model.TestCase, tr *trace.Trace, logDir string,
	clientExit, serverExit int) (spec.Verdict, spec.ErrorCode) {
	c, ok := checkers[tc.Check]
	if !ok {
		log.Error("no check procedure registered", "testcase", tc.ID, "check", tc.Check)
		return spec.VerdictInfraError, spec.ErrUnknown
	}
	if serverExit != 0 {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	if clientExit != 0 && !c.allowClientFailure {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return c.fn(&input{tc: tc, tr: tr, logDir: logDir})
}
