// Package spec contains constants shared by the interop matrix runner: the
// verdict and error-code strings exposed in the exported artifact, the
// standardized environment contract for implementation containers, and the
// emulated link profiles.
package spec

import "time"

// Verdict is the final categorical outcome of a (client, server, test case)
// cell or of a single run attempt.
type Verdict string

// Verdict strings are part of the external artifact contract: the dashboard
// keys its client-side filtering on them, so they must be stable across runs.
const (
	VerdictSucceeded   = Verdict("succeeded")
	VerdictFailed      = Verdict("failed")
	VerdictUnsupported = Verdict("unsupported")
	VerdictTimeout     = Verdict("timeout")
	VerdictInfraError  = Verdict("infra-error")
	VerdictNotRun      = Verdict("not-run")
)

// Definitive reports whether the verdict is a meaningful result rather than
// an infrastructure fault. The process exit code contract depends on every
// cell being definitive.
func (v Verdict) Definitive() bool {
	switch v {
	case VerdictSucceeded, VerdictFailed, VerdictUnsupported, VerdictTimeout:
		return true
	}
	return false
}

// ErrorCode gives diagnostic context for failed and infra-error verdicts.
// It is attached to the exported cell but is not part of the verdict
// taxonomy.
type ErrorCode string

const (
	ErrUnsupportedTestCase        = ErrorCode("UNSUPPORTED_TEST_CASE")
	ErrTimeout                    = ErrorCode("TIMEOUT")
	ErrNoRetryPacket              = ErrorCode("NO_RETRY_PACKET")
	ErrRetryWithoutToken          = ErrorCode("RETRY_PACKET_WITHOUT_RETRY_TOKEN")
	ErrUnexpectedVersionNeg       = ErrorCode("UNEXPECTED_VERSION_NEGOTIATION_PACKET")
	ErrTooFewClientHellos         = ErrorCode("TOO_LESS_CLIENT_HELLOS")
	ErrAmplification              = ErrorCode("AMPLIFICATION_ERROR")
	ErrNoZeroRTTData              = ErrorCode("NO_0RTT_DATA")
	ErrMissingDownloadedFiles     = ErrorCode("MISSING_DOWNLOADED_FILES")
	ErrDownloadedFileSizeMismatch = ErrorCode("DOWNLOADED_FILE_SIZE_MISSMATCH")
	ErrDownloadedFileMismatch     = ErrorCode("DOWNLOADED_FILE_CONTENT_MISSMATCH")
	ErrBrokenPcap                 = ErrorCode("BROKEN_PCAP")
	ErrNoTimeDifference           = ErrorCode("NO_TIME_DIFFERENCE")
	ErrUnknown                    = ErrorCode("UNKNOWN_ERROR")
)

// Category partitions test cases into interoperability checks and
// link-efficiency measurements.
type Category string

const (
	CategoryInterop     = Category("interop")
	CategoryMeasurement = Category("measurement")
)

// Environment variable names of the implementation container contract. Every
// implementation image is expected to read its role and parameters from
// these, matching the quic-interop-runner convention.
const (
	EnvRole          = "ROLE"
	EnvCertsDir      = "CERTS"
	EnvTestCase      = "TESTCASE"
	EnvRequests      = "REQUESTS"
	EnvServerName    = "SERVER"
	EnvServerPort    = "PORT"
	EnvVersion       = "VERSION"
	EnvWWWDir        = "WWW"
	EnvDownloadsDir  = "DOWNLOADS"
	EnvLogsDir       = "LOGS"
	EnvSSLKeyLogFile = "SSLKEYLOGFILE"
	EnvQlogDir       = "QLOGDIR"
)

// Paths inside implementation containers.
const (
	WWWPath       = "/www"
	DownloadsPath = "/downloads"
	LogsPath      = "/logs"
	CertsPath     = "/certs"
	QlogPath      = "/logs/qlog"
	KeyLogFile    = "/logs/keys.log"

	// ServerPort is the UDP port servers must listen on inside the sandbox.
	ServerPort = 443
)

// Default bounds for a single attempt.
const (
	// DefaultTestTimeout bounds one interop attempt end to end.
	DefaultTestTimeout = 2 * time.Minute

	// ReadinessTimeout bounds the wait for the server container to reach the
	// running state before the client is started.
	ReadinessTimeout = 30 * time.Second

	// TeardownTimeout bounds the stop of a single container during teardown.
	// After it the container is killed.
	TeardownTimeout = 5 * time.Second

	// MaxInfraRetries is how often a triple is re-attempted after an
	// infra-error verdict before the error is surfaced.
	MaxInfraRetries = 3
)

// LinkProfile is the set of emulated network parameters applied to the
// forward (server to client) and return (client to server) path of the
// virtual link for one attempt.
type LinkProfile struct {
	Name string
	// ForwardBandwidth and ReturnBandwidth are in bits per second. Zero
	// means unshaped.
	ForwardBandwidth int64
	ReturnBandwidth  int64
	// Delay is the one-way delay added in each direction.
	Delay time.Duration
	// LossPercent is the random loss rate in percent, applied in both
	// directions.
	LossPercent float64
}

// Shaped reports whether the profile constrains the link at all. Unshaped
// profiles let the controller skip the remote round-trip entirely.
func (p LinkProfile) Shaped() bool {
	return p.ForwardBandwidth != 0 || p.ReturnBandwidth != 0 ||
		p.Delay != 0 || p.LossPercent != 0
}

// Link profiles of the satellite edition. The satellite path is asymmetric
// (20 Mbit/s forward, 2 Mbit/s return) with a 300 ms one-way propagation
// delay, i.e. a 600 ms RTT.
var (
	ProfileBaseline = LinkProfile{Name: "baseline"}

	ProfileSat = LinkProfile{
		Name:             "sat",
		ForwardBandwidth: 20_000_000,
		ReturnBandwidth:  2_000_000,
		Delay:            300 * time.Millisecond,
	}

	ProfileSatLoss = LinkProfile{
		Name:             "satloss",
		ForwardBandwidth: 20_000_000,
		ReturnBandwidth:  2_000_000,
		Delay:            300 * time.Millisecond,
		LossPercent:      1,
	}
)

// ProfileByName resolves a profile name from a test case declaration. The
// empty name maps to the baseline profile.
func ProfileByName(name string) (LinkProfile, bool) {
	switch name {
	case "", ProfileBaseline.Name:
		return ProfileBaseline, true
	case ProfileSat.Name:
		return ProfileSat, true
	case ProfileSatLoss.Name:
		return ProfileSatLoss, true
	}
	return LinkProfile{}, false
}
