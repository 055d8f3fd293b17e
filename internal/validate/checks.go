package validate

import (
	"encoding/hex"

	"github.com/quic-interop/satrunner/internal/trace"
	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

const (
	// amplificationFactor is the allowed ratio of server to client bytes
	// before the client's address is validated (RFC 9000, section 8).
	amplificationFactor = 3

	// maxKeyUpdates bounds how many key update events a well-behaved
	// endpoint may trigger during one short test.
	maxKeyUpdates = 16

	// blackholeQuietPeriod is the minimum traffic gap that proves the
	// emulated outage was applied during a blackhole test.
	blackholeQuietPeriodUS = int64(1_000_000)
)

// hasType reports whether the trace contains a packet of the given type in
// the given direction.
func hasType(tr *trace.Trace, fromClient bool, t trace.PacketType) bool {
	for _, p := range tr.Packets {
		if p.FromClient == fromClient && p.Type == t {
			return true
		}
	}
	return false
}

// clientConnectionIDs returns the distinct DCIDs of client Initial packets,
// in order of first appearance. Each distinct DCID marks one connection
// attempt (retransmissions reuse the DCID).
func clientConnectionIDs(tr *trace.Trace) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range tr.Packets {
		if !p.FromClient || p.Type != trace.TypeInitial {
			continue
		}
		id := hex.EncodeToString(p.DCID)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// checkFiles compares the server's www tree against the client's downloads.
// It is a no-op when the attempt has no artifact directory, which lets the
// packet-level state machines be exercised in isolation.
func checkFiles(in *input) (spec.Verdict, spec.ErrorCode) {
	if in.logDir == "" {
		return spec.VerdictSucceeded, ""
	}
	if code := compareDownloads(in.logDir); code != "" {
		return spec.VerdictFailed, code
	}
	return spec.VerdictSucceeded, ""
}

// checkHandshake verifies that a single connection was established: the
// client sent at least one Initial, the handshake completed and application
// data flowed in both directions, with no version negotiation interfering.
func checkHandshake(in *input) (spec.Verdict, spec.ErrorCode) {
	if len(clientConnectionIDs(in.tr)) == 0 {
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	if hasType(in.tr, false, trace.TypeVersionNegotiation) {
		return spec.VerdictFailed, spec.ErrUnexpectedVersionNeg
	}
	if !hasType(in.tr, true, trace.TypeOneRTT) || !hasType(in.tr, false, trace.TypeOneRTT) {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return spec.VerdictSucceeded, ""
}

func checkTransfer(in *input) (spec.Verdict, spec.ErrorCode) {
	if v, code := checkHandshake(in); v != spec.VerdictSucceeded {
		return v, code
	}
	return checkFiles(in)
}

// checkVersionNegotiation expects the client to offer a reserved version and
// the server to answer with exactly one Version Negotiation packet before
// any other packet. The client must not establish a connection afterwards.
func checkVersionNegotiation(in *input) (spec.Verdict, spec.ErrorCode) {
	sawClientInitial := false
	vnegCount := 0
	for _, p := range in.tr.Packets {
		if p.FromClient {
			if p.Type == trace.TypeInitial {
				sawClientInitial = true
			}
			if p.Type == trace.TypeOneRTT {
				// The client went on despite the negotiation answer.
				return spec.VerdictFailed, spec.ErrUnknown
			}
			continue
		}
		if p.Type == trace.TypeVersionNegotiation {
			vnegCount++
			continue
		}
		if vnegCount == 0 {
			// Some other server packet preceded the negotiation answer.
			return spec.VerdictFailed, spec.ErrUnexpectedVersionNeg
		}
	}
	if !sawClientInitial {
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	if vnegCount != 1 {
		return spec.VerdictFailed, spec.ErrUnexpectedVersionNeg
	}
	return spec.VerdictSucceeded, ""
}

// checkRetry walks the retry exchange: first client Initial without token,
// server answers with a Retry carrying a token, and the client's following
// Initial echoes a token.
func checkRetry(in *input) (spec.Verdict, spec.ErrorCode) {
	const (
		wantFirstInitial = iota
		wantRetry
		wantTokenInitial
		done
	)
	state := wantFirstInitial
	for _, p := range in.tr.Packets {
		switch state {
		case wantFirstInitial:
			if p.FromClient && p.Type == trace.TypeInitial {
				if p.TokenLength != 0 {
					// A token on the very first Initial means the client
					// skipped the retry round trip.
					return spec.VerdictFailed, spec.ErrRetryWithoutToken
				}
				state = wantRetry
			}
		case wantRetry:
			if p.FromClient {
				continue
			}
			if p.Type != trace.TypeRetry {
				return spec.VerdictFailed, spec.ErrNoRetryPacket
			}
			if p.TokenLength == 0 {
				return spec.VerdictFailed, spec.ErrRetryWithoutToken
			}
			state = wantTokenInitial
		case wantTokenInitial:
			if p.FromClient && p.Type == trace.TypeInitial && p.TokenLength > 0 {
				state = done
			}
		}
	}
	switch state {
	case wantFirstInitial:
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	case wantRetry:
		return spec.VerdictFailed, spec.ErrNoRetryPacket
	case wantTokenInitial:
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	if !hasType(in.tr, true, trace.TypeOneRTT) || !hasType(in.tr, false, trace.TypeOneRTT) {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return checkFiles(in)
}

// checkResumption expects two connections: a full first handshake and a
// second one resumed with a session ticket. Distinct client Initial DCIDs
// mark the connection boundaries.
func checkResumption(in *input) (spec.Verdict, spec.ErrorCode) {
	if len(clientConnectionIDs(in.tr)) < 2 {
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	if !hasType(in.tr, true, trace.TypeOneRTT) || !hasType(in.tr, false, trace.TypeOneRTT) {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return checkFiles(in)
}

// checkZeroRTT is resumption plus early data: the second connection must
// carry at least one 0-RTT packet from the client.
func checkZeroRTT(in *input) (spec.Verdict, spec.ErrorCode) {
	if v, code := checkResumption(in); v != spec.VerdictSucceeded {
		return v, code
	}
	if !hasType(in.tr, true, trace.TypeZeroRTT) {
		return spec.VerdictFailed, spec.ErrNoZeroRTTData
	}
	return spec.VerdictSucceeded, ""
}

// checkKeyUpdate verifies that between one and maxKeyUpdates key updates
// happened. The key phase bit is header-protected and invisible in the
// trace, so the count comes from the client's qlog.
func checkKeyUpdate(in *input) (spec.Verdict, spec.ErrorCode) {
	if v, code := checkTransfer(in); v != spec.VerdictSucceeded {
		return v, code
	}
	if in.logDir == "" {
		return spec.VerdictSucceeded, ""
	}
	n, err := countKeyUpdates(in.logDir)
	if err != nil {
		// Without a qlog the property cannot be evaluated either way.
		return spec.VerdictInfraError, spec.ErrUnknown
	}
	if n < 1 || n > maxKeyUpdates {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return spec.VerdictSucceeded, ""
}

// checkMultiplexing expects all requested files to be transferred over a
// single connection.
func checkMultiplexing(in *input) (spec.Verdict, spec.ErrorCode) {
	if len(clientConnectionIDs(in.tr)) != 1 {
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	if !hasType(in.tr, true, trace.TypeOneRTT) || !hasType(in.tr, false, trace.TypeOneRTT) {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return checkFiles(in)
}

// checkAmplificationLimit verifies that the server never sent more than
// amplificationFactor times the bytes received from the client before the
// client's first 1-RTT packet validated the path.
func checkAmplificationLimit(in *input) (spec.Verdict, spec.ErrorCode) {
	var clientBytes, serverBytes int64
	for _, p := range in.tr.Packets {
		if p.FromClient {
			if p.Type == trace.TypeOneRTT {
				break
			}
			clientBytes += int64(p.Size)
			continue
		}
		serverBytes += int64(p.Size)
		if serverBytes > amplificationFactor*clientBytes {
			return spec.VerdictFailed, spec.ErrAmplification
		}
	}
	if clientBytes == 0 {
		return spec.VerdictFailed, spec.ErrTooFewClientHellos
	}
	return checkFiles(in)
}

// checkRebind expects the client's source address to change mid-connection
// (NAT rebinding) and the server to keep sending to the new path.
func checkRebind(in *input) (spec.Verdict, spec.ErrorCode) {
	if v, code := checkHandshake(in); v != spec.VerdictSucceeded {
		return v, code
	}
	var firstPort, newPort uint16
	serverFollowed := false
	for _, p := range in.tr.Packets {
		if p.ClientPort == 0 {
			continue
		}
		if p.FromClient {
			if firstPort == 0 {
				firstPort = p.ClientPort
			} else if p.ClientPort != firstPort {
				newPort = p.ClientPort
			}
			continue
		}
		if newPort != 0 && p.ClientPort == newPort {
			serverFollowed = true
		}
	}
	if newPort == 0 {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	if !serverFollowed {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return checkFiles(in)
}

// checkBlackhole expects the transfer to survive a mid-transfer outage: a
// quiet period must be visible in the trace, traffic must resume after it
// and the transfer must still complete.
func checkBlackhole(in *input) (spec.Verdict, spec.ErrorCode) {
	var gapAt int
	for i := 1; i < len(in.tr.Packets); i++ {
		if in.tr.Packets[i].TimeUS-in.tr.Packets[i-1].TimeUS >= blackholeQuietPeriodUS {
			gapAt = i
			break
		}
	}
	if gapAt == 0 {
		// The emulated outage never materialized on the link.
		return spec.VerdictInfraError, spec.ErrUnknown
	}
	if gapAt == len(in.tr.Packets)-1 && in.tr.Packets[gapAt].FromClient {
		return spec.VerdictFailed, spec.ErrUnknown
	}
	return checkFiles(in)
}
