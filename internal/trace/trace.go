// Package trace decodes packet captures recorded on the sandbox link into a
// time-ordered sequence of QUIC packet events. Only header fields covered by
// the QUIC invariants are decoded; payloads remain opaque.
package trace

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrBrokenCapture is returned when the capture file cannot be decoded at
// all. Callers classify it as an infrastructure error, distinct from a
// protocol failure.
var ErrBrokenCapture = errors.New("capture cannot be decoded")

// Trace is the decoded capture of one attempt.
type Trace struct {
	// Packets is the time-ordered QUIC packet sequence.
	Packets []Packet
	// ClientBytes and ServerBytes are the total UDP payload bytes observed
	// in each direction.
	ClientBytes int64
	ServerBytes int64
}

// ParseFile reads a pcap file and extracts all QUIC packets exchanged with
// the given server UDP port. Datagrams sent towards serverPort count as
// client traffic, datagrams sent from it as server traffic; everything else
// on the link (ARP, DNS, NTP noise from the images) is ignored.
func ParseFile(path string, serverPort uint16) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenCapture, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenCapture, err)
	}

	tr := &Trace{}
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			// Truncated tails are expected for timed-out attempts where the
			// capture was cut mid-packet. Whatever was decoded so far is
			// still useful for diagnostics.
			break
		}
		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Lazy)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)

		var fromClient bool
		switch {
		case uint16(udp.DstPort) == serverPort:
			fromClient = true
		case uint16(udp.SrcPort) == serverPort:
			fromClient = false
		default:
			continue
		}

		payload := udp.Payload
		if len(payload) == 0 {
			continue
		}
		if fromClient {
			tr.ClientBytes += int64(len(payload))
		} else {
			tr.ServerBytes += int64(len(payload))
		}
		clientPort := uint16(udp.SrcPort)
		if !fromClient {
			clientPort = uint16(udp.DstPort)
		}
		pkts := ParseDatagram(payload, fromClient, ci.Timestamp.UnixMicro())
		for i := range pkts {
			pkts[i].ClientPort = clientPort
		}
		tr.Packets = append(tr.Packets, pkts...)
	}

	if len(tr.Packets) == 0 {
		return nil, fmt.Errorf("%w: no QUIC packets in %s", ErrBrokenCapture, path)
	}
	return tr, nil
}
