package trace

import (
	"encoding/binary"
	"errors"
)

// PacketType classifies a QUIC packet by its header, following the
// version-independent invariants (RFC 8999) plus the QUIC v1 long header
// type bits. Payloads stay encrypted; only header fields are inspected.
type PacketType string

const (
	TypeInitial            = PacketType("initial")
	TypeZeroRTT            = PacketType("0rtt")
	TypeHandshake          = PacketType("handshake")
	TypeRetry              = PacketType("retry")
	TypeVersionNegotiation = PacketType("version_negotiation")
	TypeOneRTT             = PacketType("1rtt")
	TypeUnknown            = PacketType("unknown")
)

// Packet is one QUIC packet observed on the link, in capture order.
type Packet struct {
	// Time is the capture timestamp of the enclosing datagram.
	TimeUS int64
	// FromClient is true for packets sent by the client side.
	FromClient bool
	// ClientPort is the client-side UDP port of the enclosing datagram,
	// used to detect path rebinding. Zero when unknown.
	ClientPort uint16
	// Size is the size of this packet in bytes, including the header. For
	// the last packet of a datagram it covers the rest of the datagram.
	Size int
	Type PacketType
	// Version is the long header version field, zero for short headers.
	Version uint32
	// DCID and SCID are the connection IDs from long headers. Short headers
	// omit the connection ID length, so DCID is empty for them.
	DCID []byte
	SCID []byte
	// TokenLength is the token length of an Initial packet, or the length
	// of the retry token carried by a Retry packet.
	TokenLength int
}

var errTruncated = errors.New("truncated QUIC header")

// readVarint decodes a QUIC variable-length integer.
func readVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errTruncated
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, 0, errTruncated
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length, nil
}

// ParseDatagram splits a UDP datagram into the QUIC packets coalesced into
// it. Undecodable trailing data yields a single "unknown" packet covering
// the remainder rather than an error: captures of misbehaving endpoints are
// exactly what this harness inspects.
func ParseDatagram(payload []byte, fromClient bool, timeUS int64) []Packet {
	var pkts []Packet
	rest := payload
	for len(rest) > 0 {
		pkt, consumed := parseOne(rest, fromClient, timeUS)
		pkts = append(pkts, pkt)
		if consumed <= 0 || consumed >= len(rest) {
			break
		}
		rest = rest[consumed:]
	}
	return pkts
}

// parseOne decodes one QUIC packet at the start of data. It returns the
// packet and the number of bytes it occupies; a zero consumed count means
// the packet extends to the end of the datagram.
func parseOne(data []byte, fromClient bool, timeUS int64) (Packet, int) {
	pkt := Packet{
		TimeUS:     timeUS,
		FromClient: fromClient,
		Size:       len(data),
		Type:       TypeUnknown,
	}
	if len(data) < 1 {
		return pkt, 0
	}
	first := data[0]
	if first&0x80 == 0 {
		// Short header: 1-RTT. The connection ID length is not carried on
		// the wire, so the packet consumes the rest of the datagram.
		pkt.Type = TypeOneRTT
		return pkt, 0
	}
	if len(data) < 7 {
		return pkt, 0
	}
	pkt.Version = binary.BigEndian.Uint32(data[1:5])

	// Connection IDs, common to all long header packets.
	off := 5
	dcidLen := int(data[off])
	off++
	if len(data) < off+dcidLen+1 {
		return pkt, 0
	}
	pkt.DCID = append([]byte(nil), data[off:off+dcidLen]...)
	off += dcidLen
	scidLen := int(data[off])
	off++
	if len(data) < off+scidLen {
		return pkt, 0
	}
	pkt.SCID = append([]byte(nil), data[off:off+scidLen]...)
	off += scidLen

	if pkt.Version == 0 {
		pkt.Type = TypeVersionNegotiation
		return pkt, 0
	}

	switch (first & 0x30) >> 4 {
	case 0:
		pkt.Type = TypeInitial
	case 1:
		pkt.Type = TypeZeroRTT
	case 2:
		pkt.Type = TypeHandshake
	case 3:
		pkt.Type = TypeRetry
		// The retry token runs to the end of the packet, minus the 16 byte
		// integrity tag.
		if n := len(data) - off - 16; n > 0 {
			pkt.TokenLength = n
		}
		return pkt, 0
	}

	if pkt.Type == TypeInitial {
		tokenLen, n, err := readVarint(data[off:])
		if err != nil {
			return pkt, 0
		}
		off += n
		if len(data) < off+int(tokenLen) {
			return pkt, 0
		}
		pkt.TokenLength = int(tokenLen)
		off += int(tokenLen)
	}

	// Initial, 0-RTT and Handshake carry an explicit length, which is what
	// makes coalescing parseable.
	payloadLen, n, err := readVarint(data[off:])
	if err != nil {
		return pkt, 0
	}
	off += n
	end := off + int(payloadLen)
	if end > len(data) {
		return pkt, 0
	}
	pkt.Size = end
	return pkt, end
}
