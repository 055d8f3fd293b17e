package trace_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/m-lab/go/rtx"
	"github.com/quic-interop/satrunner/internal/trace"
)

// buildLongHeader assembles a QUIC v1 long header packet of the given type
// with an explicit length field covering payloadLen bytes of zeroes.
func buildLongHeader(packetType byte, token []byte, payloadLen int) []byte {
	var b bytes.Buffer
	b.WriteByte(0xc0 | packetType<<4)
	b.Write([]byte{0, 0, 0, 1}) // version 1
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{8, 7, 6, 5}
	b.WriteByte(byte(len(dcid)))
	b.Write(dcid)
	b.WriteByte(byte(len(scid)))
	b.Write(scid)
	if packetType == 0 { // Initial carries a token
		b.WriteByte(byte(len(token))) // single-byte varint for short tokens
		b.Write(token)
	}
	b.WriteByte(0x40) // two-byte varint follows
	b.WriteByte(byte(payloadLen))
	b.Write(make([]byte, payloadLen))
	return b.Bytes()
}

func TestParseDatagram_Initial(t *testing.T) {
	data := buildLongHeader(0, []byte("tok"), 20)
	pkts := trace.ParseDatagram(data, true, 0)
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	p := pkts[0]
	if p.Type != trace.TypeInitial {
		t.Errorf("type = %v, want initial", p.Type)
	}
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}
	if p.TokenLength != 3 {
		t.Errorf("token length = %d, want 3", p.TokenLength)
	}
	if len(p.DCID) != 8 || len(p.SCID) != 4 {
		t.Errorf("cid lengths = %d/%d, want 8/4", len(p.DCID), len(p.SCID))
	}
}

func TestParseDatagram_Coalesced(t *testing.T) {
	// An Initial coalesced with a Handshake packet, a common pattern for
	// the server's first flight.
	data := append(buildLongHeader(0, nil, 16), buildLongHeader(2, nil, 24)...)
	pkts := trace.ParseDatagram(data, false, 0)
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}
	if pkts[0].Type != trace.TypeInitial || pkts[1].Type != trace.TypeHandshake {
		t.Errorf("types = %v/%v, want initial/handshake", pkts[0].Type, pkts[1].Type)
	}
}

func TestParseDatagram_VersionNegotiation(t *testing.T) {
	var b bytes.Buffer
	b.WriteByte(0x80)
	b.Write([]byte{0, 0, 0, 0}) // version 0 marks version negotiation
	b.WriteByte(4)
	b.Write([]byte{1, 2, 3, 4})
	b.WriteByte(4)
	b.Write([]byte{4, 3, 2, 1})
	b.Write([]byte{0, 0, 0, 1, 0xff, 0, 0, 29}) // supported versions
	pkts := trace.ParseDatagram(b.Bytes(), false, 0)
	if len(pkts) != 1 || pkts[0].Type != trace.TypeVersionNegotiation {
		t.Fatalf("got %+v, want one version negotiation packet", pkts)
	}
}

func TestParseDatagram_ShortHeader(t *testing.T) {
	data := append([]byte{0x41}, make([]byte, 30)...)
	pkts := trace.ParseDatagram(data, true, 0)
	if len(pkts) != 1 || pkts[0].Type != trace.TypeOneRTT {
		t.Fatalf("got %+v, want one 1-RTT packet", pkts)
	}
	if pkts[0].Size != 31 {
		t.Errorf("size = %d, want 31", pkts[0].Size)
	}
}

func TestParseDatagram_Retry(t *testing.T) {
	var b bytes.Buffer
	b.WriteByte(0xf0)
	b.Write([]byte{0, 0, 0, 1})
	b.WriteByte(0)
	b.WriteByte(4)
	b.Write([]byte{9, 9, 9, 9})
	b.Write(bytes.Repeat([]byte{0xaa}, 12)) // retry token
	b.Write(make([]byte, 16))               // integrity tag
	pkts := trace.ParseDatagram(b.Bytes(), false, 0)
	if len(pkts) != 1 || pkts[0].Type != trace.TypeRetry {
		t.Fatalf("got %+v, want one retry packet", pkts)
	}
	if pkts[0].TokenLength != 12 {
		t.Errorf("token length = %d, want 12", pkts[0].TokenLength)
	}
}

// writeCapture writes a pcap containing one UDP datagram per payload,
// alternating addressing based on fromClient.
func writeCapture(t *testing.T, path string, serverPort uint16, datagrams []struct {
	payload    []byte
	fromClient bool
}) {
	t.Helper()
	f, err := os.Create(path)
	rtx.Must(err, "cannot create capture file")
	defer f.Close()

	w := pcapgo.NewWriter(f)
	rtx.Must(w.WriteFileHeader(65536, layers.LinkTypeEthernet), "cannot write pcap header")

	clientIP := net.IP{193, 167, 0, 100}
	serverIP := net.IP{193, 167, 100, 100}
	ts := time.Now()
	for i, d := range datagrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP}
		udp := &layers.UDP{}
		if d.fromClient {
			ip.SrcIP, ip.DstIP = clientIP, serverIP
			udp.SrcPort, udp.DstPort = 54321, layers.UDPPort(serverPort)
		} else {
			ip.SrcIP, ip.DstIP = serverIP, clientIP
			udp.SrcPort, udp.DstPort = layers.UDPPort(serverPort), 54321
		}
		rtx.Must(udp.SetNetworkLayerForChecksum(ip), "cannot set checksum layer")

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		rtx.Must(gopacket.SerializeLayers(buf, opts, eth, ip, udp,
			gopacket.Payload(d.payload)), "cannot serialize packet")

		data := buf.Bytes()
		err := w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}, data)
		rtx.Must(err, "cannot write packet")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	writeCapture(t, path, 443, []struct {
		payload    []byte
		fromClient bool
	}{
		{buildLongHeader(0, nil, 100), true},
		{buildLongHeader(0, nil, 200), false},
		{append([]byte{0x41}, make([]byte, 50)...), true},
	})

	tr, err := trace.ParseFile(path, 443)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(tr.Packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(tr.Packets))
	}
	if !tr.Packets[0].FromClient || tr.Packets[1].FromClient {
		t.Errorf("direction decoding wrong: %+v", tr.Packets[:2])
	}
	if tr.ClientBytes == 0 || tr.ServerBytes == 0 {
		t.Errorf("byte counters not populated: client=%d server=%d",
			tr.ClientBytes, tr.ServerBytes)
	}
	// Timestamps must be monotonically non-decreasing in capture order.
	for i := 1; i < len(tr.Packets); i++ {
		if tr.Packets[i].TimeUS < tr.Packets[i-1].TimeUS {
			t.Errorf("packets out of order at %d", i)
		}
	}
}

func TestParseFile_Broken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pcap")
	rtx.Must(os.WriteFile(path, []byte("not a pcap"), 0o644), "cannot write file")
	_, err := trace.ParseFile(path, 443)
	if err == nil {
		t.Fatal("expected an error for a broken capture")
	}
}
