package sniffer

import (
	"encoding/binary"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/probelab/caratrace/internal/packet"
)

// The tests below close the loop the builder and parser share: they build a
// probe with the packet package, wrap it in a synthetic ICMP error or echo
// reply the way a router or destination would, and check the parser recovers
// the exact flow identity that went in.

func captureInfo(ts time.Time, frame []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
}

// wrapICMPv4 builds an IPv4+ICMPv4 message frame carrying body after the
// message's fixed 8-byte header. The outer checksums stay zero; the decoder
// doesn't verify them and neither does a kernel delivering to a raw socket.
func wrapICMPv4(icmpType, icmpCode uint8, src, dst net.IP, body []byte) []byte {
	frame := make([]byte, 20+8+len(body))
	frame[0] = 0x45
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	frame[8] = 250
	frame[9] = 1 // ICMP
	copy(frame[12:16], src.To4())
	copy(frame[16:20], dst.To4())

	msg := frame[20:]
	msg[0] = icmpType
	msg[1] = icmpCode
	copy(msg[8:], body)
	return frame
}

// wrapICMPv6 is the IPv6 counterpart: fixed header, then the 4-byte ICMPv6
// header, then the 4-byte unused word, then body.
func wrapICMPv6(icmpType, icmpCode uint8, src, dst net.IP, body []byte) []byte {
	frame := make([]byte, 40+8+len(body))
	binary.BigEndian.PutUint32(frame[0:4], 0x60000000)
	binary.BigEndian.PutUint16(frame[4:6], uint16(8+len(body)))
	frame[6] = 58 // ICMPv6
	frame[7] = 60
	copy(frame[8:24], src.To16())
	copy(frame[24:40], dst.To16())

	msg := frame[40:]
	msg[0] = icmpType
	msg[1] = icmpCode
	copy(msg[8:], body)
	return frame
}

func buildUDPProbeV4(t *testing.T, stamp time.Time) []byte {
	t.Helper()
	raw := make([]byte, 20+8+24)
	b, err := packet.NewBuffer(raw, packet.L2None, packet.L3IPv4, packet.L4UDP)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	packet.StampTimestamp(b, stamp)
	if err := packet.InitIPv4(b, packet.L4UDP.IPProtocolNumber(), net.ParseIP("192.0.2.100"), net.ParseIP("198.51.100.10"), 5); err != nil {
		t.Fatalf("InitIPv4: %v", err)
	}
	packet.SetUDPPorts(b, 33000, 33435)
	if err := packet.SetUDPLength(b); err != nil {
		t.Fatalf("SetUDPLength: %v", err)
	}
	if err := packet.SetUDPChecksumTweaked(b, 33000); err != nil {
		t.Fatalf("SetUDPChecksumTweaked: %v", err)
	}
	return b.Bytes()
}

func TestParseUDPTimeExceededRecoversFlow(t *testing.T) {
	sent := time.Now().Add(-12 * time.Millisecond)
	probe := buildUDPProbeV4(t, sent)
	frame := wrapICMPv4(11, 0, net.ParseIP("203.0.113.1"), net.ParseIP("192.0.2.100"), probe)

	p := NewParser(layers.LinkTypeRaw, "round-1", 33434)
	captured := time.Now()
	r, err := p.Parse(frame, captureInfo(captured, frame))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if r.ReplyICMPType != 11 || r.ReplyICMPCode != 0 {
		t.Errorf("reply type/code = %d/%d, want 11/0", r.ReplyICMPType, r.ReplyICMPCode)
	}
	if !r.ReplySrc.Equal(net.ParseIP("203.0.113.1")) {
		t.Errorf("ReplySrc = %v", r.ReplySrc)
	}
	if !r.ProbeDst.Equal(net.ParseIP("198.51.100.10")) {
		t.Errorf("ProbeDst = %v, want 198.51.100.10", r.ProbeDst)
	}
	if r.ProbeSrcPort != 33000 || r.ProbeDstPort != 33435 {
		t.Errorf("ports = %d/%d, want 33000/33435", r.ProbeSrcPort, r.ProbeDstPort)
	}
	if r.ProbeTTLL3 != 5 {
		t.Errorf("ProbeTTLL3 = %d, want 5", r.ProbeTTLL3)
	}
	if r.ProbeProtocol != packet.L4UDP {
		t.Errorf("ProbeProtocol = %v, want udp", r.ProbeProtocol)
	}
	if r.Success {
		t.Error("time-exceeded reply should not be marked success")
	}
	if r.Round != "round-1" {
		t.Errorf("Round = %q", r.Round)
	}
	if math.IsNaN(r.RTTMs) {
		t.Fatal("RTT should have been recovered from the embedded timestamp")
	}
	wantRTT := float64(captured.Sub(sent).Microseconds()) / 1000
	if math.Abs(r.RTTMs-wantRTT) > 1 {
		t.Errorf("RTTMs = %v, want about %v", r.RTTMs, wantRTT)
	}
}

func TestParseICMPv4EchoReply(t *testing.T) {
	sent := time.Now().Add(-3 * time.Millisecond)
	// The echoed payload comes back exactly as the probe carried it: the
	// 2-byte checksum-tweak slot (arbitrary here) followed by the stamp.
	payload := make([]byte, 10)
	binary.BigEndian.PutUint64(payload[2:10], uint64(sent.UnixNano()))
	frame := wrapICMPv4(0, 0, net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.100"), payload)
	binary.BigEndian.PutUint16(frame[24:26], 24000) // identifier: the flow ID
	binary.BigEndian.PutUint16(frame[26:28], 1)     // sequence: the TTL

	p := NewParser(layers.LinkTypeRaw, "", 24000)
	r, err := p.Parse(frame, captureInfo(time.Now(), frame))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.ReplyICMPType != 0 {
		t.Errorf("ReplyICMPType = %d, want 0", r.ReplyICMPType)
	}
	if r.ProbeSrcPort != 24000 {
		t.Errorf("ProbeSrcPort = %d, want 24000", r.ProbeSrcPort)
	}
	if r.ProbeTTLL3 != 1 {
		t.Errorf("ProbeTTLL3 = %d, want 1", r.ProbeTTLL3)
	}
	if !r.Success {
		t.Error("echo reply should be marked success")
	}
	if math.IsNaN(r.RTTMs) {
		t.Error("RTT should have been recovered from the echoed payload")
	}
}

func TestParseICMPv6TimeExceededRecoversTTLFromPayloadLength(t *testing.T) {
	const ttl = 3
	sent := time.Now().Add(-8 * time.Millisecond)

	raw := make([]byte, 40+packet.IPv6PayloadLenForTTL(ttl))
	b, err := packet.NewBuffer(raw, packet.L2None, packet.L3IPv6, packet.L4ICMPv6)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	packet.StampTimestamp(b, sent)
	if err := packet.InitIPv6(b, packet.L4ICMPv6.IPProtocolNumber(), net.ParseIP("2001:db8::100"), net.ParseIP("2001:db8::1"), ttl); err != nil {
		t.Fatalf("InitIPv6: %v", err)
	}
	if err := packet.InitICMPv6(b, 24500, ttl); err != nil {
		t.Fatalf("InitICMPv6: %v", err)
	}

	frame := wrapICMPv6(3, 0, net.ParseIP("2001:db8::5"), net.ParseIP("2001:db8::100"), b.Bytes())

	p := NewParser(layers.LinkTypeRaw, "", 24000)
	r, err := p.Parse(frame, captureInfo(time.Now(), frame))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.ReplyICMPType != 3 {
		t.Errorf("ReplyICMPType = %d, want 3", r.ReplyICMPType)
	}
	if r.ProbeTTLL3 != ttl {
		t.Errorf("ProbeTTLL3 = %d, want %d (from quoted payload length)", r.ProbeTTLL3, ttl)
	}
	if r.ProbeSrcPort != 24500 {
		t.Errorf("ProbeSrcPort = %d, want 24500", r.ProbeSrcPort)
	}
	if !r.ProbeDst.Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("ProbeDst = %v, want 2001:db8::1", r.ProbeDst)
	}
	if r.ProbeProtocol != packet.L4ICMPv6 {
		t.Errorf("ProbeProtocol = %v, want icmp6", r.ProbeProtocol)
	}
	if math.IsNaN(r.RTTMs) {
		t.Error("RTT should have been recovered from the quoted payload")
	}
}

func TestParseExtractsMPLSLabels(t *testing.T) {
	probe := buildUDPProbeV4(t, time.Now())

	// RFC 4884: the quoted datagram is length-tagged in 4-octet words, and
	// the extension structure follows it. One MPLS label-stack object with a
	// single entry, label 24015.
	ext := make([]byte, 4+8)
	ext[0] = 2 << 4 // extension version 2
	binary.BigEndian.PutUint16(ext[4:6], 8)
	ext[6] = 1 // class: MPLS label stack
	ext[7] = 1 // c-type: incoming MPLS label stack
	binary.BigEndian.PutUint32(ext[8:12], 24015<<12|1<<8|255)

	body := append(append([]byte{}, probe...), ext...)
	frame := wrapICMPv4(11, 0, net.ParseIP("203.0.113.9"), net.ParseIP("192.0.2.100"), body)
	frame[25] = uint8(len(probe) / 4) // message header length field

	p := NewParser(layers.LinkTypeRaw, "", 33434)
	r, err := p.Parse(frame, captureInfo(time.Now(), frame))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(r.ReplyMPLS) != 1 || r.ReplyMPLS[0] != 24015 {
		t.Errorf("ReplyMPLS = %v, want [24015]", r.ReplyMPLS)
	}
}

func TestParseRejectsUnrelatedTraffic(t *testing.T) {
	// A TCP segment the BPF filter would never pass, but which could still
	// appear in an offline PCAP readback.
	frame := make([]byte, 40)
	frame[0] = 0x45
	binary.BigEndian.PutUint16(frame[2:4], 40)
	frame[8] = 64
	frame[9] = 6 // TCP
	copy(frame[12:16], net.ParseIP("192.0.2.7").To4())
	copy(frame[16:20], net.ParseIP("192.0.2.100").To4())

	p := NewParser(layers.LinkTypeRaw, "", 33434)
	if _, err := p.Parse(frame, captureInfo(time.Now(), frame)); !errors.Is(err, ErrNotAMatch) {
		t.Fatalf("Parse = %v, want ErrNotAMatch", err)
	}
}

func TestParseRejectsTruncatedQuote(t *testing.T) {
	frame := wrapICMPv4(11, 0, net.ParseIP("203.0.113.1"), net.ParseIP("192.0.2.100"), make([]byte, 12))
	p := NewParser(layers.LinkTypeRaw, "", 33434)
	if _, err := p.Parse(frame, captureInfo(time.Now(), frame)); !errors.Is(err, ErrNotAMatch) {
		t.Fatalf("Parse = %v, want ErrNotAMatch", err)
	}
}

func TestParseRejectsQuotedDstPortBelowFloor(t *testing.T) {
	// An unrelated UDP exchange hitting a closed port: a real
	// destination-unreachable that quotes dst port 53, well under the
	// traceroute sentinel. The coarse BPF filter lets it through; the
	// parser must not.
	quoted := make([]byte, 28)
	quoted[0] = 0x45
	binary.BigEndian.PutUint16(quoted[2:4], 28)
	binary.BigEndian.PutUint16(quoted[4:6], 5)
	quoted[8] = 5
	quoted[9] = 17 // UDP
	copy(quoted[12:16], net.ParseIP("192.0.2.100").To4())
	copy(quoted[16:20], net.ParseIP("198.51.100.10").To4())
	binary.BigEndian.PutUint16(quoted[20:22], 53211)
	binary.BigEndian.PutUint16(quoted[22:24], 53) // dst port below the floor
	frame := wrapICMPv4(3, 3, net.ParseIP("198.51.100.10"), net.ParseIP("192.0.2.100"), quoted)

	p := NewParser(layers.LinkTypeRaw, "", 33434)
	if _, err := p.Parse(frame, captureInfo(time.Now(), frame)); !errors.Is(err, ErrNotAMatch) {
		t.Fatalf("Parse = %v, want ErrNotAMatch for a below-floor quoted dst port", err)
	}
}

func TestParseRejectsEchoIDBelowFloor(t *testing.T) {
	payload := make([]byte, 10)
	frame := wrapICMPv4(0, 0, net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.100"), payload)
	binary.BigEndian.PutUint16(frame[24:26], 512) // a ping tool's id, not ours

	p := NewParser(layers.LinkTypeRaw, "", 33434)
	if _, err := p.Parse(frame, captureInfo(time.Now(), frame)); !errors.Is(err, ErrNotAMatch) {
		t.Fatalf("Parse = %v, want ErrNotAMatch for a below-floor echo id", err)
	}
}
