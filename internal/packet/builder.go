package packet

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/probelab/caratrace/internal/checked"
)

// payloadTweakBytes is the number of payload bytes the checksum-tweak
// protocol overwrites to encode a flow ID. Every builder that calls a
// target-checksum variant requires at least this many payload bytes.
const payloadTweakBytes = 2

func assertPayloadSize(b *Buffer, minSize int) error {
	if b.PayloadSize() < minSize {
		return fmt.Errorf("%w: payload must be at least %d bytes to hold a tweaked checksum, got %d", ErrArgument, minSize, b.PayloadSize())
	}
	return nil
}

// InitLoopback writes the 4-byte BSD loopback pseudo-header address family
// word: 2 for IPv4 (AF_INET), 30 for IPv6 (AF_INET6 on BSD/Darwin). The
// word is host byte order on the wire, unlike every other field this
// package writes.
func InitLoopback(b *Buffer, isV4 bool) {
	family := uint32(30)
	if isV4 {
		family = 2
	}
	binary.NativeEndian.PutUint32(b.L2(), family)
}

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
)

// InitEthernet writes a standard Ethernet II header.
func InitEthernet(b *Buffer, isV4 bool, src, dst net.HardwareAddr) error {
	if len(src) != 6 || len(dst) != 6 {
		return fmt.Errorf("%w: ethernet addresses must be 6 bytes, got src=%d dst=%d", ErrArgument, len(src), len(dst))
	}
	l2 := b.L2()
	copy(l2[0:6], dst)
	copy(l2[6:12], src)
	etherType := uint16(etherTypeIPv6)
	if isV4 {
		etherType = etherTypeIPv4
	}
	binary.BigEndian.PutUint16(l2[12:14], etherType)
	return nil
}

// InitIPv4 writes a 20-byte IPv4 header with no options. The identification
// field is set to the TTL itself: IPv4 has room for it, unlike IPv6, and the
// parser recovers probe_ttl_l3 straight back out of that field.
func InitIPv4(b *Buffer, protocol uint8, src, dst net.IP, ttl uint8) error {
	src4 := src.To4()
	dst4 := dst.To4()
	if src4 == nil || dst4 == nil {
		return fmt.Errorf("%w: InitIPv4 requires IPv4 addresses, got src=%v dst=%v", ErrArgument, src, dst)
	}
	totalLen, err := checked.Cast[uint16](b.L3OnwardSize())
	if err != nil {
		return fmt.Errorf("packet: IPv4 total length: %w", err)
	}

	l3 := b.L3()
	l3[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	l3[1] = 0    // TOS
	binary.BigEndian.PutUint16(l3[2:4], totalLen)
	binary.BigEndian.PutUint16(l3[4:6], uint16(ttl)) // identification carries the TTL
	l3[6] = 0                                        // flags/fragment offset
	l3[7] = 0
	l3[8] = ttl
	l3[9] = protocol
	l3[10] = 0 // checksum, filled below
	l3[11] = 0
	copy(l3[12:16], src4)
	copy(l3[16:20], dst4)

	binary.BigEndian.PutUint16(l3[10:12], ipv4HeaderChecksum(l3))
	return nil
}

// InitIPv6 writes a 40-byte IPv6 header. Unlike IPv4, the flow label cannot
// carry the TTL: routers are free to load-balance on it, which would defeat
// Paris traceroute's flow-ID stability requirement. The TTL is instead
// recovered from the payload length by the caller, via IPv6PayloadLenForTTL
// sizing the buffer before this is called; see ipv6_ttl.go.
func InitIPv6(b *Buffer, protocol uint8, src, dst net.IP, ttl uint8) error {
	src16 := src.To16()
	dst16 := dst.To16()
	if src16 == nil || dst16 == nil || src.To4() != nil || dst.To4() != nil {
		return fmt.Errorf("%w: InitIPv6 requires IPv6 addresses, got src=%v dst=%v", ErrArgument, src, dst)
	}
	plen, err := checked.Cast[uint16](b.L4Size())
	if err != nil {
		return fmt.Errorf("packet: IPv6 payload length: %w", err)
	}

	l3 := b.L3()
	// version 6, traffic class 0, flow label 0.
	binary.BigEndian.PutUint32(l3[0:4], 0x60000000)
	binary.BigEndian.PutUint16(l3[4:6], plen)
	l3[6] = protocol
	l3[7] = ttl
	copy(l3[8:24], src16)
	copy(l3[24:40], dst16)
	return nil
}

// InitICMPv4 writes an ICMP echo request header and tweaks the first two
// payload bytes so the message's checksum equals targetChecksum, encoding
// the flow ID there. Every payload byte other than the 2-byte tweak slot
// must already hold its final content (timestamp included), and the slot
// itself must still be zero: the tweak arithmetic assumes it adds to a
// zero word, and any byte written after this returns breaks the encoded
// checksum.
func InitICMPv4(b *Buffer, targetChecksum, targetSeq uint16) error {
	if err := assertPayloadSize(b, payloadTweakBytes); err != nil {
		return err
	}
	l4 := b.L4()
	l4[0] = byte(ipv4.ICMPTypeEcho)
	l4[1] = 0 // code
	l4[2] = 0 // checksum, filled below
	l4[3] = 0
	binary.BigEndian.PutUint16(l4[4:6], targetChecksum) // identifier carries the flow ID
	binary.BigEndian.PutUint16(l4[6:8], targetSeq)

	original := icmpv4Checksum(b)
	tweak := tweakPayload(original, targetChecksum)
	binary.BigEndian.PutUint16(b.Payload()[0:2], tweak)

	binary.BigEndian.PutUint16(l4[2:4], targetChecksum)
	return nil
}

// InitICMPv6 writes an ICMPv6 echo request header and tweaks the payload the
// same way InitICMPv4 does, under the same precondition: everything but the
// tweak slot final, the slot itself zero. The checksum computation differs
// from ICMPv4: ICMPv6 covers a pseudo-header, ICMPv4 does not.
func InitICMPv6(b *Buffer, targetChecksum, targetSeq uint16) error {
	if err := assertPayloadSize(b, payloadTweakBytes); err != nil {
		return err
	}
	l4 := b.L4()
	l4[0] = byte(ipv6.ICMPTypeEchoRequest)
	l4[1] = 0 // code
	l4[2] = 0   // checksum, filled below
	l4[3] = 0
	binary.BigEndian.PutUint16(l4[4:6], targetChecksum)
	binary.BigEndian.PutUint16(l4[6:8], targetSeq)

	original := transportChecksum(b)
	tweak := tweakPayload(original, targetChecksum)
	binary.BigEndian.PutUint16(b.Payload()[0:2], tweak)

	binary.BigEndian.PutUint16(l4[2:4], targetChecksum)
	return nil
}

// SetUDPPorts writes the source and destination port fields.
func SetUDPPorts(b *Buffer, srcPort, dstPort uint16) {
	l4 := b.L4()
	binary.BigEndian.PutUint16(l4[0:2], srcPort)
	binary.BigEndian.PutUint16(l4[2:4], dstPort)
}

// SetUDPLength writes the UDP length field (header plus payload).
func SetUDPLength(b *Buffer) error {
	length, err := checked.Cast[uint16](b.L4Size())
	if err != nil {
		return fmt.Errorf("packet: UDP length: %w", err)
	}
	binary.BigEndian.PutUint16(b.L4()[4:6], length)
	return nil
}

// SetUDPChecksum computes and writes UDP's natural pseudo-header checksum,
// with no flow ID encoded.
func SetUDPChecksum(b *Buffer) {
	l4 := b.L4()
	l4[6] = 0
	l4[7] = 0
	binary.BigEndian.PutUint16(l4[6:8], transportChecksum(b))
}

// SetUDPChecksumTweaked computes UDP's checksum and then tweaks the first
// two payload bytes so it equals targetChecksum, encoding the flow ID there.
// Same precondition as InitICMPv4: every other payload byte already final,
// the tweak slot still zero.
func SetUDPChecksumTweaked(b *Buffer, targetChecksum uint16) error {
	if err := assertPayloadSize(b, payloadTweakBytes); err != nil {
		return err
	}
	l4 := b.L4()
	l4[6] = 0
	l4[7] = 0
	original := transportChecksum(b)
	tweak := tweakPayload(original, targetChecksum)
	binary.BigEndian.PutUint16(b.Payload()[0:2], tweak)

	binary.BigEndian.PutUint16(l4[6:8], targetChecksum)
	return nil
}
