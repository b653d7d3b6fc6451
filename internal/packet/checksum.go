package packet

import "encoding/binary"

// internetChecksum computes the RFC 1071 Internet checksum over data,
// folding 16-bit big-endian words and returning the one's-complement sum.
func internetChecksum(data []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// ipv4HeaderChecksum computes the checksum of an IPv4 header alone: the
// header checksum field covers only the header, never a pseudo-header.
func ipv4HeaderChecksum(l3 []byte) uint16 {
	return internetChecksum(l3)
}

// pseudoHeader builds the IPv4 or IPv6 pseudo-header UDP and ICMPv6 fold
// into their checksum. The addresses must already be in place in L3 when
// this is called.
func pseudoHeader(b *Buffer) []byte {
	l3 := b.L3()
	l4Size := b.L4Size()
	if b.L3Protocol().IsV4() {
		ph := make([]byte, 12)
		copy(ph[0:4], l3[12:16]) // source
		copy(ph[4:8], l3[16:20]) // destination
		ph[8] = 0
		ph[9] = b.L4Protocol().IPProtocolNumber()
		binary.BigEndian.PutUint16(ph[10:12], uint16(l4Size))
		return ph
	}
	ph := make([]byte, 40)
	copy(ph[0:16], l3[8:24])  // source
	copy(ph[16:32], l3[24:40]) // destination
	binary.BigEndian.PutUint32(ph[32:36], uint32(l4Size))
	ph[39] = b.L4Protocol().IPProtocolNumber()
	return ph
}

// transportChecksum computes the pseudo-header-covered checksum UDP and
// ICMPv6 both use, over the L4 header and payload found in b.
func transportChecksum(b *Buffer) uint16 {
	ph := pseudoHeader(b)
	data := append(ph, b.buf[b.l4Off:]...)
	return internetChecksum(data)
}

// icmpv4Checksum computes ICMPv4's checksum: message header plus payload,
// no pseudo-header.
func icmpv4Checksum(b *Buffer) uint16 {
	return internetChecksum(b.buf[b.l4Off:])
}

// tweakPayload returns the 2-byte value that, written into the first two
// bytes of a zero-initialized payload, changes a packet's checksum from
// originalChecksum to targetChecksum without touching any other byte.
//
// Internet checksums are a one's-complement sum: writing a previously-zero
// 16-bit word w into the message adds w to that sum. original and target are
// both one's-complement-sum-then-complemented values (internetChecksum's
// return), so the tweak is recovered by un-complementing both sums and
// solving for w, with a 0xffff borrow when the target sum is the smaller.
// No byte-order conversion happens here: this package's checksum helpers
// produce and expect values in the same big-endian-word convention
// throughout.
func tweakPayload(originalChecksum, targetChecksum uint16) uint16 {
	originalSum := uint32(^originalChecksum)
	targetSum := uint32(^targetChecksum)
	if targetSum < originalSum {
		targetSum += 0xffff
	}
	return uint16(targetSum - originalSum)
}
