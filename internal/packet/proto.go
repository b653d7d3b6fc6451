// Package packet implements the on-wire packet buffer view and builder: the
// component that encodes a probe's flow identity into bytes that survive
// ICMP quoting, and the matching CSV record type for probe intents.
package packet

// L2Protocol selects the link-layer header a Buffer reserves space for.
type L2Protocol int

const (
	// L2None means the buffer starts directly at the L3 header (used when
	// sending through a raw IP socket, which supplies its own link layer).
	L2None L2Protocol = iota
	// L2Loopback is the 4-byte BSD loopback pseudo-header (address family,
	// host order).
	L2Loopback
	// L2Ethernet is a standard 14-byte Ethernet II header.
	L2Ethernet
)

// Size returns the number of bytes this link-layer header occupies.
func (p L2Protocol) Size() int {
	switch p {
	case L2Loopback:
		return 4
	case L2Ethernet:
		return 14
	default:
		return 0
	}
}

// L3Protocol selects the network-layer header a Buffer reserves space for.
type L3Protocol int

const (
	// L3IPv4 is a 20-byte IPv4 header without options.
	L3IPv4 L3Protocol = iota
	// L3IPv6 is a 40-byte IPv6 header.
	L3IPv6
)

// Size returns the number of bytes this network-layer header occupies.
func (p L3Protocol) Size() int {
	switch p {
	case L3IPv4:
		return 20
	case L3IPv6:
		return 40
	default:
		return 0
	}
}

// IsV4 reports whether p is the IPv4 variant.
func (p L3Protocol) IsV4() bool {
	return p == L3IPv4
}

// L4Protocol selects the transport-layer header a Buffer reserves space for.
type L4Protocol int

const (
	// L4ICMP is an 8-byte ICMPv4 echo header.
	L4ICMP L4Protocol = iota
	// L4ICMPv6 is an 8-byte ICMPv6 echo header.
	L4ICMPv6
	// L4UDP is an 8-byte UDP header.
	L4UDP
)

// Size returns the number of bytes this transport-layer header occupies.
func (p L4Protocol) Size() int {
	switch p {
	case L4ICMP, L4ICMPv6, L4UDP:
		return 8
	default:
		return 0
	}
}

// IPProtocolNumber returns the IANA protocol number carried in the IP header
// for this transport protocol.
func (p L4Protocol) IPProtocolNumber() uint8 {
	switch p {
	case L4ICMP:
		return 1 // IPPROTO_ICMP
	case L4ICMPv6:
		return 58 // IPPROTO_ICMPV6
	case L4UDP:
		return 17 // IPPROTO_UDP
	default:
		return 0
	}
}

// String returns the textual protocol name used in probe/reply CSV records.
func (p L4Protocol) String() string {
	switch p {
	case L4ICMP:
		return "icmp"
	case L4ICMPv6:
		return "icmp6"
	case L4UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseL4Protocol parses the textual protocol name used in CSV records.
func ParseL4Protocol(s string) (L4Protocol, bool) {
	switch s {
	case "icmp":
		return L4ICMP, true
	case "icmp6":
		return L4ICMPv6, true
	case "udp":
		return L4UDP, true
	default:
		return 0, false
	}
}
