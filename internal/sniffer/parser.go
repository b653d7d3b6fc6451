// Package sniffer captures replies off the wire and recovers, from each
// matching frame, the flow identity the packet package's checksum-tweak
// protocol encoded into the probe it quotes.
package sniffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/probelab/caratrace/internal/packet"
	"github.com/probelab/caratrace/internal/reply"
)

// ErrNotAMatch marks a captured frame that isn't a probe reply this parser
// can make sense of: unrelated traffic the BPF filter let through, a
// truncated quote, or an ICMP type this package doesn't handle. Never
// fatal — the capture loop counts and drops it.
var ErrNotAMatch = errors.New("sniffer: not a matching probe reply")

// Parser recovers a reply.Reply from one captured frame, reversing the
// checksum-tweak and IPv6-payload-length-TTL encodings the packet builders wrote
// into the probe the frame's ICMP message quotes.
type Parser struct {
	linkType  layers.LinkType
	round     string
	portFloor uint16
}

// NewParser builds a Parser for frames captured off a handle of the given
// link type, stamping round into every recovered Reply. portFloor is the
// traceroute sentinel: a reply whose quoted destination port (UDP probes)
// or echo identifier (ICMP probes) sits below it cannot have come from this
// prober and is rejected as ErrNotAMatch.
func NewParser(linkType layers.LinkType, round string, portFloor uint16) *Parser {
	return &Parser{linkType: linkType, round: round, portFloor: portFloor}
}

// belowFloor reports whether a quoted port or echo identifier is under the
// configured sentinel floor.
func (p *Parser) belowFloor(port uint16) bool {
	return port < p.portFloor
}

// Parse decodes one captured frame and, if it is a recognized probe reply,
// returns the Reply it encodes.
func (p *Parser) Parse(data []byte, ci gopacket.CaptureInfo) (reply.Reply, error) {
	pkt := gopacket.NewPacket(data, p.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return reply.Reply{}, fmt.Errorf("%w: %v", ErrNotAMatch, errLayer.Error())
	}

	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		return p.parseV4(v4.(*layers.IPv4), pkt, ci)
	}
	if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		return p.parseV6(v6.(*layers.IPv6), pkt, ci)
	}
	return reply.Reply{}, fmt.Errorf("%w: no IP layer", ErrNotAMatch)
}

func (p *Parser) parseV4(ip4 *layers.IPv4, pkt gopacket.Packet, ci gopacket.CaptureInfo) (reply.Reply, error) {
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return reply.Reply{}, fmt.Errorf("%w: no ICMPv4 layer", ErrNotAMatch)
	}
	icmp4 := icmpLayer.(*layers.ICMPv4)

	r := reply.Reply{
		CaptureTimestamp: ci.Timestamp,
		ReplySrc:         ip4.SrcIP,
		ReplyDst:         ip4.DstIP,
		ReplySize:        ip4.Length,
		ReplyTTL:         ip4.TTL,
		ReplyProtocol:    uint8(ip4.Protocol),
		ReplyICMPType:    icmp4.TypeCode.Type(),
		ReplyICMPCode:    icmp4.TypeCode.Code(),
		Round:            p.round,
		RTTMs:            math.NaN(),
	}

	switch icmp4.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		return p.echoReplyV4(r, icmp4)
	case layers.ICMPv4TypeTimeExceeded, layers.ICMPv4TypeDestinationUnreachable:
		r.Success = icmp4.TypeCode.Type() == layers.ICMPv4TypeDestinationUnreachable
		r.ReplyMPLS = rfc4884MPLSv4(icmp4.Contents, icmp4.Payload)
		return p.quotedV4(r, icmp4.Payload)
	default:
		return reply.Reply{}, fmt.Errorf("%w: unhandled ICMPv4 type %d", ErrNotAMatch, icmp4.TypeCode.Type())
	}
}

// echoReplyV4 handles the case where the probe's own destination answered
// directly. There is no quoted IP header to recover probe_ttl_l3 from here
// — InitICMPv4 wrote it into the echo's sequence number instead, since a
// destination's echo reply is a fresh packet the original probe's IP header
// never survives into.
func (p *Parser) echoReplyV4(r reply.Reply, icmp4 *layers.ICMPv4) (reply.Reply, error) {
	if p.belowFloor(icmp4.Id) {
		return reply.Reply{}, fmt.Errorf("%w: echo id %d below sentinel floor", ErrNotAMatch, icmp4.Id)
	}
	r.Success = true
	r.ProbeDst = r.ReplySrc
	r.ProbeProtocol = packet.L4ICMP
	r.ProbeSrcPort = icmp4.Id
	r.ProbeTTLL4 = uint8(icmp4.Seq)
	r.ProbeTTLL3 = r.ProbeTTLL4
	if ts, ok := packet.ReadTimestamp(icmp4.Payload); ok {
		r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
	}
	return r, nil
}

// quotedV4 recovers the encoded probe from a quoted IPv4 header plus L4
// header, the payload of a time-exceeded or destination-unreachable
// message.
func (p *Parser) quotedV4(r reply.Reply, quoted []byte) (reply.Reply, error) {
	if len(quoted) < 20 {
		return reply.Reply{}, fmt.Errorf("%w: quoted IPv4 header truncated to %d bytes", ErrNotAMatch, len(quoted))
	}
	ihl := int(quoted[0]&0x0f) * 4
	if ihl < 20 || len(quoted) < ihl+8 {
		return reply.Reply{}, fmt.Errorf("%w: quoted IPv4 header/L4 truncated", ErrNotAMatch)
	}

	r.ProbeTTLL3 = uint8(binary.BigEndian.Uint16(quoted[4:6]))
	r.ProbeDst = net.IP(append([]byte(nil), quoted[16:20]...))
	r.ProbeSize = uint16(len(quoted) - ihl)

	l4 := quoted[ihl:]
	switch quoted[9] {
	case packet.L4ICMP.IPProtocolNumber():
		r.ProbeProtocol = packet.L4ICMP
		r.ProbeSrcPort = binary.BigEndian.Uint16(l4[4:6])
		if p.belowFloor(r.ProbeSrcPort) {
			return reply.Reply{}, fmt.Errorf("%w: quoted echo id %d below sentinel floor", ErrNotAMatch, r.ProbeSrcPort)
		}
		r.ProbeTTLL4 = uint8(binary.BigEndian.Uint16(l4[6:8]))
		if ts, ok := packet.ReadTimestamp(l4[8:]); ok {
			r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
		}
	case packet.L4UDP.IPProtocolNumber():
		r.ProbeProtocol = packet.L4UDP
		r.ProbeSrcPort = binary.BigEndian.Uint16(l4[0:2])
		r.ProbeDstPort = binary.BigEndian.Uint16(l4[2:4])
		if p.belowFloor(r.ProbeDstPort) {
			return reply.Reply{}, fmt.Errorf("%w: quoted dst port %d below sentinel floor", ErrNotAMatch, r.ProbeDstPort)
		}
		r.ProbeTTLL4 = r.ProbeTTLL3
		if len(l4) >= 8 {
			if ts, ok := packet.ReadTimestamp(l4[8:]); ok {
				r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
			}
		}
	default:
		return reply.Reply{}, fmt.Errorf("%w: unhandled quoted protocol %d", ErrNotAMatch, quoted[9])
	}

	return r, nil
}

func (p *Parser) parseV6(ip6 *layers.IPv6, pkt gopacket.Packet, ci gopacket.CaptureInfo) (reply.Reply, error) {
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	if icmpLayer == nil {
		return reply.Reply{}, fmt.Errorf("%w: no ICMPv6 layer", ErrNotAMatch)
	}
	icmp6 := icmpLayer.(*layers.ICMPv6)

	r := reply.Reply{
		CaptureTimestamp: ci.Timestamp,
		ReplySrc:         ip6.SrcIP,
		ReplyDst:         ip6.DstIP,
		ReplySize:        ip6.Length,
		ReplyTTL:         ip6.HopLimit,
		ReplyProtocol:    uint8(ip6.NextHeader),
		ReplyICMPType:    icmp6.TypeCode.Type(),
		ReplyICMPCode:    icmp6.TypeCode.Code(),
		Round:            p.round,
		RTTMs:            math.NaN(),
	}

	switch icmp6.TypeCode.Type() {
	case layers.ICMPv6TypeEchoReply:
		return p.echoReplyV6(r, pkt, icmp6)
	case layers.ICMPv6TypeTimeExceeded, layers.ICMPv6TypeDestinationUnreachable:
		// gopacket's ICMPv6 fixed header is only type/code/checksum; the
		// message's 4-byte unused word is the start of Payload, and the
		// quoted original packet begins right after it.
		if len(icmp6.Payload) < 4 {
			return reply.Reply{}, fmt.Errorf("%w: ICMPv6 message body truncated", ErrNotAMatch)
		}
		r.Success = icmp6.TypeCode.Type() == layers.ICMPv6TypeDestinationUnreachable
		r.ReplyMPLS = rfc4884MPLSv6(icmp6.Payload)
		return p.quotedV6(r, icmp6.Payload[4:])
	default:
		return reply.Reply{}, fmt.Errorf("%w: unhandled ICMPv6 type %d", ErrNotAMatch, icmp6.TypeCode.Type())
	}
}

// echoReplyV6 mirrors echoReplyV4. gopacket decodes an ICMPv6 echo's
// identifier/sequence as a distinct LayerTypeICMPv6Echo layer rather than as
// fields on ICMPv6 itself, so this reads it from there when present and
// falls back to the first four payload bytes otherwise.
func (p *Parser) echoReplyV6(r reply.Reply, pkt gopacket.Packet, icmp6 *layers.ICMPv6) (reply.Reply, error) {
	var id, seq uint16
	var payload []byte
	if echo := pkt.Layer(layers.LayerTypeICMPv6Echo); echo != nil {
		e := echo.(*layers.ICMPv6Echo)
		id, seq = e.Identifier, e.SeqNumber
		payload = e.Payload
	} else if len(icmp6.Payload) >= 4 {
		id = binary.BigEndian.Uint16(icmp6.Payload[0:2])
		seq = binary.BigEndian.Uint16(icmp6.Payload[2:4])
		payload = icmp6.Payload[4:]
	} else {
		return reply.Reply{}, fmt.Errorf("%w: ICMPv6 echo reply truncated", ErrNotAMatch)
	}
	if p.belowFloor(id) {
		return reply.Reply{}, fmt.Errorf("%w: echo id %d below sentinel floor", ErrNotAMatch, id)
	}

	r.Success = true
	r.ProbeDst = r.ReplySrc
	r.ProbeProtocol = packet.L4ICMPv6
	r.ProbeSrcPort = id
	r.ProbeTTLL4 = uint8(seq)
	r.ProbeTTLL3 = r.ProbeTTLL4
	if ts, ok := packet.ReadTimestamp(payload); ok {
		r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
	}
	return r, nil
}

// quotedV6 recovers the encoded probe from a quoted fixed IPv6 header plus
// L4 header. IPv6 has no identification field, so probe_ttl_l3 comes back
// out of the quoted payload-length field instead (see packet/ipv6_ttl.go).
func (p *Parser) quotedV6(r reply.Reply, quoted []byte) (reply.Reply, error) {
	if len(quoted) < 48 {
		return reply.Reply{}, fmt.Errorf("%w: quoted IPv6 header/L4 truncated to %d bytes", ErrNotAMatch, len(quoted))
	}

	payloadLen := int(binary.BigEndian.Uint16(quoted[4:6]))
	ttl, ok := packet.TTLFromIPv6PayloadLen(payloadLen)
	if !ok {
		return reply.Reply{}, fmt.Errorf("%w: quoted IPv6 payload length %d out of range", ErrNotAMatch, payloadLen)
	}
	r.ProbeTTLL3 = ttl
	r.ProbeDst = net.IP(append([]byte(nil), quoted[24:40]...))
	r.ProbeSize = uint16(payloadLen)

	l4 := quoted[40:]
	switch quoted[6] {
	case packet.L4ICMPv6.IPProtocolNumber():
		r.ProbeProtocol = packet.L4ICMPv6
		r.ProbeSrcPort = binary.BigEndian.Uint16(l4[4:6])
		if p.belowFloor(r.ProbeSrcPort) {
			return reply.Reply{}, fmt.Errorf("%w: quoted echo id %d below sentinel floor", ErrNotAMatch, r.ProbeSrcPort)
		}
		r.ProbeTTLL4 = uint8(binary.BigEndian.Uint16(l4[6:8]))
		if ts, ok := packet.ReadTimestamp(l4[8:]); ok {
			r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
		}
	case packet.L4UDP.IPProtocolNumber():
		r.ProbeProtocol = packet.L4UDP
		r.ProbeSrcPort = binary.BigEndian.Uint16(l4[0:2])
		r.ProbeDstPort = binary.BigEndian.Uint16(l4[2:4])
		if p.belowFloor(r.ProbeDstPort) {
			return reply.Reply{}, fmt.Errorf("%w: quoted dst port %d below sentinel floor", ErrNotAMatch, r.ProbeDstPort)
		}
		r.ProbeTTLL4 = r.ProbeTTLL3
		if len(l4) >= 8 {
			if ts, ok := packet.ReadTimestamp(l4[8:]); ok {
				r.RTTMs = milliseconds(r.CaptureTimestamp.Sub(ts))
			}
		}
	default:
		return reply.Reply{}, fmt.Errorf("%w: unhandled quoted next header %d", ErrNotAMatch, quoted[6])
	}

	return r, nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// rfc4884MPLSv4 extracts an MPLS label stack from an ICMPv4 multi-part
// message extension (RFC 4884/4950), when the quoting router attached one.
// contents is the ICMP message's own fixed 8-byte header; its sixth byte,
// for time-exceeded and destination-unreachable messages, carries the
// quoted datagram's length in 4-octet words when extensions are present, 0
// otherwise.
func rfc4884MPLSv4(contents, payload []byte) []uint32 {
	if len(contents) < 6 || contents[5] == 0 {
		return nil
	}
	return mplsFromExtension(int(contents[5])*4, payload)
}

// rfc4884MPLSv6 is the ICMPv6 flavor: the length attribute lives in the
// first byte of the message body (the otherwise-unused word) and counts
// 8-octet words, and the quoted datagram starts right after that word.
func rfc4884MPLSv6(body []byte) []uint32 {
	if len(body) < 4 || body[0] == 0 {
		return nil
	}
	return mplsFromExtension(int(body[0])*8, body[4:])
}

// mplsFromExtension walks the extension structure trailing the quoted
// datagram and returns the labels of an MPLS label-stack object (class 1,
// c-type 1). Returns nil, silently, whenever the bytes don't look like a
// valid extension — most captures carry no extension at all.
func mplsFromExtension(origLen int, datagram []byte) []uint32 {
	if origLen <= 0 || origLen >= len(datagram) {
		return nil
	}
	ext := datagram[origLen:]
	if len(ext) < 8 {
		return nil
	}
	obj := ext[4:] // skip the 4-byte extension structure header (version/reserved/checksum)
	objLen := int(binary.BigEndian.Uint16(obj[0:2]))
	class, ctype := obj[2], obj[3]
	if class != 1 || ctype != 1 || objLen < 8 || objLen > len(obj) {
		return nil
	}
	stack := obj[4:objLen]
	var labels []uint32
	for i := 0; i+4 <= len(stack); i += 4 {
		entry := binary.BigEndian.Uint32(stack[i : i+4])
		labels = append(labels, entry>>12)
	}
	return labels
}
