package packet

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Probe is a single send intent read from the input CSV: a destination, a
// TTL to encode, and the port pair that carries the flow ID. For ICMP and
// ICMPv6, DstPort is unused and SrcPort doubles as the target checksum
// written into the ICMP identifier field.
type Probe struct {
	Dst      net.IP
	SrcPort  uint16
	DstPort  uint16
	TTL      uint8
	Protocol L4Protocol
}

// IsIPv4 reports whether Dst is an IPv4 address.
func (p Probe) IsIPv4() bool {
	return p.Dst.To4() != nil
}

// String renders a Probe the way log lines do.
func (p Probe) String() string {
	return fmt.Sprintf("dst=%s src_port=%d dst_port=%d ttl=%d protocol=%s",
		p.Dst, p.SrcPort, p.DstPort, p.TTL, p.Protocol)
}

// ToCSVLine renders a Probe as the five-field CSV record the prober's input
// format uses: dst_addr,src_port,dst_port,ttl,protocol.
func (p Probe) ToCSVLine() []string {
	return []string{
		p.Dst.String(),
		strconv.FormatUint(uint64(p.SrcPort), 10),
		strconv.FormatUint(uint64(p.DstPort), 10),
		strconv.FormatUint(uint64(p.TTL), 10),
		p.Protocol.String(),
	}
}

// ProbeFromCSVLine parses one record of the input CSV. Fields beyond the
// five recognized ones are ignored, so inputs carrying trailing metadata
// columns still load.
func ProbeFromCSVLine(fields []string) (Probe, error) {
	if len(fields) < 5 {
		return Probe{}, fmt.Errorf("%w: probe CSV record needs 5 fields, got %d", ErrParse, len(fields))
	}
	dst := net.ParseIP(strings.TrimSpace(fields[0]))
	if dst == nil {
		return Probe{}, fmt.Errorf("%w: invalid destination address %q", ErrParse, fields[0])
	}
	srcPort, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 16)
	if err != nil {
		return Probe{}, fmt.Errorf("%w: invalid src_port %q: %v", ErrParse, fields[1], err)
	}
	dstPort, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 16)
	if err != nil {
		return Probe{}, fmt.Errorf("%w: invalid dst_port %q: %v", ErrParse, fields[2], err)
	}
	ttl, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 8)
	if err != nil {
		return Probe{}, fmt.Errorf("%w: invalid ttl %q: %v", ErrParse, fields[3], err)
	}
	if ttl == 0 {
		return Probe{}, fmt.Errorf("%w: ttl must be between 1 and 255, got 0", ErrParse)
	}
	protocol, ok := ParseL4Protocol(strings.TrimSpace(fields[4]))
	if !ok {
		return Probe{}, fmt.Errorf("%w: invalid protocol %q", ErrParse, fields[4])
	}
	return Probe{
		Dst:      dst,
		SrcPort:  uint16(srcPort),
		DstPort:  uint16(dstPort),
		TTL:      uint8(ttl),
		Protocol: protocol,
	}, nil
}
