// Package reply implements the Reply record synthesized by the sniffer's
// parser, and its CSV round-trip.
package reply

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/probelab/caratrace/internal/packet"
)

// Reply is everything the parser recovers from one captured ICMP message:
// the outer IP/ICMP fields, an optional MPLS label stack, the quoted inner
// probe's attributes, and an estimated round-trip time. All numeric fields
// are host byte order.
type Reply struct {
	CaptureTimestamp time.Time

	ReplySrc      net.IP
	ReplyDst      net.IP
	ReplySize     uint16
	ReplyTTL      uint8
	ReplyProtocol uint8

	ReplyICMPType uint8
	ReplyICMPCode uint8
	ReplyMPLS     []uint32

	ProbeDst      net.IP
	ProbeSize     uint16
	ProbeTTLL3    uint8
	ProbeProtocol packet.L4Protocol
	ProbeSrcPort  uint16
	ProbeDstPort  uint16
	ProbeTTLL4    uint8

	RTTMs float64

	Round   string
	Success bool
}

// csvHeader names the columns in the order §6 EXTERNAL INTERFACES defines.
var csvHeader = []string{
	"capture_timestamp", "reply_src", "reply_dst", "reply_size", "reply_ttl",
	"reply_protocol", "reply_icmp_type", "reply_icmp_code", "reply_mpls_labels",
	"probe_dst", "probe_size", "probe_ttl_l3", "probe_protocol", "probe_src_port",
	"probe_dst_port", "probe_ttl_l4", "rtt_ms", "round", "success",
}

// CSVHeader returns the reply CSV column names, for callers writing a header
// row once per output file.
func CSVHeader() []string {
	out := make([]string, len(csvHeader))
	copy(out, csvHeader)
	return out
}

// ToCSVLine renders r as one record of the reply output CSV.
func (r Reply) ToCSVLine() []string {
	mpls := make([]string, len(r.ReplyMPLS))
	for i, label := range r.ReplyMPLS {
		mpls[i] = strconv.FormatUint(uint64(label), 10)
	}

	return []string{
		strconv.FormatInt(r.CaptureTimestamp.UnixNano(), 10),
		r.ReplySrc.String(),
		r.ReplyDst.String(),
		strconv.FormatUint(uint64(r.ReplySize), 10),
		strconv.FormatUint(uint64(r.ReplyTTL), 10),
		strconv.FormatUint(uint64(r.ReplyProtocol), 10),
		strconv.FormatUint(uint64(r.ReplyICMPType), 10),
		strconv.FormatUint(uint64(r.ReplyICMPCode), 10),
		strings.Join(mpls, "|"),
		r.ProbeDst.String(),
		strconv.FormatUint(uint64(r.ProbeSize), 10),
		strconv.FormatUint(uint64(r.ProbeTTLL3), 10),
		r.ProbeProtocol.String(),
		strconv.FormatUint(uint64(r.ProbeSrcPort), 10),
		strconv.FormatUint(uint64(r.ProbeDstPort), 10),
		strconv.FormatUint(uint64(r.ProbeTTLL4), 10),
		formatRTT(r.RTTMs),
		r.Round,
		strconv.FormatBool(r.Success),
	}
}

// formatRTT renders an RTT, using an empty field for NaN (no embedded
// timestamp was recovered from the quoted probe).
func formatRTT(rtt float64) string {
	if math.IsNaN(rtt) {
		return ""
	}
	return strconv.FormatFloat(rtt, 'f', 3, 64)
}

// FromCSVLine parses one record of the reply output CSV, the inverse of
// ToCSVLine.
func FromCSVLine(fields []string) (Reply, error) {
	if len(fields) < len(csvHeader) {
		return Reply{}, fmt.Errorf("reply: CSV record needs %d fields, got %d", len(csvHeader), len(fields))
	}

	ns, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid capture_timestamp %q: %w", fields[0], err)
	}

	replySrc := net.ParseIP(fields[1])
	if replySrc == nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_src %q", fields[1])
	}
	replyDst := net.ParseIP(fields[2])
	if replyDst == nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_dst %q", fields[2])
	}

	replySize, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_size %q: %w", fields[3], err)
	}
	replyTTL, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_ttl %q: %w", fields[4], err)
	}
	replyProtocol, err := strconv.ParseUint(fields[5], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_protocol %q: %w", fields[5], err)
	}
	icmpType, err := strconv.ParseUint(fields[6], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_icmp_type %q: %w", fields[6], err)
	}
	icmpCode, err := strconv.ParseUint(fields[7], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid reply_icmp_code %q: %w", fields[7], err)
	}

	var mpls []uint32
	if fields[8] != "" {
		for _, s := range strings.Split(fields[8], "|") {
			label, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return Reply{}, fmt.Errorf("reply: invalid reply_mpls_labels %q: %w", fields[8], err)
			}
			mpls = append(mpls, uint32(label))
		}
	}

	probeDst := net.ParseIP(fields[9])
	if probeDst == nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_dst %q", fields[9])
	}
	probeSize, err := strconv.ParseUint(fields[10], 10, 16)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_size %q: %w", fields[10], err)
	}
	probeTTLL3, err := strconv.ParseUint(fields[11], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_ttl_l3 %q: %w", fields[11], err)
	}
	probeProtocol, ok := packet.ParseL4Protocol(fields[12])
	if !ok {
		return Reply{}, fmt.Errorf("reply: invalid probe_protocol %q", fields[12])
	}
	probeSrcPort, err := strconv.ParseUint(fields[13], 10, 16)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_src_port %q: %w", fields[13], err)
	}
	probeDstPort, err := strconv.ParseUint(fields[14], 10, 16)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_dst_port %q: %w", fields[14], err)
	}
	probeTTLL4, err := strconv.ParseUint(fields[15], 10, 8)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid probe_ttl_l4 %q: %w", fields[15], err)
	}

	rtt := math.NaN()
	if fields[16] != "" {
		rtt, err = strconv.ParseFloat(fields[16], 64)
		if err != nil {
			return Reply{}, fmt.Errorf("reply: invalid rtt_ms %q: %w", fields[16], err)
		}
	}

	success, err := strconv.ParseBool(fields[18])
	if err != nil {
		return Reply{}, fmt.Errorf("reply: invalid success %q: %w", fields[18], err)
	}

	return Reply{
		CaptureTimestamp: time.Unix(0, ns).UTC(),
		ReplySrc:         replySrc,
		ReplyDst:         replyDst,
		ReplySize:        uint16(replySize),
		ReplyTTL:         uint8(replyTTL),
		ReplyProtocol:    uint8(replyProtocol),
		ReplyICMPType:    uint8(icmpType),
		ReplyICMPCode:    uint8(icmpCode),
		ReplyMPLS:        mpls,
		ProbeDst:         probeDst,
		ProbeSize:        uint16(probeSize),
		ProbeTTLL3:       uint8(probeTTLL3),
		ProbeProtocol:    probeProtocol,
		ProbeSrcPort:     uint16(probeSrcPort),
		ProbeDstPort:     uint16(probeDstPort),
		ProbeTTLL4:       uint8(probeTTLL4),
		RTTMs:            rtt,
		Round:            fields[17],
		Success:          success,
	}, nil
}
