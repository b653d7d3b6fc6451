package reply

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/probelab/caratrace/internal/packet"
)

func sampleReply() Reply {
	return Reply{
		CaptureTimestamp: time.Unix(1712345678, 123456789).UTC(),
		ReplySrc:         net.ParseIP("198.51.100.10"),
		ReplyDst:         net.ParseIP("203.0.113.5"),
		ReplySize:        56,
		ReplyTTL:         250,
		ReplyProtocol:    1,
		ReplyICMPType:    11,
		ReplyICMPCode:    0,
		ReplyMPLS:        []uint32{1001, 2002},
		ProbeDst:         net.ParseIP("198.51.100.10"),
		ProbeSize:        60,
		ProbeTTLL3:       5,
		ProbeProtocol:    packet.L4UDP,
		ProbeSrcPort:     33000,
		ProbeDstPort:     33435,
		ProbeTTLL4:       5,
		RTTMs:            12.345,
		Round:            "r1",
		Success:          true,
	}
}

func TestCSVRoundTrip(t *testing.T) {
	want := sampleReply()
	got, err := FromCSVLine(want.ToCSVLine())
	if err != nil {
		t.Fatalf("FromCSVLine: %v", err)
	}

	if !got.ReplySrc.Equal(want.ReplySrc) || !got.ReplyDst.Equal(want.ReplyDst) {
		t.Fatalf("reply addresses: got src=%s dst=%s, want src=%s dst=%s", got.ReplySrc, got.ReplyDst, want.ReplySrc, want.ReplyDst)
	}
	if got.ReplySize != want.ReplySize || got.ReplyTTL != want.ReplyTTL || got.ReplyProtocol != want.ReplyProtocol {
		t.Fatalf("reply IP fields mismatch: got %+v, want %+v", got, want)
	}
	if got.ReplyICMPType != want.ReplyICMPType || got.ReplyICMPCode != want.ReplyICMPCode {
		t.Fatalf("reply ICMP fields mismatch: got %+v, want %+v", got, want)
	}
	if len(got.ReplyMPLS) != len(want.ReplyMPLS) {
		t.Fatalf("reply MPLS labels: got %v, want %v", got.ReplyMPLS, want.ReplyMPLS)
	}
	for i := range want.ReplyMPLS {
		if got.ReplyMPLS[i] != want.ReplyMPLS[i] {
			t.Fatalf("reply MPLS label %d: got %d, want %d", i, got.ReplyMPLS[i], want.ReplyMPLS[i])
		}
	}
	if !got.ProbeDst.Equal(want.ProbeDst) || got.ProbeSize != want.ProbeSize || got.ProbeTTLL3 != want.ProbeTTLL3 {
		t.Fatalf("probe L3 fields mismatch: got %+v, want %+v", got, want)
	}
	if got.ProbeProtocol != want.ProbeProtocol || got.ProbeSrcPort != want.ProbeSrcPort ||
		got.ProbeDstPort != want.ProbeDstPort || got.ProbeTTLL4 != want.ProbeTTLL4 {
		t.Fatalf("probe L4 fields mismatch: got %+v, want %+v", got, want)
	}
	if math.Abs(got.RTTMs-want.RTTMs) > 1e-6 {
		t.Fatalf("RTTMs: got %v, want %v", got.RTTMs, want.RTTMs)
	}
	if got.Round != want.Round || got.Success != want.Success {
		t.Fatalf("round/success: got %+v, want %+v", got, want)
	}
	if !got.CaptureTimestamp.Equal(want.CaptureTimestamp) {
		t.Fatalf("CaptureTimestamp: got %v, want %v", got.CaptureTimestamp, want.CaptureTimestamp)
	}
}

func TestCSVRoundTripNaNRTT(t *testing.T) {
	r := sampleReply()
	r.RTTMs = math.NaN()
	r.ReplyMPLS = nil

	got, err := FromCSVLine(r.ToCSVLine())
	if err != nil {
		t.Fatalf("FromCSVLine: %v", err)
	}
	if !math.IsNaN(got.RTTMs) {
		t.Fatalf("RTTMs: got %v, want NaN", got.RTTMs)
	}
	if len(got.ReplyMPLS) != 0 {
		t.Fatalf("ReplyMPLS: got %v, want empty", got.ReplyMPLS)
	}
}

func TestFromCSVLineTooFewFields(t *testing.T) {
	if _, err := FromCSVLine([]string{"1", "2"}); err == nil {
		t.Fatal("expected error for short record")
	}
}
