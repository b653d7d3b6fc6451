package sniffer

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
)

func TestOuterSourceRecoversAddress(t *testing.T) {
	frame := make([]byte, 28)
	frame[0] = 0x45
	binary.BigEndian.PutUint16(frame[2:4], 28)
	frame[8] = 64
	frame[9] = 17
	copy(frame[12:16], net.ParseIP("203.0.113.7").To4())
	copy(frame[16:20], net.ParseIP("192.0.2.100").To4())

	src, ok := outerSource(frame, layers.LinkTypeRaw)
	if !ok {
		t.Fatal("outerSource failed on a well-formed IPv4 frame")
	}
	if src != "203.0.113.7" {
		t.Fatalf("outerSource = %q, want 203.0.113.7", src)
	}
}

func TestOuterSourceRejectsGarbage(t *testing.T) {
	if _, ok := outerSource([]byte{0xde, 0xad}, layers.LinkTypeRaw); ok {
		t.Fatal("outerSource should fail on a truncated frame")
	}
}
