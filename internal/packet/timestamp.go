package packet

import (
	"encoding/binary"
	"time"
)

// timestampBytes is the width of the send timestamp the builder stamps into
// a probe's payload, right after the 2-byte checksum-tweak slot. The parser
// reads it back out of the matching slot in the ICMP-quoted payload to
// compute RTT without any per-probe side state.
const timestampBytes = 8

// minPayloadForTimestamp is the smallest payload a builder needs to both
// tweak the checksum and stamp a timestamp.
const minPayloadForTimestamp = payloadTweakBytes + timestampBytes

// StampTimestamp writes now, as big-endian nanoseconds since the Unix
// epoch, into the 8 bytes of the payload immediately following the
// checksum-tweak slot. The value is wall-clock time, not a monotonic clock
// reading, so that it can be subtracted from a capture timestamp. It is a no-op (returns false) if the payload is too
// small to hold the stamp, in which case the parser will report RTT as NaN
// rather than fail the probe.
func StampTimestamp(b *Buffer, now time.Time) bool {
	if b.PayloadSize() < minPayloadForTimestamp {
		return false
	}
	binary.BigEndian.PutUint64(b.Payload()[payloadTweakBytes:minPayloadForTimestamp], uint64(now.UnixNano()))
	return true
}

// ReadTimestamp recovers the timestamp StampTimestamp wrote, given the
// quoted payload bytes from a captured reply. ok is false when the payload
// is too short to have carried a stamp.
func ReadTimestamp(payload []byte) (t time.Time, ok bool) {
	if len(payload) < minPayloadForTimestamp {
		return time.Time{}, false
	}
	ns := binary.BigEndian.Uint64(payload[payloadTweakBytes:minPayloadForTimestamp])
	return time.Unix(0, int64(ns)).UTC(), true
}
