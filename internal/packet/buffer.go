package packet

import "fmt"

// Buffer is an exclusive, non-allocating view over a mutable byte slice,
// split into L2/L3/L4/payload regions by protocol. It never owns or copies
// the backing array; callers are responsible for giving each Buffer sole
// write access to its slice for the duration of a build (the sender achieves
// this by owning one reusable slice per address family and never sharing it
// across goroutines).
type Buffer struct {
	buf   []byte
	l2    L2Protocol
	l3    L3Protocol
	l4    L4Protocol
	l2Off int
	l3Off int
	l4Off int
	plOff int
}

// NewBuffer wraps buf with the given layout. buf must be at least large
// enough to hold the L2+L3+L4 headers; any remaining bytes form the payload.
func NewBuffer(buf []byte, l2 L2Protocol, l3 L3Protocol, l4 L4Protocol) (*Buffer, error) {
	headers := l2.Size() + l3.Size() + l4.Size()
	if len(buf) < headers {
		return nil, fmt.Errorf("%w: buffer of %d bytes too small for %d bytes of headers", ErrArgument, len(buf), headers)
	}
	return &Buffer{
		buf:   buf,
		l2:    l2,
		l3:    l3,
		l4:    l4,
		l2Off: 0,
		l3Off: l2.Size(),
		l4Off: l2.Size() + l3.Size(),
		plOff: headers,
	}, nil
}

// L2Protocol returns the link-layer protocol this buffer was built with.
func (b *Buffer) L2Protocol() L2Protocol { return b.l2 }

// L3Protocol returns the network-layer protocol this buffer was built with.
func (b *Buffer) L3Protocol() L3Protocol { return b.l3 }

// L4Protocol returns the transport-layer protocol this buffer was built with.
func (b *Buffer) L4Protocol() L4Protocol { return b.l4 }

// L2 returns the link-layer header region.
func (b *Buffer) L2() []byte { return b.buf[b.l2Off:b.l3Off] }

// L3 returns the network-layer header region.
func (b *Buffer) L3() []byte { return b.buf[b.l3Off:b.l4Off] }

// L4 returns the transport-layer header region.
func (b *Buffer) L4() []byte { return b.buf[b.l4Off:b.plOff] }

// Payload returns everything after the transport-layer header.
func (b *Buffer) Payload() []byte { return b.buf[b.plOff:] }

// L3OnwardSize is the number of bytes from the start of L3 to the end of the
// buffer: the value IPv4's total-length and IPv6's payload-length-plus-header
// fields are derived from.
func (b *Buffer) L3OnwardSize() int { return len(b.buf) - b.l3Off }

// L4Size is the number of bytes from the start of L4 to the end of the
// buffer: transport header plus payload, the value UDP length and IPv6
// payload length fields are set to.
func (b *Buffer) L4Size() int { return len(b.buf) - b.l4Off }

// PayloadSize is the number of bytes available for payload, after all
// headers have been accounted for.
func (b *Buffer) PayloadSize() int { return len(b.buf) - b.plOff }

// Bytes returns the full backing slice, headers and payload together, ready
// to hand to a socket write.
func (b *Buffer) Bytes() []byte { return b.buf }

// Resize shrinks or grows the logical end of the buffer to newTotal bytes
// from the start of L2, without reallocating — the backing array must
// already be at least newTotal bytes long. The sender does not call it: it
// sizes each IPv6 probe by slicing its backing array to the length that
// encodes the TTL (see packet/ipv6_ttl.go) before wrapping it.
func (b *Buffer) Resize(newTotal int) error {
	if newTotal < b.plOff {
		return fmt.Errorf("%w: cannot resize below header size %d (requested %d)", ErrArgument, b.plOff, newTotal)
	}
	if newTotal > cap(b.buf) {
		return fmt.Errorf("%w: cannot grow buffer past capacity %d (requested %d)", ErrArgument, cap(b.buf), newTotal)
	}
	b.buf = b.buf[:newTotal]
	return nil
}
