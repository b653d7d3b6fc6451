// Package sender opens one raw L3 socket per address family and writes the
// packets the packet package builds. It uses golang.org/x/sys/unix rather
// than the standard syscall package because IP_HDRINCL and SO_BINDTODEVICE
// aren't part of syscall's portable subset.
package sender

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/probelab/caratrace/internal/packet"
)

// SendError wraps the errno a raw socket write failed with. Callers
// increment their own failure counters and continue; a SendError is never
// fatal to the prober loop.
type SendError struct {
	Probe packet.Probe
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sender: send to %s failed: %v", e.Probe.Dst, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// payloadSize is the fixed payload length IPv4 probes carry: large enough
// for the checksum-tweak slot and the embedded RTT timestamp, small enough
// to stay well under any path MTU.
const payloadSize = 24

// maxIPv6Total is the largest backing buffer an IPv6 probe (TTL 255) can
// need: the fixed L3 header plus the largest payload-length-encoded TTL.
const maxIPv6Total = 40 + packet.IPv6TTLBase + 255

// Sender owns one raw socket per address family and one reusable buffer per
// family. It assumes single-goroutine use: the prober loop's one sender
// goroutine is the only caller.
type Sender struct {
	iface string

	fd4     int
	fd6     int
	src4    net.IP
	src6    net.IP
	buf4    []byte
	buf6    []byte
	haveV4  bool
	haveV6  bool
}

// New opens a raw IPv4 socket (with IP_HDRINCL) and a raw IPv6 socket, both
// bound to iface, and resolves iface's IPv4/IPv6 addresses to use as probe
// source addresses. Either family may be unavailable (e.g. an interface
// with no IPv6 address configured); Send returns an error for a probe of an
// unavailable family.
func New(iface string) (*Sender, error) {
	src4, src6, err := interfaceAddrs(iface)
	if err != nil {
		return nil, fmt.Errorf("sender: resolving addresses on %s: %w", iface, err)
	}

	s := &Sender{iface: iface}

	if src4 != nil {
		fd, err := openRawV4(iface)
		if err != nil {
			return nil, fmt.Errorf("sender: opening IPv4 raw socket: %w", err)
		}
		s.fd4 = fd
		s.src4 = src4
		s.buf4 = make([]byte, 20+8+payloadSize)
		s.haveV4 = true
	}

	if src6 != nil {
		fd, err := openRawV6(iface)
		if err != nil {
			if s.haveV4 {
				unix.Close(s.fd4)
			}
			return nil, fmt.Errorf("sender: opening IPv6 raw socket: %w", err)
		}
		s.fd6 = fd
		s.src6 = src6
		s.buf6 = make([]byte, maxIPv6Total)
		s.haveV6 = true
	}

	if !s.haveV4 && !s.haveV6 {
		return nil, fmt.Errorf("sender: interface %s has neither an IPv4 nor an IPv6 address", iface)
	}

	return s, nil
}

// Close releases both raw sockets. Safe to call once.
func (s *Sender) Close() error {
	var err error
	if s.haveV4 {
		if cerr := unix.Close(s.fd4); cerr != nil {
			err = cerr
		}
	}
	if s.haveV6 {
		if cerr := unix.Close(s.fd6); cerr != nil {
			err = cerr
		}
	}
	return err
}

// Send builds p into the appropriate reusable buffer and writes it to the
// wire. Errors from the OS syscall layer are wrapped in *SendError; the
// caller is expected to count failures and keep going.
func (s *Sender) Send(p packet.Probe) error {
	if p.IsIPv4() {
		return s.sendV4(p)
	}
	return s.sendV6(p)
}

func (s *Sender) sendV4(p packet.Probe) error {
	if !s.haveV4 {
		return &SendError{Probe: p, Err: fmt.Errorf("no IPv4 source address on %s", s.iface)}
	}
	l4 := p.Protocol
	buf, err := packet.NewBuffer(s.buf4, packet.L2None, packet.L3IPv4, l4)
	if err != nil {
		return &SendError{Probe: p, Err: err}
	}
	clear(buf.Payload())
	// The stamp must land before the L4 init: the checksum tweak is computed
	// over the payload as it will go out on the wire, so every payload byte
	// has to be final by the time initL4 runs.
	packet.StampTimestamp(buf, time.Now())

	if err := packet.InitIPv4(buf, l4.IPProtocolNumber(), s.src4, p.Dst, p.TTL); err != nil {
		return &SendError{Probe: p, Err: err}
	}
	if err := initL4(buf, p); err != nil {
		return &SendError{Probe: p, Err: err}
	}

	return s.write(s.fd4, buf, p, sockaddrV4(p.Dst))
}

func (s *Sender) sendV6(p packet.Probe) error {
	if !s.haveV6 {
		return &SendError{Probe: p, Err: fmt.Errorf("no IPv6 source address on %s", s.iface)}
	}
	l4 := p.Protocol

	total := 40 + packet.IPv6PayloadLenForTTL(p.TTL)
	raw := s.buf6[:total]
	buf, err := packet.NewBuffer(raw, packet.L2None, packet.L3IPv6, l4)
	if err != nil {
		return &SendError{Probe: p, Err: err}
	}
	clear(buf.Payload())
	// Stamp before the L4 init, same as sendV4.
	packet.StampTimestamp(buf, time.Now())

	if err := packet.InitIPv6(buf, l4.IPProtocolNumber(), s.src6, p.Dst, p.TTL); err != nil {
		return &SendError{Probe: p, Err: err}
	}
	if err := initL4(buf, p); err != nil {
		return &SendError{Probe: p, Err: err}
	}

	return s.write(s.fd6, buf, p, sockaddrV6(p.Dst))
}

// initL4 writes the transport header for p's protocol, applying the
// checksum-tweak protocol with p.SrcPort as the flow-ID target checksum.
func initL4(buf *packet.Buffer, p packet.Probe) error {
	switch p.Protocol {
	case packet.L4ICMP:
		return packet.InitICMPv4(buf, p.SrcPort, uint16(p.TTL))
	case packet.L4ICMPv6:
		return packet.InitICMPv6(buf, p.SrcPort, uint16(p.TTL))
	case packet.L4UDP:
		packet.SetUDPPorts(buf, p.SrcPort, p.DstPort)
		if err := packet.SetUDPLength(buf); err != nil {
			return err
		}
		return packet.SetUDPChecksumTweaked(buf, p.SrcPort)
	default:
		return fmt.Errorf("sender: unsupported protocol %v", p.Protocol)
	}
}

func (s *Sender) write(fd int, buf *packet.Buffer, p packet.Probe, sa unix.Sockaddr) error {
	if err := unix.Sendto(fd, buf.Bytes(), 0, sa); err != nil {
		return &SendError{Probe: p, Err: err}
	}
	return nil
}

func sockaddrV4(dst net.IP) unix.Sockaddr {
	var addr [4]byte
	copy(addr[:], dst.To4())
	return &unix.SockaddrInet4{Addr: addr}
}

func sockaddrV6(dst net.IP) unix.Sockaddr {
	var addr [16]byte
	copy(addr[:], dst.To16())
	return &unix.SockaddrInet6{Addr: addr}
}

// openRawV4 opens an IPPROTO_RAW socket with IP_HDRINCL set and binds it to
// iface, so the kernel transmits the IP header this package writes verbatim
// instead of constructing its own.
func openRawV4(iface string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_INET, SOCK_RAW, IPPROTO_RAW): %w (requires CAP_NET_RAW)", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(IP_HDRINCL): %w", err)
	}
	if err := unix.BindToDevice(fd, iface); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_BINDTODEVICE(%s): %w", iface, err)
	}
	return fd, nil
}

// openRawV6 opens a raw IPv6 socket with protocol IPPROTO_RAW, the Linux
// extension that — like IPv4's IP_HDRINCL — lets a SOCK_RAW socket send the
// IPv6 header this package built verbatim instead of one the kernel
// constructs.
func openRawV6(iface string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_INET6, SOCK_RAW, IPPROTO_RAW): %w (requires CAP_NET_RAW)", err)
	}
	if err := unix.BindToDevice(fd, iface); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_BINDTODEVICE(%s): %w", iface, err)
	}
	return fd, nil
}

// interfaceAddrs resolves iface's first IPv4 and first IPv6 address, either
// of which may come back nil if the interface has none of that family.
func interfaceAddrs(iface string) (v4, v6 net.IP, err error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
			continue
		}
		if v6 == nil && ipnet.IP.To4() == nil {
			v6 = ipnet.IP
		}
	}
	return v4, v6, nil
}
