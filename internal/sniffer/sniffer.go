package sniffer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/probelab/caratrace/internal/reply"
	"github.com/probelab/caratrace/internal/stats"
)

const snapLen = 65535

// readTimeout bounds how long a single capture read can block, so the loop
// notices Stop without racing a concurrent handle close.
const readTimeout = 100 * time.Millisecond

// csvFlushEvery bounds how many replies can sit in the CSV writer's buffer
// before it is pushed to the file; the rest of the flushing happens on Stop.
const csvFlushEvery = 64

// bpfFilter keeps everything but ICMP/ICMPv6 time-exceeded,
// destination-unreachable, and echo-reply out of user space. The sentinel
// port restriction on the quoted inner packet can't be expressed in a pcap
// filter string, so that precision match happens in the Parser (its
// portFloor check); anything else the coarse filter lets through parses as
// ErrNotAMatch and is dropped. The ICMPv6 types are matched through ip6[40], which assumes no
// extension headers between the fixed header and the ICMPv6 message — true
// for every router-originated error message this prober cares about.
const bpfFilter = "(icmp and (icmp[0] == 11 or icmp[0] == 3 or icmp[0] == 0)) or " +
	"(icmp6 and (ip6[40] == 3 or ip6[40] == 1 or ip6[40] == 129))"

// Options configures one capture session.
type Options struct {
	// Interface is the NIC to capture on, the same one the sender transmits
	// through.
	Interface string
	// OutputCSV is the reply CSV path; created if missing, appended to if
	// not, with a header row written only for a fresh file.
	OutputCSV string
	// OutputPCAP, when non-empty, names a diagnostic capture file every
	// sniffed frame is written to verbatim.
	OutputPCAP string
	// Round is the opaque tag stamped into every reply row.
	Round string
	// DstPortFloor is the traceroute sentinel the Parser enforces on quoted
	// destination ports and echo identifiers.
	DstPortFloor uint16
}

// Sniffer owns the capture handle, the reply CSV writer, and the optional
// PCAP pass-through writer. Run is the capture goroutine's body; every other
// method is called from the prober goroutine. Only Run mutates the sniffer's
// statistics.
type Sniffer struct {
	handle *pcap.Handle
	parser *Parser
	stats  *stats.Sniffer
	logger *zap.SugaredLogger

	csvFile    *os.File
	csvWriter  *csv.Writer
	sinceFlush int

	pcapFile   *os.File
	pcapWriter *pcapgo.Writer

	stopped  atomic.Bool
	loopDone chan struct{}
}

// New opens opts.Interface in promiscuous mode, installs the BPF filter,
// and opens the output files. The caller must launch Run in its own
// goroutine strictly before the first probe is sent, so early replies are
// not lost, and call Stop when done.
func New(opts Options, st *stats.Sniffer, logger *zap.SugaredLogger) (*Sniffer, error) {
	handle, err := pcap.OpenLive(opts.Interface, snapLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("sniffer: opening %s: %w", opts.Interface, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("sniffer: installing BPF filter: %w", err)
	}

	s := &Sniffer{
		handle:   handle,
		parser:   NewParser(handle.LinkType(), opts.Round, opts.DstPortFloor),
		stats:    st,
		logger:   logger,
		loopDone: make(chan struct{}),
	}

	if err := s.openCSV(opts.OutputCSV); err != nil {
		handle.Close()
		return nil, err
	}
	if opts.OutputPCAP != "" {
		if err := s.openPCAP(opts.OutputPCAP); err != nil {
			s.csvFile.Close()
			handle.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Sniffer) openCSV(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("sniffer: opening reply CSV %s: %w", path, err)
	}
	s.csvFile = f
	s.csvWriter = csv.NewWriter(f)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("sniffer: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := s.csvWriter.Write(reply.CSVHeader()); err != nil {
			f.Close()
			return fmt.Errorf("sniffer: writing CSV header: %w", err)
		}
		s.csvWriter.Flush()
	}
	return nil
}

func (s *Sniffer) openPCAP(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sniffer: creating PCAP %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, s.handle.LinkType()); err != nil {
		f.Close()
		return fmt.Errorf("sniffer: writing PCAP header: %w", err)
	}
	s.pcapFile = f
	s.pcapWriter = w
	return nil
}

// Run is the capture loop. It returns when Stop is called or the handle
// fails permanently. Intended to be launched with `go sniffer.Run()`.
func (s *Sniffer) Run() {
	defer close(s.loopDone)
	for {
		if s.stopped.Load() {
			return
		}
		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			s.logger.Warnf("sniffer: capture read: %v", err)
			return
		}
		s.process(data, ci)
	}
}

func (s *Sniffer) process(data []byte, ci gopacket.CaptureInfo) {
	s.stats.ReceivedCount.Add(1)

	if s.pcapWriter != nil {
		if err := s.pcapWriter.WritePacket(ci, data); err != nil {
			s.logger.Warnf("sniffer: PCAP pass-through write: %v", err)
		}
	}

	r, err := s.parser.Parse(data, ci)
	if err != nil {
		s.logger.Debugf("sniffer: dropping frame: %v", err)
		if src, ok := outerSource(data, s.handle.LinkType()); ok {
			s.stats.RecordSeen(src, false)
		}
		return
	}

	s.stats.RecordSeen(r.ReplySrc.String(), true)
	if err := s.csvWriter.Write(r.ToCSVLine()); err != nil {
		s.logger.Warnf("sniffer: reply CSV write: %v", err)
		return
	}
	s.sinceFlush++
	if s.sinceFlush >= csvFlushEvery {
		s.csvWriter.Flush()
		s.sinceFlush = 0
	}
}

// Stop ends the capture loop, waits for it to exit, flushes the reply CSV,
// and closes the capture handle and both output files. Safe to call more
// than once; every call after the first is a no-op.
func (s *Sniffer) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	<-s.loopDone
	s.handle.Close()

	s.csvWriter.Flush()
	if err := s.csvWriter.Error(); err != nil {
		s.logger.Warnf("sniffer: flushing reply CSV: %v", err)
	}
	if err := s.csvFile.Close(); err != nil {
		s.logger.Warnf("sniffer: closing reply CSV: %v", err)
	}
	if s.pcapFile != nil {
		if err := s.pcapFile.Close(); err != nil {
			s.logger.Warnf("sniffer: closing PCAP: %v", err)
		}
	}
}

// outerSource decodes just far enough into an unmatched frame to name the
// ICMP source that sent it, so the seen-address accounting still covers
// traffic the parser rejected.
func outerSource(data []byte, linkType layers.LinkType) (string, bool) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return "", false
	}
	return netLayer.NetworkFlow().Src().String(), true
}
