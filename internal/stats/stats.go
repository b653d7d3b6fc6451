// Package stats holds the prober's and sniffer's monotonic counters and the
// periodic reporter goroutine that renders them. Each side's counters are
// owned and mutated only by their own thread; the reporter reads the
// counters through atomic loads and the sniffer's seen-address sets under
// their mutex.
package stats

import (
	"sync"
	"sync/atomic"
)

// Prober holds the counters the prober loop increments as it reads,
// filters, and sends probes.
type Prober struct {
	Read                  atomic.Uint64
	Sent                  atomic.Uint64
	Failed                atomic.Uint64
	FilteredLoTTL         atomic.Uint64
	FilteredHiTTL         atomic.Uint64
	FilteredPrefixExcl    atomic.Uint64
	FilteredPrefixNotIncl atomic.Uint64
}

// ProberSnapshot is a point-in-time copy of Prober's counters, safe to log or
// compare without racing the owning goroutine.
type ProberSnapshot struct {
	Read                  uint64
	Sent                  uint64
	Failed                uint64
	FilteredLoTTL         uint64
	FilteredHiTTL         uint64
	FilteredPrefixExcl    uint64
	FilteredPrefixNotIncl uint64
}

// Snapshot atomically reads every counter.
func (p *Prober) Snapshot() ProberSnapshot {
	return ProberSnapshot{
		Read:                  p.Read.Load(),
		Sent:                  p.Sent.Load(),
		Failed:                p.Failed.Load(),
		FilteredLoTTL:         p.FilteredLoTTL.Load(),
		FilteredHiTTL:         p.FilteredHiTTL.Load(),
		FilteredPrefixExcl:    p.FilteredPrefixExcl.Load(),
		FilteredPrefixNotIncl: p.FilteredPrefixNotIncl.Load(),
	}
}

// Sniffer holds the counters the capture loop increments as it parses
// incoming frames, plus the two sets of ICMP source addresses it has seen:
// every sender the filter let through, and the subset whose frames parsed
// into a matching reply.
type Sniffer struct {
	ReceivedCount atomic.Uint64

	mu            sync.Mutex
	seenAll       map[string]struct{}
	seenMatching  map[string]struct{}
}

// NewSniffer returns a zeroed Sniffer ready for use.
func NewSniffer() *Sniffer {
	return &Sniffer{
		seenAll:      make(map[string]struct{}),
		seenMatching: make(map[string]struct{}),
	}
}

// RecordSeen notes that addr sent an ICMP message, and whether it was a
// path-matching reply (a valid, parsed Reply) as opposed to merely any
// ICMP traffic captured by the BPF filter.
func (s *Sniffer) RecordSeen(addr string, matching bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenAll[addr] = struct{}{}
	if matching {
		s.seenMatching[addr] = struct{}{}
	}
}

// SnifferSnapshot is a point-in-time copy of Sniffer's counters.
type SnifferSnapshot struct {
	ReceivedCount  uint64
	SeenAllCount   int
	SeenMatchCount int
}

// Snapshot atomically reads the counter and takes the set sizes under the
// map mutex (the maps themselves are sniffer-thread-owned; only their sizes
// escape to the reporter).
func (s *Sniffer) Snapshot() SnifferSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SnifferSnapshot{
		ReceivedCount:  s.ReceivedCount.Load(),
		SeenAllCount:   len(s.seenAll),
		SeenMatchCount: len(s.seenMatching),
	}
}
