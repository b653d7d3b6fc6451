// Package prober drives the send side: it pulls probes from an iterator,
// applies the TTL and prefix filters, paces emission through the rate
// limiter, and manages the sniffer's lifecycle around the sending loop.
package prober

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/probelab/caratrace/internal/config"
	"github.com/probelab/caratrace/internal/lpm"
	"github.com/probelab/caratrace/internal/packet"
	"github.com/probelab/caratrace/internal/ratelimit"
	"github.com/probelab/caratrace/internal/sender"
	"github.com/probelab/caratrace/internal/sniffer"
	"github.com/probelab/caratrace/internal/stats"
)

// Iterator yields the next probe to send, reporting false once exhausted.
type Iterator func() (packet.Probe, bool)

// NewCSVIterator pulls probes out of the input CSV format, one record per
// line: dst_addr,src_port,dst_port,ttl,protocol. Malformed lines are logged
// at warn level and skipped, never fatal.
func NewCSVIterator(r io.Reader, logger *zap.SugaredLogger) Iterator {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	return func() (packet.Probe, bool) {
		for {
			fields, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return packet.Probe{}, false
			}
			if err != nil {
				logger.Warnf("prober: skipping malformed input line: %v", err)
				continue
			}
			p, err := packet.ProbeFromCSVLine(fields)
			if err != nil {
				logger.Warnf("prober: skipping probe: %v", err)
				continue
			}
			return p, true
		}
	}
}

// Sender is what the loop needs of the send path; *sender.Sender satisfies
// it, and tests substitute their own.
type Sender interface {
	Send(packet.Probe) error
}

// Waiter is the pacing hook the loop calls once per batch;
// *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait()
}

// Loop is the inner prober loop over one probe stream. All fields must be
// set before Run; Excl and Incl may be nil to disable that filter.
type Loop struct {
	Sender  Sender
	Limiter Waiter
	Excl    *lpm.Set
	Incl    *lpm.Set
	Stats   *stats.Prober
	Logger  *zap.SugaredLogger

	FilterMinTTL uint8
	FilterMaxTTL uint8
	NPackets     uint64
	BatchSize    uint64
	// MaxProbes caps sent packets; zero means unbounded.
	MaxProbes uint64
}

// Run consumes next until exhaustion, ctx cancellation, or the MaxProbes
// cap. Per-packet send failures are counted and logged at debug level; they
// never stop the loop.
func (l *Loop) Run(ctx context.Context, next Iterator) {
	var attempts uint64
	for {
		if ctx.Err() != nil {
			return
		}
		p, ok := next()
		if !ok {
			return
		}
		l.Stats.Read.Add(1)

		if p.TTL < l.FilterMinTTL {
			l.Stats.FilteredLoTTL.Add(1)
			continue
		}
		if p.TTL > l.FilterMaxTTL {
			l.Stats.FilteredHiTTL.Add(1)
			continue
		}

		addr, _ := netip.AddrFromSlice(p.Dst)
		addr = addr.Unmap()
		if l.Excl != nil && l.Excl.Lookup(addr) {
			l.Stats.FilteredPrefixExcl.Add(1)
			continue
		}
		if l.Incl != nil && !l.Incl.Lookup(addr) {
			l.Stats.FilteredPrefixNotIncl.Add(1)
			continue
		}

		for i := uint64(0); i < l.NPackets; i++ {
			if err := l.Sender.Send(p); err != nil {
				l.Stats.Failed.Add(1)
				l.Logger.Debugf("prober: %v", err)
			} else {
				l.Stats.Sent.Add(1)
			}
			attempts++
			if attempts%l.BatchSize == 0 {
				l.Limiter.Wait()
			}
		}

		if l.MaxProbes > 0 && l.Stats.Sent.Load() >= l.MaxProbes {
			return
		}
	}
}

// Run wires every subsystem together per cfg and drives one probing round
// to completion: load prefix filters, open the input, raw sockets, and the
// capture handle, start the sniffer and reporter, run the loop, then let
// in-flight replies land before stopping the sniffer. Startup errors return
// before any goroutine is spawned.
func Run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var excl, incl *lpm.Set
	if cfg.PrefixExclFile != "" {
		excl = lpm.NewSet()
		if err := excl.InsertFile(cfg.PrefixExclFile); err != nil {
			return err
		}
	}
	if cfg.PrefixInclFile != "" {
		incl = lpm.NewSet()
		if err := incl.InsertFile(cfg.PrefixInclFile); err != nil {
			return err
		}
	}

	input, err := os.Open(cfg.InputFile)
	if err != nil {
		return fmt.Errorf("prober: opening input: %w", err)
	}
	defer input.Close()

	snd, err := sender.New(cfg.Interface)
	if err != nil {
		return err
	}
	defer snd.Close()

	proberStats := &stats.Prober{}
	snifferStats := stats.NewSniffer()

	snf, err := sniffer.New(sniffer.Options{
		Interface:    cfg.Interface,
		OutputCSV:    cfg.OutputFileCSV,
		OutputPCAP:   cfg.OutputFilePCAP,
		Round:        cfg.MetaRound,
		DstPortFloor: cfg.DstPortFloor,
	}, snifferStats, logger)
	if err != nil {
		return err
	}
	// The sniffer must be capturing before the first send, so a reply
	// arriving faster than this goroutine schedules can't be lost.
	go snf.Run()
	defer snf.Stop()

	reporter := stats.NewReporter(proberStats, snifferStats, logger)
	go reporter.Run()
	defer reporter.Stop()

	limiter := ratelimit.New(cfg.ProbingRate, cfg.BatchSize, ratelimit.MethodFromConfig(cfg.RateLimitingMethod))
	interval := time.Duration(float64(cfg.BatchSize) / cfg.ProbingRate * float64(time.Second))
	if res := limiter.Resolution(); interval < res {
		logger.Warnf("prober: batch interval %v is below the measured sleep resolution %v; Sleep pacing will overshoot, use active or auto", interval, res)
	} else {
		logger.Infof("prober: target %.0f pps, batch %d, batch interval %v (sleep resolution %v)", cfg.ProbingRate, cfg.BatchSize, interval, limiter.Resolution())
	}

	loop := &Loop{
		Sender:       snd,
		Limiter:      limiter,
		Excl:         excl,
		Incl:         incl,
		Stats:        proberStats,
		Logger:       logger,
		FilterMinTTL: cfg.FilterMinTTL,
		FilterMaxTTL: cfg.FilterMaxTTL,
		NPackets:     cfg.NPackets,
		BatchSize:    cfg.BatchSize,
		MaxProbes:    cfg.MaxProbes,
	}
	loop.Run(ctx, NewCSVIterator(input, logger))

	logger.Infof("prober: waiting %ds for in-flight replies", cfg.SnifferWaitTime)
	select {
	case <-time.After(time.Duration(cfg.SnifferWaitTime) * time.Second):
	case <-ctx.Done():
	}
	snf.Stop()
	reporter.Stop()
	reporter.LogFinal()

	ls := limiter.Statistics()
	logger.Infof("prober: average rate %.1f pps, total waited %v", ls.AverageRate, ls.TotalWaited)
	return nil
}
