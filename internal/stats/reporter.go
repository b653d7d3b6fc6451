package stats

import (
	"bytes"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

// DefaultInterval is the reporter's fixed print cadence. A fixed interval
// scales better than a per-batch cadence: at high probing rates a
// rate-proportional reporter would dominate the log.
const DefaultInterval = 5 * time.Second

// Reporter periodically logs a table of the prober's and sniffer's counters
// so an operator can tell rate-limit saturation from destination filtering
// from capture loss. It is a daemon goroutine: Stop ends it, but nothing
// else in the process waits for it to exit.
type Reporter struct {
	prober   *Prober
	sniffer  *Sniffer
	logger   *zap.SugaredLogger
	done     chan struct{}
	stopOnce sync.Once
}

// NewReporter builds a Reporter over prober and sniffer, logging through
// logger every DefaultInterval.
func NewReporter(prober *Prober, sniffer *Sniffer, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		prober:  prober,
		sniffer: sniffer,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run logs a stats table every DefaultInterval until Stop is called.
// Intended to be launched with `go reporter.Run()`.
func (r *Reporter) Run() {
	ticker := time.NewTicker(DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.logOnce()
		case <-r.done:
			return
		}
	}
}

// Stop ends the reporter goroutine. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// LogFinal logs one final stats table, for the prober loop to call after
// it stops the sniffer.
func (r *Reporter) LogFinal() {
	r.logOnce()
}

func (r *Reporter) logOnce() {
	r.logger.Info(r.render())
}

// render builds the human-facing stats table, colored only when stdout is a
// terminal.
func (r *Reporter) render() string {
	useColor := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	p := r.prober.Snapshot()
	s := r.sniffer.Snapshot()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"read", "sent", "failed", "lo_ttl", "hi_ttl", "excl", "not_incl", "received", "seen_all", "seen_match"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoFormatHeaders(true)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	row := []string{
		strconv.FormatUint(p.Read, 10),
		strconv.FormatUint(p.Sent, 10),
		strconv.FormatUint(p.Failed, 10),
		strconv.FormatUint(p.FilteredLoTTL, 10),
		strconv.FormatUint(p.FilteredHiTTL, 10),
		strconv.FormatUint(p.FilteredPrefixExcl, 10),
		strconv.FormatUint(p.FilteredPrefixNotIncl, 10),
		strconv.FormatUint(s.ReceivedCount, 10),
		strconv.Itoa(s.SeenAllCount),
		strconv.Itoa(s.SeenMatchCount),
	}
	if useColor && p.Failed > 0 {
		row[2] = color.RedString(row[2])
	}
	if useColor && p.Sent > 0 {
		row[1] = color.GreenString(row[1])
	}
	table.Append(row)
	table.Render()

	return buf.String()
}
