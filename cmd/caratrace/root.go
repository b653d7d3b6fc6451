package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/probelab/caratrace/internal/config"
	"github.com/probelab/caratrace/internal/logging"
	"github.com/probelab/caratrace/internal/prober"
)

var (
	// Flags
	ifaceName    string
	protocol     string
	probingRate  float64
	batchSize    uint64
	rateMethod   string
	inputFile    string
	outputCSV    string
	outputPCAP   string
	prefixExcl   string
	prefixIncl   string
	filterMinTTL uint8
	filterMaxTTL uint8
	nPackets     uint64
	maxProbes    uint64
	dstPortFloor uint16
	snifferWait  int
	metaRound    string
	logFile      string
	verbose      bool

	// Config file
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "caratrace",
	Short: "High-rate traceroute prober",
	Long: `Caratrace - a high-rate network traceroute prober

Caratrace reads probe specifications from a CSV file, crafts raw packets
whose on-wire bytes encode each probe's flow identity, transmits them at a
controlled rate, and concurrently captures the ICMP replies, matching each
one back to its probe and appending a structured record to a reply CSV.

It is built for internet-scale topology measurement: hundreds of thousands
of probes per second, asymmetric request/reply, heavy loss tolerance.
Sending requires CAP_NET_RAW (or root).

Examples:
  caratrace -i eth0 --input probes.csv --output-csv replies.csv
  caratrace -i eth0 -r 100000 --rate-method auto --input probes.csv
  caratrace -i eth0 --prefix-excl private.txt --round 1 --input probes.csv
  caratrace config --init     Create default config file`,
	Args:              cobra.NoArgs,
	PersistentPreRunE: loadConfig,
	RunE:              runProbe,
	SilenceUsage:      true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version info displayed by `caratrace version`.
func SetVersion(v, c, d string) {
	rootCmd.Version = v
	version, commit, date = v, c, d
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.config/caratrace/config.yaml)")

	// Network settings
	rootCmd.Flags().StringVarP(&ifaceName, "interface", "i", "", "NIC used for both capture and send")
	rootCmd.Flags().StringVar(&protocol, "protocol", "", "Default outgoing L4 protocol: icmp, icmp6, or udp")

	// Pacing
	rootCmd.Flags().Float64VarP(&probingRate, "rate", "r", 0, "Target probing rate (packets/sec)")
	rootCmd.Flags().Uint64Var(&batchSize, "batch-size", 0, "Send attempts between rate limiter waits")
	rootCmd.Flags().StringVar(&rateMethod, "rate-method", "", "Rate limiting method: sleep, active, or auto")

	// I/O
	rootCmd.Flags().StringVar(&inputFile, "input", "", "Probe CSV input file")
	rootCmd.Flags().StringVar(&outputCSV, "output-csv", "", "Reply CSV output file")
	rootCmd.Flags().StringVar(&outputPCAP, "output-pcap", "", "Optional verbatim PCAP of every sniffed frame")

	// Filters
	rootCmd.Flags().StringVar(&prefixExcl, "prefix-excl", "", "CIDR list file; matching destinations are never probed")
	rootCmd.Flags().StringVar(&prefixIncl, "prefix-incl", "", "CIDR list file; only matching destinations are probed")
	rootCmd.Flags().Uint8Var(&filterMinTTL, "min-ttl", 0, "Drop probes with a smaller TTL")
	rootCmd.Flags().Uint8Var(&filterMaxTTL, "max-ttl", 0, "Drop probes with a larger TTL")

	// Volume
	rootCmd.Flags().Uint64Var(&nPackets, "n-packets", 0, "Copies sent per probe")
	rootCmd.Flags().Uint64Var(&maxProbes, "max-probes", 0, "Stop after this many sent packets (0 = unbounded)")

	// Lifecycle
	rootCmd.Flags().Uint16Var(&dstPortFloor, "dst-port-floor", 0, "Reject replies whose quoted dst port or echo id is below this sentinel")
	rootCmd.Flags().IntVar(&snifferWait, "sniffer-wait", 0, "Seconds to wait after the last send before stopping the sniffer")
	rootCmd.Flags().StringVar(&metaRound, "round", "", "Opaque tag stamped into every reply row")

	// Logging
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Tee structured logs to a rotating file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level (per-frame drops, per-packet failures)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads configuration from file, then lets explicitly-set flags
// override the file's values.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	applyFlagOverrides(cmd)
	return nil
}

// applyFlagOverrides copies explicitly-set flag values over the loaded
// config, so the precedence is flags > config file > defaults.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()

	if flags.Changed("interface") {
		cfg.Interface = ifaceName
	}
	if flags.Changed("protocol") {
		cfg.Protocol = protocol
	}
	if flags.Changed("rate") {
		cfg.ProbingRate = probingRate
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = batchSize
	}
	if flags.Changed("rate-method") {
		cfg.RateLimitingMethod = config.RateLimitMethod(rateMethod)
	}
	if flags.Changed("input") {
		cfg.InputFile = inputFile
	}
	if flags.Changed("output-csv") {
		cfg.OutputFileCSV = outputCSV
	}
	if flags.Changed("output-pcap") {
		cfg.OutputFilePCAP = outputPCAP
	}
	if flags.Changed("prefix-excl") {
		cfg.PrefixExclFile = prefixExcl
	}
	if flags.Changed("prefix-incl") {
		cfg.PrefixInclFile = prefixIncl
	}
	if flags.Changed("min-ttl") {
		cfg.FilterMinTTL = filterMinTTL
	}
	if flags.Changed("max-ttl") {
		cfg.FilterMaxTTL = filterMaxTTL
	}
	if flags.Changed("n-packets") {
		cfg.NPackets = nPackets
	}
	if flags.Changed("max-probes") {
		cfg.MaxProbes = maxProbes
	}
	if flags.Changed("dst-port-floor") {
		cfg.DstPortFloor = dstPortFloor
	}
	if flags.Changed("sniffer-wait") {
		cfg.SnifferWaitTime = snifferWait
	}
	if flags.Changed("round") {
		cfg.MetaRound = metaRound
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	logger := logging.New(level, cfg.LogFile)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return prober.Run(ctx, cfg, logger)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Caratrace %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", date)
		fmt.Printf("  Config: %s\n", config.GetConfigPath())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage the caratrace configuration file.

Commands:
  caratrace config --init     Create default config file
  caratrace config --show     Show an example configuration
  caratrace config --path     Show config file path`,
	RunE: runConfig,
}

var (
	configInit bool
	configShow bool
	configPath bool
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Create default config file")
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show an example configuration")
	configCmd.Flags().BoolVar(&configPath, "path", false, "Show config file path")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configPath {
		fmt.Println(config.GetConfigPath())
		return nil
	}

	if configInit {
		path := config.GetConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
		if err := config.DefaultConfig().Save(); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}
		fmt.Printf("Created config file: %s\n", path)
		fmt.Println("\nEdit this file to customize defaults; at minimum set `interface`.")
		return nil
	}

	if configShow {
		fmt.Println(config.GenerateExample())
		return nil
	}

	return cmd.Help()
}
