package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/rpkid/pkg/collector"
	"github.com/cuemby/rpkid/pkg/engine"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/payload"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/store"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	flagTALDir        string
	flagStoreDir      string
	flagCacheDir      string
	flagThreads       int
	flagMaxCADepth    int
	flagStale         string
	flagUnsafeVRPs    string
	flagHistorySize   int
	flagRefresh       time.Duration
	flagRsyncCommand  string
	flagRsyncTimeout  time.Duration
	flagRRDPFallback  time.Duration
	flagMetricsListen string
	flagLogLevel      string
	flagLogJSON       bool
	flagOnce          bool
)

var rootCmd = &cobra.Command{
	Use:   "rpkid",
	Short: "rpkid - RPKI relying party validator",
	Long: `rpkid synchronises the RPKI from its publication points, validates
the full certificate tree from the configured trust anchors down, and
maintains the resulting route origins, router keys, and ASPA records
as a serial-numbered payload history for RTR consumers.`,
	Version: Version,
	RunE:    runValidator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rpkid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.StringVar(&flagTALDir, "tal-dir", "/etc/rpkid/tals", "Directory holding trust anchor locator (.tal) files")
	flags.StringVar(&flagStoreDir, "store-dir", "/var/lib/rpkid/store", "Directory for the validated object store")
	flags.StringVar(&flagCacheDir, "cache-dir", "/var/lib/rpkid/cache", "Directory for collector transport caches")
	flags.IntVar(&flagThreads, "validation-threads", 4, "Number of parallel validation workers")
	flags.IntVar(&flagMaxCADepth, "max-ca-depth", 32, "Maximum CA chain depth below a trust anchor")
	flags.StringVar(&flagStale, "stale", "reject", "Stale manifest policy: accept, warn, or reject")
	flags.StringVar(&flagUnsafeVRPs, "unsafe-vrps", "reject", "Policy for payload covered by a rejected CA: accept, warn, or reject")
	flags.IntVar(&flagHistorySize, "history-size", payload.DefaultHistorySize, "Number of payload deltas to keep for RTR catch-up")
	flags.DurationVar(&flagRefresh, "refresh", 10*time.Minute, "Interval between validation runs")
	flags.StringVar(&flagRsyncCommand, "rsync-command", "rsync", "The rsync command to run")
	flags.DurationVar(&flagRsyncTimeout, "rsync-timeout", 5*time.Minute, "Timeout for a single rsync module fetch")
	flags.DurationVar(&flagRRDPFallback, "rrdp-fallback-time", time.Hour, "How long a previously fetched RRDP copy stays usable after fetch failures")
	flags.StringVar(&flagMetricsListen, "metrics-listen", "", "Listen address for the Prometheus metrics endpoint (disabled if empty)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, or error")
	flags.BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of console output")
	flags.BoolVar(&flagOnce, "once", false, "Run a single validation pass and exit")
}

func runValidator(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: parseLogLevel(flagLogLevel), JSONOutput: flagLogJSON})
	logger := log.WithComponent("rpkid")

	stalePolicy, err := parseFilterPolicy(flagStale)
	if err != nil {
		return fmt.Errorf("--stale: %w", err)
	}
	unsafePolicy, err := parseFilterPolicy(flagUnsafeVRPs)
	if err != nil {
		return fmt.Errorf("--unsafe-vrps: %w", err)
	}

	tals, err := loadTALs(flagTALDir)
	if err != nil {
		return err
	}
	if len(tals) == 0 {
		return fmt.Errorf("no .tal files found in %s", flagTALDir)
	}
	logger.Info().Int("tals", len(tals)).Str("dir", flagTALDir).Msg("loaded trust anchor locators")

	st, err := store.Open(flagStoreDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rsync := collector.NewRsyncTransport(
		filepath.Join(flagCacheDir, "rsync"), flagRsyncCommand, flagRsyncTimeout)
	rrdp := collector.NewRRDPTransport(
		filepath.Join(flagCacheDir, "rrdp"), nil, flagRRDPFallback)
	coll := collector.New(rsync, rrdp)

	policy := engine.Policy{
		ValidationThreads: flagThreads,
		MaxCADepth:        flagMaxCADepth,
		Stale:             stalePolicy,
		UnsafeVRPs:        unsafePolicy,
	}
	eng := engine.New(st, coll, policy)
	history := payload.NewHistory(flagHistorySize, unsafePolicy)

	if flagMetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info().Str("addr", flagMetricsListen).Msg("serving metrics")
			if err := http.ListenAndServe(flagMetricsListen, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		runOnce(ctx, eng, tals, history)
		if flagOnce {
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case <-time.After(flagRefresh):
		}
	}
}

func runOnce(ctx context.Context, eng *engine.Engine, tals []*rpki.TAL, history *payload.History) {
	logger := log.WithComponent("rpkid")
	proc := payload.NewProcessor()
	if err := eng.Run(ctx, tals, proc); err != nil {
		logger.Error().Err(err).Msg("validation run failed; keeping previous payload")
		return
	}
	changed := history.Update(proc.Report())
	_, serial := history.Notify()
	logger.Info().Bool("changed", changed).Uint32("serial", serial).Msg("validation run complete")
}

func loadTALs(dir string) ([]*rpki.TAL, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading TAL directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tal") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var tals []*rpki.TAL
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		tal, err := rpki.ParseTAL(strings.TrimSuffix(name, ".tal"), f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		tals = append(tals, tal)
	}
	return tals, nil
}

func parseFilterPolicy(s string) (engine.FilterPolicy, error) {
	switch strings.ToLower(s) {
	case "accept":
		return engine.Accept, nil
	case "warn":
		return engine.Warn, nil
	case "reject":
		return engine.Reject, nil
	default:
		return 0, fmt.Errorf("unknown policy %q (want accept, warn, or reject)", s)
	}
}

func parseLogLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
