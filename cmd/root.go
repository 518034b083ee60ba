package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/splice/formatter"
	"github.com/netbirdio/splice/metrics"
	"github.com/netbirdio/splice/runner"
	"github.com/netbirdio/splice/transport"
	"github.com/netbirdio/splice/util"
)

const (
	maxBufferSize   = 1 << 30
	shutdownTimeout = 5 * time.Second
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// Config holds the command line flags of the root command.
type Config struct {
	Concurrent     bool
	Loop           bool
	Quiet          bool
	Verbose        int
	Timestamps     string
	LogFile        string
	BufferSize     string
	MaxConcurrent  int
	SpawnRate      float64
	MetricsAddress string
}

func (c Config) Validate() error {
	if _, err := formatter.ParseTimestampStyle(c.Timestamps); err != nil {
		return err
	}

	if _, err := c.bufferSize(); err != nil {
		return err
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent pairs must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.SpawnRate < 0 {
		return fmt.Errorf("spawn rate must not be negative, got %v", c.SpawnRate)
	}
	return nil
}

func (c Config) bufferSize() (int, error) {
	size, err := units.RAMInBytes(c.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer size %q: %w", c.BufferSize, err)
	}
	if size < 1 || size > maxBufferSize {
		return 0, fmt.Errorf("buffer size %s out of range 1B-1GiB", c.BufferSize)
	}
	return int(size), nil
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:   "splice [flags] LEFT RIGHT",
		Short: "Relay bytes between two endpoints",
		Long: "Connects the LEFT and the RIGHT endpoint and copies bytes in both directions until both sides are done.\n\n" +
			"Endpoints are URLs and the scheme selects the transport: " + strings.Join(transport.Schemes(), ", ") + ".\n" +
			"'-' is short for stdio: and exec:CMD runs CMD through the shell.",
		Example: "  splice - tcp://example.com:22\n" +
			"  splice --loop tcp-server://0.0.0.0:8080 'tcp://10.0.0.2:80?nodelay=true'\n" +
			"  splice --loop unix-server:///run/splice.sock 'exec:cat'\n" +
			"  splice tun://10.0.0.1/24 wss://relay.example.com/tunnel\n" +
			"  splice --loop wss-server://0.0.0.0:8443/tunnel tcp://127.0.0.1:22",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), cfg, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&cfg.Concurrent, "concurrent", "c", false, "run the pair in the background; with --loop keep spawning new pairs")
	flags.BoolVarP(&cfg.Loop, "loop", "l", false, "start a new pair after the previous one ended")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", false, "do not log anything")
	flags.CountVarP(&cfg.Verbose, "verbose", "v", "increase verbosity, repeat up to four times")
	flags.StringVarP(&cfg.Timestamps, "timestamps", "t", string(formatter.TimestampNone), "timestamp style of log lines: sec, ms, ns or none")
	flags.StringVar(&cfg.LogFile, "log-file", util.LogConsole, "log file, console writes to stderr")
	flags.StringVar(&cfg.BufferSize, "buffer-size", "32KiB", "copy buffer size of each direction")
	flags.IntVar(&cfg.MaxConcurrent, "max-concurrent", runner.DefaultMaxConcurrent, "maximum number of pairs running at once in concurrent loop mode")
	flags.Float64Var(&cfg.SpawnRate, "spawn-rate", 0, "new pairs per second in loop mode, 0 is unlimited")
	flags.StringVar(&cfg.MetricsAddress, "metrics-address", "", "serve Prometheus metrics on this address, disabled when empty")
	cmd.MarkFlagsMutuallyExclusive("concurrent", "loop")

	util.SetFlagsFromEnvVars(cmd)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints the final error even in quiet mode. A log file gets a
// copy of it as well.
func reportError(w io.Writer, err error) {
	if log.StandardLogger().Out != os.Stderr {
		log.Error(err)
	}
	_, _ = fmt.Fprintf(w, "Error: %s\n", err)
}

// SetVersionInfo sets version information for the CLI.
func SetVersionInfo(version, commit, buildDate, goVersion string) {
	Version = version
	Commit = commit
	BuildDate = buildDate
	GoVersion = goVersion
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("Version: {{.Version}}, Commit: " + Commit + ", BuildDate: " + BuildDate + ", Go: " + GoVersion + "\n")
}

func execute(ctx context.Context, cfg *Config, left, right string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	style, _ := formatter.ParseTimestampStyle(cfg.Timestamps)
	level := util.LevelFromVerbosity(cfg.Quiet, cfg.Verbose)
	if err := util.InitLogWithTimestamps(level.String(), cfg.LogFile, style); err != nil {
		return fmt.Errorf("failed to initialize log: %w", err)
	}

	bufferSize, _ := cfg.bufferSize()
	runnerCfg := runner.Config{
		Left:          left,
		Right:         right,
		Concurrent:    cfg.Concurrent,
		Loop:          cfg.Loop,
		BufferSize:    bufferSize,
		MaxConcurrent: cfg.MaxConcurrent,
		SpawnRate:     cfg.SpawnRate,
	}

	var metricsServer *metrics.Metrics
	if cfg.MetricsAddress != "" {
		var err error
		metricsServer, err = metrics.NewServer(cfg.MetricsAddress)
		if err != nil {
			return fmt.Errorf("setup metrics: %w", err)
		}
		runnerCfg.Metrics, err = metrics.NewRelay(metricsServer.Meter)
		if err != nil {
			return fmt.Errorf("setup relay metrics: %w", err)
		}
	}

	r, err := runner.New(runnerCfg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsServer != nil {
		metricsServer.Start()
	}

	runErr := r.Run(ctx)
	if cfg.Concurrent {
		// background pairs keep the process alive until they end or a signal arrives
		r.Wait()
	}
	log.Debugf("pairs completed: %d, failed: %d", r.Completed(), r.Failed())

	if err := shutdown(metricsServer); err != nil {
		log.Warnf("shutdown: %s", err)
	}
	return runErr
}

func shutdown(metricsServer *metrics.Metrics) error {
	if metricsServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var merr *multierror.Error
	if err := metricsServer.Shutdown(ctx); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("metrics server: %w", err))
	}
	return merr.ErrorOrNil()
}
