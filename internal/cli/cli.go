// ============================================================================
// mutq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree wiring config, logging, the mutation queue,
//          the flush pool and the mock remote service together
//
// Command Structure:
//   mutq                           # Root command
//   ├── serve                      # Run the mock remote time-tracking service
//   │   ├── --addr                 # Listen address (default: remote.addr)
//   │   └── --fail-rate            # Injected 503 probability
//   ├── simulate                   # Offline edit scenario against the remote
//   │   ├── --entities, -n         # Entries created while "offline"
//   │   ├── --external             # Use remote.addr instead of an in-process service
//   │   └── --report               # Write the inspection report to this path
//   ├── status                     # Show configuration and the last report
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   defaults → YAML file → MUTQ_* environment variables (internal/config)
//
// simulate Command:
//   1. Enqueue edits against temporary ids (-1, -2, ...)
//   2. Create each entry remotely and reconcile temp → permanent id
//   3. Flush all entities concurrently through the worker pool
//   4. Retry entities left in error once
//   5. Print a summary, optionally write the inspection report
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the command context; serve shuts the HTTP
//   server down gracefully and simulate aborts in-flight flushes.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mutation-queue/internal/config"
	"github.com/ChuLiYu/mutation-queue/internal/remote"
	"github.com/ChuLiYu/mutation-queue/internal/report"
)

// Version of the mutq binary.
const Version = "1.0.0"

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mutq",
		Short:         "Optimistic mutation queue with identifier reconciliation",
		Long:          "mutq queues edits made against temporary ids and replays them once the remote service assigns permanent ids.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "Path to config file")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig loads the config file and installs the logger it describes.
func loadConfig(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log, w)
	return cfg, nil
}

// setupLogging installs the default slog logger. Package level loggers
// captured before this call go through the log package bridge, so its
// level is raised or lowered to match.
func setupLogging(lc config.LogConfig, w io.Writer) *slog.Logger {
	level := parseLogLevel(lc.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var (
		addr     string
		failRate float64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mock remote service",
		Long:  "Serve the in-memory time-tracking API the queue syncs against, with optional injected failures.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Remote.Addr = addr
			}
			if cmd.Flags().Changed("fail-rate") {
				cfg.Remote.FailRate = failRate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides remote.addr)")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0, "Probability of an injected 503 on mutating requests")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.Remote.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Remote.Addr, err)
	}

	h := remote.NewHandler(remote.NewStore(), remote.Faults{
		FailRate: cfg.Remote.FailRate,
		Latency:  cfg.Remote.Latency.Std(),
	})
	slog.Info("Starting remote service",
		"addr", ln.Addr().String(),
		"fail_rate", cfg.Remote.FailRate,
		"latency", cfg.Remote.Latency.Std())

	return remote.Serve(ctx, ln, remote.NewRouter(h))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and queue status",
		Long:  "Display the effective configuration and the last inspection report, if one was written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *config.Config) error {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           mutq Status                                     ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Max Retries:     %d\n", cfg.Queue.MaxRetries)
	fmt.Fprintf(w, "  ├─ Base Delay:      %s\n", cfg.Queue.BaseDelay.Std())
	fmt.Fprintf(w, "  ├─ Flush Timeout:   %s\n", cfg.Queue.FlushTimeout.Std())
	fmt.Fprintf(w, "  ├─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(w, "  └─ Remote:          %s\n", cfg.Remote.Addr)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Last Report:")
	if cfg.Report.Path == "" {
		fmt.Fprintln(w, "  └─ Not configured (set report.path or run 'mutq simulate --report')")
		fmt.Fprintln(w)
		return nil
	}

	ins, err := report.NewWriter(cfg.Report.Path).Load()
	switch {
	case errors.Is(err, report.ErrReportNotFound):
		fmt.Fprintf(w, "  └─ No report at %s\n", cfg.Report.Path)
	case err != nil:
		return fmt.Errorf("failed to read report: %w", err)
	default:
		counts := make(map[string]int)
		ops := 0
		for _, e := range ins.Entities {
			counts[string(e.Status)]++
			ops += len(e.Operations)
		}
		fmt.Fprintf(w, "  ├─ Path:            %s\n", cfg.Report.Path)
		fmt.Fprintf(w, "  ├─ Entities:        %d\n", len(ins.Entities))
		fmt.Fprintf(w, "  ├─ Queued Ops:      %d\n", ops)
		fmt.Fprintf(w, "  ├─ ⏳ Pending:      %d\n", counts["pending"])
		fmt.Fprintf(w, "  ├─ 🔄 Syncing:      %d\n", counts["syncing"])
		fmt.Fprintf(w, "  ├─ ✅ Synced:       %d\n", counts["synced"])
		fmt.Fprintf(w, "  └─ ❌ Error:        %d\n", counts["error"])
	}
	fmt.Fprintln(w)
	return nil
}
