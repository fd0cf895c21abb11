package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mutation-queue/internal/config"
	"github.com/ChuLiYu/mutation-queue/internal/metrics"
	"github.com/ChuLiYu/mutation-queue/internal/queue"
	"github.com/ChuLiYu/mutation-queue/internal/remote"
	"github.com/ChuLiYu/mutation-queue/internal/report"
	"github.com/ChuLiYu/mutation-queue/internal/transport"
	"github.com/ChuLiYu/mutation-queue/internal/worker"
	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// simOptions are the simulate flags layered over the config file.
type simOptions struct {
	Entities int
	External bool
}

// Summary is the outcome of one simulation run.
type Summary struct {
	Entities int
	Created  int
	Synced   int
	Errored  int
	Pending  int
	Executed int
	Failed   int
	Retried  int
	Duration time.Duration
}

func buildSimulateCommand() *cobra.Command {
	var (
		opts       simOptions
		failRate   float64
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an offline edit scenario",
		Long: "Create entries under temporary ids, queue edits against them, then create them remotely, " +
			"reconcile the ids and flush every entity through the worker pool.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fail-rate") {
				cfg.Remote.FailRate = failRate
			}
			if cmd.Flags().Changed("report") {
				cfg.Report.Path = reportPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.Entities < 1 {
				return fmt.Errorf("entities must be at least 1, got %d", opts.Entities)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sum, err := runSimulation(ctx, cfg, opts)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Entities, "entities", "n", 10, "Number of entries created offline")
	cmd.Flags().BoolVar(&opts.External, "external", false, "Sync against remote.addr instead of an in-process service")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0, "Injected 503 probability for the in-process service")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the inspection report to this path")

	return cmd
}

// runSimulation drives the whole offline → online cycle.
func runSimulation(ctx context.Context, cfg *config.Config, opts simOptions) (Summary, error) {
	start := time.Now()
	sum := Summary{Entities: opts.Entities}

	baseURL := cfg.Remote.Addr
	if !opts.External {
		addr, shutdown, err := startLocalRemote(ctx, cfg.Remote)
		if err != nil {
			return sum, err
		}
		defer shutdown()
		baseURL = addr
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.StartServer(metricsCtx, cfg.Metrics.Port, reg); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	client := transport.NewClient(baseURL, nil)
	m := queue.New(queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay.Std(),
		Metrics:    collector,
	})

	// 1. offline: every edit is queued under a temporary id
	temps := make([]types.EntityID, 0, opts.Entities)
	for i := 1; i <= opts.Entities; i++ {
		temp := types.Temporary(int64(-i))
		if err := enqueueEdits(m, client, temp, i); err != nil {
			return sum, err
		}
		temps = append(temps, temp)
	}
	slog.Info("Offline edits queued", "entities", len(temps), "operations", m.Stats()["operations"])

	// 2. online: create remotely and reconcile
	var tasks []worker.Task
	for i, temp := range temps {
		e, err := createWithRetry(ctx, client, cfg.Queue, types.Payload{
			"description": fmt.Sprintf("draft %d", i+1),
		})
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			slog.Warn("Entry could not be created, edits stay queued", "temp", temp, "error", err)
			continue
		}
		perm := types.Permanent(e.ID)
		if err := m.Reconcile(temp, perm); err != nil {
			return sum, err
		}
		sum.Created++
		tasks = append(tasks, worker.Task{
			Temp:      temp,
			Permanent: perm,
			Timeout:   cfg.Queue.FlushTimeout.Std(),
		})
	}

	// 3. flush every reconciled entity concurrently
	results, err := runFlushRound(ctx, m, cfg.Worker, tasks)
	if err != nil {
		return sum, err
	}

	// 4. one explicit retry round for entities left in error
	var retries []worker.Task
	for _, r := range results {
		if r.Error == nil && !r.Success {
			retries = append(retries, worker.Task{
				Permanent: r.Key,
				Retry:     true,
				Timeout:   cfg.Queue.FlushTimeout.Std(),
			})
		}
	}
	if len(retries) > 0 {
		slog.Info("Retrying failed entities", "entities", len(retries))
		retried, err := runFlushRound(ctx, m, cfg.Worker, retries)
		if err != nil {
			return sum, err
		}
		sum.Retried = len(retries)
		results = append(results, retried...)
	}

	for _, r := range results {
		failed := r.Failed()
		sum.Failed += failed
		sum.Executed += len(r.Results) - failed
	}

	stats := m.Stats()
	sum.Synced = stats["synced"]
	sum.Errored = stats["error"]
	sum.Pending = stats["pending"]
	sum.Duration = time.Since(start)

	if cfg.Report.Path != "" {
		w := report.NewWriter(cfg.Report.Path)
		if err := w.Write(m.Inspect()); err != nil {
			return sum, fmt.Errorf("failed to write report: %w", err)
		}
		slog.Info("Inspection report written", "path", w.GetPath())
	}

	return sum, nil
}

// enqueueEdits queues the edits a user would make on entry i before it
// exists remotely. The tag edit lands after the bulk edit and is folded into it.
func enqueueEdits(m *queue.Manager, client *transport.Client, temp types.EntityID, i int) error {
	type edit struct {
		kind    types.Kind
		payload types.Payload
	}
	edits := []edit{
		{types.KindUpdateDescription, types.Payload{"description": fmt.Sprintf("offline entry %d", i)}},
		{types.KindUpdateBulkFields, types.Payload{
			"projectName": fmt.Sprintf("project-%d", i%3),
			"billable":    i%2 == 0,
		}},
		{types.KindUpdateTags, types.Payload{"tags": []string{"offline", fmt.Sprintf("batch-%d", i%3)}}},
	}
	if i%4 == 0 {
		edits = append(edits, edit{kind: types.KindStopTimer})
	}
	if i%5 == 0 {
		edits = append(edits, edit{kind: types.KindDelete})
	}

	for _, e := range edits {
		op := &types.Operation{
			Key:      temp,
			Kind:     e.kind,
			Payload:  e.payload,
			Executor: transport.ForKind(client, e.kind, true),
		}
		if err := m.Enqueue(op); err != nil {
			return fmt.Errorf("failed to enqueue %s for %s: %w", e.kind, temp, err)
		}
	}
	return nil
}

// createWithRetry creates an entry, retrying transient failures with the
// queue's backoff settings.
func createWithRetry(ctx context.Context, client *transport.Client, qc config.QueueConfig, fields types.Payload) (transport.Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= qc.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(qc.BaseDelay.Std() << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return transport.Entry{}, ctx.Err()
			case <-timer.C:
			}
		}

		e, err := client.Create(ctx, fields)
		if err == nil {
			return e, nil
		}
		lastErr = err
		if transport.IsPermanent(err) || ctx.Err() != nil {
			break
		}
	}
	return transport.Entry{}, lastErr
}

// runFlushRound submits tasks to a fresh pool and collects every result.
// Cancelling ctx aborts flushes in progress.
func runFlushRound(ctx context.Context, m *queue.Manager, wc config.WorkerConfig, tasks []worker.Task) ([]worker.Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	pool := worker.NewPool(m, max(wc.BufferSize, len(tasks)))
	if err := pool.Start(wc.WorkerCount); err != nil {
		return nil, err
	}
	slog.Debug("Flush round started", "tasks", len(tasks), "workers", pool.GetWorkerCount())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pool.Abort()
		case <-done:
		}
	}()

	for _, task := range tasks {
		if err := pool.Submit(task); err != nil {
			pool.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to submit flush for %s: %w", task.Permanent, err)
		}
	}
	pool.Stop()

	results := make([]worker.Result, 0, len(tasks))
	for {
		r, err := pool.ReceiveResult(context.Background())
		if errors.Is(err, worker.ErrPoolClosed) {
			break
		}
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// startLocalRemote runs the mock service on an ephemeral loopback port.
func startLocalRemote(ctx context.Context, rc config.RemoteConfig) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to start in-process remote: %w", err)
	}

	h := remote.NewHandler(remote.NewStore(), remote.Faults{
		FailRate: rc.FailRate,
		Latency:  rc.Latency.Std(),
	})

	srvCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- remote.Serve(srvCtx, ln, remote.NewRouter(h))
	}()

	shutdown := func() {
		cancel()
		if err := <-errCh; err != nil {
			slog.Warn("In-process remote stopped with error", "error", err)
		}
	}
	return ln.Addr().String(), shutdown, nil
}

func printSummary(w io.Writer, s Summary) {
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "📊 Simulation Summary:")
	fmt.Fprintf(w, "  ├─ Entities:        %d\n", s.Entities)
	fmt.Fprintf(w, "  ├─ Created:         %d\n", s.Created)
	fmt.Fprintf(w, "  ├─ ✅ Synced:        %d\n", s.Synced)
	fmt.Fprintf(w, "  ├─ ❌ Error:         %d\n", s.Errored)
	fmt.Fprintf(w, "  ├─ ⏳ Pending:       %d\n", s.Pending)
	fmt.Fprintf(w, "  ├─ Ops Executed:    %d\n", s.Executed)
	fmt.Fprintf(w, "  ├─ Ops Failed:      %d\n", s.Failed)
	fmt.Fprintf(w, "  ├─ Retried:         %d\n", s.Retried)
	fmt.Fprintf(w, "  └─ Duration:        %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
