package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidescale/inferd/internal/backend/mock"
	"github.com/tidescale/inferd/internal/config"
	"github.com/tidescale/inferd/internal/trace"
	"github.com/tidescale/inferd/internal/worker"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config    string
	Rounds    int
	BatchSize int
	Logits    bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker and drive a chained generation loop",
		Long: `Start an overlapped inference worker against the built-in mock backend
and drive a placeholder-chained generation loop through it.

Every round is submitted before the previous round has computed: round N+1's
input tokens are round N's placeholder references, so the full pipeline runs
overlapped exactly as it would under a real scheduler.

Example:
  inferd run --config worker.yaml --rounds 8 --batch-size 4
  inferd run --rounds 4 --logits --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config (defaults apply if omitted)")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 8, "number of chained generation rounds")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 4, "sequences per batch")
	cmd.Flags().BoolVar(&opts.Logits, "logits", false, "retain and pick up logits for the final round")

	return cmd
}

func runWorker(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Rounds < 1 {
		return WrapExitError(ExitCommandError, "rounds must be >= 1", nil)
	}
	if opts.BatchSize < 1 {
		return WrapExitError(ExitCommandError, "batch-size must be >= 1", nil)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	// Configure logging from config; verbose flag overrides the level
	level := cfg.Log.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	// Optional execution trace store
	var workerOpts []worker.Option
	if cfg.Trace.Enabled {
		slog.Info("opening trace store", "path", cfg.Trace.Path)
		st, err := trace.Open(cfg.Trace.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open trace store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing trace store", "error", closeErr)
			}
		}()
		workerOpts = append(workerOpts, worker.WithTracer(st))
	}

	backend := mock.New(cfg.Backend.VocabSize, cfg.Backend.Latency())
	w := worker.New(backend, cfg.MaxInFlight, workerOpts...)

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	// Submit every round back-to-back: round N+1 consumes round N's
	// placeholder references before round N has computed.
	bids := make([]worker.BatchID, opts.Rounds)
	var lastHandle worker.LogitsHandle

	inputs := make([]worker.Token, opts.BatchSize)
	for i := range inputs {
		inputs[i] = worker.Token(i + 1)
	}

	for r := 0; r < opts.Rounds; r++ {
		bid := worker.BatchID(uuid.Must(uuid.NewV7()).String())
		bids[r] = bid

		handle, refs, err := w.SubmitAsync(worker.Batch{
			ID:           bid,
			InputTokens:  inputs,
			Size:         opts.BatchSize,
			ReturnLogits: opts.Logits && r == opts.Rounds-1,
		})
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("submit round %d", r+1), err)
		}
		if opts.Logits && r == opts.Rounds-1 {
			lastHandle = handle
		}
		inputs = refs
	}
	slog.Info("all rounds submitted", "rounds", opts.Rounds, "queue_depth", w.QueueLen())

	// Resolve in submission order
	type roundResult struct {
		Round  int            `json:"round"`
		Tokens []worker.Token `json:"tokens"`
	}
	results := make([]roundResult, 0, opts.Rounds)
	for r, bid := range bids {
		tokens, err := w.ResolveTokens(bid)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("resolve round %d", r+1), err)
		}
		results = append(results, roundResult{Round: r + 1, Tokens: tokens})
	}

	out := cmd.OutOrStdout()
	formatter := &OutputFormatter{Format: opts.Format, Writer: out, Verbose: opts.Verbose}
	if opts.Format == "json" {
		if err := formatter.SuccessJSON(results); err != nil {
			return WrapExitError(ExitFailure, "encode results", err)
		}
	} else {
		for _, res := range results {
			fmt.Fprintf(out, "round %d: %v\n", res.Round, res.Tokens)
		}
	}

	if lastHandle != "" {
		logits, err := w.ResolveLogits(lastHandle)
		if err != nil {
			return WrapExitError(ExitFailure, "resolve logits", err)
		}
		if opts.Format != "json" {
			fmt.Fprintf(out, "logits: %dx%d\n", logits.Rows, logits.Cols)
		}
	}

	// Graceful shutdown: drain and wait for the consumer loop
	w.Stop()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
