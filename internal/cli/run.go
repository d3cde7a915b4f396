package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medrelay/agent/internal/agent"
	"github.com/medrelay/agent/internal/conn"
	"github.com/medrelay/agent/internal/history"
	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/profile"
	"github.com/medrelay/agent/internal/queue"
	"github.com/medrelay/agent/internal/rules"
	"github.com/medrelay/agent/internal/supervisor"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <profile>",
		Short: "Start the agent with a profile",
		Long: `Start the exchange agent from a profile file.

The profile declares the durable-queue root, the connection roster, and
the routing rules (inline YAML or a directory of CUE files). Queued items
from a previous run are recovered from their sidecar records before the
first kickoff cycle.

Example:
  medrelay run /etc/medrelay/profile.yaml
  medrelay run ./profile.yaml --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, args[0], cmd)
		},
	}

	return cmd
}

func runAgent(opts *RunOptions, profilePath string, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("loading profile", "path", profilePath)
	prof, err := profile.Load(profilePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load profile", err)
	}

	runtime := rules.NewTagScriptRuntime()
	engine, err := rules.NewEngine(prof.Rules, runtime, prof.Scripts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile rules", err)
	}
	slog.Info("rules compiled", "rules", len(prof.Rules), "connections", len(prof.Connections))

	var recorder conn.Recorder
	if prof.HistoryDB != "" {
		store, err := history.Open(prof.HistoryDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open history database", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				slog.Error("error closing history database", "error", closeErr)
			}
		}()
		recorder = store
		slog.Info("history database ready", "path", prof.HistoryDB)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
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

	gen := item.UUIDv7Generator{}
	qm := queue.NewManager(prof.TempRoot, gen)
	sup := supervisor.New(ctx)

	orch := agent.New(prof, qm, sup, engine,
		agent.WithRuleReloader(func() (*rules.Engine, error) {
			reloaded, err := profile.Load(profilePath)
			if err != nil {
				return nil, err
			}
			return rules.NewEngine(reloaded.Rules, runtime, reloaded.Scripts)
		}),
	)

	for _, c := range prof.Connections {
		cfg := c.Config()
		if !cfg.Enabled {
			slog.Info("connection disabled, skipped", "connection", cfg.Name)
			continue
		}
		sender, receiver := collaborators(cfg, gen)
		ctrl := conn.New(cfg, qm, sup, sender, receiver, orch, orch.Engine,
			conn.WithRecorder(recorder),
			conn.WithCompletionSink(orch.Cache().Absorb),
		)
		if err := orch.Register(ctrl); err != nil {
			return WrapExitError(ExitCommandError, "failed to register connection", err)
		}
	}

	slog.Info("agent starting", "profile", profilePath, "temp_root", prof.TempRoot)
	fmt.Fprintln(cmd.OutOrStdout(), "Agent started. Press Ctrl-C to stop.")

	runErr := orch.Run(ctx)

	sup.Shutdown()
	sup.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "agent error", runErr)
	}

	slog.Info("agent stopped gracefully")
	return nil
}

// collaborators builds the wire-level collaborators a connection kind
// ships with. File connections get the filesystem sender/receiver;
// network protocol collaborators are registered by integrations and are
// nil here, leaving those connections durable store-and-forward queues.
func collaborators(cfg conn.Config, gen item.IDGenerator) (conn.Sender, conn.Receiver) {
	if cfg.Kind != conn.KindFile {
		return nil, nil
	}
	var sender conn.Sender
	var receiver conn.Receiver
	if cfg.OutDir != "" {
		sender = &conn.FileSender{OutDir: cfg.OutDir}
	}
	if cfg.WatchDir != "" {
		receiver = &conn.FileReceiver{WatchDir: cfg.WatchDir, Gen: gen}
	}
	return sender, receiver
}
