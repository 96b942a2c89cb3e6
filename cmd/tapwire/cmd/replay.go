package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/adapter/stdio"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/internal/domain/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay --session-file <path> [flags] -- <server-command> [args...]",
	Short: "Replay captured client traffic against a fresh server",
	Long: `Replay re-sends the client-to-server messages of a captured session
against a freshly spawned MCP server, matching responses by JSON-RPC
id. Per-message failures (timeouts, write errors) are recorded, not
fatal. Responses are compared against the captured ones; differing
answers are flagged as drift.`,
	RunE: runReplay,
	Args: cobra.ArbitraryArgs,
}

var (
	replaySessionFile string
	replayTimeout     time.Duration
	replayNoHandshake bool
	replayOutput      string
)

func init() {
	replayCmd.Flags().StringVar(&replaySessionFile, "session-file", "", "session file to replay (required)")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 0, "per-message response timeout (default 10s)")
	replayCmd.Flags().BoolVar(&replayNoHandshake, "no-handshake", false, "skip the synthetic initialize handshake")
	replayCmd.Flags().StringVar(&replayOutput, "output", "", "write the full replay results as JSON to this file")
	_ = replayCmd.MarkFlagRequired("session-file")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Proxy.TargetCommand = args[0]
		cfg.Proxy.TargetArgs = args[1:]
	}
	if replayTimeout > 0 {
		cfg.Replay.Timeout = replayTimeout
	}
	if replayNoHandshake {
		cfg.Replay.AutoHandshake = false
	}
	if cfg.Proxy.TargetCommand == "" {
		return fmt.Errorf("no server command; usage: tapwire replay --session-file f -- <server-command> [args...]")
	}

	logger := newLogger(cfg.Log.SlogLevel())

	store, err := capture.Load(replaySessionFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := stdio.NewServerAdapter(ctx, stdio.ServerConfig{
		Command: cfg.Proxy.TargetCommand,
		Args:    cfg.Proxy.TargetArgs,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	results, err := replay.Run(ctx, store.Messages(), server, replay.Options{
		Timeout:       cfg.Replay.Timeout,
		AutoHandshake: cfg.Replay.AutoHandshake,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	sessionResult := &replay.SessionResult{
		Results:       results,
		TargetCommand: strings.Join(append([]string{cfg.Proxy.TargetCommand}, cfg.Proxy.TargetArgs...), " "),
	}
	printReplaySummary(sessionResult)

	if replayOutput != "" {
		if err := sessionResult.WriteFile(replayOutput); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", replayOutput)
	}
	return nil
}

func printReplaySummary(sr *replay.SessionResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tMETHOD\tSTATUS\tELAPSED\tDRIFT")
	var failed int
	for _, r := range sr.Results {
		status := "ok"
		if !r.OK() {
			status = r.Err
			failed++
		}
		drift := ""
		if r.Drift {
			drift = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.Original.Sequence, r.Original.Method, status,
			r.Duration.Round(time.Millisecond), drift)
	}
	_ = w.Flush()
	fmt.Printf("\n%d replayed, %d failed\n", len(sr.Results), failed)
}
