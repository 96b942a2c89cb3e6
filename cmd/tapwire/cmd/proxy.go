package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/adapter/archive"
	"github.com/tapwire/tapwire/internal/adapter/metrics"
	"github.com/tapwire/tapwire/internal/adapter/stdio"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/ctxkey"
	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/internal/domain/intercept"
	"github.com/tapwire/tapwire/internal/service"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy [flags] -- <server-command> [args...]",
	Short: "Run the proxy pipeline between an MCP client and server",
	Long: `Proxy spawns the target MCP server as a subprocess and bridges the
proxy's own stdin/stdout to it, capturing every message in both
directions. The MCP client launches tapwire in place of the server.

Examples:
  # Plain capture
  tapwire proxy --session-file session.json -- python server.py

  # Hold every message for inspection
  tapwire proxy --intercept -- python server.py

  # Hold only client-side tool calls
  tapwire proxy --intercept \
    --intercept-rule 'direction == "client_to_server" && method.startsWith("tools/")' \
    -- python server.py`,
	RunE: runProxy,
	Args: cobra.ArbitraryArgs,
}

var (
	proxyIntercept     bool
	proxyInterceptRule string
	proxySessionFile   string
	proxyMetricsAddr   string
)

func init() {
	proxyCmd.Flags().BoolVar(&proxyIntercept, "intercept", false, "start in intercept mode")
	proxyCmd.Flags().StringVar(&proxyInterceptRule, "intercept-rule", "", "CEL predicate over direction/method selecting held messages")
	proxyCmd.Flags().StringVar(&proxySessionFile, "session-file", "", "save the session to this file on shutdown")
	proxyCmd.Flags().StringVar(&proxyMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Proxy.TargetCommand = args[0]
		cfg.Proxy.TargetArgs = args[1:]
	}
	if proxyIntercept {
		cfg.Proxy.Intercept = true
	}
	if proxyInterceptRule != "" {
		cfg.Proxy.InterceptRule = proxyInterceptRule
	}
	if proxySessionFile != "" {
		cfg.Proxy.SessionFile = proxySessionFile
	}
	if proxyMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = proxyMetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Proxy.Transport != "stdio" {
		return fmt.Errorf("transport %q is not implemented; only stdio is available", cfg.Proxy.Transport)
	}
	if cfg.Proxy.TargetCommand == "" {
		return fmt.Errorf("no server command; usage: tapwire proxy -- <server-command> [args...]")
	}

	logger := newLogger(cfg.Log.SlogLevel())

	mode := intercept.ModePassthrough
	if cfg.Proxy.Intercept {
		mode = intercept.ModeIntercept
	}
	engine := intercept.NewEngine(mode, logger)
	if cfg.Proxy.InterceptRule != "" {
		rule, err := intercept.CompileRule(cfg.Proxy.InterceptRule)
		if err != nil {
			return fmt.Errorf("intercept rule: %w", err)
		}
		engine.SetRule(rule)
	}

	serverCommand := strings.Join(append([]string{cfg.Proxy.TargetCommand}, cfg.Proxy.TargetArgs...), " ")
	store := capture.NewStore(capture.Info{
		Transport:     capture.TransportStdio,
		ServerCommand: serverCommand,
	})
	logger.Info("starting proxy session",
		"session_id", store.Info().SessionID,
		"server_command", serverCommand,
		"intercept", cfg.Proxy.Intercept,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = ctxkey.WithLogger(ctx, logger.With("session_id", store.Info().SessionID))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	server, err := stdio.NewServerAdapter(ctx, stdio.ServerConfig{
		Command: cfg.Proxy.TargetCommand,
		Args:    cfg.Proxy.TargetArgs,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	client := stdio.NewProcessClientAdapter(logger)
	defer func() { _ = client.Close() }()

	pipeline := service.NewPipeline(store, engine, capture.TransportStdio, service.Callbacks{}, m, logger)
	runErr := pipeline.Run(ctx, client, server)
	store.MarkEnded()
	logger.Info("proxy session ended", "messages", store.Len(), "error", runErr)

	if cfg.Proxy.SessionFile != "" {
		if err := saveSession(store, cfg.Proxy.SessionFile, cfg, logger); err != nil {
			return err
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// saveSession writes the session file and, when the archive is
// enabled, registers it in the catalog.
func saveSession(store *capture.Store, path string, cfg *config.Config, logger *slog.Logger) error {
	if err := store.Save(path); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	logger.Info("session saved", "path", path, "messages", store.Len())

	if cfg.Archive.Enabled {
		if err := recordInArchive(store, path, cfg.Archive.Path); err != nil {
			logger.Warn("failed to record session in archive", "error", err)
		}
	}
	return nil
}

func recordInArchive(store *capture.Store, path, archivePath string) error {
	cat, err := archive.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	info := store.Info()
	return cat.Record(archive.Entry{
		SessionID:    info.SessionID,
		Path:         path,
		Transport:    string(info.Transport),
		StartedAt:    info.StartedAt,
		MessageCount: store.Len(),
		SavedAt:      time.Now().UTC(),
	})
}
