// Package cmd provides the CLI commands for tapwire.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tapwire",
	Short: "tapwire - interactive MCP traffic interceptor",
	Long: `tapwire is a man-in-the-middle proxy for Model Context Protocol (MCP)
servers. It sits between an MCP client and server, capturing every
JSON-RPC message in both directions, optionally holding messages for
inspection or modification, and saving sessions for later replay.

Quick start:
  # Proxy a stdio MCP server, saving the session
  tapwire proxy --session-file session.json -- npx @modelcontextprotocol/server-filesystem /tmp

  # Inspect a captured session
  tapwire inspect --session-file session.json

  # Replay the captured client traffic against a fresh server
  tapwire replay --session-file session.json -- npx @modelcontextprotocol/server-filesystem /tmp

Configuration:
  Config is loaded from tapwire.yaml in the current directory,
  $HOME/.tapwire/, or /etc/tapwire/. Environment variables override
  config values with the TAPWIRE_ prefix, e.g.
  TAPWIRE_PROXY_INTERCEPT=true.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: tapwire.yaml in ., $HOME/.tapwire/, or /etc/tapwire/)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the stderr diagnostic logger. Stdout is never used
// for logs: in stdio mode it carries the protocol stream.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
