package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tapwire/tapwire/internal/domain/capture"
	"github.com/tapwire/tapwire/pkg/mcp"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect --session-file <path>",
	Short: "Print a summary of a captured session",
	RunE:  runInspect,
}

var (
	inspectSessionFile string
	inspectFormat      string
)

func init() {
	inspectCmd.Flags().StringVar(&inspectSessionFile, "session-file", "", "session file to inspect (required)")
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "output format: text, json, or yaml")
	_ = inspectCmd.MarkFlagRequired("session-file")
	rootCmd.AddCommand(inspectCmd)
}

// sessionSummary is the machine-readable inspect output.
type sessionSummary struct {
	ID            string           `json:"id" yaml:"id"`
	Transport     string           `json:"transport" yaml:"transport"`
	ServerCommand string           `json:"server_command,omitempty" yaml:"server_command,omitempty"`
	ServerURL     string           `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	StartedAt     time.Time        `json:"started_at" yaml:"started_at"`
	MessageCount  int              `json:"message_count" yaml:"message_count"`
	Messages      []messageSummary `json:"messages" yaml:"messages"`
}

type messageSummary struct {
	Sequence   int    `json:"sequence" yaml:"sequence"`
	Direction  string `json:"direction" yaml:"direction"`
	Method     string `json:"method,omitempty" yaml:"method,omitempty"`
	JSONRPCID  string `json:"jsonrpc_id,omitempty" yaml:"jsonrpc_id,omitempty"`
	Correlated bool   `json:"correlated" yaml:"correlated"`
	Modified   bool   `json:"modified" yaml:"modified"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	store, err := capture.Load(inspectSessionFile)
	if err != nil {
		return err
	}
	summary := summarize(store)

	switch inspectFormat {
	case "text":
		printTextSummary(summary)
		return nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer func() { _ = enc.Close() }()
		return enc.Encode(summary)
	default:
		return fmt.Errorf("unknown format %q: use text, json, or yaml", inspectFormat)
	}
}

func summarize(store *capture.Store) sessionSummary {
	info := store.Info()
	messages := store.Messages()
	summary := sessionSummary{
		ID:            info.SessionID,
		Transport:     string(info.Transport),
		ServerCommand: info.ServerCommand,
		ServerURL:     info.ServerURL,
		StartedAt:     info.StartedAt,
		MessageCount:  len(messages),
		Messages:      make([]messageSummary, 0, len(messages)),
	}
	for _, env := range messages {
		summary.Messages = append(summary.Messages, messageSummary{
			Sequence:   env.Sequence,
			Direction:  string(env.Direction),
			Method:     env.Method,
			JSONRPCID:  mcp.IDKey(env.JSONRPCID),
			Correlated: env.CorrelatedID != "",
			Modified:   env.Modified,
		})
	}
	return summary
}

func printTextSummary(s sessionSummary) {
	fmt.Printf("Session %s\n", s.ID)
	fmt.Printf("  transport: %s\n", s.Transport)
	if s.ServerCommand != "" {
		fmt.Printf("  server:    %s\n", s.ServerCommand)
	}
	if s.ServerURL != "" {
		fmt.Printf("  server:    %s\n", s.ServerURL)
	}
	fmt.Printf("  started:   %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Printf("  messages:  %d\n\n", s.MessageCount)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tDIRECTION\tMETHOD\tID\tCORRELATED\tMODIFIED")
	for _, m := range s.Messages {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%v\n",
			m.Sequence, m.Direction, m.Method, m.JSONRPCID, m.Correlated, m.Modified)
	}
	_ = w.Flush()
}
