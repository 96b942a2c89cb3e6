package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/adapter/archive"
	"github.com/tapwire/tapwire/internal/config"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List captured sessions recorded in the archive",
	RunE:  runSessions,
}

var sessionsArchivePath string

func init() {
	sessionsCmd.Flags().StringVar(&sessionsArchivePath, "archive", "", "archive database path (default from config)")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path := cfg.Archive.Path
	if sessionsArchivePath != "" {
		path = sessionsArchivePath
	}

	cat, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	entries, err := cat.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTRANSPORT\tSTARTED\tMESSAGES\tFILE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			e.SessionID, e.Transport,
			e.StartedAt.Local().Format(time.RFC3339),
			e.MessageCount, e.Path)
	}
	return w.Flush()
}
