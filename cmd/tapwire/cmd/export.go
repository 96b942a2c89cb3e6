package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/adapter/archive"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/domain/capture"
)

var exportCmd = &cobra.Command{
	Use:   "export --session-file <path> --output <path>",
	Short: "Re-write a session file in the current format",
	Long: `Export loads a session file and saves it again, normalizing the
document to the current format. Useful for upgrading sessions written
by older versions.`,
	RunE: runExport,
}

var (
	exportSessionFile string
	exportOutput      string
)

func init() {
	exportCmd.Flags().StringVar(&exportSessionFile, "session-file", "", "session file to export (required)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output file path (required)")
	_ = exportCmd.MarkFlagRequired("session-file")
	_ = exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := capture.Load(exportSessionFile)
	if err != nil {
		return err
	}
	if err := store.Save(exportOutput); err != nil {
		return err
	}
	fmt.Printf("exported %d messages to %s\n", store.Len(), exportOutput)

	if cfg.Archive.Enabled {
		cat, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil // catalog failure does not fail the export
		}
		defer func() { _ = cat.Close() }()
		info := store.Info()
		_ = cat.Record(archive.Entry{
			SessionID:    info.SessionID,
			Path:         exportOutput,
			Transport:    string(info.Transport),
			StartedAt:    info.StartedAt,
			MessageCount: store.Len(),
			SavedAt:      time.Now().UTC(),
		})
	}
	return nil
}
