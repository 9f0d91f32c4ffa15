package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cached entities and the queue to JSON",
	Long: `Write every cached entity and queue item of the store to a JSON file.
Run this before 'tally queue clear' to keep a copy of unsynced changes.`,
	Example: `  tally export -o backup.json
  tally export --store shop-12 -o shop-12.json`,
	RunE: runExport,
}

var exportOutputPath string

func init() {
	exportCmd.Flags().StringVarP(&exportOutputPath, "output", "o", "", "Output file path (required)")
	_ = exportCmd.MarkFlagRequired("output")
}

// ExportResult for JSON output.
type ExportResult struct {
	StoreID  string `json:"store_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	Duration string `json:"duration"`
}

func runExport(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	path, err := filepath.Abs(exportOutputPath)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	start := time.Now()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	err = client.Export(context.Background(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("export: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	res := ExportResult{
		StoreID:  client.StoreID(),
		FilePath: path,
		FileSize: info.Size(),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	printSuccess(cmd.OutOrStdout(), "Exported store %s to %s (%d bytes)", res.StoreID, res.FilePath, res.FileSize)
	return nil
}
