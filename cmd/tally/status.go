package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and sync status",
	Long: `Display the sync state of the store: pending and failed queue items,
cached entity counts and the last successful sync.`,
	Example: `  tally status
  tally status --health
  tally status --json`,
	RunE: runStatus,
}

var statusHealth bool

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Include a health check of the local and remote stores")
}

// StatusOutput for JSON output.
type StatusOutput struct {
	Sync   tally.SyncStatus    `json:"sync"`
	Stats  *tally.StoreStats   `json:"stats"`
	Health *tally.HealthStatus `json:"health,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	res := StatusOutput{Sync: client.Status(), Stats: stats}
	if statusHealth {
		h := client.HealthCheck(ctx)
		res.Health = &h
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	remote := "not configured"
	if client.Online() {
		remote = "configured"
	}
	lines := [][2]string{
		{"Store", stats.StoreID},
		{"Remote", remote},
		{"Pending", strconv.Itoa(stats.Queue.Pending)},
		{"Failed", strconv.Itoa(stats.Queue.Failed)},
		{"Synced (retained)", strconv.Itoa(stats.Queue.Synced)},
		{"Last sync", formatRelativeTime(stats.LastSync)},
		{"Schema version", stats.SchemaVersion},
	}
	fmt.Fprintln(out, renderPanel("Sync status", lines))

	rows := make([][]string, 0, len(stats.Entities))
	for _, t := range tally.EntityTypes() {
		rows = append(rows, []string{string(t), strconv.Itoa(stats.Entities[t])})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable([]string{"ENTITY", "CACHED"}, rows))

	if stats.Queue.Failed > 0 {
		fmt.Fprintln(out)
		printWarning(out, "%d items failed. Inspect with 'tally queue list --status failed'.", stats.Queue.Failed)
	}

	if h := res.Health; h != nil {
		state := "healthy"
		if !h.Healthy {
			state = "unhealthy"
		}
		health := [][2]string{
			{"Status", state},
			{"Store OK", strconv.FormatBool(h.StoreOK)},
			{"Remote reachable", strconv.FormatBool(h.RemoteReachable)},
		}
		if h.Error != "" {
			health = append(health, [2]string{"Error", scrubSensitiveData(h.Error)})
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderPanel("Health check", health))
	}
	return nil
}
