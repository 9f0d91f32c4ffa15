package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes to the remote store",
	Long: `Run one sync pass: send every pending change of the store to the remote
store in the order it was made. Sales are created before their lines, and a
change already applied remotely is never sent twice.`,
	Example: `  tally sync
  tally sync --store shop-12 --remote-url https://db.example.com --api-key KEY
  tally sync --remote memory --json`,
	RunE: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Give up on the pass after this long")
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	var result *tally.SyncResult
	err = runWithSpinner(cmd.ErrOrStderr(), "Syncing "+client.StoreID(), func() error {
		var syncErr error
		result, syncErr = client.SyncAll(ctx)
		return syncErr
	})
	switch {
	case errors.Is(err, tally.ErrOffline):
		return fmt.Errorf("no remote store configured\n\nSet --remote-url with --api-key, or --postgres-dsn")
	case err != nil:
		return fmt.Errorf("sync: %w", err)
	}

	return outputSyncResult(cmd, result, client.Counts())
}
