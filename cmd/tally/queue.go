package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
	Long: `Inspect and manage queued changes of the store.

Subcommands:
  list    List queue items
  retry   Reset failed items to pending
  clear   Drop every queue item (destructive)`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Example: `  tally queue list
  tally queue list --status failed --json`,
	RunE: runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [queue-id...]",
	Short: "Reset failed items to pending",
	Long: `Reset failed queue items to pending with a fresh retry budget.
Without ids, every failed item of the store is reset.`,
	Example: `  tally queue retry 12 13
  tally queue retry`,
	RunE: runQueueRetry,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queue item of the store",
	Long: `Drop every queue item of the store. Changes that were never synced are
lost for good, so export first ('tally export').

Requires --confirm. In a terminal you are asked again unless --force is set;
without a terminal --force is required.`,
	Example: `  tally queue clear --confirm
  tally queue clear --confirm --force`,
	RunE: runQueueClear,
}

var (
	queueStatus       string
	queueClearConfirm bool
	queueClearForce   bool
)

// confirmPrompt asks the operator to confirm a destructive action.
// Replaced in tests.
var confirmPrompt = func(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Clear").
		Negative("Keep").
		Value(&ok).
		Run()
	return ok, err
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "Filter by status: pending, failed or synced")
	queueClearCmd.Flags().BoolVar(&queueClearConfirm, "confirm", false, "Confirm clearing (required)")
	queueClearCmd.Flags().BoolVar(&queueClearForce, "force", false, "Skip the interactive prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// QueueListResult for JSON output.
type QueueListResult struct {
	Store string            `json:"store"`
	Items []tally.QueueItem `json:"items"`
	Total int               `json:"total"`
}

func runQueueList(cmd *cobra.Command, args []string) error {
	status := tally.Status(queueStatus)
	if status != "" && !status.IsValid() {
		return fmt.Errorf("invalid status %q (valid: pending, failed, synced)", queueStatus)
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	items, err := client.QueueItems(context.Background(), status)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	if items == nil {
		items = []tally.QueueItem{}
	}

	if outputJSON {
		return outputAsJSON(cmd, QueueListResult{Store: client.StoreID(), Items: items, Total: len(items)})
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		printMuted(out, "Queue is empty.")
		return nil
	}
	fmt.Fprintln(out, renderTable(queueHeaders, queueRows(items)))
	fmt.Fprintf(out, "\n%d items\n", len(items))
	return nil
}

// QueueRetryResult for JSON output.
type QueueRetryResult struct {
	Reset  int               `json:"reset"`
	Errors map[string]string `json:"errors,omitempty"`
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid queue id %q", a)
		}
		ids = append(ids, id)
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	res := QueueRetryResult{}
	if len(ids) == 0 {
		res.Reset, err = client.RetryFailed(ctx)
		if err != nil {
			return fmt.Errorf("retry failed items: %w", err)
		}
	}
	for _, id := range ids {
		if err := client.Retry(ctx, id); err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[strconv.FormatInt(id, 10)] = err.Error()
			continue
		}
		res.Reset++
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Reset %d items to pending", res.Reset)
	for _, id := range args {
		if msg, ok := res.Errors[id]; ok {
			printWarning(out, "#%s: %s", id, msg)
		}
	}
	if len(ids) > 0 && res.Reset == 0 {
		return fmt.Errorf("no items were reset")
	}
	return nil
}

// QueueClearResult for JSON output.
type QueueClearResult struct {
	Store   string `json:"store"`
	Cleared int    `json:"cleared"`
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	if !queueClearConfirm {
		return fmt.Errorf("--confirm flag is required for clear\n\nUsage: tally queue clear --confirm [--force]")
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	out := cmd.OutOrStdout()
	counts := client.Counts()

	if !queueClearForce {
		if !isTTY() {
			return fmt.Errorf("refusing to clear without a terminal; pass --force")
		}
		ok, err := confirmPrompt(
			fmt.Sprintf("Clear the sync queue of %s?", client.StoreID()),
			fmt.Sprintf("%d pending and %d failed changes will never reach the remote store.", counts.Pending, counts.Failed),
		)
		if errors.Is(err, huh.ErrUserAborted) || (err == nil && !ok) {
			printMuted(out, "Aborted.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
	}

	n, err := client.ClearQueue(context.Background(), true)
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, QueueClearResult{Store: client.StoreID(), Cleared: n})
	}
	printSuccess(out, "Cleared %d queue items from %s", n, client.StoreID())
	return nil
}
