package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputText prints text to the command's stdout.
func outputText(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// outputError prints an error with configured secrets redacted.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData redacts the API key, JWT secret and database password
// of the loaded config.
func scrubSensitiveData(msg string) string {
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, "[REDACTED]")
	}
	return msg
}

// SyncOutput for JSON output of a sync pass.
type SyncOutput struct {
	*tally.SyncResult
	Remaining  tally.Counts `json:"remaining"`
	DurationMs int64        `json:"duration_ms"`
}

func outputSyncResult(cmd *cobra.Command, result *tally.SyncResult, remaining tally.Counts) error {
	if outputJSON {
		return outputAsJSON(cmd, SyncOutput{
			SyncResult: result,
			Remaining:  remaining,
			DurationMs: result.Duration.Milliseconds(),
		})
	}

	out := cmd.OutOrStdout()
	if len(result.Items) == 0 {
		printInfo(out, "Nothing to sync.")
		return nil
	}

	printSuccess(out, "Synced %d items (took %s)", result.Synced, result.Duration.Round(time.Millisecond))
	if result.Skipped > 0 {
		printMuted(out, "  %d were already applied remotely", result.Skipped)
	}
	if result.Failed > 0 {
		printWarning(out, "%d items failed:", result.Failed)
		for _, item := range result.Items {
			if item.Outcome == tally.OutcomeFailed {
				fmt.Fprintf(out, "  #%d %s %s: %s\n", item.QueueID, item.Operation, item.EntityType, scrubSensitiveData(item.Error))
			}
		}
	}
	if result.Deferred > 0 {
		printMuted(out, "  %d items wait on a parent", result.Deferred)
	}
	if remaining.Pending+remaining.Failed > 0 {
		fmt.Fprintf(out, "Remaining in queue: %d pending, %d failed\n", remaining.Pending, remaining.Failed)
	}
	return nil
}

// queueRows formats queue items for renderTable.
func queueRows(items []tally.QueueItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.FormatInt(item.QueueID, 10),
			string(item.Operation),
			string(item.EntityType),
			string(item.Status),
			strconv.Itoa(item.RetryCount),
			shortRef(item.DependsOnRef),
			truncate(scrubSensitiveData(item.LastError), 40),
		})
	}
	return rows
}

var queueHeaders = []string{"ID", "OP", "ENTITY", "STATUS", "RETRIES", "WAITS ON", "LAST ERROR"}

// shortRef shortens a client ref to its first group.
func shortRef(ref string) string {
	if i := strings.IndexByte(ref, '-'); i > 0 {
		return ref[:i]
	}
	return ref
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// receiptMarkdown renders a recorded sale as a markdown receipt.
func receiptMarkdown(rec *tally.RecordedSale) string {
	var sb strings.Builder
	title := rec.Sale.Fields.String("number")
	if title == "" {
		title = rec.Sale.LocalID
	}
	fmt.Fprintf(&sb, "## Sale %s\n\n", title)
	sb.WriteString("| Product | Qty | Unit price | Subtotal |\n")
	sb.WriteString("|---|---:|---:|---:|\n")
	for _, e := range rec.Lines {
		line, err := tally.DecodeFields[tally.SaleLine](e.Fields)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "| %s | %d | %s | %s |\n",
			line.ProductID, line.Quantity, line.UnitPrice.StringFixed(2), line.Subtotal().StringFixed(2))
	}
	sale, err := tally.DecodeFields[tally.Sale](rec.Sale.Fields)
	if err == nil {
		fmt.Fprintf(&sb, "\n**Total: %s**", sale.Total.StringFixed(2))
		if sale.PaymentMethod != "" {
			fmt.Fprintf(&sb, " (%s)", sale.PaymentMethod)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n_Queued for sync as %s_\n", rec.Sale.ClientRef)
	return sb.String()
}

// formatRelativeTime formats a time as a human-readable relative string.
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour") + " ago"
	default:
		return plural(int(d.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
