package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/tally"
)

// handleStats handles the tally_stats tool call.
func (s *Server) handleStats(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("stats failed: %v", err),
			IsError: true,
		}, nil
	}
	return &ToolResult{Content: formatStats(stats)}, nil
}

// handleHealth handles the tally_health tool call.
func (s *Server) handleHealth(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	h := s.client.HealthCheck(ctx)
	return &ToolResult{Content: formatHealth(h), IsError: !h.Healthy}, nil
}

func formatStats(st *tally.StoreStats) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Store: %s\n", st.StoreID)
	fmt.Fprintf(&sb, "Schema version: %s\n", st.SchemaVersion)
	if st.LastSync.IsZero() {
		sb.WriteString("Last sync: never\n")
	} else {
		fmt.Fprintf(&sb, "Last sync: %s (%s)\n", st.LastSync.Format(time.RFC3339), formatRelativeTime(st.LastSync))
	}

	sb.WriteString("\nCached entities:\n")
	for _, t := range tally.EntityTypes() {
		fmt.Fprintf(&sb, "  %-10s %d\n", t, st.Entities[t])
	}

	sb.WriteString("\nQueue:\n")
	fmt.Fprintf(&sb, "  pending    %d\n", st.Queue.Pending)
	fmt.Fprintf(&sb, "  failed     %d\n", st.Queue.Failed)
	fmt.Fprintf(&sb, "  synced     %d\n", st.Queue.Synced)

	return sb.String()
}

func formatHealth(h tally.HealthStatus) string {
	var sb strings.Builder
	if h.Healthy {
		sb.WriteString("Healthy\n")
	} else {
		sb.WriteString("Unhealthy\n")
	}
	fmt.Fprintf(&sb, "  Local store: %s\n", okWord(h.StoreOK))
	fmt.Fprintf(&sb, "  Remote: %s\n", map[bool]string{true: "reachable", false: "unreachable"}[h.RemoteReachable])
	if h.Error != "" {
		fmt.Fprintf(&sb, "  Error: %s\n", h.Error)
	}
	return sb.String()
}

func okWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "failing"
}

// formatRelativeTime formats a time as a human-readable relative string.
func formatRelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
