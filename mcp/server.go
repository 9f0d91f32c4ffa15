package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally"
)

// Server wraps the MCP server with tally tools.
type Server struct {
	client    *tally.Client
	mcpServer *server.MCPServer
	session   *QueueSession // Hands out Q1, Q2 refs for listed queue items
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with tally tools registered.
func NewServer(client *tally.Client) *Server {
	s := &Server{
		client:  client,
		session: NewQueueSession(),
	}

	s.mcpServer = server.NewMCPServer(
		"tally",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "tally_status", Description: "Show connectivity, pending and failed counts of the offline queue"},
		{Name: "tally_sync", Description: "Run one sync pass of the offline queue now"},
		{Name: "tally_pause", Description: "Pause automatic and manual syncing"},
		{Name: "tally_resume", Description: "Resume syncing and request a pass"},
		{Name: "tally_queue", Description: "List queue items with session references (Q1, Q2, ...)"},
		{Name: "tally_retry", Description: "Reset failed queue items to pending"},
		{Name: "tally_clear", Description: "Drop every queue item of the store (requires confirm)"},
		{Name: "tally_record_sale", Description: "Record a sale with its lines offline"},
		{Name: "tally_stats", Description: "Show cached entity counts and schema details of the store"},
		{Name: "tally_health", Description: "Check the local store and remote reachability"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "tally_status":
		return s.handleStatus(ctx, args)
	case "tally_sync":
		return s.handleSync(ctx, args)
	case "tally_pause":
		return s.handlePause(ctx, args)
	case "tally_resume":
		return s.handleResume(ctx, args)
	case "tally_queue":
		return s.handleQueue(ctx, args)
	case "tally_retry":
		return s.handleRetry(ctx, args)
	case "tally_clear":
		return s.handleClear(ctx, args)
	case "tally_record_sale":
		return s.handleRecordSale(ctx, args)
	case "tally_stats":
		return s.handleStats(ctx, args)
	case "tally_health":
		return s.handleHealth(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("tally_status",
		mcp.WithDescription("Show whether the till is online, whether a sync is running or paused, the pending and failed queue counts and the last sync error."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("tally_sync",
		mcp.WithDescription("Run one sync pass now. Items are sent in queue order, parents before children. Fails while offline or paused."),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("tally_pause",
		mcp.WithDescription("Pause syncing. A running pass stops before its next item."),
	), s.wrap(s.handlePause))

	s.mcpServer.AddTool(mcp.NewTool("tally_resume",
		mcp.WithDescription("Resume syncing and request a pass."),
	), s.wrap(s.handleResume))

	s.mcpServer.AddTool(mcp.NewTool("tally_queue",
		mcp.WithDescription("List queue items. Each item gets a session reference (Q1, Q2, ...) usable with tally_retry."),
		mcp.WithString("status",
			mcp.Description("Filter by status: pending, failed or synced (default: all)"),
			mcp.Enum("pending", "failed", "synced"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of items to list (default: 20)"),
		),
	), s.wrap(s.handleQueue))

	s.mcpServer.AddTool(mcp.NewTool("tally_retry",
		mcp.WithDescription("Reset failed queue items to pending with a fresh retry budget. Without items, every failed item is reset."),
		mcp.WithArray("items",
			mcp.Description("Session refs (Q1, Q2) or queue ids of failed items"),
			mcp.WithStringItems(),
		),
	), s.wrap(s.handleRetry))

	s.mcpServer.AddTool(mcp.NewTool("tally_clear",
		mcp.WithDescription("Drop every queue item of the store. Unsynced changes are lost. Requires confirm=true."),
		mcp.WithBoolean("confirm",
			mcp.Description("Must be true to clear the queue"),
			mcp.Required(),
		),
	), s.wrap(s.handleClear))

	s.mcpServer.AddTool(mcp.NewTool("tally_record_sale",
		mcp.WithDescription("Record a sale with its lines offline. Each line needs product_id, a positive quantity and unit_price. The total is computed when omitted."),
		mcp.WithArray("lines",
			mcp.Description("Sale lines: objects with product_id, quantity and unit_price"),
			mcp.Required(),
		),
		mcp.WithString("number",
			mcp.Description("Receipt number"),
		),
		mcp.WithString("customer_id",
			mcp.Description("Customer id or client ref"),
		),
		mcp.WithString("payment_method",
			mcp.Description("Payment method, e.g. cash or card"),
		),
		mcp.WithString("total",
			mcp.Description("Sale total as a decimal string"),
		),
		mcp.WithString("note",
			mcp.Description("Free-form note"),
		),
	), s.wrap(s.handleRecordSale))

	s.mcpServer.AddTool(mcp.NewTool("tally_stats",
		mcp.WithDescription("Show cached entity counts, queue totals, last sync time and schema version of the store."),
	), s.wrap(s.handleStats))

	s.mcpServer.AddTool(mcp.NewTool("tally_health",
		mcp.WithDescription("Check that the local store answers and whether the remote store is reachable."),
	), s.wrap(s.handleHealth))
}

// wrap adapts an internal handler to the mcp-go handler signature.
func (s *Server) wrap(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleStatus(_ context.Context, _ map[string]any) (*ToolResult, error) {
	return &ToolResult{Content: formatStatus(s.client.StoreID(), s.client.Status())}, nil
}

func (s *Server) handleSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	result, err := s.client.SyncAll(ctx)
	switch {
	case errors.Is(err, tally.ErrOffline):
		return &ToolResult{Content: "Sync unavailable: working offline. Changes stay queued until the remote store is reachable.", IsError: true}, nil
	case errors.Is(err, tally.ErrSyncPaused):
		return &ToolResult{Content: "Sync is paused. Use tally_resume first.", IsError: true}, nil
	case err != nil:
		return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatSyncResult(result)}, nil
}

func (s *Server) handlePause(_ context.Context, _ map[string]any) (*ToolResult, error) {
	s.client.PauseSync()
	return &ToolResult{Content: "Sync paused."}, nil
}

func (s *Server) handleResume(_ context.Context, _ map[string]any) (*ToolResult, error) {
	s.client.ResumeSync()
	return &ToolResult{Content: "Sync resumed."}, nil
}

func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	status := tally.Status(stringArg(args, "status"))
	if status != "" && !status.IsValid() {
		return &ToolResult{Content: fmt.Sprintf("invalid status: %s", status), IsError: true}, nil
	}
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	items, err := s.client.QueueItems(ctx, status)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list queue failed: %v", err), IsError: true}, nil
	}
	if len(items) > limit {
		items = items[:limit]
	}

	refs := make([]string, len(items))
	for i, item := range items {
		refs[i] = s.session.Track(s.client.StoreID(), item.QueueID)
	}
	return &ToolResult{Content: formatQueue(items, refs)}, nil
}

func (s *Server) handleRetry(ctx context.Context, args map[string]any) (*ToolResult, error) {
	refs := toStringSlice(args["items"])
	if len(refs) == 0 {
		n, err := s.client.RetryFailed(ctx)
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("retry failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("Reset %d failed items to pending.", n)}, nil
	}

	var sb strings.Builder
	reset := 0
	for _, ref := range refs {
		id, err := s.resolveQueueRef(ref)
		if err != nil {
			fmt.Fprintf(&sb, "  - %s: %v\n", ref, err)
			continue
		}
		if err := s.client.Retry(ctx, id); err != nil {
			fmt.Fprintf(&sb, "  - %s: %v\n", ref, err)
			continue
		}
		reset++
	}
	out := fmt.Sprintf("Reset %d of %d items to pending.", reset, len(refs))
	if sb.Len() > 0 {
		out += "\nNot reset:\n" + sb.String()
	}
	return &ToolResult{Content: out, IsError: reset == 0}, nil
}

// resolveQueueRef maps a session ref (Q1) or a numeric queue id to a queue id
// of the client's store.
func (s *Server) resolveQueueRef(ref string) (int64, error) {
	if qr, ok := s.session.Resolve(ref); ok {
		if qr.StoreID != s.client.StoreID() {
			return 0, fmt.Errorf("belongs to store %q", qr.StoreID)
		}
		return qr.QueueID, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown queue reference")
	}
	return id, nil
}

func (s *Server) handleClear(ctx context.Context, args map[string]any) (*ToolResult, error) {
	confirm, _ := args["confirm"].(bool)
	n, err := s.client.ClearQueue(ctx, confirm)
	if errors.Is(err, tally.ErrConfirmRequired) {
		return &ToolResult{Content: "Clearing the queue discards unsynced changes. Call again with confirm=true.", IsError: true}, nil
	}
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("clear failed: %v", err), IsError: true}, nil
	}
	s.session.Clear()
	return &ToolResult{Content: fmt.Sprintf("Cleared %d queue items.", n)}, nil
}

func (s *Server) handleRecordSale(ctx context.Context, args map[string]any) (*ToolResult, error) {
	in, err := parseSaleInput(args)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	rec, err := s.client.RecordSale(ctx, in)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("record sale failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatRecordedSale(rec)}, nil
}

func parseSaleInput(args map[string]any) (tally.SaleInput, error) {
	in := tally.SaleInput{
		Sale: tally.Sale{
			Number:        stringArg(args, "number"),
			CustomerID:    stringArg(args, "customer_id"),
			PaymentMethod: stringArg(args, "payment_method"),
			Note:          stringArg(args, "note"),
		},
	}
	if total := stringArg(args, "total"); total != "" {
		d, err := decimal.NewFromString(total)
		if err != nil {
			return in, fmt.Errorf("invalid total %q", total)
		}
		in.Sale.Total = d
	}

	raw, ok := args["lines"].([]any)
	if !ok || len(raw) == 0 {
		return in, fmt.Errorf("lines is required")
	}
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return in, fmt.Errorf("line %d: must be an object", i+1)
		}
		qty, ok := m["quantity"].(float64)
		if !ok || qty != float64(int64(qty)) {
			return in, fmt.Errorf("line %d: quantity must be a whole number", i+1)
		}
		price, err := decimalArg(m["unit_price"])
		if err != nil {
			return in, fmt.Errorf("line %d: %w", i+1, err)
		}
		in.Lines = append(in.Lines, tally.SaleLine{
			ProductID: stringArg(m, "product_id"),
			Quantity:  int64(qty),
			UnitPrice: price,
		})
	}
	return in, nil
}

func decimalArg(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid unit_price %q", x)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("unit_price has unsupported type %T", v)
	}
}

// Formatting functions

func formatStatus(storeID string, st tally.SyncStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Store: %s\n", storeID)
	if st.IsOnline {
		sb.WriteString("Connectivity: online\n")
	} else {
		sb.WriteString("Connectivity: offline\n")
	}
	switch {
	case st.IsSyncing:
		fmt.Fprintf(&sb, "Sync: running (%d/%d)\n", st.Progress.Current, st.Progress.Total)
	case st.IsPaused:
		sb.WriteString("Sync: paused\n")
	default:
		sb.WriteString("Sync: idle\n")
	}
	fmt.Fprintf(&sb, "Pending: %d\nFailed: %d\n", st.Pending, st.Failed)
	if !st.LastSync.IsZero() {
		fmt.Fprintf(&sb, "Last sync: %s\n", st.LastSync.Format("2006-01-02 15:04:05"))
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}
	return sb.String()
}

func formatSyncResult(r *tally.SyncResult) string {
	if r.Synced == 0 && r.Failed == 0 && r.Deferred == 0 {
		return "Nothing to sync."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sync pass complete: %d synced", r.Synced)
	if r.Skipped > 0 {
		fmt.Fprintf(&sb, " (%d already applied)", r.Skipped)
	}
	fmt.Fprintf(&sb, ", %d failed, %d waiting on parents.\n", r.Failed, r.Deferred)
	for _, item := range r.Items {
		if item.Outcome == tally.OutcomeFailed {
			fmt.Fprintf(&sb, "  - %s %s #%d: %s\n", item.Operation, item.EntityType, item.QueueID, item.Error)
		}
	}
	return sb.String()
}

func formatQueue(items []tally.QueueItem, refs []string) string {
	if len(items) == 0 {
		return "Queue is empty."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d queue items:\n\n", len(items))
	for i, item := range items {
		fmt.Fprintf(&sb, "[%s] #%d %s %s (%s", refs[i], item.QueueID, item.Operation, item.EntityType, item.Status)
		if item.RetryCount > 0 {
			fmt.Fprintf(&sb, ", %d attempts", item.RetryCount)
		}
		sb.WriteString(")\n")
		if item.DependsOnRef != "" {
			fmt.Fprintf(&sb, "    waits on: %s\n", item.DependsOnRef)
		}
		if item.LastError != "" {
			fmt.Fprintf(&sb, "    last error: %s\n", truncate(item.LastError, 120))
		}
	}
	sb.WriteString("\nUse tally_retry with session refs (Q1, Q2, ...) to retry failed items.")
	return sb.String()
}

func formatRecordedSale(rec *tally.RecordedSale) string {
	return fmt.Sprintf("Recorded sale %s with %d lines:\n  Total: %s\n  Client ref: %s\n  Status: queued for sync",
		rec.Sale.LocalID, len(rec.Lines), rec.Sale.Fields.String("total"), rec.Sale.ClientRef)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// toStringSlice converts various array types to []string.
// Handles []any, []string, and nil.
func toStringSlice(v any) []string {
	if v == nil {
		return nil
	}

	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		result := make([]string, 0, len(arr))
		for _, item := range arr {
			switch x := item.(type) {
			case string:
				result = append(result, x)
			case float64:
				result = append(result, strconv.FormatInt(int64(x), 10))
			}
		}
		return result
	default:
		return nil
	}
}
