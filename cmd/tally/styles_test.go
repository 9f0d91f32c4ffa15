package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally"
)

// setMockTTY sets the TTY override for tests and returns a cleanup function
// restoring real TTY detection.
func setMockTTY(value bool) func() {
	testIsTTYMutex.Lock()
	testIsTTYOverride = &value
	testIsTTYMutex.Unlock()
	return func() {
		testIsTTYMutex.Lock()
		testIsTTYOverride = nil
		testIsTTYMutex.Unlock()
	}
}

// ============================================================================
// Table rendering
// ============================================================================

func TestRenderTable_TTY_WithHeaders(t *testing.T) {
	defer setMockTTY(true)()

	result := renderTable([]string{"ID", "STATUS"}, [][]string{{"1", "pending"}, {"2", "failed"}})

	for _, want := range []string{"ID", "STATUS", "pending", "failed"} {
		if !strings.Contains(result, want) {
			t.Errorf("result should contain %q", want)
		}
	}
	if !strings.ContainsAny(result, "─│╭╮╰╯├┼┤┬┴") {
		t.Error("TTY output should contain border characters")
	}
}

func TestRenderTable_NonTTY_PlainText(t *testing.T) {
	defer setMockTTY(false)()

	result := renderTable([]string{"ID", "STATUS"}, [][]string{{"1", "pending"}, {"22", "failed"}})

	if strings.ContainsAny(result, "─│╭╮╰╯") {
		t.Error("non-TTY output should not contain border characters")
	}
	lines := strings.Split(result, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), result)
	}
	if strings.Index(lines[0], "STATUS") != strings.Index(lines[2], "failed") {
		t.Errorf("columns should be aligned:\n%s", result)
	}
}

func TestRenderTable_EmptyRows(t *testing.T) {
	defer setMockTTY(false)()

	if got := renderTable([]string{"ID"}, nil); got != "ID" {
		t.Errorf("renderTable() = %q, want header only", got)
	}
}

// ============================================================================
// Panel rendering
// ============================================================================

func TestRenderPanel_TTY_WithTitle(t *testing.T) {
	defer setMockTTY(true)()

	result := renderPanel("Sync status", [][2]string{{"Store", "acme"}, {"Pending", "3"}})
	for _, want := range []string{"Sync status", "Store:", "acme", "Pending:", "3"} {
		if !strings.Contains(result, want) {
			t.Errorf("panel should contain %q:\n%s", want, result)
		}
	}
	if !strings.ContainsAny(result, "╭╮╰╯") {
		t.Error("TTY panel should have rounded borders")
	}
}

func TestRenderPanel_NonTTY_PlainText(t *testing.T) {
	defer setMockTTY(false)()

	result := renderPanel("Health", [][2]string{{"Status", "healthy"}, {"Store OK", "true"}})
	want := "Health\n------\nStatus:   healthy\nStore OK: true"
	if result != want {
		t.Errorf("renderPanel() =\n%s\nwant\n%s", result, want)
	}
}

func TestRenderPanel_NoTitle(t *testing.T) {
	defer setMockTTY(false)()

	if got := renderPanel("", [][2]string{{"A", "1"}}); got != "A: 1" {
		t.Errorf("renderPanel() = %q, want %q", got, "A: 1")
	}
}

// ============================================================================
// Receipts and helpers
// ============================================================================

func testReceipt() *tally.RecordedSale {
	sale, _ := tally.ToFields(tally.Sale{Number: "R-7", Total: decimal.RequireFromString("10.5"), PaymentMethod: "card"})
	line, _ := tally.ToFields(tally.SaleLine{SaleID: "ref", ProductID: "7", Quantity: 3, UnitPrice: decimal.RequireFromString("3.5")})
	return &tally.RecordedSale{
		Sale:  &tally.Entity{Type: tally.EntitySale, LocalID: "offline_1", ClientRef: "c0ffee-1", Fields: sale},
		Lines: []*tally.Entity{{Type: tally.EntitySaleLine, Fields: line}},
	}
}

func TestReceiptMarkdown(t *testing.T) {
	md := receiptMarkdown(testReceipt())
	for _, want := range []string{"## Sale R-7", "| 7 | 3 | 3.50 | 10.50 |", "**Total: 10.50** (card)", "c0ffee-1"} {
		if !strings.Contains(md, want) {
			t.Errorf("receipt missing %q:\n%s", want, md)
		}
	}
}

func TestRenderMarkdown_NonTTY_Passthrough(t *testing.T) {
	defer setMockTTY(false)()

	md := receiptMarkdown(testReceipt())
	if got := renderMarkdown(md); got != md {
		t.Errorf("non-TTY markdown should be returned unchanged")
	}
}

func TestRenderMarkdown_TTY_KeepsText(t *testing.T) {
	defer setMockTTY(true)()

	got := renderMarkdown(receiptMarkdown(testReceipt()))
	for _, want := range []string{"Sale R-7", "10.50", "card"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered receipt lost %q:\n%s", want, got)
		}
	}
}

func TestPrintStyled_NonTTY(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	printSuccess(&buf, "Synced %d items", 3)
	printWarning(&buf, "careful")
	if got := buf.String(); got != "✓ Synced 3 items\n⚠ careful\n" {
		t.Errorf("output = %q", got)
	}
}

func TestSpinner_NonTTY_PrintsOnce(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	called := false
	err := runWithSpinner(&buf, "Syncing acme", func() error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("runWithSpinner() = %v, called = %v", err, called)
	}
	if buf.String() != "Syncing acme...\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(time.Hour), "just now"},
		{now.Add(-30 * time.Second), "just now"},
		{now.Add(-1 * time.Minute), "1 minute ago"},
		{now.Add(-5 * time.Minute), "5 minutes ago"},
		{now.Add(-2 * time.Hour), "2 hours ago"},
		{now.Add(-49 * time.Hour), "2 days ago"},
	}
	for _, tt := range tests {
		if got := formatRelativeTime(tt.at); got != tt.want {
			t.Errorf("formatRelativeTime(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestShortRefAndTruncate(t *testing.T) {
	if got := shortRef("3f2a9c1e-aaaa-4bbb-8ccc-000000000000"); got != "3f2a9c1e" {
		t.Errorf("shortRef() = %q", got)
	}
	if got := shortRef("42"); got != "42" {
		t.Errorf("shortRef(42) = %q", got)
	}
	if got := truncate("connection refused by peer", 10); got != "connect..." {
		t.Errorf("truncate() = %q", got)
	}
}
