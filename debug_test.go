package tally

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLogger_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "debug.log")

	l, err := NewDebugLogger(true, path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	l.LogRequest("POST", "https://db.example.test/rest/v1/sales", []byte(`{"total":"5.00"}`))
	l.LogError("insert sales", errors.New("HTTP 503"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	for _, want := range []string{"[TALLY DEBUG]", "REQUEST POST", "ERROR [insert sales]: HTTP 503"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestDebugLogger_DisabledWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := &DebugLogger{writer: &buf}

	l.Log("hello")
	l.LogPass(&SyncResult{Synced: 1})
	l.LogItem(ItemResult{QueueID: 1, Outcome: OutcomeSynced})
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}
}

func TestDebugLogger_NilSafe(t *testing.T) {
	var l *DebugLogger
	l.LogRequest("GET", "/", nil)
	l.LogResponse(200, "OK", nil)
	l.LogError("x", errors.New("y"))
	l.LogPass(&SyncResult{})
	l.LogItem(ItemResult{})
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil = %v, want nil", err)
	}
}

func TestDebugLogger_LogItemAndPass(t *testing.T) {
	var buf bytes.Buffer
	l := &DebugLogger{enabled: true, writer: &buf}

	l.LogItem(ItemResult{QueueID: 4, Operation: OpCreate, EntityType: EntitySale, ClientRef: "c1", ServerID: "17", Outcome: OutcomeSynced})
	l.LogItem(ItemResult{QueueID: 5, Operation: OpCreate, EntityType: EntitySaleLine, ClientRef: "c2", Outcome: OutcomeFailed, Error: "HTTP 409"})
	l.LogPass(&SyncResult{Synced: 1, Failed: 1})

	out := buf.String()
	for _, want := range []string{
		"ITEM #4 create sale ref=c1 -> synced server_id=17",
		"ITEM #5 create sale_line ref=c2 -> failed error=HTTP 409",
		"PASS synced=1 failed=1 skipped=0 deferred=0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("short", 10); got != "short" {
		t.Errorf("truncateForLog(short) = %q", got)
	}
	got := truncateForLog(strings.Repeat("a", 20), 5)
	if !strings.HasPrefix(got, "aaaaa...") || !strings.Contains(got, "20 bytes total") {
		t.Errorf("truncateForLog(long) = %q", got)
	}
}
