package tally

import (
	"context"
	"errors"
	"testing"
)

// TestNewStore_CreatesAllTables verifies that NewStore creates every cache table plus the queue.
func TestNewStore_CreatesAllTables(t *testing.T) {
	store := newTestStore(t)

	tables := []string{"metadata", "sync_queue"}
	for _, et := range EntityTypes() {
		tables = append(tables, et.Table())
	}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

// TestNewStore_EnablesWAL verifies that WAL mode is enabled after initialization.
func TestNewStore_EnablesWAL(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestNewStore_RecordsSchemaVersion(t *testing.T) {
	store := newTestStore(t)

	version, err := store.GetMetadata(context.Background(), metaSchemaVersion)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if version != "3" {
		t.Errorf("schema_version = %q, want %q", version, "3")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := &Entity{LocalID: "offline_1", StoreID: testStoreID, ClientRef: "ref-1", Fields: Fields{"name": "Ada"}}
	if err := store.Put(ctx, "customers", e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e.Fields = Fields{"name": "Grace"}
	e.ServerID = "7"
	e.Status = StatusSynced
	if err := store.Put(ctx, "customers", e); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := store.Get(ctx, "customers", "offline_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Fields.String("name") != "Grace" {
		t.Errorf("name = %q, want %q", got.Fields.String("name"), "Grace")
	}
	if got.ServerID != "7" || got.Status != StatusSynced {
		t.Errorf("got server_id=%q status=%q, want 7/synced", got.ServerID, got.Status)
	}
	if got.Type != EntityCustomer {
		t.Errorf("Type = %q, want %q", got.Type, EntityCustomer)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "sales", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []*Entity{
		{LocalID: "a", StoreID: testStoreID, ClientRef: "ra", Fields: Fields{"product_id": "p1", "quantity": 2}},
		{LocalID: "b", StoreID: testStoreID, ClientRef: "rb", Status: StatusSynced, ServerID: "9", Fields: Fields{"product_id": "p2"}},
		{LocalID: "c", StoreID: "other", ClientRef: "rc", Fields: Fields{"product_id": "p1"}},
	}
	for _, e := range rows {
		if err := store.Put(ctx, "sale_lines", e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"store", Filter{StoreID: testStoreID}, []string{"a", "b"}},
		{"status", Filter{StoreID: testStoreID, Status: StatusSynced}, []string{"b"}},
		{"client ref", Filter{ClientRef: "rc"}, []string{"c"}},
		{"server id", Filter{ServerID: "9"}, []string{"b"}},
		{"json field", Filter{Fields: map[string]any{"product_id": "p1"}}, []string{"a", "c"}},
		{"json number", Filter{Fields: map[string]any{"quantity": 2}}, []string{"a"}},
		{"limit", Filter{Limit: 1}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, "sale_lines", tt.filter)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query returned %d rows, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.LocalID != tt.want[i] {
					t.Errorf("row %d = %q, want %q", i, e.LocalID, tt.want[i])
				}
			}
		})
	}
}

func TestStore_QueryRejectsUnsafeFieldName(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Query(context.Background(), "sales", Filter{Fields: map[string]any{"a') OR 1=1 --": 1}})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Query() error = %v, want *StorageError", err)
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := &Entity{LocalID: "x", StoreID: testStoreID, ClientRef: "rx"}
	if err := store.Put(ctx, "debts", e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, "debts", "x"); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}
	if _, err := store.Get(ctx, "debts", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_InvalidTable(t *testing.T) {
	store := newTestStore(t)

	err := store.Put(context.Background(), "sync_queue", &Entity{LocalID: "x"})
	if !errors.Is(err, ErrInvalidTable) {
		t.Errorf("Put() error = %v, want ErrInvalidTable", err)
	}
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, "products", &Entity{LocalID: "p", StoreID: testStoreID, ClientRef: "rp"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	if _, err := store.Get(ctx, "products", "p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("row survived rollback: err = %v", err)
	}
}

func TestStore_ClosedStore(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := store.Get(context.Background(), "sales", "x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get() error = %v, want ErrStoreClosed", err)
	}
	if err := store.Put(context.Background(), "sales", &Entity{LocalID: "x"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put() error = %v, want ErrStoreClosed", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestStore_SQLiteFailureIsStorageError(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.db.Exec("DROP TABLE customers"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	err := store.Put(context.Background(), "customers", &Entity{LocalID: "x", StoreID: testStoreID, ClientRef: "r"})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Put() error = %v, want *StorageError", err)
	}
	if se.Op != "put customers" {
		t.Errorf("Op = %q, want %q", se.Op, "put customers")
	}
}

func TestStore_Metadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetMetadata(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("GetMetadata(missing) = %q, %v; want empty, nil", got, err)
	}
	if err := store.SetMetadata(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if got, _ := store.GetMetadata(ctx, "k"); got != "v2" {
		t.Errorf("GetMetadata(k) = %q, want v2", got)
	}
}

func TestStore_RekeyStaysWithinStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	other := &Entity{LocalID: "1", StoreID: "globex", ClientRef: "globex-ref", ServerID: "1", Status: StatusSynced, Fields: Fields{"name": "Grace"}}
	stale := &Entity{LocalID: "2", StoreID: testStoreID, ClientRef: "stale-ref", ServerID: "2", Status: StatusSynced, Fields: Fields{"name": "Old"}}
	for _, e := range []*Entity{other, stale} {
		if err := store.Put(ctx, "customers", e); err != nil {
			t.Fatalf("Put(%s) failed: %v", e.ClientRef, err)
		}
	}
	first := &Entity{LocalID: "offline_1", StoreID: testStoreID, ClientRef: "acme-1", Fields: Fields{"name": "Ada"}}
	second := &Entity{LocalID: "offline_2", StoreID: testStoreID, ClientRef: "acme-2", Fields: Fields{"name": "Linus"}}
	for _, e := range []*Entity{first, second} {
		if err := store.Put(ctx, "customers", e); err != nil {
			t.Fatalf("Put(%s) failed: %v", e.ClientRef, err)
		}
	}

	err := store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.rekey(ctx, "customers", first, "1"); err != nil {
			return err
		}
		return tx.rekey(ctx, "customers", second, "2")
	})
	if err != nil {
		t.Fatalf("rekey failed: %v", err)
	}

	got, err := store.Get(ctx, "customers", "1")
	if err != nil {
		t.Fatalf("Get(1) failed: %v", err)
	}
	if got.StoreID != "globex" || got.Fields.String("name") != "Grace" {
		t.Errorf("row 1 = %s/%q, want the globex row kept", got.StoreID, got.Fields.String("name"))
	}
	if first.LocalID != "offline_1" {
		t.Errorf("LocalID = %q, want offline_1 kept while another store holds 1", first.LocalID)
	}

	got, err = store.Get(ctx, "customers", "2")
	if err != nil {
		t.Fatalf("Get(2) failed: %v", err)
	}
	if got.ClientRef != "acme-2" {
		t.Errorf("row 2 client_ref = %q, want acme-2 to replace the stale row", got.ClientRef)
	}
	if _, err := store.Get(ctx, "customers", "offline_2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(offline_2) error = %v, want ErrNotFound", err)
	}
}
