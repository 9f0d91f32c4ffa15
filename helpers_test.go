package tally

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/tally/internal/remote"
)

const testStoreID = "acme"

// fixture wires a store, queue, engine and caches against an in-memory remote.
type fixture struct {
	store   *Store
	queue   *Queue
	counter *Counter
	session *Session
	remote  *remote.Memory
	engine  *Engine
	caches  map[EntityType]*EntityCache
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newTestStore(t)
	f := &fixture{
		store:   st,
		queue:   NewQueue(st, testStoreID, 3),
		counter: NewCounter(nil),
		session: NewSession(),
		remote:  remote.NewMemory(),
		caches:  make(map[EntityType]*EntityCache),
	}

	var err error
	f.engine, err = NewEngine(st, f.queue, f.remote, f.session, f.counter, EngineOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	id := Identity{StoreID: testStoreID, Creator: "cashier@acme.test", DeviceID: "till-1"}
	for _, et := range EntityTypes() {
		c, err := NewEntityCache(et, st, f.queue, f.counter, id, discardLogger())
		if err != nil {
			t.Fatalf("NewEntityCache(%s) failed: %v", et, err)
		}
		f.caches[et] = c
	}
	return f
}

func (f *fixture) cache(et EntityType) *EntityCache { return f.caches[et] }

func (f *fixture) create(t *testing.T, et EntityType, fields Fields) *Entity {
	t.Helper()
	e, err := f.cache(et).CreateOffline(context.Background(), fields)
	if err != nil {
		t.Fatalf("CreateOffline(%s) failed: %v", et, err)
	}
	return e
}

func (f *fixture) get(t *testing.T, et EntityType, id string) *Entity {
	t.Helper()
	e, err := f.cache(et).Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s, %s) failed: %v", et, id, err)
	}
	return e
}

func (f *fixture) items(t *testing.T, status Status) []QueueItem {
	t.Helper()
	items, err := f.queue.List(context.Background(), status)
	if err != nil {
		t.Fatalf("List(%q) failed: %v", status, err)
	}
	return items
}

func (f *fixture) itemFor(t *testing.T, clientRef string, op Operation) QueueItem {
	t.Helper()
	for _, item := range f.items(t, "") {
		if item.ClientRef == clientRef && item.Operation == op {
			return item
		}
	}
	t.Fatalf("no %s item for %s", op, clientRef)
	return QueueItem{}
}

func (f *fixture) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := f.engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	return res
}

// syncedEntity creates an entity and drives it to synced with serverID
// without going through the remote store.
func (f *fixture) syncedEntity(t *testing.T, et EntityType, fields Fields, serverID string) *Entity {
	t.Helper()
	ctx := context.Background()
	e := f.create(t, et, fields)
	item := f.itemFor(t, e.ClientRef, OpCreate)
	if err := f.queue.MarkSynced(ctx, item.QueueID); err != nil {
		t.Fatalf("MarkSynced(queue) failed: %v", err)
	}
	if err := f.cache(et).MarkSynced(ctx, e.ClientRef, serverID); err != nil {
		t.Fatalf("MarkSynced(entity) failed: %v", err)
	}
	return f.get(t, et, serverID)
}
