package tally

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const offlineIDPrefix = "offline_"

// Creator metadata fields stamped on offline creates.
const (
	FieldCreatedBy = "created_by"
	FieldDeviceID  = "device_id"
)

// Identity is the tenant and creator every offline mutation is recorded for.
type Identity struct {
	StoreID  string
	Creator  string
	DeviceID string
}

// Counter holds the queue totals shown on pending badges.
type Counter struct {
	mu       sync.RWMutex
	counts   Counts
	onChange func(Counts)
}

// NewCounter returns a counter that calls onChange whenever totals change.
func NewCounter(onChange func(Counts)) *Counter {
	return &Counter{onChange: onChange}
}

// Counts returns the last computed totals.
func (c *Counter) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts
}

// Refresh recomputes totals from q.
func (c *Counter) Refresh(ctx context.Context, q *Queue) (Counts, error) {
	n, err := q.Counts(ctx)
	if err != nil {
		return c.Counts(), err
	}

	c.mu.Lock()
	changed := n != c.counts
	c.counts = n
	fn := c.onChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(n)
	}
	return n, nil
}

// EntityCache turns user mutations of one entity type into an immediate local
// write plus exactly one queue item. It never touches the network.
type EntityCache struct {
	kind    kind
	store   *Store
	queue   *Queue
	counter *Counter
	id      Identity
	logger  *slog.Logger
}

// NewEntityCache returns the cache manager for t.
func NewEntityCache(t EntityType, store *Store, queue *Queue, counter *Counter, id Identity, logger *slog.Logger) (*EntityCache, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		counter = NewCounter(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityCache{kind: k, store: store, queue: queue, counter: counter, id: id, logger: logger}, nil
}

// Type returns the entity type the cache manages.
func (c *EntityCache) Type() EntityType { return c.kind.Type }

// CreateOffline caches a new pending entity and queues its create.
func (c *EntityCache) CreateOffline(ctx context.Context, fields Fields) (*Entity, error) {
	var e *Entity
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		e, err = c.create(ctx, tx, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.refresh(ctx)
	return e, nil
}

func (c *EntityCache) create(ctx context.Context, tx *Tx, fields Fields) (*Entity, error) {
	f := fields.Clone()
	if c.id.Creator != "" {
		if _, ok := f[FieldCreatedBy]; !ok {
			f[FieldCreatedBy] = c.id.Creator
		}
	}
	if c.id.DeviceID != "" {
		if _, ok := f[FieldDeviceID]; !ok {
			f[FieldDeviceID] = c.id.DeviceID
		}
	}
	dep, err := c.resolveRefs(ctx, tx, f)
	if err != nil {
		return nil, err
	}

	e := &Entity{
		Type:      c.kind.Type,
		LocalID:   offlineIDPrefix + ulid.Make().String(),
		ClientRef: uuid.NewString(),
		StoreID:   c.id.StoreID,
		Status:    StatusPending,
		Fields:    f,
	}
	if err := tx.Put(ctx, c.kind.Table, e); err != nil {
		return nil, err
	}
	_, err = tx.enqueue(ctx, QueueItem{
		StoreID:      c.id.StoreID,
		EntityType:   c.kind.Type,
		Operation:    OpCreate,
		EntityRef:    e.ClientRef,
		ClientRef:    e.ClientRef,
		DependsOnRef: dep,
		Payload:      f,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// resolveRefs rewrites reference fields to the parent's client ref while the
// parent is unsynced and to its server id afterwards. It returns the client
// ref of the first unsynced parent. Unknown values are kept as given.
func (c *EntityCache) resolveRefs(ctx context.Context, tx *Tx, f Fields) (string, error) {
	var dep string
	for _, r := range c.kind.Refs {
		v := f.String(r.Field)
		if v == "" {
			continue
		}
		parent, err := tx.lookup(ctx, kinds[r.Parent].Table, c.id.StoreID, v)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if parent.NeverSynced() {
			f[r.Field] = parent.ClientRef
			if dep == "" {
				dep = parent.ClientRef
			}
			continue
		}
		f[r.Field] = parent.ServerID
	}
	return dep, nil
}

// UpdateOffline merges patch into the cached entity and queues it. A
// never-synced entity has its pending create rewritten instead of gaining an
// update item.
func (c *EntityCache) UpdateOffline(ctx context.Context, id string, patch Fields) (*Entity, error) {
	var e *Entity
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		e, err = tx.lookup(ctx, c.kind.Table, c.id.StoreID, id)
		if err != nil {
			return err
		}

		p := patch.Clone()
		patchDep, err := c.resolveRefs(ctx, tx, p)
		if err != nil {
			return err
		}
		e.Fields = e.Fields.Merge(p)
		e.Status = StatusPending
		if err := tx.Put(ctx, c.kind.Table, e); err != nil {
			return err
		}

		if e.NeverSynced() {
			return c.coalesceCreate(ctx, tx, e)
		}
		_, err = tx.enqueue(ctx, QueueItem{
			StoreID:      c.id.StoreID,
			EntityType:   c.kind.Type,
			Operation:    OpUpdate,
			EntityRef:    e.ServerID,
			ClientRef:    e.ClientRef,
			DependsOnRef: patchDep,
			Payload:      p,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.refresh(ctx)
	return e, nil
}

// coalesceCreate makes the open create item of a never-synced entity carry
// its latest fields, queueing a fresh create if none is left.
func (c *EntityCache) coalesceCreate(ctx context.Context, tx *Tx, e *Entity) error {
	dep, err := c.resolveRefs(ctx, tx, e.Fields)
	if err != nil {
		return err
	}
	open, err := tx.openItems(ctx, c.id.StoreID, e.ClientRef)
	if err != nil {
		return err
	}
	for _, item := range open {
		if item.Operation == OpCreate {
			return tx.setQueuePayload(ctx, item.QueueID, e.Fields, dep)
		}
	}
	_, err = tx.enqueue(ctx, QueueItem{
		StoreID:      c.id.StoreID,
		EntityType:   c.kind.Type,
		Operation:    OpCreate,
		EntityRef:    e.ClientRef,
		ClientRef:    e.ClientRef,
		DependsOnRef: dep,
		Payload:      e.Fields,
	})
	return err
}

// DeleteOffline removes the cached entity. A never-synced entity is dropped
// with its queue items and its never-synced dependents, and nothing is sent.
// A synced entity gets a delete item against its server id.
func (c *EntityCache) DeleteOffline(ctx context.Context, id string) error {
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		e, err := tx.lookup(ctx, c.kind.Table, c.id.StoreID, id)
		if err != nil {
			return err
		}
		if e.NeverSynced() {
			return tx.discard(ctx, e)
		}

		if err := tx.Delete(ctx, c.kind.Table, e.LocalID); err != nil {
			return err
		}
		err = tx.deleteQueueItems(ctx, "store_id = ? AND client_ref = ? AND operation = ? AND status IN (?, ?)",
			c.id.StoreID, e.ClientRef, string(OpUpdate), string(StatusPending), string(StatusFailed))
		if err != nil {
			return err
		}
		_, err = tx.enqueue(ctx, QueueItem{
			StoreID:    c.id.StoreID,
			EntityType: c.kind.Type,
			Operation:  OpDelete,
			EntityRef:  e.ServerID,
			ClientRef:  e.ClientRef,
		})
		return err
	})
	if err != nil {
		return err
	}
	c.refresh(ctx)
	return nil
}

// discard deletes a never-synced entity, its queue items and, recursively,
// the open items that depend on it.
func (tx *Tx) discard(ctx context.Context, e *Entity) error {
	dependents, err := tx.queueItems(ctx, "store_id = ? AND depends_on_ref = ? AND status IN (?, ?)",
		e.StoreID, e.ClientRef, string(StatusPending), string(StatusFailed))
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, kinds[e.Type].Table, e.LocalID); err != nil {
		return err
	}
	if err := tx.deleteQueueItems(ctx, "store_id = ? AND client_ref = ?", e.StoreID, e.ClientRef); err != nil {
		return err
	}

	for _, item := range dependents {
		child, err := tx.lookup(ctx, kinds[item.EntityType].Table, e.StoreID, item.ClientRef)
		switch {
		case errors.Is(err, ErrNotFound):
			err = tx.deleteQueueItems(ctx, "seq = ?", item.QueueID)
		case err != nil:
		case child.NeverSynced():
			err = tx.discard(ctx, child)
		default:
			err = tx.deleteQueueItems(ctx, "seq = ?", item.QueueID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns a cached entity by local id, client ref or server id.
func (c *EntityCache) Get(ctx context.Context, id string) (*Entity, error) {
	var e *Entity
	err := c.store.read(func(tx *Tx) error {
		var err error
		e, err = tx.lookup(ctx, c.kind.Table, c.id.StoreID, id)
		return err
	})
	return e, err
}

// List returns cached entities of the store. An empty status lists all.
func (c *EntityCache) List(ctx context.Context, status Status) ([]Entity, error) {
	return c.store.Query(ctx, c.kind.Table, Filter{StoreID: c.id.StoreID, Status: status})
}

// Find returns cached entities whose business fields equal fields.
func (c *EntityCache) Find(ctx context.Context, fields Fields) ([]Entity, error) {
	return c.store.Query(ctx, c.kind.Table, Filter{StoreID: c.id.StoreID, Fields: fields})
}

// MarkSynced gives the entity its server id as local id. The entity becomes
// synced once no open queue item refers to it.
func (c *EntityCache) MarkSynced(ctx context.Context, clientRefOrLocalID, serverID string) error {
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		return tx.markEntitySynced(ctx, c.kind, c.id.StoreID, clientRefOrLocalID, serverID, nil)
	})
	if err == nil {
		c.refresh(ctx)
	}
	return err
}

// MarkFailed flags the entity as failed, recording serverID when the remote
// row exists.
func (c *EntityCache) MarkFailed(ctx context.Context, clientRefOrLocalID, serverID string) error {
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		return tx.markEntityFailed(ctx, c.kind, c.id.StoreID, clientRefOrLocalID, serverID)
	})
	if err == nil {
		c.refresh(ctx)
	}
	return err
}

// ApplyRemote overwrites cached business fields with the remote row identified
// by serverID, caching it as synced if it is not cached yet. Nothing is queued.
func (c *EntityCache) ApplyRemote(ctx context.Context, serverID string, row Fields) (*Entity, error) {
	var e *Entity
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		e, err = tx.applyRemote(ctx, c.kind, c.id.StoreID, serverID, row)
		return err
	})
	return e, err
}

func (c *EntityCache) refresh(ctx context.Context) {
	if _, err := c.counter.Refresh(context.WithoutCancel(ctx), c.queue); err != nil {
		c.logger.Warn("refresh pending counts", "entity", c.kind.Type, "error", err)
	}
}

func (tx *Tx) markEntitySynced(ctx context.Context, k kind, storeID, ref, serverID string, resolved Fields) error {
	e, err := tx.lookup(ctx, k.Table, storeID, ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	open, err := tx.openItems(ctx, storeID, e.ClientRef)
	if err != nil {
		return err
	}
	if err := tx.rekey(ctx, k.Table, e, serverID); err != nil {
		return err
	}
	e.ServerID = serverID
	if len(resolved) > 0 {
		e.Fields = e.Fields.Merge(resolved)
	}
	if len(open) == 0 {
		e.Status = StatusSynced
	}
	return tx.Put(ctx, k.Table, e)
}

func (tx *Tx) markEntityFailed(ctx context.Context, k kind, storeID, ref, serverID string) error {
	e, err := tx.lookup(ctx, k.Table, storeID, ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if serverID != "" {
		if err := tx.rekey(ctx, k.Table, e, serverID); err != nil {
			return err
		}
		e.ServerID = serverID
	}
	e.Status = StatusFailed
	return tx.Put(ctx, k.Table, e)
}

// remoteOnlyColumns are remote row columns that are not business fields.
var remoteOnlyColumns = map[string]bool{"id": true, "client_ref": true, "store_id": true}

func (tx *Tx) applyRemote(ctx context.Context, k kind, storeID, serverID string, row Fields) (*Entity, error) {
	e, err := tx.lookup(ctx, k.Table, storeID, serverID)
	if errors.Is(err, ErrNotFound) {
		clientRef := row.String("client_ref")
		if clientRef == "" {
			clientRef = uuid.NewString()
		}
		e = &Entity{
			Type:      k.Type,
			LocalID:   serverID,
			ServerID:  serverID,
			ClientRef: clientRef,
			StoreID:   storeID,
			Status:    StatusSynced,
			Fields:    Fields{},
		}
	} else if err != nil {
		return nil, err
	}
	for key, v := range row {
		if !remoteOnlyColumns[key] {
			e.Fields[key] = v
		}
	}
	if err := tx.Put(ctx, k.Table, e); err != nil {
		return nil, err
	}
	return e, nil
}
