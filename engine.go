package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tally/internal/remote"
)

// DefaultRetainSynced is how long synced queue items are kept.
const DefaultRetainSynced = 24 * time.Hour

// lastSaleLineColumn on a remote inventory row holds the client ref of the
// sale line whose adjustment was applied last.
const lastSaleLineColumn = "last_sale_line_ref"

// RemoteStore is the remote data store a sync pass writes to. Implementations
// must be safe for concurrent use.
type RemoteStore interface {
	Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error)
	Update(ctx context.Context, table, id string, patch map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, filter map[string]any) ([]map[string]any, error)
}

// Prober is implemented by remote stores that can report reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

type handlerKey struct {
	Type EntityType
	Op   Operation
}

// applied is what a handler did with one item.
type applied struct {
	serverID string
	skipped  bool

	// resolved holds reference fields rewritten to server ids.
	resolved Fields
}

type handlerFunc func(ctx context.Context, p *pass, k kind, item *QueueItem) (applied, error)

// pass is the state owned by one sync pass.
type pass struct {
	// refs maps client refs to server ids resolved during the pass.
	refs map[string]string

	// held lists products whose stock adjustment failed during the pass.
	// Later lines of those products wait for the next pass.
	held map[string]bool
}

// EngineOptions tune an Engine.
type EngineOptions struct {
	// RetainSynced is how long synced items are kept before purging.
	RetainSynced time.Duration
	Logger       *slog.Logger
	Debug        *DebugLogger
}

// Engine drains a store's queue into the remote store.
type Engine struct {
	store    *Store
	queue    *Queue
	remote   RemoteStore
	session  *Session
	counter  *Counter
	storeID  string
	retain   time.Duration
	logger   *slog.Logger
	debug    *DebugLogger
	handlers map[handlerKey]handlerFunc
	running  atomic.Bool
}

// NewEngine creates a sync engine for the queue's store.
func NewEngine(store *Store, queue *Queue, rs RemoteStore, session *Session, counter *Counter, opts EngineOptions) (*Engine, error) {
	if rs == nil {
		return nil, errors.New("sync engine: remote store is required")
	}
	if session == nil {
		session = NewSession()
	}
	if counter == nil {
		counter = NewCounter(nil)
	}
	if opts.RetainSynced <= 0 {
		opts.RetainSynced = DefaultRetainSynced
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		store:   store,
		queue:   queue,
		remote:  rs,
		session: session,
		counter: counter,
		storeID: queue.StoreID(),
		retain:  opts.RetainSynced,
		logger:  opts.Logger.With("store", queue.StoreID()),
		debug:   opts.Debug,
	}
	e.handlers = e.buildHandlers()
	if err := checkHandlers(e.handlers); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) buildHandlers() map[handlerKey]handlerFunc {
	h := make(map[handlerKey]handlerFunc, len(kinds)*3)
	for _, t := range EntityTypes() {
		h[handlerKey{t, OpCreate}] = e.applyCreate
		h[handlerKey{t, OpUpdate}] = e.applyUpdate
		h[handlerKey{t, OpDelete}] = e.applyDelete
	}
	return h
}

// checkHandlers fails unless every entity type and operation has a handler.
func checkHandlers(h map[handlerKey]handlerFunc) error {
	for _, t := range EntityTypes() {
		for _, op := range Operations() {
			if h[handlerKey{t, op}] == nil {
				return fmt.Errorf("sync engine: no handler for %s %s", op, t)
			}
		}
	}
	return nil
}

// Running reports whether a pass is in flight.
func (e *Engine) Running() bool { return e.running.Load() }

// SyncAll runs one pass over the queue. When a pass is already running or
// syncing is paused it returns an empty result at once. Item failures are
// reported in the result; only a failure to read the queue is returned.
func (e *Engine) SyncAll(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync pass already running")
		return &SyncResult{}, nil
	}
	defer e.running.Store(false)

	if e.session.Paused() {
		return &SyncResult{}, nil
	}

	start := time.Now()
	batch, err := e.queue.NextBatch(ctx)
	if err != nil {
		e.session.setLastError(err.Error())
		e.debug.LogError("next_batch", err)
		return nil, fmt.Errorf("sync: read queue: %w", err)
	}

	e.session.beginSync(len(batch))
	result := &SyncResult{}
	p := &pass{refs: make(map[string]string), held: make(map[string]bool)}
	for i := range batch {
		if e.session.Paused() {
			e.logger.Info("sync paused mid-pass", "remaining", len(batch)-i)
			break
		}
		if ctx.Err() != nil {
			break
		}
		res := e.apply(ctx, p, &batch[i])
		e.debug.LogItem(res)
		result.record(res)
		e.session.setProgress(i + 1)
	}

	e.finish(context.WithoutCancel(ctx), result, start)
	return result, nil
}

func (e *Engine) finish(ctx context.Context, result *SyncResult, start time.Time) {
	if n, err := e.queue.PurgeSynced(ctx, e.retain); err != nil {
		e.logger.Warn("purge synced queue items", "error", err)
	} else if n > 0 {
		e.logger.Debug("purged synced queue items", "count", n)
	}

	counts, err := e.counter.Refresh(ctx, e.queue)
	if err != nil {
		e.logger.Warn("refresh pending counts", "error", err)
	}

	now := time.Now().UTC()
	if err := e.store.SetMetadata(ctx, metaLastSync+e.storeID, now.Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("stamp last sync", "error", err)
	}
	result.Duration = time.Since(start)

	e.session.endSync(now, nil)
	for _, item := range result.Items {
		if item.Outcome == OutcomeFailed {
			e.session.setLastError(item.Error)
			break
		}
	}

	e.logger.Info("sync pass complete",
		"synced", result.Synced,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"deferred", result.Deferred,
		"pending", counts.Pending,
		"duration", result.Duration)
	e.debug.LogPass(result)
}

func (e *Engine) apply(ctx context.Context, p *pass, item *QueueItem) ItemResult {
	res := ItemResult{
		QueueID:    item.QueueID,
		EntityType: item.EntityType,
		Operation:  item.Operation,
		ClientRef:  item.ClientRef,
	}

	k, err := kindOf(item.EntityType)
	var h handlerFunc
	if err == nil {
		if h = e.handlers[handlerKey{item.EntityType, item.Operation}]; h == nil {
			err = fmt.Errorf("%w: %q", ErrInvalidOperation, item.Operation)
		}
	}
	var out applied
	if err == nil {
		out, err = h(ctx, p, k, item)
	}
	local := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, errDependencyNotReady):
		e.logger.Debug("dependency not ready", "queue_id", item.QueueID, "depends_on", item.DependsOnRef)
		res.Outcome = OutcomeDeferred
		return res
	case err != nil && ctx.Err() != nil:
		res.Outcome = OutcomeDeferred
		return res
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		res.ServerID = out.serverID
		e.recordFailure(local, p, k, item, out.serverID, err)
		return res
	}

	if err := e.recordSuccess(local, p, k, item, out); err != nil {
		e.logger.Error("record synced item", "queue_id", item.QueueID, "error", err)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.ServerID = out.serverID
	res.Outcome = OutcomeSynced
	if out.skipped {
		res.Outcome = OutcomeSkipped
	}
	return res
}

func (e *Engine) recordSuccess(ctx context.Context, p *pass, k kind, item *QueueItem, out applied) error {
	if item.Operation == OpCreate {
		p.refs[item.ClientRef] = out.serverID
	}
	return e.store.WithTx(ctx, func(tx *Tx) error {
		err := tx.markQueueSyncedAt(ctx, item.QueueID, item.Revision)
		switch {
		case errors.Is(err, errItemChanged) && item.Operation == OpCreate:
			e.logger.Debug("create changed in flight, queueing update", "queue_id", item.QueueID, "server_id", out.serverID)
			if err := tx.reopenAsUpdate(ctx, item.QueueID, out.serverID); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound) && item.Operation == OpCreate:
			return e.recordOrphan(ctx, tx, k, item, out)
		case errors.Is(err, ErrNotFound):
			// Superseded by a later delete or a cleared queue.
		case err != nil:
			return err
		}

		switch item.Operation {
		case OpCreate:
			return tx.markEntitySynced(ctx, k, e.storeID, item.ClientRef, out.serverID, out.resolved)
		case OpUpdate:
			return tx.markEntitySynced(ctx, k, e.storeID, item.ClientRef, item.EntityRef, out.resolved)
		}
		return nil
	})
}

// recordOrphan handles a create whose queue item was dropped while it was
// sent. If the entity was deleted too, the new remote row is queued for
// deletion; otherwise the entity just takes the server id.
func (e *Engine) recordOrphan(ctx context.Context, tx *Tx, k kind, item *QueueItem, out applied) error {
	_, err := tx.lookup(ctx, k.Table, e.storeID, item.ClientRef)
	switch {
	case errors.Is(err, ErrNotFound):
		e.logger.Debug("entity deleted in flight, queueing remote delete", "queue_id", item.QueueID, "server_id", out.serverID)
		_, err = tx.enqueue(ctx, QueueItem{
			StoreID:    e.storeID,
			EntityType: item.EntityType,
			Operation:  OpDelete,
			EntityRef:  out.serverID,
			ClientRef:  item.ClientRef,
		})
		return err
	case err != nil:
		return err
	}
	return tx.markEntitySynced(ctx, k, e.storeID, item.ClientRef, out.serverID, out.resolved)
}

func (e *Engine) recordFailure(ctx context.Context, p *pass, k kind, item *QueueItem, serverID string, cause error) {
	e.logger.Warn("sync item failed",
		"queue_id", item.QueueID,
		"entity", item.EntityType,
		"operation", item.Operation,
		"retry_count", item.RetryCount+1,
		"error", cause)
	e.debug.LogError(string(item.Operation)+" "+string(item.EntityType), cause)

	if item.Operation == OpCreate && serverID != "" {
		p.refs[item.ClientRef] = serverID
	}
	err := e.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.markQueueFailed(ctx, item.QueueID, cause); err != nil {
			return err
		}
		if item.Operation == OpDelete || k.Table == "" {
			return nil
		}
		return tx.markEntityFailed(ctx, k, e.storeID, item.ClientRef, serverID)
	})
	if err != nil {
		e.logger.Error("record failed item", "queue_id", item.QueueID, "error", err)
	}
}

// resolve returns the item payload with reference fields rewritten to server
// ids, plus the rewritten fields alone. It fails with errDependencyNotReady
// while a parent has no server id.
func (e *Engine) resolve(ctx context.Context, p *pass, k kind, item *QueueItem) (Fields, Fields, error) {
	payload := item.Payload.Clone()
	resolved := Fields{}
	for _, r := range k.Refs {
		v := payload.String(r.Field)
		if v == "" {
			continue
		}
		id, err := e.serverIDFor(ctx, p, r.Parent, v)
		if err != nil {
			return nil, nil, err
		}
		if id != v {
			payload[r.Field] = id
			resolved[r.Field] = id
		}
	}

	if dep := item.DependsOnRef; dep != "" {
		if _, ok := p.refs[dep]; !ok {
			var pending bool
			err := e.store.read(func(tx *Tx) error {
				var err error
				pending, err = tx.unsynced(ctx, e.storeID, dep)
				return err
			})
			if err != nil {
				return nil, nil, err
			}
			if pending {
				return nil, nil, errDependencyNotReady
			}
		}
	}
	return payload, resolved, nil
}

// serverIDFor maps a reference value to a server id. Values that are not the
// client ref of a cached parent are taken as server ids already.
func (e *Engine) serverIDFor(ctx context.Context, p *pass, parent EntityType, v string) (string, error) {
	if id, ok := p.refs[v]; ok {
		return id, nil
	}
	found, err := e.store.Query(ctx, kinds[parent].Table, Filter{StoreID: e.storeID, ClientRef: v, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return v, nil
	}
	if found[0].ServerID == "" {
		return "", errDependencyNotReady
	}
	p.refs[v] = found[0].ServerID
	return found[0].ServerID, nil
}

func (e *Engine) applyCreate(ctx context.Context, p *pass, k kind, item *QueueItem) (applied, error) {
	payload, resolved, err := e.resolve(ctx, p, k, item)
	if err != nil {
		return applied{}, err
	}
	if k.AdjustsInventory && p.held[remote.FormatValue(payload["product_id"])] {
		return applied{}, errDependencyNotReady
	}
	out := applied{resolved: resolved}

	if item.AppliedServerID != "" {
		out.serverID = item.AppliedServerID
		return out, e.sideEffects(ctx, p, k, item, payload)
	}

	existing, err := e.remote.Select(ctx, k.RemoteTable, remote.Filter{
		"client_ref": item.ClientRef,
		"store_id":   e.storeID,
	})
	if err != nil {
		return out, remoteErr("select "+k.RemoteTable, err)
	}
	if len(existing) > 0 {
		out.serverID = remote.RowID(existing[0])
		out.skipped = true
		if out.serverID == "" {
			return out, &SyncError{Operation: "select " + k.RemoteTable, Err: errors.New("existing row has no id")}
		}
		return e.afterInsert(ctx, p, k, item, payload, out)
	}

	row := remote.Row(payload)
	row["client_ref"] = item.ClientRef
	row["store_id"] = e.storeID
	created, err := e.remote.Insert(ctx, k.RemoteTable, row)
	if err != nil {
		return out, remoteErr("insert "+k.RemoteTable, err)
	}
	out.serverID = remote.RowID(created)
	if out.serverID == "" {
		return out, &SyncError{Operation: "insert " + k.RemoteTable, Err: errors.New("inserted row has no id")}
	}
	return e.afterInsert(ctx, p, k, item, payload, out)
}

// afterInsert records the remote row of an inventory-adjusting create on its
// queue item, then runs the side effects.
func (e *Engine) afterInsert(ctx context.Context, p *pass, k kind, item *QueueItem, payload Fields, out applied) (applied, error) {
	if !k.AdjustsInventory {
		return out, nil
	}
	err := e.queue.MarkApplied(context.WithoutCancel(ctx), item.QueueID, out.serverID)
	if errors.Is(err, ErrNotFound) {
		e.logger.Debug("queue item dropped in flight", "queue_id", item.QueueID)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	return out, e.sideEffects(ctx, p, k, item, payload)
}

func (e *Engine) applyUpdate(ctx context.Context, p *pass, k kind, item *QueueItem) (applied, error) {
	payload, resolved, err := e.resolve(ctx, p, k, item)
	if err != nil {
		return applied{}, err
	}
	if item.EntityRef == "" {
		return applied{}, fmt.Errorf("update %s: missing server id", k.Type)
	}
	if _, err := e.remote.Update(ctx, k.RemoteTable, item.EntityRef, remote.Row(payload)); err != nil {
		return applied{}, remoteErr("update "+k.RemoteTable, err)
	}
	return applied{serverID: item.EntityRef, resolved: resolved}, nil
}

func (e *Engine) applyDelete(ctx context.Context, _ *pass, k kind, item *QueueItem) (applied, error) {
	if item.EntityRef == "" {
		return applied{}, fmt.Errorf("delete %s: missing server id", k.Type)
	}
	err := e.remote.Delete(ctx, k.RemoteTable, item.EntityRef)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return applied{}, remoteErr("delete "+k.RemoteTable, err)
	}
	return applied{serverID: item.EntityRef}, nil
}

// sideEffects runs the remote writes that follow a create of k, unless an
// earlier attempt already completed them.
func (e *Engine) sideEffects(ctx context.Context, p *pass, k kind, item *QueueItem, payload Fields) error {
	if !k.AdjustsInventory || item.SideEffectAt != nil {
		return nil
	}
	productID := remote.FormatValue(payload["product_id"])
	if productID == "" {
		return nil
	}
	qty, err := asInt64(payload["quantity"])
	if err != nil {
		return fmt.Errorf("sale line: %w", err)
	}
	if qty < 0 {
		return fmt.Errorf("sale line: negative quantity %d", qty)
	}
	if err := e.adjustInventory(ctx, item, productID, qty); err != nil {
		p.held[productID] = true
		return err
	}
	return nil
}

// availableAfterSale clamps stock at zero.
func availableAfterSale(before, sold int64) int64 {
	return max(0, before-sold)
}

// adjustInventory decrements the remote stock of a product by the units sold
// on line, then refreshes the cached inventory record and marks the line's
// side effect done. The remote row remembers the last line applied, so a line
// whose update landed before a crash is not counted twice.
func (e *Engine) adjustInventory(ctx context.Context, line *QueueItem, productID string, sold int64) error {
	inv := kinds[EntityInventory]
	rows, err := e.remote.Select(ctx, inv.RemoteTable, remote.Filter{
		"product_id": productID,
		"store_id":   e.storeID,
	})
	if err != nil {
		return remoteErr("select "+inv.RemoteTable, err)
	}
	if len(rows) == 0 {
		e.logger.Debug("no inventory row for product", "product_id", productID)
		return nil
	}

	row := rows[0]
	id := remote.RowID(row)
	updated := row
	if remote.FormatValue(row[lastSaleLineColumn]) == line.ClientRef {
		e.logger.Debug("inventory already adjusted for line", "product_id", productID, "client_ref", line.ClientRef)
	} else {
		before, err := asInt64(row["available_qty"])
		if err != nil {
			return fmt.Errorf("inventory %s available_qty: %w", id, err)
		}
		prevSold, err := asInt64(row["quantity_sold"])
		if err != nil {
			return fmt.Errorf("inventory %s quantity_sold: %w", id, err)
		}

		patch := remote.Row{
			"available_qty":    availableAfterSale(before, sold),
			"quantity_sold":    prevSold + sold,
			lastSaleLineColumn: line.ClientRef,
		}
		updated, err = e.remote.Update(ctx, inv.RemoteTable, id, patch)
		if err != nil {
			return remoteErr("update "+inv.RemoteTable, err)
		}
		if updated == nil {
			updated = row
			for k, v := range patch {
				updated[k] = v
			}
		}
	}

	local := context.WithoutCancel(ctx)
	err = e.store.WithTx(local, func(tx *Tx) error {
		if _, err := tx.applyRemote(local, inv, e.storeID, id, Fields(updated)); err != nil {
			return err
		}
		if err := tx.markSideEffect(local, line.QueueID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("record inventory adjustment", "product_id", productID, "error", err)
	}
	return nil
}

func remoteErr(op string, err error) error {
	se := &SyncError{Operation: op, Err: err}
	var httpErr *remote.HTTPError
	if errors.As(err, &httpErr) {
		se.StatusCode = httpErr.StatusCode
	}
	return se
}
