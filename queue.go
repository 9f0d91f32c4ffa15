package tally

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries bounds automatic retries of a failed queue item.
const DefaultMaxRetries = 5

// Queue is the ordered, durable record of mutation intents for one store.
type Queue struct {
	store      *Store
	storeID    string
	maxRetries int
}

// NewQueue returns the queue of storeID. Failed items with maxRetries or more
// attempts are left out of automatic batches.
func NewQueue(store *Store, storeID string, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{store: store, storeID: storeID, maxRetries: maxRetries}
}

// StoreID returns the tenant the queue belongs to.
func (q *Queue) StoreID() string { return q.storeID }

// Enqueue appends item as pending with no retries.
func (q *Queue) Enqueue(ctx context.Context, item QueueItem) (*QueueItem, error) {
	var out *QueueItem
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		item.StoreID = q.storeID
		var err error
		out, err = tx.enqueue(ctx, item)
		return err
	})
	return out, err
}

// Get returns one queue item.
func (q *Queue) Get(ctx context.Context, queueID int64) (*QueueItem, error) {
	var out *QueueItem
	err := q.store.read(func(tx *Tx) error {
		var err error
		out, err = tx.queueItem(ctx, q.storeID, queueID)
		return err
	})
	return out, err
}

// List returns items in insertion order. An empty status lists every item.
func (q *Queue) List(ctx context.Context, status Status) ([]QueueItem, error) {
	var out []QueueItem
	err := q.store.read(func(tx *Tx) error {
		where := "store_id = ?"
		args := []any{q.storeID}
		if status != "" {
			where += " AND status = ?"
			args = append(args, string(status))
		}
		var err error
		out, err = tx.queueItems(ctx, where, args...)
		return err
	})
	return out, err
}

// NextBatch returns the items a sync pass should apply, in insertion order:
// pending items and failed items still under the retry bound. An item that
// depends on an unsynced entity is left out unless that entity's own item is
// earlier in the batch. Exclusion is transitive.
func (q *Queue) NextBatch(ctx context.Context) ([]QueueItem, error) {
	var batch []QueueItem
	err := q.store.read(func(tx *Tx) error {
		candidates, err := tx.queueItems(ctx,
			"store_id = ? AND (status = ? OR (status = ? AND retry_count < ?))",
			q.storeID, string(StatusPending), string(StatusFailed), q.maxRetries)
		if err != nil {
			return err
		}

		scheduled := make(map[string]bool)
		blocked := make(map[string]bool)
		for _, item := range candidates {
			if dep := item.DependsOnRef; dep != "" && !scheduled[dep] {
				pending, seen := blocked[dep]
				if !seen {
					pending, err = tx.unsynced(ctx, q.storeID, dep)
					if err != nil {
						return err
					}
					blocked[dep] = pending
				}
				if pending {
					continue
				}
			}
			batch = append(batch, item)
			if item.Operation == OpCreate {
				scheduled[item.ClientRef] = true
			}
		}
		return nil
	})
	return batch, err
}

// MarkSynced moves an item to synced.
func (q *Queue) MarkSynced(ctx context.Context, queueID int64) error {
	return q.store.WithTx(ctx, func(tx *Tx) error { return tx.markQueueSynced(ctx, queueID) })
}

// MarkFailed moves an item to failed, counting the attempt and keeping cause
// as its last error.
func (q *Queue) MarkFailed(ctx context.Context, queueID int64, cause error) error {
	return q.store.WithTx(ctx, func(tx *Tx) error { return tx.markQueueFailed(ctx, queueID, cause) })
}

// MarkApplied records that the primary remote write of an item succeeded, so
// a retry only re-runs its side effects.
func (q *Queue) MarkApplied(ctx context.Context, queueID int64, serverID string) error {
	return q.store.WithTx(ctx, func(tx *Tx) error {
		return tx.execQueue(ctx, "mark applied", queueID,
			"applied_server_id = ?, updated_at = ?", serverID, tx.timestamp())
	})
}

// Retry resets one failed item to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, queueID int64) error {
	return q.store.WithTx(ctx, func(tx *Tx) error {
		item, err := tx.queueItem(ctx, q.storeID, queueID)
		if err != nil {
			return err
		}
		if item.Status != StatusFailed {
			return fmt.Errorf("%w: item %d is %s", ErrNotFailed, queueID, item.Status)
		}
		return tx.execQueue(ctx, "retry", queueID,
			"status = ?, retry_count = 0, updated_at = ?", string(StatusPending), tx.timestamp())
	})
}

// RetryFailed resets every failed item of the store and returns how many.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	var n int
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, retry_count = 0, updated_at = ?
			WHERE store_id = ? AND status = ?
		`, string(StatusPending), tx.timestamp(), q.storeID, string(StatusFailed))
		if err != nil {
			return storageErr("retry failed", err)
		}
		n = rowsAffected(res)
		return nil
	})
	return n, err
}

// Clear drops every item of the store. Cached entities with a server id become
// synced; never-synced entities become failed, since nothing will send them.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	var n int
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.q.ExecContext(ctx, "DELETE FROM sync_queue WHERE store_id = ?", q.storeID)
		if err != nil {
			return storageErr("clear queue", err)
		}
		n = rowsAffected(res)

		now := tx.timestamp()
		for _, t := range EntityTypes() {
			_, err := tx.q.ExecContext(ctx, `
				UPDATE `+kinds[t].Table+` SET
					offline_status = CASE WHEN server_id IS NULL THEN ? ELSE ? END,
					updated_at = ?
				WHERE store_id = ? AND offline_status <> ?
			`, string(StatusFailed), string(StatusSynced), now, q.storeID, string(StatusSynced))
			if err != nil {
				return storageErr("clear "+kinds[t].Table, err)
			}
		}
		return nil
	})
	return n, err
}

// PurgeSynced deletes synced items older than olderThan and returns how many.
func (q *Queue) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		cutoff := tx.now().Add(-olderThan).Format(timeLayout)
		res, err := tx.q.ExecContext(ctx, `
			DELETE FROM sync_queue WHERE store_id = ? AND status = ? AND synced_at <= ?
		`, q.storeID, string(StatusSynced), cutoff)
		if err != nil {
			return storageErr("purge synced", err)
		}
		n = rowsAffected(res)
		return nil
	})
	return n, err
}

// Counts returns the pending, failed and synced totals of the store.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := q.store.read(func(tx *Tx) error {
		var err error
		c, err = tx.queueCounts(ctx, q.storeID)
		return err
	})
	return c, err
}

const queueColumns = `seq, store_id, entity_type, operation, entity_ref, client_ref,
	depends_on_ref, payload, status, retry_count, last_error, applied_server_id,
	side_effect_at, revision, queued_at, updated_at, synced_at`

func (tx *Tx) enqueue(ctx context.Context, item QueueItem) (*QueueItem, error) {
	if !item.EntityType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, item.EntityType)
	}
	if !item.Operation.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, item.Operation)
	}
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return nil, &StorageError{Op: "enqueue", Err: err}
	}

	now := tx.now()
	item.Status = StatusPending
	item.RetryCount = 0
	item.LastError = ""
	item.AppliedServerID = ""
	item.SideEffectAt = nil
	item.Revision = 0
	item.SyncedAt = nil
	item.QueuedAt = now
	item.UpdatedAt = now

	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO sync_queue (store_id, entity_type, operation, entity_ref, client_ref,
			depends_on_ref, payload, status, retry_count, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		item.StoreID,
		string(item.EntityType),
		string(item.Operation),
		item.EntityRef,
		item.ClientRef,
		nullString(item.DependsOnRef),
		payload,
		string(item.Status),
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return nil, storageErr("enqueue", err)
	}
	item.QueueID, err = res.LastInsertId()
	if err != nil {
		return nil, storageErr("enqueue", err)
	}
	return &item, nil
}

func (tx *Tx) queueItem(ctx context.Context, storeID string, queueID int64) (*QueueItem, error) {
	items, err := tx.queueItems(ctx, "store_id = ? AND seq = ?", storeID, queueID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (tx *Tx) queueItems(ctx context.Context, where string, args ...any) ([]QueueItem, error) {
	rows, err := tx.q.QueryContext(ctx, "SELECT "+queueColumns+" FROM sync_queue WHERE "+where+" ORDER BY seq", args...)
	if err != nil {
		return nil, storageErr("read queue", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, storageErr("scan queue", err)
		}
		out = append(out, *item)
	}
	return out, storageErr("read queue", rows.Err())
}

// openItems returns the pending and failed items of one entity.
func (tx *Tx) openItems(ctx context.Context, storeID, clientRef string) ([]QueueItem, error) {
	return tx.queueItems(ctx, "store_id = ? AND client_ref = ? AND status IN (?, ?)",
		storeID, clientRef, string(StatusPending), string(StatusFailed))
}

func (tx *Tx) execQueue(ctx context.Context, op string, queueID int64, set string, args ...any) error {
	args = append(args, queueID)
	res, err := tx.q.ExecContext(ctx, "UPDATE sync_queue SET "+set+" WHERE seq = ?", args...)
	if err != nil {
		return storageErr(op, err)
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *Tx) markQueueSynced(ctx context.Context, queueID int64) error {
	now := tx.timestamp()
	return tx.execQueue(ctx, "mark synced", queueID,
		"status = ?, last_error = NULL, updated_at = ?, synced_at = ?", string(StatusSynced), now, now)
}

// markQueueSyncedAt marks an item synced only if it still has the given
// revision. It returns errItemChanged when the item was rewritten since it
// was read and ErrNotFound when it is gone.
func (tx *Tx) markQueueSyncedAt(ctx context.Context, queueID, revision int64) error {
	now := tx.timestamp()
	res, err := tx.q.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = NULL, updated_at = ?, synced_at = ?
		WHERE seq = ? AND revision = ?
	`, string(StatusSynced), now, now, queueID, revision)
	if err != nil {
		return storageErr("mark synced", err)
	}
	if rowsAffected(res) > 0 {
		return nil
	}

	var one int
	err = tx.q.QueryRowContext(ctx, "SELECT 1 FROM sync_queue WHERE seq = ?", queueID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("mark synced", err)
	}
	return errItemChanged
}

// reopenAsUpdate turns a create whose payload changed in flight into a pending
// update of the row the create produced.
func (tx *Tx) reopenAsUpdate(ctx context.Context, queueID int64, serverID string) error {
	return tx.execQueue(ctx, "reopen as update", queueID,
		`operation = ?, entity_ref = ?, status = ?, retry_count = 0, last_error = NULL,
		applied_server_id = NULL, updated_at = ?`,
		string(OpUpdate), serverID, string(StatusPending), tx.timestamp())
}

func (tx *Tx) markSideEffect(ctx context.Context, queueID int64) error {
	return tx.execQueue(ctx, "mark side effect", queueID, "side_effect_at = ?", tx.timestamp())
}

func (tx *Tx) markQueueFailed(ctx context.Context, queueID int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return tx.execQueue(ctx, "mark failed", queueID,
		"status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?",
		string(StatusFailed), msg, tx.timestamp())
}

func (tx *Tx) setQueuePayload(ctx context.Context, queueID int64, payload Fields, dependsOn string) error {
	data, err := encodePayload(payload)
	if err != nil {
		return &StorageError{Op: "rewrite payload", Err: err}
	}
	return tx.execQueue(ctx, "rewrite payload", queueID,
		"payload = ?, depends_on_ref = ?, revision = revision + 1, updated_at = ?", data, nullString(dependsOn), tx.timestamp())
}

func (tx *Tx) deleteQueueItems(ctx context.Context, where string, args ...any) error {
	_, err := tx.q.ExecContext(ctx, "DELETE FROM sync_queue WHERE "+where, args...)
	return storageErr("delete queue items", err)
}

func (tx *Tx) queueCounts(ctx context.Context, storeID string) (Counts, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue WHERE store_id = ? GROUP BY status
	`, storeID)
	if err != nil {
		return Counts{}, storageErr("count queue", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, storageErr("count queue", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusFailed:
			c.Failed = n
		case StatusSynced:
			c.Synced = n
		}
	}
	return c, storageErr("count queue", rows.Err())
}

// unsynced reports whether some cached entity of the store carries clientRef
// and has no server id yet.
func (tx *Tx) unsynced(ctx context.Context, storeID, clientRef string) (bool, error) {
	parts := make([]string, 0, len(kinds))
	args := make([]any, 0, 2*len(kinds))
	for _, t := range EntityTypes() {
		parts = append(parts, "SELECT 1 FROM "+kinds[t].Table+" WHERE store_id = ? AND client_ref = ? AND server_id IS NULL")
		args = append(args, storeID, clientRef)
	}
	var one int
	err := tx.q.QueryRowContext(ctx, "SELECT EXISTS ("+strings.Join(parts, " UNION ALL ")+")", args...).Scan(&one)
	if err != nil {
		return false, storageErr("check dependency", err)
	}
	return one == 1, nil
}

func scanQueueItem(sc scanner) (*QueueItem, error) {
	var (
		item       QueueItem
		entityType string
		operation  string
		status     string
		dependsOn  sql.NullString
		payload    sql.NullString
		lastError  sql.NullString
		applied    sql.NullString
		sideEffect sql.NullString
		queuedAt   string
		updatedAt  string
		syncedAt   sql.NullString
	)
	err := sc.Scan(&item.QueueID, &item.StoreID, &entityType, &operation, &item.EntityRef,
		&item.ClientRef, &dependsOn, &payload, &status, &item.RetryCount, &lastError,
		&applied, &sideEffect, &item.Revision, &queuedAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	item.EntityType = EntityType(entityType)
	item.Operation = Operation(operation)
	item.Status = Status(status)
	item.DependsOnRef = dependsOn.String
	item.LastError = lastError.String
	item.AppliedServerID = applied.String
	item.QueuedAt = parseTime(queuedAt)
	item.UpdatedAt = parseTime(updatedAt)
	if sideEffect.Valid {
		t := parseTime(sideEffect.String)
		item.SideEffectAt = &t
	}
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		item.SyncedAt = &t
	}
	if payload.Valid {
		item.Payload, err = decodeFields([]byte(payload.String))
		if err != nil {
			return nil, err
		}
	}
	return &item, nil
}

func encodePayload(f Fields) (*string, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
