package tally

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tally/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Metadata keys.
const (
	metaSchemaVersion = "schema_version"
	metaDeviceID      = "device_id"
	metaLastSync      = "last_sync:"
)

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store manages the local SQLite cache and sync queue.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	now    func() time.Time
}

// NewStore opens or creates a local store at path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "create store directory", Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open database", Err: err}
	}
	// One connection keeps pragmas and write ordering consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "enable WAL mode", Err: err}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "set busy timeout", Err: err}
	}

	store := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate schema", Err: err}
	}

	return store, nil
}

func (s *Store) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaSchemaVersion, strconv.FormatInt(version, 10))
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return storageErr("ping", s.db.PingContext(ctx))
}

// WithTx runs fn in one transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	return storageErr("commit", sqlTx.Commit())
}

// read runs fn against the database under the read lock.
func (s *Store) read(fn func(*Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return fn(&Tx{q: s.db, now: s.now})
}

// Put upserts an entity into table by local id.
func (s *Store) Put(ctx context.Context, table string, e *Entity) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Put(ctx, table, e) })
}

// Get returns the entity with the given local id.
func (s *Store) Get(ctx context.Context, table, localID string) (*Entity, error) {
	var e *Entity
	err := s.read(func(tx *Tx) error {
		var err error
		e, err = tx.Get(ctx, table, localID)
		return err
	})
	return e, err
}

// Query returns the entities in table matching f.
func (s *Store) Query(ctx context.Context, table string, f Filter) ([]Entity, error) {
	var out []Entity
	err := s.read(func(tx *Tx) error {
		var err error
		out, err = tx.Query(ctx, table, f)
		return err
	})
	return out, err
}

// Delete removes the entity with the given local id. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, table, localID string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, table, localID) })
}

// GetMetadata returns a metadata value, or "" when unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.read(func(tx *Tx) error {
		var err error
		value, err = tx.getMetadata(ctx, key)
		return err
	})
	return value, err
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.setMetadata(ctx, key, value) })
}

// Filter selects cached entities by equality. Zero fields are ignored.
type Filter struct {
	StoreID   string
	Status    Status
	ClientRef string
	ServerID  string
	LocalID   string

	// Fields matches business fields stored in the JSON data column.
	Fields map[string]any

	Limit int
}

// Tx is a set of store operations sharing one transaction.
type Tx struct {
	q   querier
	now func() time.Time
}

func (tx *Tx) timestamp() string {
	return tx.now().Format(timeLayout)
}

const entityColumns = "local_id, store_id, client_ref, server_id, offline_status, data, created_at, updated_at"

// Put upserts an entity by local id, overwriting every column.
func (tx *Tx) Put(ctx context.Context, table string, e *Entity) error {
	k, err := kindForTable(table)
	if err != nil {
		return err
	}
	if e.LocalID == "" {
		return &StorageError{Op: "put " + table, Err: errors.New("local id is required")}
	}
	fields := e.Fields
	if fields == nil {
		fields = Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return &StorageError{Op: "put " + table, Err: err}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := tx.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Type = k.Type

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO `+table+` (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			store_id = excluded.store_id,
			client_ref = excluded.client_ref,
			server_id = excluded.server_id,
			offline_status = excluded.offline_status,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		e.LocalID,
		e.StoreID,
		e.ClientRef,
		nullString(e.ServerID),
		string(e.Status),
		string(data),
		e.CreatedAt.UTC().Format(timeLayout),
		e.UpdatedAt.UTC().Format(timeLayout),
	)
	return storageErr("put "+table, err)
}

// Get returns the entity with the given local id.
func (tx *Tx) Get(ctx context.Context, table, localID string) (*Entity, error) {
	rows, err := tx.Query(ctx, table, Filter{LocalID: localID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query returns the entities in table matching f, oldest first.
func (tx *Tx) Query(ctx context.Context, table string, f Filter) ([]Entity, error) {
	k, err := kindForTable(table)
	if err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.StoreID != "" {
		add("store_id = ?", f.StoreID)
	}
	if f.Status != "" {
		add("offline_status = ?", string(f.Status))
	}
	if f.ClientRef != "" {
		add("client_ref = ?", f.ClientRef)
	}
	if f.ServerID != "" {
		add("server_id = ?", f.ServerID)
	}
	if f.LocalID != "" {
		add("local_id = ?", f.LocalID)
	}
	keys := make([]string, 0, len(f.Fields))
	for key := range f.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fieldKeyPattern.MatchString(key) {
			return nil, &StorageError{Op: "query " + table, Err: fmt.Errorf("invalid field name %q", key)}
		}
		add("json_extract(data, ?) = ?", "$."+key)
		args = append(args, f.Fields[key])
	}

	query := "SELECT " + entityColumns + " FROM " + table
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, local_id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query "+table, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows, k.Type)
		if err != nil {
			return nil, storageErr("scan "+table, err)
		}
		out = append(out, *e)
	}
	return out, storageErr("query "+table, rows.Err())
}

// Delete removes the entity with the given local id.
func (tx *Tx) Delete(ctx context.Context, table, localID string) error {
	if _, err := kindForTable(table); err != nil {
		return err
	}
	_, err := tx.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE local_id = ?", localID)
	return storageErr("delete "+table, err)
}

// lookup finds an entity of the store by local id, client ref or server id.
// An exact local id match wins.
func (tx *Tx) lookup(ctx context.Context, table, storeID, id string) (*Entity, error) {
	k, err := kindForTable(table)
	if err != nil {
		return nil, err
	}
	row := tx.q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM `+table+`
		WHERE store_id = ? AND (local_id = ? OR client_ref = ? OR server_id = ?)
		ORDER BY (local_id = ?) DESC, (client_ref = ?) DESC
		LIMIT 1
	`, storeID, id, id, id, id, id)
	e, err := scanEntity(row, k.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("lookup "+table, err)
	}
	return e, nil
}

// rekey moves an entity to a new local id, dropping any stale row of the same
// store already holding that id. When another store's row holds it, the
// entity keeps its current local id.
func (tx *Tx) rekey(ctx context.Context, table string, e *Entity, localID string) error {
	if e.LocalID == localID {
		return nil
	}
	_, err := tx.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE local_id = ? AND store_id = ? AND client_ref <> ?",
		localID, e.StoreID, e.ClientRef)
	if err != nil {
		return storageErr("rekey "+table, err)
	}
	var taken int
	if err := tx.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE local_id = ?", localID).Scan(&taken); err != nil {
		return storageErr("rekey "+table, err)
	}
	if taken > 0 {
		return nil
	}
	if _, err := tx.q.ExecContext(ctx, "UPDATE "+table+" SET local_id = ? WHERE local_id = ?", localID, e.LocalID); err != nil {
		return storageErr("rekey "+table, err)
	}
	e.LocalID = localID
	return nil
}

// countEntities returns the number of cached entities per type for a store.
func (tx *Tx) countEntities(ctx context.Context, storeID string) (map[EntityType]int, error) {
	out := make(map[EntityType]int, len(kinds))
	for _, t := range EntityTypes() {
		var n int
		err := tx.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+kinds[t].Table+" WHERE store_id = ?", storeID).Scan(&n)
		if err != nil {
			return nil, storageErr("count "+kinds[t].Table, err)
		}
		out[t] = n
	}
	return out, nil
}

func (tx *Tx) getMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := tx.q.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, storageErr("get metadata", err)
}

func (tx *Tx) setMetadata(ctx context.Context, key, value string) error {
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return storageErr("set metadata", err)
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner, t EntityType) (*Entity, error) {
	var (
		e         Entity
		serverID  sql.NullString
		status    string
		data      string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&e.LocalID, &e.StoreID, &e.ClientRef, &serverID, &status, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields([]byte(data))
	if err != nil {
		return nil, err
	}
	e.Type = t
	e.ServerID = serverID.String
	e.Status = Status(status)
	e.Fields = fields
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
