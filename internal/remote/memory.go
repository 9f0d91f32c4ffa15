package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Memory operation names reported to hooks and recorded in the call log.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpSelect = "select"
)

// Call is one recorded request against a Memory store. Every attempt is
// recorded, including those failed by a hook or while the store is down.
type Call struct {
	Op    string
	Table string
	ID    string
	Row   Row
	Err   error
}

// Memory is an in-process remote store with auto-increment integer ids.
// It is safe for concurrent use. Hooks must be set before the store is shared.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row
	nextID map[string]int64
	calls  []Call
	down   atomic.Bool

	// FailOn is consulted before every call. A non-nil error fails the call
	// without touching the tables. The row is a copy.
	FailOn func(op, table string, row Row) error

	// BeforeCall runs before every call without holding the store lock, so it
	// may block to simulate latency. A non-nil error fails the call.
	BeforeCall func(ctx context.Context, op, table string, row Row) error
}

// NewMemory creates an empty in-memory remote store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]Row),
		nextID: make(map[string]int64),
	}
}

// SetDown makes Ping and every call fail until SetDown(false).
func (m *Memory) SetDown(down bool) { m.down.Store(down) }

var errUnreachable = errors.New("remote: unreachable")

// Ping reports whether the store is reachable.
func (m *Memory) Ping(ctx context.Context) error {
	if m.down.Load() {
		return errUnreachable
	}
	return ctx.Err()
}

// before records the call and runs the failure hooks. It returns the
// index of the call in the log.
func (m *Memory) before(ctx context.Context, call Call) (int, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	err := m.check(ctx, call)
	if err != nil {
		m.mu.Lock()
		if idx < len(m.calls) {
			m.calls[idx].Err = err
		}
		m.mu.Unlock()
	}
	return idx, err
}

func (m *Memory) check(ctx context.Context, call Call) error {
	if m.down.Load() {
		return errUnreachable
	}
	if m.FailOn != nil {
		if err := m.FailOn(call.Op, call.Table, call.Row); err != nil {
			return err
		}
	}
	if m.BeforeCall != nil {
		if err := m.BeforeCall(ctx, call.Op, call.Table, call.Row); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Insert stores a copy of row, assigning an id when the row has none.
func (m *Memory) Insert(ctx context.Context, table string, row Row) (Row, error) {
	idx, err := m.before(ctx, Call{Op: OpInsert, Table: table, Row: cloneRow(row)})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.insertLocked(table, row)
	if idx < len(m.calls) {
		m.calls[idx].ID = RowID(stored)
	}
	return cloneRow(stored), nil
}

func (m *Memory) insertLocked(table string, row Row) Row {
	stored := cloneRow(row)
	if RowID(stored) == "" {
		m.nextID[table]++
		stored[IDColumn] = m.nextID[table]
	}
	m.tables[table] = append(m.tables[table], stored)
	return stored
}

// Update merges patch into the row with the given id.
func (m *Memory) Update(ctx context.Context, table, id string, patch Row) (Row, error) {
	if _, err := m.before(ctx, Call{Op: OpUpdate, Table: table, ID: id, Row: cloneRow(patch)}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.tables[table] {
		if RowID(row) != id {
			continue
		}
		for k, v := range patch {
			if k == IDColumn {
				continue
			}
			row[k] = v
		}
		return cloneRow(row), nil
	}
	return nil, ErrNotFound
}

// Delete removes the row with the given id.
func (m *Memory) Delete(ctx context.Context, table, id string) error {
	if _, err := m.before(ctx, Call{Op: OpDelete, Table: table, ID: id}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	for i, row := range rows {
		if RowID(row) == id {
			m.tables[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Select returns copies of rows matching every filter column.
func (m *Memory) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if _, err := m.before(ctx, Call{Op: OpSelect, Table: table, Row: cloneRow(Row(filter))}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func matches(row Row, filter Filter) bool {
	for col, want := range filter {
		got, ok := row[col]
		if !ok || FormatValue(got) != FormatValue(want) {
			return false
		}
	}
	return true
}

// Seed inserts a row without recording a call. Used to prepare fixtures.
func (m *Memory) Seed(table string, row Row) Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRow(m.insertLocked(table, row))
}

// Rows returns copies of every row in table.
func (m *Memory) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Row, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

// Calls returns the recorded call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many calls of op were made. An empty op counts all.
func (m *Memory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
