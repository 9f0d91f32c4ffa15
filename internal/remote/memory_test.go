package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowID_Formats(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"nil row", nil, ""},
		{"missing id", Row{"x": 1}, ""},
		{"string", Row{"id": "abc"}, "abc"},
		{"int64", Row{"id": int64(42)}, "42"},
		{"float64 from json", Row{"id": float64(7)}, "7"},
		{"json number", Row{"id": json.Number("9")}, "9"},
		{"uuid bytes", Row{"id": [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}}, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RowID(tt.row))
		})
	}
}

func TestMemory_InsertAssignsIncrementingIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Insert(ctx, "sales", Row{"client_ref": "a"})
	require.NoError(t, err)
	second, err := m.Insert(ctx, "sales", Row{"client_ref": "b"})
	require.NoError(t, err)

	assert.Equal(t, "1", RowID(first))
	assert.Equal(t, "2", RowID(second))
	assert.Len(t, m.Rows("sales"), 2)
	assert.Equal(t, 2, m.CallCount(OpInsert))
}

func TestMemory_InsertReturnsCopy(t *testing.T) {
	m := NewMemory()
	row := Row{"client_ref": "a"}
	got, err := m.Insert(context.Background(), "sales", row)
	require.NoError(t, err)

	got["client_ref"] = "mutated"
	row["client_ref"] = "mutated"
	assert.Equal(t, "a", m.Rows("sales")[0]["client_ref"])
}

func TestMemory_UpdateMergesPatch(t *testing.T) {
	m := NewMemory()
	seeded := m.Seed("inventory", Row{"product_id": "p1", "available_qty": 10})

	got, err := m.Update(context.Background(), "inventory", RowID(seeded), Row{"available_qty": 7})
	require.NoError(t, err)
	assert.Equal(t, 7, got["available_qty"])
	assert.Equal(t, "p1", got["product_id"])
}

func TestMemory_UpdateMissingRow(t *testing.T) {
	m := NewMemory()
	_, err := m.Update(context.Background(), "inventory", "99", Row{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	seeded := m.Seed("debts", Row{"amount": "5"})
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "debts", RowID(seeded)))
	assert.Empty(t, m.Rows("debts"))
	assert.ErrorIs(t, m.Delete(ctx, "debts", RowID(seeded)), ErrNotFound)
}

func TestMemory_SelectComparesCanonicalValues(t *testing.T) {
	m := NewMemory()
	m.Seed("sales", Row{"client_ref": "a", "store_id": "s1"})
	m.Seed("sales", Row{"client_ref": "b", "store_id": "s1"})
	m.Seed("sales", Row{"client_ref": "a", "store_id": "s2"})

	rows, err := m.Select(context.Background(), "sales", Filter{"client_ref": "a", "store_id": "s1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", RowID(rows[0]))

	byID, err := m.Select(context.Background(), "sales", Filter{"id": "2"})
	require.NoError(t, err)
	assert.Len(t, byID, 1)
}

func TestMemory_FailOn(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	m.FailOn = func(op, table string, row Row) error {
		if op == OpInsert && table == "sale_lines" {
			return boom
		}
		return nil
	}
	ctx := context.Background()

	_, err := m.Insert(ctx, "sale_lines", Row{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Rows("sale_lines"))
	assert.Equal(t, 1, m.CallCount(OpInsert), "failed attempts are logged")

	_, err = m.Insert(ctx, "sales", Row{})
	assert.NoError(t, err)
}

func TestMemory_SetDown(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Ping(ctx))

	m.SetDown(true)
	assert.Error(t, m.Ping(ctx))
	_, err := m.Select(ctx, "sales", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, m.CallCount(OpSelect))

	m.SetDown(false)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_BeforeCallHonorsContext(t *testing.T) {
	m := NewMemory()
	m.BeforeCall = func(ctx context.Context, op, table string, row Row) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Insert(ctx, "sales", Row{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Rows("sales"))
	require.Len(t, m.Calls(), 1)
	assert.ErrorIs(t, m.Calls()[0].Err, context.Canceled)
}
