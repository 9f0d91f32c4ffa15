package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildInsert(t *testing.T) {
	query, args := buildInsert("sale_lines", Row{"sale_id": "1", "client_ref": "c", "quantity": 2})
	assert.Equal(t, `INSERT INTO "sale_lines" ("client_ref", "quantity", "sale_id") VALUES ($1, $2, $3) RETURNING *`, query)
	assert.Equal(t, []any{"c", 2, "1"}, args)
}

func TestBuildUpdate_SkipsIDColumn(t *testing.T) {
	query, args := buildUpdate("inventory", "7", Row{"id": "ignored", "available_qty": 3, "quantity_sold": 5})
	assert.Equal(t, `UPDATE "inventory" SET "available_qty" = $1, "quantity_sold" = $2 WHERE "id"::text = $3 RETURNING *`, query)
	assert.Equal(t, []any{3, 5, "7"}, args)
}

func TestBuildDelete(t *testing.T) {
	query, args := buildDelete("debts", "12")
	assert.Equal(t, `DELETE FROM "debts" WHERE "id"::text = $1`, query)
	assert.Equal(t, []any{"12"}, args)
}

func TestBuildSelect(t *testing.T) {
	query, args := buildSelect("sales", Filter{"store_id": "acme", "client_ref": "c1"})
	assert.Equal(t, `SELECT * FROM "sales" WHERE "client_ref"::text = $1 AND "store_id"::text = $2`, query)
	assert.Equal(t, []any{"c1", "acme"}, args)

	query, args = buildSelect("sales", nil)
	assert.Equal(t, `SELECT * FROM "sales"`, query)
	assert.Nil(t, args)
}

func TestIdentSanitizesQuotes(t *testing.T) {
	assert.Equal(t, `"we""ird"`, ident(`we"ird`))
}
