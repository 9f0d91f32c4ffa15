package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres writes directly to the backing database over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pool for dsn. Connections are opened lazily, so an
// unreachable database is reported by the first call or Ping, not here.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("remote: connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks that the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Insert creates a row and returns it as stored.
func (p *Postgres) Insert(ctx context.Context, table string, row Row) (Row, error) {
	query, args := buildInsert(table, row)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("remote: insert %s: %w", table, err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("remote: insert %s: %w", table, err)
	}
	return normalizeRow(out), nil
}

// Update patches the row with the given id.
func (p *Postgres) Update(ctx context.Context, table, id string, patch Row) (Row, error) {
	query, args := buildUpdate(table, id, patch)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("remote: update %s: %w", table, err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remote: update %s: %w", table, err)
	}
	return normalizeRow(out), nil
}

// Delete removes the row with the given id.
func (p *Postgres) Delete(ctx context.Context, table, id string) error {
	query, args := buildDelete(table, id)
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("remote: delete %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Select returns rows whose columns equal the filter values.
func (p *Postgres) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	query, args := buildSelect(table, filter)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("remote: select %s: %w", table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("remote: select %s: %w", table, err)
	}
	out := make([]Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, normalizeRow(m))
	}
	return out, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func buildInsert(table string, row Row) (string, []any) {
	keys := sortedKeys(row)
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = ident(k)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = pgValue(row[k])
	}
	if len(keys) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", ident(table)), nil
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		ident(table), strings.Join(cols, ", "), strings.Join(params, ", ")), args
}

func buildUpdate(table, id string, patch Row) (string, []any) {
	keys := sortedKeys(patch)
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		if k == IDColumn {
			continue
		}
		args = append(args, pgValue(patch[k]))
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(k), len(args)))
	}
	args = append(args, id)
	if len(sets) == 0 {
		return fmt.Sprintf("SELECT * FROM %s WHERE %s::text = $1",
			ident(table), ident(IDColumn)), args
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s::text = $%d RETURNING *",
		ident(table), strings.Join(sets, ", "), ident(IDColumn), len(args)), args
}

func buildDelete(table, id string) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE %s::text = $1", ident(table), ident(IDColumn)), []any{id}
}

func buildSelect(table string, filter Filter) (string, []any) {
	keys := sortedKeys(filter)
	if len(keys) == 0 {
		return "SELECT * FROM " + ident(table), nil
	}
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s::text = $%d", ident(k), i+1)
		args[i] = FormatValue(filter[k])
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", ident(table), strings.Join(conds, " AND ")), args
}

// pgValue converts decoded JSON values into types pgx can encode.
func pgValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(data)
	default:
		return v
	}
}

// normalizeRow converts pgx scan types into plain JSON-friendly values.
func normalizeRow(m map[string]any) Row {
	out := make(Row, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case [16]byte:
			out[k] = FormatValue(x)
		case pgtype.Numeric:
			if f, err := x.Float64Value(); err == nil && f.Valid {
				out[k] = f.Float64
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}
