// Package remote provides the Remote Data Store collaborators the sync engine
// writes to: a PostgREST-style HTTP client, a direct Postgres client and an
// in-process store for tests and demos.
//
// Every collaborator speaks the same four calls: insert a row and get it back
// with its server-assigned id, patch a row by id, delete a row by id, and
// select rows by column equality.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// IDColumn is the server-assigned primary key column on every remote table.
const IDColumn = "id"

// ErrNotFound is returned when an update or delete targets a missing row.
var ErrNotFound = errors.New("remote: row not found")

// Row is a remote table row keyed by column name.
type Row = map[string]any

// Filter selects rows whose columns equal the given values.
type Filter = map[string]any

// HTTPError is returned by the REST collaborator for non-2xx responses.
type HTTPError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s: HTTP %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("remote: %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// RowID returns the row's server id in canonical string form, or "" if the
// row has none.
func RowID(row Row) string {
	if row == nil {
		return ""
	}
	v, ok := row[IDColumn]
	if !ok || v == nil {
		return ""
	}
	return FormatValue(v)
}

// FormatValue renders a column value the way filters and ids compare it.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// sortedKeys returns map keys in lexical order so generated SQL and query
// strings are deterministic.
func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
