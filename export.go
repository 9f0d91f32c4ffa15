package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportVersion is the current version of the export format.
const ExportVersion = "1.0"

// ExportFormat is the top-level structure of a JSON export. It is written
// incrementally, so this type documents the layout and serves readers.
type ExportFormat struct {
	Version       string      `json:"version"`
	ExportedAt    time.Time   `json:"exported_at"`
	StoreID       string      `json:"store_id"`
	SchemaVersion string      `json:"schema_version"`
	Entities      []Entity    `json:"entities"`
	Queue         []QueueItem `json:"queue"`
}

// ExportJSON streams the cached entities and queue items of storeID as JSON.
// Rows are written as they are read rather than collected first.
func (s *Store) ExportJSON(ctx context.Context, storeID string, w io.Writer) error {
	return s.read(func(tx *Tx) error {
		version, err := tx.getMetadata(ctx, metaSchemaVersion)
		if err != nil {
			return err
		}

		header := fmt.Sprintf(`{"version":%s,"exported_at":%s,"store_id":%s,"schema_version":%s,"entities":[`,
			jsonString(ExportVersion),
			jsonString(tx.now().Format(time.RFC3339)),
			jsonString(storeID),
			jsonString(version),
		)
		if _, err := io.WriteString(w, header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}

		enc := json.NewEncoder(w)
		first := true
		writeItem := func(v any) error {
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			return enc.Encode(v)
		}

		for _, t := range EntityTypes() {
			if err := exportTable(ctx, tx, kinds[t], storeID, writeItem); err != nil {
				return err
			}
		}

		if _, err := io.WriteString(w, `],"queue":[`); err != nil {
			return fmt.Errorf("write queue header: %w", err)
		}
		first = true

		rows, err := tx.q.QueryContext(ctx, "SELECT "+queueColumns+" FROM sync_queue WHERE store_id = ? ORDER BY seq", storeID)
		if err != nil {
			return storageErr("export queue", err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := scanQueueItem(rows)
			if err != nil {
				return storageErr("export queue", err)
			}
			if err := writeItem(item); err != nil {
				return fmt.Errorf("write queue item: %w", err)
			}
		}
		if err := rows.Err(); err != nil {
			return storageErr("export queue", err)
		}

		if _, err := io.WriteString(w, "]}\n"); err != nil {
			return fmt.Errorf("write footer: %w", err)
		}
		return nil
	})
}

func exportTable(ctx context.Context, tx *Tx, k kind, storeID string, write func(any) error) error {
	rows, err := tx.q.QueryContext(ctx,
		"SELECT "+entityColumns+" FROM "+k.Table+" WHERE store_id = ? ORDER BY created_at, local_id", storeID)
	if err != nil {
		return storageErr("export "+k.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := scanEntity(rows, k.Type)
		if err != nil {
			return storageErr("export "+k.Table, err)
		}
		if err := write(e); err != nil {
			return fmt.Errorf("write %s: %w", k.Type, err)
		}
	}
	return storageErr("export "+k.Table, rows.Err())
}

// jsonString returns s as a JSON string literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
