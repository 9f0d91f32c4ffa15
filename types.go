package tally

import "time"

// EntityType tags a cached business entity family.
type EntityType string

const (
	EntitySale      EntityType = "sale"
	EntitySaleLine  EntityType = "sale_line"
	EntityDebt      EntityType = "debt"
	EntityInventory EntityType = "inventory"
	EntityProduct   EntityType = "product"
	EntityCustomer  EntityType = "customer"
)

// EntityTypes returns every entity type in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntitySale,
		EntitySaleLine,
		EntityDebt,
		EntityInventory,
		EntityProduct,
		EntityCustomer,
	}
}

// IsValid checks if the entity type is known.
func (t EntityType) IsValid() bool {
	_, ok := kinds[t]
	return ok
}

// Operation is the mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Operations returns every operation.
func Operations() []Operation {
	return []Operation{OpCreate, OpUpdate, OpDelete}
}

// IsValid checks if the operation is known.
func (o Operation) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is shared by cached entities (offline status) and queue items.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Fields holds the business fields of an entity or a queue payload.
type Fields map[string]any

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// String returns the field as a string, or "" when absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Entity is a locally cached business record.
type Entity struct {
	Type      EntityType `json:"type"`
	LocalID   string     `json:"local_id"`
	ServerID  string     `json:"server_id,omitempty"`
	ClientRef string     `json:"client_ref"`
	StoreID   string     `json:"store_id"`
	Status    Status     `json:"offline_status"`
	Fields    Fields     `json:"fields"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NeverSynced reports whether the remote store has not assigned an id yet.
func (e *Entity) NeverSynced() bool {
	return e.ServerID == ""
}

// IsOfflineID reports whether id was generated locally.
func IsOfflineID(id string) bool {
	return len(id) > len(offlineIDPrefix) && id[:len(offlineIDPrefix)] == offlineIDPrefix
}

// QueueItem is one pending mutation intent.
type QueueItem struct {
	QueueID         int64      `json:"queue_id"`
	StoreID         string     `json:"store_id"`
	EntityType      EntityType `json:"entity_type"`
	Operation       Operation  `json:"operation"`
	EntityRef       string     `json:"entity_ref"`
	ClientRef       string     `json:"client_ref"`
	DependsOnRef    string     `json:"depends_on_ref,omitempty"`
	Payload         Fields     `json:"payload,omitempty"`
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
	AppliedServerID string     `json:"applied_server_id,omitempty"`
	SideEffectAt    *time.Time `json:"side_effect_at,omitempty"`
	Revision        int64      `json:"revision"`
	QueuedAt        time.Time  `json:"queued_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

// Counts are queue totals for one store.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

// Outcome describes what a sync pass did with one queue item.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeSkipped  Outcome = "skipped"  // already applied remotely
	OutcomeDeferred Outcome = "deferred" // parent not resolved yet
	OutcomeFailed   Outcome = "failed"
)

// ItemResult is the per-item record of a sync pass.
type ItemResult struct {
	QueueID    int64      `json:"queue_id"`
	EntityType EntityType `json:"entity_type"`
	Operation  Operation  `json:"operation"`
	ClientRef  string     `json:"client_ref"`
	ServerID   string     `json:"server_id,omitempty"`
	Outcome    Outcome    `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}

// Skipped reports whether the item was found already applied remotely.
func (r ItemResult) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}

// SyncResult summarizes one sync pass. Skipped items count toward Synced.
type SyncResult struct {
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Deferred int           `json:"deferred"`
	Items    []ItemResult  `json:"items,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *SyncResult) record(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case OutcomeSynced:
		r.Synced++
	case OutcomeSkipped:
		r.Synced++
		r.Skipped++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeFailed:
		r.Failed++
	}
}

// Progress is the position of a running pass.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// SyncStatus is a read-only snapshot of the sync session.
type SyncStatus struct {
	IsOnline  bool      `json:"is_online"`
	IsSyncing bool      `json:"is_syncing"`
	IsPaused  bool      `json:"is_paused"`
	Progress  Progress  `json:"progress"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
}

// StoreStats contains statistics about the local store.
type StoreStats struct {
	StoreID       string             `json:"store_id"`
	Entities      map[EntityType]int `json:"entities"`
	Queue         Counts             `json:"queue"`
	LastSync      time.Time          `json:"last_sync"`
	SchemaVersion string             `json:"schema_version"`
}

// HealthStatus represents the health of the client.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable"`
	Error           string `json:"error,omitempty"`
}
