// Package wire defines the JSON contract exchanged with the remote store.
// Field names are fixed by the backend and must not change.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
)

// Action is the mutation kind of a pushed operation.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ChangeAction is the kind of a pulled change.
type ChangeAction string

const (
	ChangeActionUpsert ChangeAction = "UPSERT"
	ChangeActionDelete ChangeAction = "DELETE"
)

const (
	// ErrorCodeVersionConflict reports an optimistic-lock mismatch.
	ErrorCodeVersionConflict = "VERSION_CONFLICT"
	// ErrorCodeAlreadyProcessed reports a replayed idempotency key.
	ErrorCodeAlreadyProcessed = "ALREADY_PROCESSED"
	// ErrorCodeRejected reports a business-rule rejection; the message carries the reason.
	ErrorCodeRejected = "REJECTED"
	// ErrorCodeInvalid reports a malformed operation.
	ErrorCodeInvalid = "INVALID"
)

// Operation is a pending local mutation as sent to the remote store.
type Operation struct {
	IdempotencyKey string              `json:"idempotencyKey"`
	EntityType     entities.EntityType `json:"entityType"`
	EntityID       string              `json:"entityId"`
	Action         Action              `json:"action"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	CreatedAt      int64               `json:"createdAt"`
}

// SyncRequest is the body of the atomic push+pull call.
type SyncRequest struct {
	Operations []Operation `json:"operations"`
	Since      int64       `json:"since"`
}

// ChangeRecord is one remote change returned by a pull.
type ChangeRecord struct {
	EntityType entities.EntityType `json:"entityType"`
	EntityID   string              `json:"entityId"`
	Action     ChangeAction        `json:"action"`
	Data       map[string]any      `json:"data,omitempty"`
	UpdatedAt  int64               `json:"updatedAt"`
}

// Version returns the remote version carried in data.
func (r ChangeRecord) Version() int64 {
	version, _ := entities.Fields(r.Data).Int64(entities.FieldVersion)
	return version
}

// PushResult reports the fate of one pushed operation.
type PushResult struct {
	EntityType    entities.EntityType `json:"entityType"`
	EntityID      string              `json:"entityId"`
	Success       bool                `json:"success"`
	ErrorCode     string              `json:"errorCode,omitempty"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`
	ServerVersion int64               `json:"serverVersion"`
}

// Key identifies the entity a result belongs to.
func (r PushResult) Key() string {
	return ResultKey(r.EntityType, r.EntityID)
}

// ResultKey builds the lookup key used to pair operations with results.
func ResultKey(entityType entities.EntityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

// Changes holds pulled change lists keyed by entity collection name.
type Changes map[string][]ChangeRecord

// For returns the change list for an entity type.
func (c Changes) For(entityType entities.EntityType) []ChangeRecord {
	return c[entityType.ChangesKey()]
}

// Add appends a record under its entity type's collection.
func (c Changes) Add(record ChangeRecord) {
	key := record.EntityType.ChangesKey()
	c[key] = append(c[key], record)
}

// Count returns the number of records across all collections.
func (c Changes) Count() int {
	total := 0
	for _, records := range c {
		total += len(records)
	}
	return total
}

// SyncResult is the response of the atomic push+pull call.
type SyncResult struct {
	PushResults  []PushResult `json:"pushResults"`
	Changes      Changes      `json:"changes"`
	MaxTimestamp int64        `json:"maxTimestamp"`
}
