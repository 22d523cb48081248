package queue

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
)

var errUnsupportedPayloadSource = errors.New("queue: unsupported payload column type")

// Payload is the structured body of a pending operation. Version is the
// version the write is expected to produce on the server.
type Payload struct {
	Version  int64
	Fields   entities.Fields
	Rollback entities.Fields
}

type storedPayload struct {
	Version  int64           `json:"version"`
	Fields   entities.Fields `json:"fields,omitempty"`
	Rollback entities.Fields `json:"rollback,omitempty"`
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	encoded, err := json.Marshal(storedPayload{Version: p.Version, Fields: p.Fields, Rollback: p.Rollback})
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var raw []byte
	switch value := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("%w: %T", errUnsupportedPayloadSource, src)
	}
	var stored storedPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("queue: decode payload: %w", err)
	}
	*p = Payload{Version: stored.Version, Fields: stored.Fields, Rollback: stored.Rollback}
	return nil
}

// WireJSON flattens the payload into the object the remote store expects:
// the entity fields with the version merged in. Rollback data stays local.
func (p Payload) WireJSON() (json.RawMessage, error) {
	flat := make(map[string]any, len(p.Fields)+1)
	for key, value := range p.Fields {
		flat[key] = value
	}
	flat[entities.FieldVersion] = p.Version
	return json.Marshal(flat)
}

// ParseWirePayload is the inverse of WireJSON.
func ParseWirePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var flat entities.Fields
	if err := json.Unmarshal(raw, &flat); err != nil {
		return Payload{}, fmt.Errorf("queue: decode wire payload: %w", err)
	}
	version, _ := flat.Int64(entities.FieldVersion)
	delete(flat, entities.FieldVersion)
	delete(flat, entities.FieldID)
	return Payload{Version: version, Fields: flat}, nil
}

// PendingOperation is a local mutation the server has not confirmed yet.
type PendingOperation struct {
	ID             string              `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         entities.UserID     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_pending_ops_entity,priority:1;index:idx_pending_ops_due,priority:1"`
	EntityType     entities.EntityType `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_pending_ops_entity,priority:2"`
	EntityID       entities.EntityID   `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_pending_ops_entity,priority:3"`
	IdempotencyKey string              `gorm:"column:idempotency_key;size:64;not null;uniqueIndex"`
	Action         wire.Action         `gorm:"column:action;size:16;not null"`
	Payload        Payload             `gorm:"column:payload_json;type:text;not null"`
	Priority       int                 `gorm:"column:priority;not null;default:0;index:idx_pending_ops_due,priority:3"`
	EnqueuedAt     int64               `gorm:"column:created_at_ms;not null"`
	RetryCount     int                 `gorm:"column:retry_count;not null;default:0;index:idx_pending_ops_due,priority:2"`
	LastAttemptAt  *int64              `gorm:"column:last_attempt_at_ms"`
	LastError      string              `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// Wire converts the operation into its network representation.
func (op PendingOperation) Wire() (wire.Operation, error) {
	payload, err := op.Payload.WireJSON()
	if err != nil {
		return wire.Operation{}, err
	}
	return wire.Operation{
		IdempotencyKey: op.IdempotencyKey,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID.String(),
		Action:         op.Action,
		Payload:        payload,
		CreatedAt:      op.EnqueuedAt,
	}, nil
}

// Key pairs the operation with its push result.
func (op PendingOperation) Key() string {
	return wire.ResultKey(op.EntityType, op.EntityID.String())
}
