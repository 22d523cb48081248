package remote

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
)

const (
	// MessageAlreadyLicensed rejects assigning a license seat that is held by someone else.
	MessageAlreadyLicensed = "already licensed"
	fieldAssignedUserID    = "assignedUserId"
)

// verdict is the server decision for one pushed operation.
type verdict struct {
	accepted     bool
	errorCode    string
	errorMessage string
	// version is the version after the write, or the current version on rejection.
	version int64
	data    entities.Fields
	deleted bool
}

// decide applies the optimistic version check and business rules to one
// operation against the current server row (nil when absent).
func decide(existing *Entity, operation wire.Operation) (verdict, error) {
	current := int64(0)
	var currentData entities.Fields
	if existing != nil {
		current = existing.Version
		if err := json.Unmarshal([]byte(existing.DataJSON), &currentData); err != nil {
			return verdict{}, fmt.Errorf("decode stored data: %w", err)
		}
	}

	var payload entities.Fields
	if len(operation.Payload) > 0 {
		if err := json.Unmarshal(operation.Payload, &payload); err != nil {
			return verdict{accepted: false, errorCode: wire.ErrorCodeInvalid, errorMessage: "payload is not a JSON object", version: current}, nil
		}
	}
	requested, _ := payload.Int64(entities.FieldVersion)
	delete(payload, entities.FieldVersion)
	delete(payload, entities.FieldID)

	switch operation.Action {
	case wire.ActionDelete:
		if existing == nil || existing.IsDeleted {
			return verdict{accepted: true, version: current, data: currentData, deleted: true}, nil
		}
		if requested != 0 && requested != current+1 {
			return verdict{errorCode: wire.ErrorCodeVersionConflict, errorMessage: "stale delete", version: current}, nil
		}
		return verdict{accepted: true, version: current + 1, data: currentData, deleted: true}, nil
	case wire.ActionCreate, wire.ActionUpdate:
	default:
		return verdict{errorCode: wire.ErrorCodeInvalid, errorMessage: fmt.Sprintf("unknown action %q", operation.Action), version: current}, nil
	}

	if requested != current+1 {
		return verdict{
			errorCode:    wire.ErrorCodeVersionConflict,
			errorMessage: fmt.Sprintf("expected version %d, got %d", current+1, requested),
			version:      current,
		}, nil
	}
	if operation.EntityType == entities.EntityTypeLicense && licenseTaken(currentData, payload) {
		return verdict{errorCode: wire.ErrorCodeRejected, errorMessage: MessageAlreadyLicensed, version: current}, nil
	}
	if payload == nil {
		payload = entities.Fields{}
	}
	return verdict{accepted: true, version: requested, data: payload}, nil
}

func licenseTaken(current, requested entities.Fields) bool {
	holder, _ := current.String(fieldAssignedUserID)
	next, _ := requested.String(fieldAssignedUserID)
	return holder != "" && next != "" && holder != next
}
