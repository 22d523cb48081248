// Package conflict decides how a pulled change meets local state.
package conflict

import (
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
)

// Decision is the resolver verdict for one pulled change.
type Decision string

const (
	// DecisionAcceptRemote overwrites or inserts the local row with remote data.
	DecisionAcceptRemote Decision = "ACCEPT_REMOTE"
	// DecisionKeepLocal leaves local state untouched for the in-flight push to settle.
	DecisionKeepLocal Decision = "KEEP_LOCAL"
	// DecisionMerge writes the field-level merge of local and remote.
	DecisionMerge Decision = "MERGE"
	// DecisionMarkConflict flags the row for manual review.
	DecisionMarkConflict Decision = "MARK_CONFLICT"
)

// Resolution carries the decision and, for writes, the row to persist.
type Resolution struct {
	Decision Decision
	Result   entities.Snapshot
	// Preserved reports whether a merge kept local user edits that must be re-pushed.
	Preserved bool
}

// Resolve compares a local snapshot (nil when absent) with a pulled upsert.
// A nil policy means the type has no field-level merge and a remote change
// overwrites local state whenever it reaches the resolver.
func Resolve(local *entities.Snapshot, remote wire.ChangeRecord, policy *FieldPolicy) Resolution {
	remoteFields := remoteFieldsOf(remote)
	remoteVersion := remote.Version()

	accepted := entities.Snapshot{
		EntityType: remote.EntityType,
		EntityID:   entities.EntityID(remote.EntityID),
		Fields:     remoteFields,
		State: entities.SyncState{
			SyncStatus:      entities.SyncStatusSynced,
			ServerUpdatedAt: remote.UpdatedAt,
			Version:         remoteVersion,
		},
	}

	if local == nil {
		return Resolution{Decision: DecisionAcceptRemote, Result: accepted}
	}

	accepted.Fields = KeepLocalOnly(policy, local.Fields, remoteFields)
	accepted.State.LocalUpdatedAt = local.State.LocalUpdatedAt

	if local.State.SyncStatus == entities.SyncStatusSynced || policy == nil {
		return Resolution{Decision: DecisionAcceptRemote, Result: accepted}
	}

	switch {
	case remoteVersion <= local.State.Version:
		return Resolution{Decision: DecisionKeepLocal, Result: local.Clone()}
	case remote.UpdatedAt > local.State.LocalUpdatedAt:
		mergedFields, preserved := MergeFields(policy, local.Fields, remoteFields)
		merged := entities.Snapshot{
			EntityType: local.EntityType,
			EntityID:   local.EntityID,
			Fields:     mergedFields,
			State: entities.SyncState{
				SyncStatus:      entities.SyncStatusSynced,
				LocalUpdatedAt:  local.State.LocalUpdatedAt,
				ServerUpdatedAt: remote.UpdatedAt,
				Version:         remoteVersion,
			},
		}
		if preserved {
			merged.State.SyncStatus = entities.SyncStatusPendingUpload
			merged.State.Version = remoteVersion + 1
		}
		return Resolution{Decision: DecisionMerge, Result: merged, Preserved: preserved}
	default:
		flagged := local.Clone()
		flagged.State.SyncStatus = entities.SyncStatusConflict
		return Resolution{Decision: DecisionMarkConflict, Result: flagged}
	}
}

func remoteFieldsOf(remote wire.ChangeRecord) entities.Fields {
	fields, err := entities.NormalizeFields(remote.Data)
	if err != nil {
		fields = make(entities.Fields, len(remote.Data))
		for key, value := range remote.Data {
			fields[key] = value
		}
	}
	delete(fields, entities.FieldID)
	delete(fields, entities.FieldVersion)
	return fields
}
