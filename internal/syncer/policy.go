package syncer

import (
	"strings"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
)

// ConflictPolicy decides what happens to a local write the server rejected
// with VERSION_CONFLICT.
type ConflictPolicy int

const (
	// PolicyDiscard drops the local write; the next full pull restores server state.
	PolicyDiscard ConflictPolicy = iota
	// PolicyRequeue rebases the local write onto the server version and pushes it again.
	PolicyRequeue
)

func (p ConflictPolicy) String() string {
	if p == PolicyRequeue {
		return "requeue"
	}
	return "discard"
}

// versionConflictPolicies lists the types whose offline edits are worth
// re-pushing over a newer server version. Every other type is discarded.
var versionConflictPolicies = map[entities.EntityType]ConflictPolicy{
	entities.EntityTypeTrip:    PolicyRequeue,
	entities.EntityTypeVehicle: PolicyRequeue,
	entities.EntityTypeUser:    PolicyRequeue,
}

// ConflictPolicyFor returns the VERSION_CONFLICT policy of an entity type.
func ConflictPolicyFor(entityType entities.EntityType) ConflictPolicy {
	return versionConflictPolicies[entityType]
}

// terminalRejections lists, per type, the server messages that will never
// succeed on retry. The optimistic local change is rolled back instead.
var terminalRejections = map[entities.EntityType][]string{
	entities.EntityTypeLicense: {
		"not authorized",
		"already licensed",
		"license unavailable",
		"seat limit reached",
	},
}

// IsTerminalRejection reports whether a failed push result must be rolled back.
func IsTerminalRejection(entityType entities.EntityType, result wire.PushResult) bool {
	if result.Success || result.ErrorCode == wire.ErrorCodeVersionConflict || result.ErrorCode == wire.ErrorCodeAlreadyProcessed {
		return false
	}
	message := strings.ToLower(result.ErrorMessage)
	if message == "" {
		return false
	}
	for _, candidate := range terminalRejections[entityType] {
		if strings.Contains(message, candidate) {
			return true
		}
	}
	return false
}
