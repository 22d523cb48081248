package entities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("entities: invalid user id")
	// ErrUnknownEntityType indicates that an entity type is not part of the synced set.
	ErrUnknownEntityType = errors.New("entities: unknown entity type")
)

// EntityType enumerates every synced entity kind. The set is closed.
type EntityType string

const (
	EntityTypeUser                 EntityType = "user"
	EntityTypeProAccount           EntityType = "pro_account"
	EntityTypeCompanyLink          EntityType = "company_link"
	EntityTypeLicense              EntityType = "license"
	EntityTypeVehicle              EntityType = "vehicle"
	EntityTypeTrip                 EntityType = "trip"
	EntityTypeExpense              EntityType = "expense"
	EntityTypeConsent              EntityType = "consent"
	EntityTypeWorkSchedule         EntityType = "work_schedule"
	EntityTypeAutoTrackingSettings EntityType = "auto_tracking_settings"
)

type entityTypeInfo struct {
	changesKey string
	priority   int
}

var entityTypeTable = map[EntityType]entityTypeInfo{
	EntityTypeUser:                 {changesKey: "users", priority: 100},
	EntityTypeProAccount:           {changesKey: "proAccounts", priority: 90},
	EntityTypeCompanyLink:          {changesKey: "companyLinks", priority: 80},
	EntityTypeLicense:              {changesKey: "licenses", priority: 70},
	EntityTypeVehicle:              {changesKey: "vehicles", priority: 60},
	EntityTypeTrip:                 {changesKey: "trips", priority: 50},
	EntityTypeExpense:              {changesKey: "expenses", priority: 40},
	EntityTypeConsent:              {changesKey: "consents", priority: 30},
	EntityTypeWorkSchedule:         {changesKey: "workSchedules", priority: 20},
	EntityTypeAutoTrackingSettings: {changesKey: "autoTrackingSettings", priority: 10},
}

// AllEntityTypes returns every entity type ordered by descending priority.
func AllEntityTypes() []EntityType {
	types := make([]EntityType, 0, len(entityTypeTable))
	for entityType := range entityTypeTable {
		types = append(types, entityType)
	}
	sort.Slice(types, func(i, j int) bool {
		return entityTypeTable[types[i]].priority > entityTypeTable[types[j]].priority
	})
	return types
}

// ParseEntityType validates a wire value and returns the matching EntityType.
func ParseEntityType(rawInput string) (EntityType, error) {
	candidate := EntityType(strings.TrimSpace(rawInput))
	if _, ok := entityTypeTable[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
	}
	return candidate, nil
}

// EntityTypeForChangesKey maps a SyncResult change-list key back to its entity type.
func EntityTypeForChangesKey(key string) (EntityType, bool) {
	for entityType, info := range entityTypeTable {
		if info.changesKey == key {
			return entityType, true
		}
	}
	return "", false
}

// Valid reports whether the type belongs to the synced set.
func (t EntityType) Valid() bool {
	_, ok := entityTypeTable[t]
	return ok
}

// ChangesKey returns the key used for this type inside a SyncResult changes object.
func (t EntityType) ChangesKey() string {
	return entityTypeTable[t].changesKey
}

// Priority orders queue draining; parents are pushed before the rows that reference them.
func (t EntityType) Priority() int {
	return entityTypeTable[t].priority
}

// String returns the wire name.
func (t EntityType) String() string {
	return string(t)
}

// SyncStatus tracks the local row's relationship with the remote store.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "SYNCED"
	SyncStatusPendingUpload SyncStatus = "PENDING_UPLOAD"
	SyncStatusConflict      SyncStatus = "CONFLICT"
	SyncStatusError         SyncStatus = "ERROR"
)

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}
