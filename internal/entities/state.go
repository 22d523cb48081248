package entities

// SyncState is embedded in every synced model.
type SyncState struct {
	SyncStatus      SyncStatus `gorm:"column:sync_status;size:32;not null;default:SYNCED;index" json:"-"`
	LocalUpdatedAt  int64      `gorm:"column:local_updated_at_ms;not null;default:0" json:"-"`
	ServerUpdatedAt int64      `gorm:"column:server_updated_at_ms;not null;default:0" json:"-"`
	Version         int64      `gorm:"column:version;not null;default:0" json:"version"`
}

// Model is implemented by pointers to every synced gorm model.
type Model interface {
	TableName() string
	Identity() (UserID, EntityID)
	SetIdentity(userID UserID, entityID EntityID)
	State() *SyncState
}

// Snapshot is the type-agnostic view of a local row used by the resolver and appliers.
type Snapshot struct {
	EntityType EntityType
	EntityID   EntityID
	Fields     Fields
	State      SyncState
}

// Clone returns a deep copy of the snapshot fields.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.Fields = s.Fields.Clone()
	return clone
}
