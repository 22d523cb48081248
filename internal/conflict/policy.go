package conflict

import "github.com/MarcoPoloResearchLab/mileage/internal/entities"

// FieldPolicy partitions an entity's fields for the asymmetric merge.
// Fields listed in neither set are authoritative on the server.
type FieldPolicy struct {
	UserEditable []string
	LocalOnly    []string
}

// TripPolicy keeps offline edits to trip annotations while taking measured
// values and addresses from the server.
var TripPolicy = &FieldPolicy{
	UserEditable: []string{"notes", "tripType", "vehicleId", "isManual", "isExcluded"},
	LocalOnly:    []string{"routeMatchCache"},
}

// VehiclePolicy keeps offline edits to vehicle identity and flags.
var VehiclePolicy = &FieldPolicy{
	UserEditable: []string{"name", "licensePlate", "isDefault", "fiscalPower", "isArchived"},
}

// IsLocalOnly reports whether the field never leaves the device.
func (p *FieldPolicy) IsLocalOnly(field string) bool {
	if p == nil {
		return false
	}
	for _, candidate := range p.LocalOnly {
		if candidate == field {
			return true
		}
	}
	return false
}

// StripLocalOnly removes device-only fields before a payload is pushed.
func (p *FieldPolicy) StripLocalOnly(fields entities.Fields) entities.Fields {
	if p == nil || len(p.LocalOnly) == 0 {
		return fields
	}
	stripped := make(entities.Fields, len(fields))
	for key, value := range fields {
		if p.IsLocalOnly(key) {
			continue
		}
		stripped[key] = value
	}
	return stripped
}

// MergeFields combines a local and a remote field map. User-editable fields
// keep the local value when it differs, local-only fields always keep the
// local value, everything else takes the remote value. preserved reports
// whether any user-editable local value survived.
func MergeFields(policy *FieldPolicy, local, remote entities.Fields) (entities.Fields, bool) {
	merged := make(entities.Fields, len(remote)+len(local))
	for key, value := range remote {
		merged[key] = value
	}
	for key, value := range local {
		if _, ok := remote[key]; !ok {
			merged[key] = value
		}
	}
	if policy == nil {
		return merged, false
	}

	preserved := false
	for _, field := range policy.UserEditable {
		localValue, hasLocal := local[field]
		if !hasLocal {
			continue
		}
		if remoteValue, hasRemote := remote[field]; hasRemote && entities.ValuesEqual(localValue, remoteValue) {
			continue
		}
		merged[field] = localValue
		preserved = true
	}
	for _, field := range policy.LocalOnly {
		if localValue, ok := local[field]; ok {
			merged[field] = localValue
		} else {
			delete(merged, field)
		}
	}
	return merged, preserved
}

// KeepLocalOnly overlays the local-only fields of local onto an incoming field map.
func KeepLocalOnly(policy *FieldPolicy, local, incoming entities.Fields) entities.Fields {
	if policy == nil || len(policy.LocalOnly) == 0 || local == nil {
		return incoming
	}
	result := make(entities.Fields, len(incoming)+len(policy.LocalOnly))
	for key, value := range incoming {
		result[key] = value
	}
	for _, field := range policy.LocalOnly {
		if value, ok := local[field]; ok {
			result[field] = value
		}
	}
	return result
}
