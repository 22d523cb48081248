package appliers

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/mileage/internal/conflict"
	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"gorm.io/gorm"
)

// Registry maps every entity type to its applier, in descending priority order.
type Registry struct {
	appliers map[entities.EntityType]Applier
	order    []entities.EntityType
}

// NewRegistry builds the applier table for the full entity set.
func NewRegistry(db *gorm.DB) *Registry {
	appliers := []Applier{
		newTableApplier[entities.UserProfile](db, entities.EntityTypeUser, nil),
		newTableApplier[entities.ProAccount](db, entities.EntityTypeProAccount, nil),
		newTableApplier[entities.CompanyLink](db, entities.EntityTypeCompanyLink, nil),
		newTableApplier[entities.License](db, entities.EntityTypeLicense, nil),
		newTableApplier[entities.Vehicle](db, entities.EntityTypeVehicle, conflict.VehiclePolicy),
		newTableApplier[entities.Trip](db, entities.EntityTypeTrip, conflict.TripPolicy),
		newTableApplier[entities.Expense](db, entities.EntityTypeExpense, nil),
		newTableApplier[entities.Consent](db, entities.EntityTypeConsent, nil),
		newTableApplier[entities.WorkSchedule](db, entities.EntityTypeWorkSchedule, nil),
		newTableApplier[entities.AutoTrackingSettings](db, entities.EntityTypeAutoTrackingSettings, nil),
	}
	registry := &Registry{appliers: make(map[entities.EntityType]Applier, len(appliers))}
	for _, applier := range appliers {
		registry.appliers[applier.EntityType()] = applier
	}
	registry.order = entities.AllEntityTypes()
	return registry
}

// WithTx returns a registry whose appliers are bound to an outer transaction.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	bound := &Registry{appliers: make(map[entities.EntityType]Applier, len(r.appliers)), order: r.order}
	for entityType, applier := range r.appliers {
		bound.appliers[entityType] = applier.WithTx(tx)
	}
	return bound
}

// Get returns the applier for an entity type.
func (r *Registry) Get(entityType entities.EntityType) (Applier, error) {
	applier, ok := r.appliers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", entities.ErrUnknownEntityType, entityType)
	}
	return applier, nil
}

// Types returns the registered entity types, highest priority first.
func (r *Registry) Types() []entities.EntityType {
	types := make([]entities.EntityType, len(r.order))
	copy(types, r.order)
	return types
}

// Ordered returns the appliers, highest priority first.
func (r *Registry) Ordered() []Applier {
	ordered := make([]Applier, 0, len(r.order))
	for _, entityType := range r.order {
		ordered = append(ordered, r.appliers[entityType])
	}
	return ordered
}
