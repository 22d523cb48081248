package appliers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:appliers_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(entities.AllModels()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewRegistry(db), db
}

func mustApplier(t *testing.T, registry *Registry, entityType entities.EntityType) Applier {
	t.Helper()
	applier, err := registry.Get(entityType)
	if err != nil {
		t.Fatalf("missing applier for %s: %v", entityType, err)
	}
	return applier
}

func TestRegistryCoversEveryEntityTypeInPriorityOrder(t *testing.T) {
	registry, _ := newTestRegistry(t)

	ordered := registry.Ordered()
	if len(ordered) != len(entities.AllEntityTypes()) {
		t.Fatalf("expected %d appliers, got %d", len(entities.AllEntityTypes()), len(ordered))
	}
	for index := 1; index < len(ordered); index++ {
		if ordered[index-1].EntityType().Priority() < ordered[index].EntityType().Priority() {
			t.Fatalf("appliers out of priority order at %d", index)
		}
	}
	if _, err := registry.Get("boat"); !errors.Is(err, entities.ErrUnknownEntityType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	if mustApplier(t, registry, entities.EntityTypeTrip).Policy() == nil {
		t.Fatalf("trip applier must carry a merge policy")
	}
	if mustApplier(t, registry, entities.EntityTypeExpense).Policy() != nil {
		t.Fatalf("expense applier must use plain overwrite")
	}
}

func TestUpsertFindRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	trips := mustApplier(t, registry, entities.EntityTypeTrip)

	snapshot := entities.Snapshot{
		EntityType: entities.EntityTypeTrip,
		EntityID:   "T1",
		Fields: entities.Fields{
			"notes":           "client visit",
			"distance":        12500.0,
			"isManual":        true,
			"routeMatchCache": "polyline",
		},
		State: entities.SyncState{SyncStatus: entities.SyncStatusPendingUpload, LocalUpdatedAt: 1700000000000, Version: 1},
	}
	if err := trips.Upsert(ctx, "user-1", snapshot); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	found, err := trips.Find(ctx, "user-1", "T1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found == nil {
		t.Fatalf("expected row")
	}
	if distance, _ := found.Fields.Int64("distance"); distance != 12500 {
		t.Fatalf("expected distance 12500, got %d", distance)
	}
	if manual, _ := found.Fields["isManual"].(bool); !manual {
		t.Fatalf("expected isManual true")
	}
	if found.State.SyncStatus != entities.SyncStatusPendingUpload || found.State.Version != 1 {
		t.Fatalf("unexpected state %+v", found.State)
	}
	if _, ok := found.Fields[entities.FieldVersion]; ok {
		t.Fatalf("version must live in sync state, not in fields")
	}

	payload := trips.PayloadFields(found.Fields)
	if _, ok := payload["routeMatchCache"]; ok {
		t.Fatalf("local-only field must not be pushed")
	}

	snapshot.Fields["notes"] = "updated"
	if err := trips.Upsert(ctx, "user-1", snapshot); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	reloaded, err := trips.Find(ctx, "user-1", "T1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if notes, _ := reloaded.Fields.String("notes"); notes != "updated" {
		t.Fatalf("expected overwrite, got %q", notes)
	}

	missing, err := trips.Find(ctx, "user-2", "T1")
	if err != nil || missing != nil {
		t.Fatalf("rows must be scoped per user, got %+v, %v", missing, err)
	}
}

func TestStateTransitions(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	vehicles := mustApplier(t, registry, entities.EntityTypeVehicle)

	if err := vehicles.Upsert(ctx, "user-1", entities.Snapshot{
		EntityType: entities.EntityTypeVehicle,
		EntityID:   "V1",
		Fields:     entities.Fields{"name": "Car", "model": "Zoe"},
		State:      entities.SyncState{SyncStatus: entities.SyncStatusPendingUpload, Version: 3},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	pending, err := vehicles.ListPendingUpload(ctx, "user-1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending row, got %d (%v)", len(pending), err)
	}

	if err := vehicles.MarkSynced(ctx, "user-1", "V1", 3, 1700000000500); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := vehicles.SetField(ctx, "user-1", "V1", "licensePlate", "AB-123"); err != nil {
		t.Fatalf("set field failed: %v", err)
	}
	if err := vehicles.SetVersion(ctx, "user-1", "V1", 4); err != nil {
		t.Fatalf("set version failed: %v", err)
	}

	found, err := vehicles.Find(ctx, "user-1", "V1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.State.SyncStatus != entities.SyncStatusSynced || found.State.Version != 4 || found.State.ServerUpdatedAt != 1700000000500 {
		t.Fatalf("unexpected state %+v", found.State)
	}
	if plate, _ := found.Fields.String("licensePlate"); plate != "AB-123" {
		t.Fatalf("expected plate to be set, got %q", plate)
	}
	if model, _ := found.Fields.String("model"); model != "Zoe" {
		t.Fatalf("set field must keep other fields, got model %q", model)
	}

	if err := vehicles.SetStatus(ctx, "user-1", "V2", entities.SyncStatusConflict); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected not found for a missing row, got %v", err)
	}

	if err := vehicles.Delete(ctx, "user-1", "V1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := vehicles.Delete(ctx, "user-1", "V1"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
}

func TestResolveUsesTypePolicy(t *testing.T) {
	registry, _ := newTestRegistry(t)
	local := &entities.Snapshot{
		EntityType: entities.EntityTypeExpense,
		EntityID:   "E1",
		Fields:     entities.Fields{"notes": "lunch"},
		State:      entities.SyncState{SyncStatus: entities.SyncStatusPendingUpload, LocalUpdatedAt: 1700000900000, Version: 2},
	}
	remote := wire.ChangeRecord{
		EntityType: entities.EntityTypeExpense,
		EntityID:   "E1",
		Action:     wire.ChangeActionUpsert,
		Data:       map[string]any{"notes": "dinner", "version": 3},
		UpdatedAt:  1700000100000,
	}

	resolution := mustApplier(t, registry, entities.EntityTypeExpense).Resolve(local, remote)
	if notes, _ := resolution.Result.Fields.String("notes"); notes != "dinner" {
		t.Fatalf("plain types take the remote value, got %q", notes)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	registry, db := newTestRegistry(t)
	ctx := context.Background()
	rollback := errors.New("rollback")

	err := db.Transaction(func(tx *gorm.DB) error {
		consents := mustApplier(t, registry.WithTx(tx), entities.EntityTypeConsent)
		if err := consents.Upsert(ctx, "user-1", entities.Snapshot{
			EntityType: entities.EntityTypeConsent,
			EntityID:   "C1",
			Fields:     entities.Fields{"kind": "analytics", "granted": true},
		}); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	found, err := mustApplier(t, registry, entities.EntityTypeConsent).Find(ctx, "user-1", "C1")
	if err != nil || found != nil {
		t.Fatalf("expected no row after rollback, got %+v, %v", found, err)
	}
}
