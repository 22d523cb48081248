package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:remote_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &stepClock{now: time.UnixMilli(1700000000000)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustPayload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return encoded
}

func mustSync(t *testing.T, service *Service, userID entities.UserID, since int64, operations ...wire.Operation) wire.SyncResult {
	t.Helper()
	result, err := service.SyncChanges(context.Background(), userID, wire.SyncRequest{Operations: operations, Since: since})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return result
}

func tripOperation(t *testing.T, key string, action wire.Action, version int64, notes string) wire.Operation {
	return wire.Operation{
		IdempotencyKey: key,
		EntityType:     entities.EntityTypeTrip,
		EntityID:       "T1",
		Action:         action,
		Payload:        mustPayload(t, map[string]any{"version": version, "notes": notes, "distance": 1200}),
		CreatedAt:      1700000000000,
	}
}

func TestSyncChangesAppliesVersionedWrites(t *testing.T) {
	service := newTestService(t)

	created := mustSync(t, service, "user-1", 0, tripOperation(t, "k1", wire.ActionCreate, 1, "first"))
	if len(created.PushResults) != 1 || !created.PushResults[0].Success || created.PushResults[0].ServerVersion != 1 {
		t.Fatalf("expected accepted create at version 1, got %+v", created.PushResults)
	}
	trips := created.Changes.For(entities.EntityTypeTrip)
	if len(trips) != 1 || trips[0].Version() != 1 {
		t.Fatalf("expected the created trip in the pull, got %+v", trips)
	}
	if notes, _ := entities.Fields(trips[0].Data).String("notes"); notes != "first" {
		t.Fatalf("unexpected pulled notes %q", notes)
	}
	if created.MaxTimestamp != trips[0].UpdatedAt {
		t.Fatalf("max timestamp must match the newest change")
	}

	stale := mustSync(t, service, "user-1", created.MaxTimestamp, tripOperation(t, "k2", wire.ActionUpdate, 1, "stale"))
	if stale.PushResults[0].Success || stale.PushResults[0].ErrorCode != wire.ErrorCodeVersionConflict || stale.PushResults[0].ServerVersion != 1 {
		t.Fatalf("expected version conflict at 1, got %+v", stale.PushResults[0])
	}
	if stale.Changes.Count() != 0 {
		t.Fatalf("nothing changed since the watermark, got %d changes", stale.Changes.Count())
	}

	updated := mustSync(t, service, "user-1", created.MaxTimestamp, tripOperation(t, "k3", wire.ActionUpdate, 2, "second"))
	if !updated.PushResults[0].Success || updated.PushResults[0].ServerVersion != 2 {
		t.Fatalf("expected accepted update at version 2, got %+v", updated.PushResults[0])
	}
}

func TestSyncChangesIsIdempotentPerKey(t *testing.T) {
	service := newTestService(t)

	first := mustSync(t, service, "user-1", 0, tripOperation(t, "k1", wire.ActionCreate, 1, "first"))
	replay := mustSync(t, service, "user-1", first.MaxTimestamp, tripOperation(t, "k1", wire.ActionCreate, 1, "first"))

	result := replay.PushResults[0]
	if result.Success || result.ErrorCode != wire.ErrorCodeAlreadyProcessed || result.ServerVersion != 1 {
		t.Fatalf("expected ALREADY_PROCESSED at version 1, got %+v", result)
	}
	if replay.Changes.Count() != 0 {
		t.Fatalf("a replay must not produce a new change")
	}
}

func TestSyncChangesScopesIdempotencyKeysByUser(t *testing.T) {
	service := newTestService(t)

	mustSync(t, service, "user-1", 0, tripOperation(t, "k1", wire.ActionCreate, 1, "first"))
	mustSync(t, service, "user-1", 0, tripOperation(t, "k2", wire.ActionUpdate, 2, "second"))

	other := mustSync(t, service, "user-2", 0, tripOperation(t, "k2", wire.ActionCreate, 1, "mine"))
	result := other.PushResults[0]
	if !result.Success || result.ServerVersion != 1 {
		t.Fatalf("expected another user's key to be applied at version 1, got %+v", result)
	}
	trips := other.Changes.For(entities.EntityTypeTrip)
	if len(trips) != 1 || trips[0].Data["notes"] != "mine" {
		t.Fatalf("expected only user-2's trip, got %+v", trips)
	}
}

func TestSyncChangesDeletesAndScopesByUser(t *testing.T) {
	service := newTestService(t)

	mustSync(t, service, "user-1", 0, tripOperation(t, "k1", wire.ActionCreate, 1, "first"))
	other := mustSync(t, service, "user-2", 0)
	if other.Changes.Count() != 0 {
		t.Fatalf("changes leaked across users")
	}

	deleted := mustSync(t, service, "user-1", 0, wire.Operation{
		IdempotencyKey: "k2",
		EntityType:     entities.EntityTypeTrip,
		EntityID:       "T1",
		Action:         wire.ActionDelete,
		Payload:        mustPayload(t, map[string]any{"version": 2}),
	})
	if !deleted.PushResults[0].Success {
		t.Fatalf("expected delete to succeed, got %+v", deleted.PushResults[0])
	}
	trips := deleted.Changes.For(entities.EntityTypeTrip)
	if len(trips) != 1 || trips[0].Action != wire.ChangeActionDelete {
		t.Fatalf("expected a tombstone change, got %+v", trips)
	}

	again := mustSync(t, service, "user-1", 0, wire.Operation{
		IdempotencyKey: "k3",
		EntityType:     entities.EntityTypeTrip,
		EntityID:       "T1",
		Action:         wire.ActionDelete,
	})
	if !again.PushResults[0].Success {
		t.Fatalf("deleting a deleted row must succeed")
	}
}

func TestSyncChangesRejectsTakenLicense(t *testing.T) {
	service := newTestService(t)
	license := func(key string, version int64, assignee string) wire.Operation {
		return wire.Operation{
			IdempotencyKey: key,
			EntityType:     entities.EntityTypeLicense,
			EntityID:       "L1",
			Action:         wire.ActionUpdate,
			Payload:        mustPayload(t, map[string]any{"version": version, "assignedUserId": assignee}),
		}
	}

	mustSync(t, service, "user-1", 0, license("k1", 1, "driver-a"))
	rejected := mustSync(t, service, "user-1", 0, license("k2", 2, "driver-b"))

	result := rejected.PushResults[0]
	if result.Success || result.ErrorCode != wire.ErrorCodeRejected || result.ErrorMessage != MessageAlreadyLicensed {
		t.Fatalf("expected already licensed rejection, got %+v", result)
	}
}

func TestSyncChangesFlagsInvalidOperations(t *testing.T) {
	service := newTestService(t)

	result := mustSync(t, service, "user-1", 0,
		wire.Operation{IdempotencyKey: "k1", EntityType: "boat", EntityID: "B1", Action: wire.ActionCreate},
		wire.Operation{IdempotencyKey: "k2", EntityType: entities.EntityTypeTrip, EntityID: "T9", Action: "UPSERT", Payload: mustPayload(t, map[string]any{"version": 1})},
	)
	for _, pushResult := range result.PushResults {
		if pushResult.Success || pushResult.ErrorCode != wire.ErrorCodeInvalid {
			t.Fatalf("expected INVALID, got %+v", pushResult)
		}
	}
}
