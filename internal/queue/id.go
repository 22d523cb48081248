package queue

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mileage/internal/entities"
	"github.com/MarcoPoloResearchLab/mileage/internal/wire"
	"github.com/google/uuid"
)

// IDProvider issues row identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

var idempotencyNamespace = uuid.MustParse("5b0f4f0e-8d4c-4a57-9a53-3f1d3c2b9e41")

// NewIdempotencyKey derives the key the server deduplicates retried writes with.
func NewIdempotencyKey(entityType entities.EntityType, entityID entities.EntityID, action wire.Action, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%d", entityType, entityID, action, at.UnixNano())
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
