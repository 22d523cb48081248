package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-viper/mapstructure/v2"
)

const (
	// FieldID is the reserved key holding the entity identifier.
	FieldID = "id"
	// FieldVersion is the reserved key holding the optimistic version.
	FieldVersion = "version"
)

// Fields is the wire-shaped field map of an entity, keyed by JSON name.
// The reserved id and version keys are carried outside the map.
type Fields map[string]any

// Clone returns a deep copy produced through a JSON round trip.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	clone, err := NormalizeFields(f)
	if err != nil {
		shallow := make(Fields, len(f))
		for key, value := range f {
			shallow[key] = value
		}
		return shallow
	}
	return clone
}

// Int64 reads a numeric field.
func (f Fields) Int64(key string) (int64, bool) {
	switch value := f[key].(type) {
	case int:
		return int64(value), true
	case int64:
		return value, true
	case int32:
		return int64(value), true
	case float64:
		return int64(math.Round(value)), true
	case float32:
		return int64(math.Round(float64(value))), true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// String reads a string field.
func (f Fields) String(key string) (string, bool) {
	value, ok := f[key].(string)
	return value, ok
}

// NormalizeFields converts arbitrary Go values into their JSON-decoded shape.
func NormalizeFields(input map[string]any) (Fields, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("entities: encode fields: %w", err)
	}
	var decoded Fields
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("entities: decode fields: %w", err)
	}
	if decoded == nil {
		decoded = Fields{}
	}
	return decoded, nil
}

// ValuesEqual compares two field values by their JSON encoding.
func ValuesEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

// EncodeFields flattens a model into its field map without the reserved keys.
func EncodeFields(model any) (Fields, error) {
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("entities: encode model: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("entities: decode model: %w", err)
	}
	delete(fields, FieldID)
	delete(fields, FieldVersion)
	return fields, nil
}

// DecodeFields populates a model from a field map. Unknown keys are ignored.
func DecodeFields(fields Fields, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("entities: build decoder: %w", err)
	}
	payload := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == FieldID || key == FieldVersion || value == nil {
			continue
		}
		payload[key] = value
	}
	if err := decoder.Decode(payload); err != nil {
		return fmt.Errorf("entities: decode fields: %w", err)
	}
	return nil
}
