package domain

import (
	"errors"
	"fmt"
	"slices"
)

// Extra holds the sparse, JSON-shaped auxiliary values of one record. Which
// keys exist is decided by the experiment's ExtraSchema, not by the map.
type Extra map[string]any

// Get returns the value stored for key.
func (e Extra) Get(key string) (any, bool) {
	if e == nil {
		return nil, false
	}
	v, ok := e[key]
	return v, ok
}

// Clone returns a deep copy of the JSON-shaped values.
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = cloneValue(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = cloneValue(v)
		}
		return out
	case []string:
		return slices.Clone(typed)
	default:
		return value
	}
}

// ErrReservedField is returned when an extra key shadows a core field.
var ErrReservedField = errors.New("extra key shadows a core field")

// coreFields lists, in render order, the core fields of every entity type
// that can appear on a rendered cell.
var coreFields = map[EntityType][]string{
	EntitySession: {"id", "code", "experiment_name", "subjects_number", "demo", "len_stages"},
	EntitySubject: {"id", "code", "current_stage"},
	EntityRound:   {"id", "number", "game_name", "part", "is_first", "is_last"},
	EntityGroup:   {"id"},
	EntityRole:    {"id", "number", "number_in_group"},
}

// CoreFields returns the ordered core field names rendered for the entity type.
func CoreFields(entity EntityType) []string {
	return slices.Clone(coreFields[entity])
}

// IsCoreField reports whether name is a core field of the entity type.
func IsCoreField(entity EntityType, name string) bool {
	return slices.Contains(coreFields[entity], name)
}

// ExtraSchema declares, per entity type, the ordered set of extra keys an
// experiment uses. Column layout is derived from it so every row of a render
// has the same shape regardless of which values are populated.
type ExtraSchema struct {
	keys map[EntityType][]string
}

// NewExtraSchema returns an empty schema.
func NewExtraSchema() ExtraSchema {
	return ExtraSchema{keys: make(map[EntityType][]string)}
}

// Declare appends keys to the entity type's declared set. Duplicates are
// ignored; keys that collide with core fields are rejected.
func (s *ExtraSchema) Declare(entity EntityType, keys ...string) error {
	if _, ok := coreFields[entity]; !ok {
		return fmt.Errorf("extra schema: entity %s does not carry extra fields", entity)
	}
	if s.keys == nil {
		s.keys = make(map[EntityType][]string)
	}
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("extra schema: empty key for %s", entity)
		}
		if IsCoreField(entity, key) {
			return fmt.Errorf("extra schema: %s.%s: %w", entity, key, ErrReservedField)
		}
		if slices.Contains(s.keys[entity], key) {
			continue
		}
		s.keys[entity] = append(s.keys[entity], key)
	}
	return nil
}

// Keys returns the declared extra keys of the entity type in declaration order.
func (s ExtraSchema) Keys(entity EntityType) []string {
	return slices.Clone(s.keys[entity])
}

// Has reports whether key is declared for the entity type.
func (s ExtraSchema) Has(entity EntityType, key string) bool {
	return slices.Contains(s.keys[entity], key)
}

// Fields returns core fields followed by declared extras for the entity type.
func (s ExtraSchema) Fields(entity EntityType) []string {
	return append(CoreFields(entity), s.keys[entity]...)
}
