package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Record is implemented by every entity that can be rendered into a cell.
type Record interface {
	Entity() EntityType
	RecordID() int64
	// Fields returns core fields plus every populated extra value.
	Fields() map[string]any
}

// ErrReadOnlyField is returned when a caller tries to set an identity field.
var ErrReadOnlyField = errors.New("field is read only")

// ErrFieldType is returned when a value cannot be coerced to the field type.
var ErrFieldType = errors.New("invalid field value")

// FieldValue looks up a single field of a record.
func FieldValue(r Record, name string) (any, bool) {
	v, ok := r.Fields()[name]
	return v, ok
}

func withExtra(core map[string]any, extra Extra) map[string]any {
	for k, v := range extra {
		if _, shadow := core[k]; shadow {
			continue
		}
		core[k] = cloneValue(v)
	}
	return core
}

func (s Session) Entity() EntityType { return EntitySession }
func (s Session) RecordID() int64    { return s.ID }

// Fields implements Record.
func (s Session) Fields() map[string]any {
	return withExtra(map[string]any{
		"id":              s.ID,
		"code":            s.Code,
		"experiment_name": s.ExperimentName,
		"subjects_number": s.SubjectsNumber,
		"demo":            s.Demo,
		"len_stages":      s.LenStages,
	}, s.Extra)
}

// SetField assigns a core or extra field by name.
func (s *Session) SetField(name string, value any) error {
	var err error
	switch name {
	case "id", "code":
		return fmt.Errorf("%s.%s: %w", EntitySession, name, ErrReadOnlyField)
	case "experiment_name":
		s.ExperimentName, err = asString(value)
	case "subjects_number":
		s.SubjectsNumber, err = asInt(value)
	case "demo":
		s.Demo, err = asBool(value)
	case "len_stages":
		s.LenStages, err = asInt(value)
	default:
		s.Extra = setExtra(s.Extra, name, value)
	}
	return fieldErr(EntitySession, name, err)
}

func (s Subject) Entity() EntityType { return EntitySubject }
func (s Subject) RecordID() int64    { return s.ID }

// Fields implements Record.
func (s Subject) Fields() map[string]any {
	return withExtra(map[string]any{
		"id":            s.ID,
		"code":          s.Code,
		"current_stage": s.CurrentStage,
	}, s.Extra)
}

// SetField assigns a core or extra field by name.
func (s *Subject) SetField(name string, value any) error {
	var err error
	switch name {
	case "id", "code":
		return fmt.Errorf("%s.%s: %w", EntitySubject, name, ErrReadOnlyField)
	case "current_stage":
		s.CurrentStage, err = asInt(value)
	default:
		s.Extra = setExtra(s.Extra, name, value)
	}
	return fieldErr(EntitySubject, name, err)
}

func (r Round) Entity() EntityType { return EntityRound }
func (r Round) RecordID() int64    { return r.ID }

// Fields implements Record.
func (r Round) Fields() map[string]any {
	return withExtra(map[string]any{
		"id":        r.ID,
		"number":    r.Number,
		"game_name": r.GameName,
		"part":      r.Part,
		"is_first":  r.IsFirst,
		"is_last":   r.IsLast,
	}, r.Extra)
}

// SetField assigns a core or extra field by name. Round numbering is fixed at
// setup and cannot be changed afterwards.
func (r *Round) SetField(name string, value any) error {
	var err error
	switch name {
	case "id", "number", "is_first", "is_last":
		return fmt.Errorf("%s.%s: %w", EntityRound, name, ErrReadOnlyField)
	case "game_name":
		r.GameName, err = asString(value)
	case "part":
		r.Part, err = asInt(value)
	default:
		r.Extra = setExtra(r.Extra, name, value)
	}
	return fieldErr(EntityRound, name, err)
}

func (g Group) Entity() EntityType { return EntityGroup }
func (g Group) RecordID() int64    { return g.ID }

// Fields implements Record.
func (g Group) Fields() map[string]any {
	return withExtra(map[string]any{"id": g.ID}, g.Extra)
}

// SetField assigns an extra field by name.
func (g *Group) SetField(name string, value any) error {
	if name == "id" {
		return fmt.Errorf("%s.%s: %w", EntityGroup, name, ErrReadOnlyField)
	}
	g.Extra = setExtra(g.Extra, name, value)
	return nil
}

func (r Role) Entity() EntityType { return EntityRole }
func (r Role) RecordID() int64    { return r.ID }

// Fields implements Record.
func (r Role) Fields() map[string]any {
	return withExtra(map[string]any{
		"id":              r.ID,
		"number":          r.Number,
		"number_in_group": r.NumberInGroup,
	}, r.Extra)
}

// SetField assigns a core or extra field by name.
func (r *Role) SetField(name string, value any) error {
	var err error
	switch name {
	case "id":
		return fmt.Errorf("%s.%s: %w", EntityRole, name, ErrReadOnlyField)
	case "number":
		r.Number, err = asInt(value)
	case "number_in_group":
		r.NumberInGroup, err = asInt(value)
	default:
		r.Extra = setExtra(r.Extra, name, value)
	}
	return fieldErr(EntityRole, name, err)
}

func setExtra(extra Extra, key string, value any) Extra {
	if extra == nil {
		extra = make(Extra)
	}
	if value == nil {
		delete(extra, key)
		return extra
	}
	extra[key] = cloneValue(value)
	return extra
}

func fieldErr(entity EntityType, name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %w", entity, name, err)
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: want string, got %T", ErrFieldType, value)
	}
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v is not integral", ErrFieldType, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFieldType, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrFieldType, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: want integer, got %T", ErrFieldType, value)
	}
}

func asBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrFieldType, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: want boolean, got %T", ErrFieldType, value)
	}
}
