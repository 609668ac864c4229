package table

import (
	"errors"
	"fmt"
)

// Integrity faults raised while flattening. They indicate a broken invariant
// upstream of the renderer and are never defaulted.
var (
	ErrMissingRole   = errors.New("missing role")
	ErrDuplicateRole = errors.New("duplicate role")
	ErrMissingGroup  = errors.New("missing group")
	ErrGroupRound    = errors.New("group belongs to another round")
	ErrRoundOrder    = errors.New("round numbers not strictly increasing")
)

// IntegrityError reports where the aggregate violated an invariant.
type IntegrityError struct {
	Kind      error
	Session   string
	SubjectID int64
	RoundID   int64
	Round     int
	RoleID    int64
	GroupID   int64
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("session %s: %v", e.Session, e.Kind)
	if e.Round != 0 || e.RoundID != 0 {
		msg += fmt.Sprintf(" (round %d id=%d", e.Round, e.RoundID)
		if e.SubjectID != 0 {
			msg += fmt.Sprintf(" subject=%d", e.SubjectID)
		}
		if e.RoleID != 0 {
			msg += fmt.Sprintf(" role=%d", e.RoleID)
		}
		if e.GroupID != 0 {
			msg += fmt.Sprintf(" group=%d", e.GroupID)
		}
		msg += ")"
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Kind }
