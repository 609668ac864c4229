package core

import (
	"context"
	"fmt"
)

// NewSubjectCountRule returns the rule keeping subjects_number equal to the
// number of subject records of a session.
func NewSubjectCountRule() Rule {
	return subjectCountRule{}
}

type subjectCountRule struct{}

func (subjectCountRule) Name() string { return "subject_count" }

func (subjectCountRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	res := Result{}
	for id := range touchedSessions(view, changes) {
		session, ok := view.FindSession(id)
		if !ok {
			continue
		}
		count := len(view.ListSubjects(id))
		if count != session.SubjectsNumber {
			res.Violations = append(res.Violations, Violation{
				Rule:     "subject_count",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("session %s declares %d subjects but has %d", session.Code, session.SubjectsNumber, count),
				Entity:   EntitySession,
				EntityID: id,
			})
		}
	}
	return res, nil
}
