package core

import (
	"context"
	"fmt"
)

// NewUniqueSubjectCodeRule returns the rule rejecting duplicate subject codes within a session.
func NewUniqueSubjectCodeRule() Rule {
	return uniqueSubjectCodeRule{}
}

type uniqueSubjectCodeRule struct{}

func (uniqueSubjectCodeRule) Name() string { return "unique_subject_code" }

func (uniqueSubjectCodeRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	res := Result{}
	for id := range touchedSessions(view, changes) {
		seen := make(map[string]int64)
		for _, subject := range view.ListSubjects(id) {
			if subject.Code == "" {
				res.Violations = append(res.Violations, Violation{
					Rule:     "unique_subject_code",
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("subject %d has no code", subject.ID),
					Entity:   EntitySubject,
					EntityID: subject.ID,
				})
				continue
			}
			if first, dup := seen[subject.Code]; dup {
				res.Violations = append(res.Violations, Violation{
					Rule:     "unique_subject_code",
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("subject code %q used by subjects %d and %d", subject.Code, first, subject.ID),
					Entity:   EntitySubject,
					EntityID: subject.ID,
				})
				continue
			}
			seen[subject.Code] = subject.ID
		}
	}
	return res, nil
}
