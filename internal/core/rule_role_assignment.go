package core

import (
	"context"
	"fmt"
)

// NewRoleAssignmentRule returns the rule requiring exactly one role per
// (subject, round) and that every role's group belongs to the role's round.
func NewRoleAssignmentRule() Rule {
	return roleAssignmentRule{}
}

type roleAssignmentRule struct{}

func (roleAssignmentRule) Name() string { return "role_assignment" }

func (roleAssignmentRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	res := Result{}
	block := func(role Role, format string, args ...any) {
		res.Violations = append(res.Violations, Violation{
			Rule:     "role_assignment",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   EntityRole,
			EntityID: role.ID,
		})
	}
	for id := range touchedSessions(view, changes) {
		for _, round := range view.ListRounds(id) {
			bySubject := make(map[int64]int64)
			for _, role := range view.ListRoles(round.ID) {
				if prev, dup := bySubject[role.SubjectID]; dup {
					block(role, "subject %d has roles %d and %d in round %d", role.SubjectID, prev, role.ID, round.Number)
					continue
				}
				bySubject[role.SubjectID] = role.ID
				group, ok := view.FindGroup(role.GroupID)
				if !ok {
					block(role, "role %d references missing group %d", role.ID, role.GroupID)
					continue
				}
				if group.RoundID != role.RoundID {
					block(role, "role %d in round %d uses group %d of round %d", role.ID, role.RoundID, group.ID, group.RoundID)
				}
				if subject, ok := view.FindSubject(role.SubjectID); !ok || subject.SessionID != id {
					block(role, "role %d assigns subject %d from another session", role.ID, role.SubjectID)
				}
			}
		}
	}
	return res, nil
}
