package core

import (
	"ajiaco/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in session invariants.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewSubjectCountRule())
	engine.Register(NewUniqueSubjectCodeRule())
	engine.Register(NewRoundNumberRule())
	engine.Register(NewRoleAssignmentRule())
	return engine
}

// touchedSessions collects the ids of the sessions owning the changed records.
func touchedSessions(view TransactionView, changes []Change) map[int64]struct{} {
	out := make(map[int64]struct{})
	for _, change := range changes {
		for _, record := range []any{change.After, change.Before} {
			if record == nil {
				continue
			}
			if id, ok := domain.SessionIDOf(view, record); ok {
				out[id] = struct{}{}
			}
		}
	}
	return out
}
