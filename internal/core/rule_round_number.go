package core

import (
	"context"
	"fmt"
)

// NewRoundNumberRule returns the rule requiring positive, unique round numbers within a session.
func NewRoundNumberRule() Rule {
	return roundNumberRule{}
}

type roundNumberRule struct{}

func (roundNumberRule) Name() string { return "round_number" }

func (roundNumberRule) Evaluate(_ context.Context, view TransactionView, changes []Change) (Result, error) {
	res := Result{}
	for id := range touchedSessions(view, changes) {
		seen := make(map[int]int64)
		for _, round := range view.ListRounds(id) {
			switch prev, dup := seen[round.Number]; {
			case round.Number < 1:
				res.Violations = append(res.Violations, Violation{
					Rule:     "round_number",
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("round %d has non-positive number %d", round.ID, round.Number),
					Entity:   EntityRound,
					EntityID: round.ID,
				})
			case dup:
				res.Violations = append(res.Violations, Violation{
					Rule:     "round_number",
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("rounds %d and %d share number %d", prev, round.ID, round.Number),
					Entity:   EntityRound,
					EntityID: round.ID,
				})
			default:
				seen[round.Number] = round.ID
			}
		}
	}
	return res, nil
}
