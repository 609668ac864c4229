package domain

// SessionAggregate is a fully materialised session: the session record, its
// subjects and its rounds with their groups and roles.
type SessionAggregate struct {
	Session  Session
	Subjects []Subject
	Rounds   []RoundAggregate
}

// RoundAggregate groups a round with the records it owns.
type RoundAggregate struct {
	Round  Round
	Groups []Group
	Roles  []Role
}

// LoadAggregate materialises the session identified by code from a view.
func LoadAggregate(view TransactionView, code string) (SessionAggregate, error) {
	session, ok := view.FindSessionByCode(code)
	if !ok {
		return SessionAggregate{}, ErrNotFound{Entity: EntitySession, Code: code}
	}
	agg := SessionAggregate{
		Session:  session,
		Subjects: view.ListSubjects(session.ID),
	}
	for _, round := range view.ListRounds(session.ID) {
		agg.Rounds = append(agg.Rounds, RoundAggregate{
			Round:  round,
			Groups: view.ListGroups(round.ID),
			Roles:  view.ListRoles(round.ID),
		})
	}
	return agg, nil
}

// SessionIDOf resolves the owning session id of any session-scoped record.
func SessionIDOf(view TransactionView, record any) (int64, bool) {
	switch r := record.(type) {
	case Session:
		return r.ID, true
	case Subject:
		return r.SessionID, true
	case Round:
		return r.SessionID, true
	case Group:
		round, ok := view.FindRound(r.RoundID)
		return round.SessionID, ok
	case Role:
		round, ok := view.FindRound(r.RoundID)
		return round.SessionID, ok
	case StageHistory:
		subject, ok := view.FindSubject(r.SubjectID)
		return subject.SessionID, ok
	default:
		return 0, false
	}
}
