package domain

import (
	"context"
	"fmt"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateSession(Session) (Session, error)
	UpdateSession(id int64, mutator func(*Session) error) (Session, error)
	DeleteSession(id int64) error
	CreateSubject(Subject) (Subject, error)
	UpdateSubject(id int64, mutator func(*Subject) error) (Subject, error)
	DeleteSubject(id int64) error
	CreateRound(Round) (Round, error)
	UpdateRound(id int64, mutator func(*Round) error) (Round, error)
	DeleteRound(id int64) error
	CreateGroup(Group) (Group, error)
	UpdateGroup(id int64, mutator func(*Group) error) (Group, error)
	DeleteGroup(id int64) error
	CreateRole(Role) (Role, error)
	UpdateRole(id int64, mutator func(*Role) error) (Role, error)
	DeleteRole(id int64) error
	CreateStageHistory(StageHistory) (StageHistory, error)
	UpdateStageHistory(id int64, mutator func(*StageHistory) error) (StageHistory, error)
	CreateStamp(Stamp) (Stamp, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// renderers. List results are ordered by id.
type TransactionView interface {
	ListSessions() []Session
	FindSession(id int64) (Session, bool)
	FindSessionByCode(code string) (Session, bool)
	ListSubjects(sessionID int64) []Subject
	FindSubject(id int64) (Subject, bool)
	ListRounds(sessionID int64) []Round
	FindRound(id int64) (Round, bool)
	ListGroups(roundID int64) []Group
	FindGroup(id int64) (Group, bool)
	ListRoles(roundID int64) []Role
	FindRole(id int64) (Role, bool)
	ListStageHistories(subjectID int64) []StageHistory
	FindStageHistory(id int64) (StageHistory, bool)
	LatestStamp() (Stamp, bool)
}

// CommitHook receives the changes of a committed transaction. Hooks run after
// the store lock is released and may read the store.
type CommitHook func(ctx context.Context, changes []Change)

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	OnCommit(hook CommitHook)
	// Reset drops every record and starts from an empty state.
	Reset(ctx context.Context) error
}

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
	Code   string
}

func (e ErrNotFound) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %q not found", e.Entity, e.Code)
	}
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}
