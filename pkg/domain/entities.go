// Package domain defines the experiment-session records, the change log
// produced by persistence transactions and the rule evaluation primitives
// used by ajiaco.
package domain

import (
	"maps"
	"time"
)

// EntityType identifies the type of record stored in the core domain. The
// value doubles as the model name carried on rendered cells and live update
// messages.
type EntityType string

// Supported entity type identifiers used in Change records, persistence
// buckets and cell tags.
const (
	// EntitySession identifies an experiment session record.
	EntitySession EntityType = "Session"
	// EntitySubject identifies a participant within a session.
	EntitySubject EntityType = "Subject"
	// EntityRound identifies one round of a session.
	EntityRound EntityType = "Round"
	// EntityGroup identifies a group of roles inside a round.
	EntityGroup EntityType = "Group"
	// EntityRole identifies the binding of a subject to a group for a round.
	EntityRole         EntityType = "Role"
	EntityStageHistory EntityType = "StageHistory"
	EntityStamp        EntityType = "Stamp"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents one execution of an experiment.
type Session struct {
	Base
	Code           string `json:"code"`
	ExperimentName string `json:"experiment_name"`
	SubjectsNumber int    `json:"subjects_number"`
	Demo           bool   `json:"demo"`
	LenStages      int    `json:"len_stages"`
	Extra          Extra  `json:"extra"`
}

// Subject is a participant persisting across the rounds of a session.
type Subject struct {
	Base
	Code         string `json:"code"`
	CurrentStage int    `json:"current_stage"`
	SessionID    int64  `json:"session_id"`
	Extra        Extra  `json:"extra"`
}

// Round is one repetition of the experiment procedure inside a session.
type Round struct {
	Base
	GameName  string `json:"game_name"`
	Part      int    `json:"part"`
	Number    int    `json:"number"`
	IsFirst   bool   `json:"is_first"`
	IsLast    bool   `json:"is_last"`
	SessionID int64  `json:"session_id"`
	Extra     Extra  `json:"extra"`
}

// Group clusters the roles that interact within a round.
type Group struct {
	Base
	RoundID int64 `json:"round_id"`
	Extra   Extra `json:"extra"`
}

// Role binds one subject to one position of one group for one round.
type Role struct {
	Base
	Number        int   `json:"number"`
	NumberInGroup int   `json:"number_in_group"`
	GroupID       int64 `json:"group_id"`
	RoundID       int64 `json:"round_id"`
	SubjectID     int64 `json:"subject_id"`
	Extra         Extra `json:"extra"`
}

// StageHistory records a subject passing through one stage of a round.
type StageHistory struct {
	Base
	RoleID    int64         `json:"role_id"`
	SubjectID int64         `json:"subject_id"`
	StageIdx  int           `json:"stage_idx"`
	Timeout   time.Duration `json:"timeout"`
	EnterAt   time.Time     `json:"enter_at"`
	ExpireAt  time.Time     `json:"expire_at"`
	ExitAt    *time.Time    `json:"exit_at,omitempty"`
	TimedOut  bool          `json:"timed_out"`
}

// Expired reports whether the stage has a timeout that elapsed before now.
func (h StageHistory) Expired(now time.Time) bool {
	return h.Timeout > 0 && !h.EnterAt.IsZero() && !h.ExpireAt.IsZero() && !now.Before(h.ExpireAt)
}

// Stamp captures the environment a storage was created in.
type Stamp struct {
	Base
	Data map[string]any `json:"data"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID int64
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

// CloneSession returns a deep copy of the session.
func CloneSession(s Session) Session {
	s.Extra = s.Extra.Clone()
	return s
}

// CloneSubject returns a deep copy of the subject.
func CloneSubject(s Subject) Subject {
	s.Extra = s.Extra.Clone()
	return s
}

// CloneRound returns a deep copy of the round.
func CloneRound(r Round) Round {
	r.Extra = r.Extra.Clone()
	return r
}

// CloneGroup returns a deep copy of the group.
func CloneGroup(g Group) Group {
	g.Extra = g.Extra.Clone()
	return g
}

// CloneRole returns a deep copy of the role.
func CloneRole(r Role) Role {
	r.Extra = r.Extra.Clone()
	return r
}

func CloneStageHistory(h StageHistory) StageHistory {
	if h.ExitAt != nil {
		at := *h.ExitAt
		h.ExitAt = &at
	}
	return h
}

func CloneStamp(s Stamp) Stamp {
	s.Data = maps.Clone(s.Data)
	return s
}
