package core

import "ajiaco/pkg/domain"

type (
	EntityType         = domain.EntityType
	Base               = domain.Base
	Session            = domain.Session
	Subject            = domain.Subject
	Round              = domain.Round
	Group              = domain.Group
	Role               = domain.Role
	StageHistory       = domain.StageHistory
	Stamp              = domain.Stamp
	Change             = domain.Change
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
	ErrNotFound        = domain.ErrNotFound
)

const (
	EntitySession      = domain.EntitySession
	EntitySubject      = domain.EntitySubject
	EntityRound        = domain.EntityRound
	EntityGroup        = domain.EntityGroup
	EntityRole         = domain.EntityRole
	EntityStageHistory = domain.EntityStageHistory
	EntityStamp        = domain.EntityStamp
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
