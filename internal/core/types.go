package core

import "tokenvault/pkg/domain"

type (
	Key                = domain.Key
	PersistedToken     = domain.PersistedToken
	PersistenceType    = domain.PersistenceType
	PersistedProperty  = domain.PersistedProperty
	Settings           = domain.Settings
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	RulesEngine        = domain.RulesEngine
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
)

const (
	PersistenceUnique   = domain.PersistenceUnique
	PersistenceTemplate = domain.PersistenceTemplate
)

const (
	EntityPersistedToken = domain.EntityPersistedToken
	EntitySettings       = domain.EntitySettings
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

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}
