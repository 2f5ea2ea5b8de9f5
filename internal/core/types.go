package core

import "permitcore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Role               = domain.Role
	PermitStatus       = domain.PermitStatus
	RenewalStatus      = domain.RenewalStatus
	Action             = domain.Action
	Severity           = domain.Severity
	Base               = domain.Base
	Permit             = domain.Permit
	Renewal            = domain.Renewal
	GasReadings        = domain.GasReadings
	Document           = domain.Document
	User               = domain.User
	Change             = domain.Change
	ChangeAction       = domain.ChangeAction
	Violation          = domain.Violation
	Result             = domain.Result
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
)

const (
	EntityPermit = domain.EntityPermit
	EntityUser   = domain.EntityUser
)

const (
	RoleRequester = domain.RoleRequester
	RoleReviewer  = domain.RoleReviewer
	RoleApprover  = domain.RoleApprover
)

const (
	StatusPendingReview          = domain.StatusPendingReview
	StatusPendingApproval        = domain.StatusPendingApproval
	StatusActive                 = domain.StatusActive
	StatusRenewalPendingReview   = domain.StatusRenewalPendingReview
	StatusRenewalPendingApproval = domain.StatusRenewalPendingApproval
	StatusClosurePendingReview   = domain.StatusClosurePendingReview
	StatusClosurePendingApproval = domain.StatusClosurePendingApproval
	StatusClosed                 = domain.StatusClosed
	StatusRejected               = domain.StatusRejected
)

const (
	ActionReview          = domain.ActionReview
	ActionApprove         = domain.ActionApprove
	ActionReject          = domain.ActionReject
	ActionInitiateClosure = domain.ActionInitiateClosure
	ActionApproveClosure  = domain.ActionApproveClosure
	ActionRejectClosure   = domain.ActionRejectClosure
	ActionRequest         = domain.ActionRequest
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ChangeCreate = domain.ChangeCreate
	ChangeUpdate = domain.ChangeUpdate
	ChangeDelete = domain.ChangeDelete
)
