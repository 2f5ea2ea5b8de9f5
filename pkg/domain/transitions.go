package domain

// TransitionKey addresses one row of the permit transition table.
type TransitionKey struct {
	Status PermitStatus
	Role   Role
	Action Action
}

// Effect names the side effect a transition applies to the permit document
// after the caller's field patch has been merged.
type Effect string

// Transition side effects, applied by the service in table order.
const (
	// EffectStampReview stamps the reviewer signature and remark.
	EffectStampReview Effect = "stamp_review"
	// EffectStampApproval stamps the approver signature and remark.
	EffectStampApproval Effect = "stamp_approval"
	// EffectStampRejection records who rejected and appends the rejection remark.
	EffectStampRejection Effect = "stamp_rejection"
	// EffectStampClosureRequest stamps the closure receiver signature.
	EffectStampClosureRequest Effect = "stamp_closure_request"
	// EffectStampClosureReview stamps the closure reviewer signature.
	EffectStampClosureReview Effect = "stamp_closure_review"
	// EffectStampClosureIssue stamps the closure issuer signature and triggers
	// rendering of the final closure artifact.
	EffectStampClosureIssue Effect = "stamp_closure_issue"
	// EffectDiscardClosure removes the closure signature fields.
	EffectDiscardClosure Effect = "discard_closure"
)

// Transition is one validated step of the permit status machine.
type Transition struct {
	Next   PermitStatus
	Effect Effect
}

// permitTransitions is the whole permit status machine. Any (status, role,
// action) triple absent from this table is an illegal transition; there is no
// fallthrough.
var permitTransitions = map[TransitionKey]Transition{
	{StatusPendingReview, RoleReviewer, ActionReject}:           {StatusRejected, EffectStampRejection},
	{StatusPendingReview, RoleReviewer, ActionReview}:           {StatusPendingApproval, EffectStampReview},
	{StatusPendingApproval, RoleApprover, ActionReject}:         {StatusRejected, EffectStampRejection},
	{StatusPendingApproval, RoleApprover, ActionApprove}:        {StatusActive, EffectStampApproval},
	{StatusActive, RoleRequester, ActionInitiateClosure}:        {StatusClosurePendingReview, EffectStampClosureRequest},
	{StatusClosurePendingReview, RoleReviewer, ActionApproveClosure}:  {StatusClosurePendingApproval, EffectStampClosureReview},
	{StatusClosurePendingReview, RoleReviewer, ActionRejectClosure}:   {StatusActive, EffectDiscardClosure},
	{StatusClosurePendingApproval, RoleApprover, ActionApprove}:       {StatusClosed, EffectStampClosureIssue},
	{StatusClosurePendingApproval, RoleApprover, ActionRejectClosure}: {StatusActive, EffectDiscardClosure},
}

// LookupTransition resolves a permit transition. The second return is false
// when the triple is not in the table.
func LookupTransition(status PermitStatus, role Role, action Action) (Transition, bool) {
	t, ok := permitTransitions[TransitionKey{status, role, action}]
	return t, ok
}

// RenewalTransitionKey addresses one row of the renewal sub-machine table.
type RenewalTransitionKey struct {
	Status RenewalStatus
	Role   Role
	Action Action
}

// RenewalTransition is one validated step of the renewal sub-machine. Parent
// is the permit status that results from the step.
type RenewalTransition struct {
	Next   RenewalStatus
	Parent PermitStatus
}

// renewalTransitions covers Reviewer/Approver steps against the in-flight
// entry. Requester "request" is an append, handled separately, since it
// creates the entry rather than transitioning one.
var renewalTransitions = map[RenewalTransitionKey]RenewalTransition{
	{RenewalPendingReview, RoleReviewer, ActionReview}:    {RenewalPendingApproval, StatusRenewalPendingApproval},
	{RenewalPendingReview, RoleReviewer, ActionReject}:    {RenewalRejected, StatusActive},
	{RenewalPendingApproval, RoleApprover, ActionApprove}: {RenewalApproved, StatusActive},
	{RenewalPendingApproval, RoleApprover, ActionReject}:  {RenewalRejected, StatusActive},
}

// LookupRenewalTransition resolves a renewal sub-machine step.
func LookupRenewalTransition(status RenewalStatus, role Role, action Action) (RenewalTransition, bool) {
	t, ok := renewalTransitions[RenewalTransitionKey{status, role, action}]
	return t, ok
}

// ValidPermitStatuses enumerates every member of the permit status enum, for
// rules that must reject writes placing a permit in an unknown state.
func ValidPermitStatuses() map[PermitStatus]struct{} {
	return map[PermitStatus]struct{}{
		StatusPendingReview:          {},
		StatusPendingApproval:        {},
		StatusActive:                 {},
		StatusRenewalPendingReview:   {},
		StatusRenewalPendingApproval: {},
		StatusClosurePendingReview:   {},
		StatusClosurePendingApproval: {},
		StatusClosed:                 {},
		StatusRejected:               {},
	}
}

// ValidRenewalStatuses enumerates every member of the renewal status enum.
func ValidRenewalStatuses() map[RenewalStatus]struct{} {
	return map[RenewalStatus]struct{}{
		RenewalPendingReview:   {},
		RenewalPendingApproval: {},
		RenewalApproved:        {},
		RenewalRejected:        {},
	}
}
