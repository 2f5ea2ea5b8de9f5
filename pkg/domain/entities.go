// Package domain defines the persistent entities, status machines, and rule
// evaluation primitives of the work permit lifecycle core.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityPermit identifies a work permit record.
	EntityPermit EntityType = "permit"
	// EntityUser identifies a user record.
	EntityUser EntityType = "user"
)

// Role identifies the party acting on a permit. Every permit binds one identity
// per role at creation; only the bound identity may act in that role later.
type Role string

// Workflow roles in approval order.
const (
	RoleRequester Role = "Requester"
	RoleReviewer  Role = "Reviewer"
	RoleApprover  Role = "Approver"
)

// ParseRole validates a role string received from a caller.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRequester, RoleReviewer, RoleApprover:
		return Role(s), nil
	}
	return "", ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

// PermitStatus enumerates the top-level permit lifecycle states.
type PermitStatus string

// Permit lifecycle states. Closed and Rejected are terminal.
const (
	StatusPendingReview          PermitStatus = "pending_review"
	StatusPendingApproval        PermitStatus = "pending_approval"
	StatusActive                 PermitStatus = "active"
	StatusRenewalPendingReview   PermitStatus = "renewal_pending_review"
	StatusRenewalPendingApproval PermitStatus = "renewal_pending_approval"
	StatusClosurePendingReview   PermitStatus = "closure_pending_review"
	StatusClosurePendingApproval PermitStatus = "closure_pending_approval"
	StatusClosed                 PermitStatus = "closed"
	StatusRejected               PermitStatus = "rejected"
)

// Terminal reports whether no further transition is defined from the status.
func (s PermitStatus) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// RenewalStatus enumerates states of a single renewal entry.
type RenewalStatus string

// Renewal entry states. Approved and Rejected are terminal for the entry.
const (
	RenewalPendingReview   RenewalStatus = "pending_review"
	RenewalPendingApproval RenewalStatus = "pending_approval"
	RenewalApproved        RenewalStatus = "approved"
	RenewalRejected        RenewalStatus = "rejected"
)

// Terminal reports whether the renewal entry can no longer change.
func (s RenewalStatus) Terminal() bool {
	return s == RenewalApproved || s == RenewalRejected
}

// Action names a caller-requested operation against a permit or its in-flight
// renewal entry.
type Action string

// Permit and renewal actions accepted by the transition engines.
const (
	ActionReview          Action = "review"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionInitiateClosure Action = "initiate_closure"
	ActionApproveClosure  Action = "approve_closure"
	ActionRejectClosure   Action = "reject_closure"
	// ActionRequest appends a new renewal entry; it is only meaningful for
	// SubmitRenewal calls by the Requester.
	ActionRequest Action = "request"
)

// Base contains common fields for all domain records.
type Base struct {
	// Seq is the internal monotonic row sequence. It exists only so the permit
	// identifier allocator can be seeded after a restart; it is never a lookup key.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permit is the top-level work authorization record.
type Permit struct {
	Base
	PermitID       string       `json:"permit_id"`
	Status         PermitStatus `json:"status"`
	WorkType       string       `json:"work_type"`
	RequesterEmail string       `json:"requester_email"`
	ReviewerEmail  string       `json:"reviewer_email"`
	ApproverEmail  string       `json:"approver_email"`
	ValidFrom      time.Time    `json:"valid_from"`
	ValidTo        time.Time    `json:"valid_to"`
	Document       Document     `json:"document"`
	Renewals       []Renewal    `json:"renewals"`
	// AttachmentKey and ClosureArtifactKey reference objects in the blob
	// collaborator; they are opaque to the lifecycle core.
	AttachmentKey      string `json:"attachment_key,omitempty"`
	ClosureArtifactKey string `json:"closure_artifact_key,omitempty"`
	// Revision is bumped on every committed mutation. Persistence
	// implementations use it for compare-and-swap so that at most one
	// transition wins per loaded snapshot.
	Revision int64 `json:"revision"`
}

// InFlightRenewal returns the index of the single non-terminal renewal entry,
// or -1 when every entry is terminal. Only the last entry can ever be
// non-terminal; the renewal engine enforces that structurally.
func (p Permit) InFlightRenewal() int {
	if n := len(p.Renewals); n > 0 && !p.Renewals[n-1].Status.Terminal() {
		return n - 1
	}
	return -1
}

// EmailForRole returns the identity bound to the given role on this permit.
func (p Permit) EmailForRole(role Role) string {
	switch role {
	case RoleRequester:
		return p.RequesterEmail
	case RoleReviewer:
		return p.ReviewerEmail
	case RoleApprover:
		return p.ApproverEmail
	}
	return ""
}

// GasReadings captures the safety re-check measurements submitted with a
// renewal request. Values are recorded verbatim as entered in the field.
type GasReadings struct {
	HC     string `json:"hc,omitempty"`
	Toxic  string `json:"toxic,omitempty"`
	Oxygen string `json:"oxygen,omitempty"`
}

// Renewal is a time-boxed safety re-check nested inside a permit. Entries are
// append-only; signature fields are populated incrementally and never retracted.
type Renewal struct {
	Status      RenewalStatus `json:"status"`
	ValidFrom   time.Time     `json:"valid_from"`
	ValidTo     time.Time     `json:"valid_to"`
	Readings    GasReadings   `json:"readings"`
	Precautions string        `json:"precautions,omitempty"`

	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`

	ReviewedBy *string    `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote *string    `json:"review_note,omitempty"`

	ApprovedBy *string    `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	RejectedBy      *string `json:"rejected_by,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// User is a directory entry consulted for dashboards and role lookups.
// Authentication itself happens upstream; the core only stores the mapping.
type User struct {
	Base
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

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

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action ChangeAction
	Before ChangePayload
	After  ChangePayload
}

// ChangeAction indicates the type of modification performed.
type ChangeAction string

// Change actions enumerate mutations captured for rule evaluation.
const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
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
