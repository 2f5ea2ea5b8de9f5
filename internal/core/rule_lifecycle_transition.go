package core

import (
	"context"
	"fmt"

	"permitcore/pkg/domain"
)

// LifecycleTransitionRule blocks writes that move a permit out of a terminal
// status or into a status outside the enum, and the same for renewal entries.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	validPermit := domain.ValidPermitStatuses()
	validRenewal := domain.ValidRenewalStatuses()
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityPermit {
			continue
		}
		after, ok := domain.DecodeChangePayload[domain.Permit](change.After)
		if !ok {
			continue
		}
		if _, valid := validPermit[after.Status]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "lifecycle_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("permit %s is set to invalid status %s", after.PermitID, after.Status),
				Entity:   domain.EntityPermit,
				EntityID: after.PermitID,
			})
			continue
		}
		for i, r := range after.Renewals {
			if _, valid := validRenewal[r.Status]; !valid {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "lifecycle_transition",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("permit %s renewal %d is set to invalid status %s", after.PermitID, i, r.Status),
					Entity:   domain.EntityPermit,
					EntityID: after.PermitID,
				})
			}
		}

		before, ok := domain.DecodeChangePayload[domain.Permit](change.Before)
		if !ok {
			continue
		}
		if before.Status.Terminal() && after.Status != before.Status {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "lifecycle_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move permit %s from terminal status %s to %s", before.PermitID, before.Status, after.Status),
				Entity:   domain.EntityPermit,
				EntityID: after.PermitID,
			})
		}
		for i := range before.Renewals {
			if i >= len(after.Renewals) {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "lifecycle_transition",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("permit %s renewal history truncated", after.PermitID),
					Entity:   domain.EntityPermit,
					EntityID: after.PermitID,
				})
				break
			}
			bs := before.Renewals[i].Status
			if bs.Terminal() && after.Renewals[i].Status != bs {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "lifecycle_transition",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("cannot move permit %s renewal %d from terminal status %s to %s", before.PermitID, i, bs, after.Renewals[i].Status),
					Entity:   domain.EntityPermit,
					EntityID: after.PermitID,
				})
			}
		}
	}
	return res, nil
}
