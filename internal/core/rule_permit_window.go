package core

import (
	"context"
	"fmt"
	"time"

	"permitcore/pkg/domain"
)

// PermitWindowRule blocks permits whose validity window is inverted or longer
// than the configured ceiling.
func PermitWindowRule(maxSpan time.Duration) domain.Rule {
	return permitWindowRule{maxSpan: maxSpan}
}

type permitWindowRule struct {
	maxSpan time.Duration
}

func (permitWindowRule) Name() string { return "permit_window" }

func (r permitWindowRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityPermit {
			continue
		}
		permit, ok := domain.DecodeChangePayload[domain.Permit](change.After)
		if !ok {
			continue
		}
		if !permit.ValidFrom.Before(permit.ValidTo) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "permit_window",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("permit %s validity window is inverted", permit.PermitID),
				Entity:   domain.EntityPermit,
				EntityID: permit.PermitID,
			})
			continue
		}
		if permit.ValidTo.Sub(permit.ValidFrom) > r.maxSpan {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "permit_window",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("permit %s validity window exceeds %s", permit.PermitID, r.maxSpan),
				Entity:   domain.EntityPermit,
				EntityID: permit.PermitID,
			})
		}
	}
	return res, nil
}
