package core

import (
	"context"
	"fmt"
	"time"

	"permitcore/pkg/domain"
)

// RenewalWindowRule blocks writes whose renewal entries violate the window
// invariants: every window inside the parent permit window, no window longer
// than the ceiling, consecutive windows non-overlapping, and at most one
// non-terminal entry, which must be the last.
func RenewalWindowRule(maxSpan time.Duration) domain.Rule {
	return renewalWindowRule{maxSpan: maxSpan}
}

type renewalWindowRule struct {
	maxSpan time.Duration
}

func (renewalWindowRule) Name() string { return "renewal_window" }

func (r renewalWindowRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityPermit {
			continue
		}
		permit, ok := domain.DecodeChangePayload[domain.Permit](change.After)
		if !ok {
			continue
		}
		res.Merge(r.check(permit))
	}
	return res, nil
}

func (r renewalWindowRule) check(p domain.Permit) domain.Result {
	res := domain.Result{}
	block := func(format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "renewal_window",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   domain.EntityPermit,
			EntityID: p.PermitID,
		})
	}
	for i, entry := range p.Renewals {
		if !entry.ValidFrom.Before(entry.ValidTo) {
			block("permit %s renewal %d window is inverted", p.PermitID, i)
			continue
		}
		if entry.ValidTo.Sub(entry.ValidFrom) > r.maxSpan {
			block("permit %s renewal %d window exceeds %s", p.PermitID, i, r.maxSpan)
		}
		if entry.ValidFrom.Before(p.ValidFrom) || entry.ValidTo.After(p.ValidTo) {
			block("permit %s renewal %d window is outside the permit window", p.PermitID, i)
		}
		if i > 0 && entry.ValidFrom.Before(p.Renewals[i-1].ValidTo) {
			block("permit %s renewal %d overlaps the previous renewal", p.PermitID, i)
		}
		if !entry.Status.Terminal() && i != len(p.Renewals)-1 {
			block("permit %s renewal %d is non-terminal but not last", p.PermitID, i)
		}
	}
	return res
}
