package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"permitcore/pkg/domain"
)

// ArtifactStore is the narrow blob surface the service needs. Put is
// create-only and returns a stable URL for the stored object.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ClosureRenderer produces the final closure artifact for a permit that has
// reached its terminal approved closure.
type ClosureRenderer interface {
	RenderClosureArtifact(p Permit) ([]byte, error)
}

// Service implements the permit lifecycle operations on top of a persistent
// store, a blob collaborator, and a closure renderer.
type Service struct {
	store    domain.PersistentStore
	blob     ArtifactStore
	renderer ClosureRenderer
	metrics  MetricsRecorder
	tracer   Tracer
	logger   logrus.FieldLogger
	now      func() time.Time

	maxPermitSpan  time.Duration
	maxRenewalSpan time.Duration
}

// Permit and renewal window ceilings.
const (
	DefaultMaxPermitSpan  = 7 * 24 * time.Hour
	DefaultMaxRenewalSpan = 8 * time.Hour
)

// Option customizes Service construction.
type Option func(*Service)

// WithArtifactStore wires the blob collaborator used for attachments and
// closure artifacts.
func WithArtifactStore(store ArtifactStore) Option {
	return func(s *Service) { s.blob = store }
}

// WithClosureRenderer wires the renderer invoked when a closure is approved.
func WithClosureRenderer(r ClosureRenderer) Option {
	return func(s *Service) { s.renderer = r }
}

// WithMetricsRecorder wires a metrics sink for operation observations.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer wires a tracer for operation spans.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLogger replaces the default logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the service clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service over the given store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:          store,
		metrics:        noopMetrics{},
		tracer:         noopTracer{},
		logger:         logrus.StandardLogger(),
		now:            func() time.Time { return time.Now().UTC() },
		maxPermitSpan:  DefaultMaxPermitSpan,
		maxRenewalSpan: DefaultMaxRenewalSpan,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying persistent store for adapters and tests.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// signature renders the "<identity> on <timestamp>" stamp written into
// document signature fields.
func signature(actor string, at time.Time) string {
	return fmt.Sprintf("%s on %s", actor, at.Format(time.RFC3339))
}

// AttachmentInput carries an optional uploaded file stored alongside a new permit.
type AttachmentInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CreatePermitInput is the payload for CreatePermit.
type CreatePermitInput struct {
	WorkType       string
	RequesterEmail string
	ReviewerEmail  string
	ApproverEmail  string
	ValidFrom      time.Time
	ValidTo        time.Time
	Fields         map[string]any
	Attachment     *AttachmentInput
}

func validEmail(field, v string) error {
	if v == "" {
		return domain.ValidationError{Field: field, Reason: "missing"}
	}
	if !strings.Contains(v, "@") {
		return domain.ValidationError{Field: field, Reason: "not an email address"}
	}
	return nil
}

func (in CreatePermitInput) validate(maxSpan time.Duration) error {
	if strings.TrimSpace(in.WorkType) == "" {
		return domain.ValidationError{Field: "work_type", Reason: "missing"}
	}
	if err := validEmail("requester_email", in.RequesterEmail); err != nil {
		return err
	}
	if err := validEmail("reviewer_email", in.ReviewerEmail); err != nil {
		return err
	}
	if err := validEmail("approver_email", in.ApproverEmail); err != nil {
		return err
	}
	if in.ValidFrom.IsZero() || in.ValidTo.IsZero() {
		return domain.ValidationError{Field: "validity", Reason: "valid_from and valid_to are required"}
	}
	if !in.ValidFrom.Before(in.ValidTo) {
		return domain.ValidationError{Field: "validity", Reason: "valid_from must precede valid_to"}
	}
	if in.ValidTo.Sub(in.ValidFrom) > maxSpan {
		return domain.ValidationError{Field: "validity", Reason: fmt.Sprintf("permit window exceeds %s", maxSpan)}
	}
	return nil
}

// CreatePermit allocates the next permit identifier and stores a new permit in
// pending review. The optional attachment is stored in the blob collaborator
// before the record commits; a blob failure aborts the whole operation.
func (s *Service) CreatePermit(ctx context.Context, in CreatePermitInput) (Permit, Result, error) {
	ctx, finish := s.instrument(ctx, "create_permit")
	var created Permit
	var result Result
	err := func() error {
		if err := in.validate(s.maxPermitSpan); err != nil {
			return err
		}
		doc := domain.Document{}
		if err := doc.Merge(in.Fields); err != nil {
			return err
		}
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			permitID, err := tx.AllocatePermitID()
			if err != nil {
				return domain.CollaboratorError{Collaborator: "store", Op: "allocate", Err: err}
			}
			permit := Permit{
				PermitID:       permitID,
				Status:         StatusPendingReview,
				WorkType:       in.WorkType,
				RequesterEmail: in.RequesterEmail,
				ReviewerEmail:  in.ReviewerEmail,
				ApproverEmail:  in.ApproverEmail,
				ValidFrom:      in.ValidFrom.UTC(),
				ValidTo:        in.ValidTo.UTC(),
				Document:       doc,
			}
			if in.Attachment != nil {
				if strings.TrimSpace(in.Attachment.Filename) == "" {
					return domain.ValidationError{Field: "attachment", Reason: "missing filename"}
				}
				if s.blob == nil {
					return domain.CollaboratorError{Collaborator: "blob", Op: "put", Err: errors.New("no artifact store configured")}
				}
				key := fmt.Sprintf("attachments/%s/%s", permitID, in.Attachment.Filename)
				if _, err := s.blob.Put(ctx, key, in.Attachment.Data, in.Attachment.ContentType); err != nil {
					return domain.CollaboratorError{Collaborator: "blob", Op: "put", Err: err}
				}
				permit.AttachmentKey = key
			}
			stored, err := tx.InsertPermit(permit)
			if err != nil {
				return err
			}
			created = stored
			return nil
		})
		result = res
		return err
	}()
	finish(err)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"op": "create_permit", "work_type": in.WorkType}).WithError(err).Warn("create permit failed")
		return Permit{}, result, err
	}
	s.logger.WithFields(logrus.Fields{"op": "create_permit", "permit_id": created.PermitID}).Info("permit created")
	return created, result, nil
}

// TransitionInput is the payload for TransitionStatus.
type TransitionInput struct {
	PermitID string
	Role     Role
	Actor    string
	Action   Action
	// Fields is an optional document patch merged before the transition's
	// signature stamps are applied.
	Fields  map[string]any
	Remarks string
}

// TransitionStatus applies one step of the permit status machine. The loaded
// snapshot's revision guards the write: if another transition commits between
// load and write the operation fails with ConflictError and no change is made.
func (s *Service) TransitionStatus(ctx context.Context, in TransitionInput) (Permit, Result, error) {
	ctx, finish := s.instrument(ctx, "transition_status")
	var updated Permit
	var result Result
	err := func() error {
		if in.PermitID == "" {
			return domain.ValidationError{Field: "permit_id", Reason: "missing"}
		}
		if _, err := domain.ParseRole(string(in.Role)); err != nil {
			return err
		}
		if in.Actor == "" {
			return domain.ValidationError{Field: "actor", Reason: "missing"}
		}
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.Snapshot().FindPermit(in.PermitID)
			if !ok {
				return domain.NotFoundError{Entity: EntityPermit, ID: in.PermitID}
			}
			if bound := current.EmailForRole(in.Role); bound != in.Actor {
				return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action, Reason: "identity not bound to role"}
			}
			transition, ok := domain.LookupTransition(current.Status, in.Role, in.Action)
			if !ok {
				return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action}
			}
			stored, err := tx.UpdatePermit(in.PermitID, current.Revision, func(p *Permit) error {
				if err := p.Document.Merge(in.Fields); err != nil {
					return err
				}
				if err := s.applyEffect(ctx, p, transition.Effect, in); err != nil {
					return err
				}
				p.Status = transition.Next
				return nil
			})
			if err != nil {
				return err
			}
			updated = stored
			return nil
		})
		result = res
		return err
	}()
	finish(err)
	fields := logrus.Fields{"op": "transition_status", "permit_id": in.PermitID, "role": in.Role, "action": in.Action}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("transition rejected")
		return Permit{}, result, err
	}
	fields["status"] = updated.Status
	s.logger.WithFields(fields).Info("permit transitioned")
	return updated, result, nil
}

// applyEffect writes the transition's signature stamps, and for an approved
// closure renders and stores the final artifact. The stamps land after the
// caller's field patch so a patch can never shadow them.
func (s *Service) applyEffect(ctx context.Context, p *Permit, effect domain.Effect, in TransitionInput) error {
	now := s.now()
	sig := signature(in.Actor, now)
	switch effect {
	case domain.EffectStampReview:
		p.Document.Stamp(domain.DocReviewerSig, sig)
		p.Document.AppendRemark(domain.DocReviewerRemarks, in.Remarks)
	case domain.EffectStampApproval:
		p.Document.Stamp(domain.DocApproverSig, sig)
		p.Document.AppendRemark(domain.DocApproverRemarks, in.Remarks)
	case domain.EffectStampRejection:
		p.Document.Stamp(domain.DocRejectedBy, sig)
		remarks := in.Remarks
		if remarks == "" {
			remarks = "no reason given"
		}
		p.Document.AppendRemark(domain.DocRejectionRemarks, remarks)
	case domain.EffectStampClosureRequest:
		p.Document.Stamp(domain.DocClosureReceiverSig, sig)
	case domain.EffectStampClosureReview:
		p.Document.Stamp(domain.DocClosureReviewerSig, sig)
	case domain.EffectStampClosureIssue:
		p.Document.Stamp(domain.DocClosureIssuerSig, sig)
		p.Document.AppendRemark(domain.DocClosureIssuerRemark, in.Remarks)
		if err := s.storeClosureArtifact(ctx, p); err != nil {
			return err
		}
	case domain.EffectDiscardClosure:
		p.Document.DiscardClosureFields()
	}
	return nil
}

// storeClosureArtifact renders the closure certificate and stores it in the
// blob collaborator. Failure aborts the transition, leaving the permit in
// closure pending approval so the approver can retry.
func (s *Service) storeClosureArtifact(ctx context.Context, p *Permit) error {
	if s.renderer == nil {
		return nil
	}
	if s.blob == nil {
		return domain.CollaboratorError{Collaborator: "blob", Op: "put", Err: errors.New("no artifact store configured")}
	}
	data, err := s.renderer.RenderClosureArtifact(*p)
	if err != nil {
		return domain.CollaboratorError{Collaborator: "renderer", Op: "render", Err: err}
	}
	key := fmt.Sprintf("closures/%s.pdf", p.PermitID)
	if _, err := s.blob.Put(ctx, key, data, "application/pdf"); err != nil {
		return domain.CollaboratorError{Collaborator: "blob", Op: "put", Err: err}
	}
	p.ClosureArtifactKey = key
	return nil
}

// RenewalInput is the payload for SubmitRenewal. The window and readings are
// only consulted for the Requester's "request" action; review and approval
// steps use Note / Reason.
type RenewalInput struct {
	PermitID    string
	Role        Role
	Actor       string
	Action      Action
	ValidFrom   time.Time
	ValidTo     time.Time
	Readings    GasReadings
	Precautions string
	Note        string
	Reason      string
}

// SubmitRenewal appends or advances a renewal entry. A Requester request
// appends a new pending entry and parks the permit in renewal pending review;
// Reviewer and Approver actions advance the single in-flight entry and feed
// the outcome back into the parent permit status.
func (s *Service) SubmitRenewal(ctx context.Context, in RenewalInput) (Permit, Result, error) {
	ctx, finish := s.instrument(ctx, "submit_renewal")
	var updated Permit
	var result Result
	err := func() error {
		if in.PermitID == "" {
			return domain.ValidationError{Field: "permit_id", Reason: "missing"}
		}
		if _, err := domain.ParseRole(string(in.Role)); err != nil {
			return err
		}
		if in.Actor == "" {
			return domain.ValidationError{Field: "actor", Reason: "missing"}
		}
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.Snapshot().FindPermit(in.PermitID)
			if !ok {
				return domain.NotFoundError{Entity: EntityPermit, ID: in.PermitID}
			}
			if bound := current.EmailForRole(in.Role); bound != in.Actor {
				return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action, Reason: "identity not bound to role"}
			}
			var mutator func(*Permit) error
			if in.Action == ActionRequest {
				if in.Role != RoleRequester {
					return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action}
				}
				if current.Status != StatusActive {
					return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action, Reason: "renewal requires an active permit"}
				}
				if err := s.validateRenewalWindow(current, in); err != nil {
					return err
				}
				mutator = func(p *Permit) error {
					p.Renewals = append(p.Renewals, Renewal{
						Status:      domain.RenewalPendingReview,
						ValidFrom:   in.ValidFrom.UTC(),
						ValidTo:     in.ValidTo.UTC(),
						Readings:    in.Readings,
						Precautions: in.Precautions,
						RequestedBy: in.Actor,
						RequestedAt: s.now(),
					})
					p.Status = StatusRenewalPendingReview
					return nil
				}
			} else {
				idx := current.InFlightRenewal()
				if idx < 0 {
					return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action, Reason: "no renewal in flight"}
				}
				entry := current.Renewals[idx]
				step, ok := domain.LookupRenewalTransition(entry.Status, in.Role, in.Action)
				if !ok {
					return domain.IllegalTransitionError{PermitID: in.PermitID, Status: current.Status, Role: in.Role, Action: in.Action}
				}
				mutator = func(p *Permit) error {
					s.stampRenewal(&p.Renewals[idx], step.Next, in)
					p.Status = step.Parent
					return nil
				}
			}
			stored, err := tx.UpdatePermit(in.PermitID, current.Revision, mutator)
			if err != nil {
				return err
			}
			updated = stored
			return nil
		})
		result = res
		return err
	}()
	finish(err)
	fields := logrus.Fields{"op": "submit_renewal", "permit_id": in.PermitID, "role": in.Role, "action": in.Action}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("renewal step rejected")
		return Permit{}, result, err
	}
	fields["status"] = updated.Status
	s.logger.WithFields(fields).Info("renewal step applied")
	return updated, result, nil
}

// validateRenewalWindow checks a requested renewal window against the parent
// permit and the permit's renewal history.
func (s *Service) validateRenewalWindow(p Permit, in RenewalInput) error {
	if in.ValidFrom.IsZero() || in.ValidTo.IsZero() {
		return domain.ValidationError{Field: "renewal", Reason: "valid_from and valid_to are required"}
	}
	if !in.ValidFrom.Before(in.ValidTo) {
		return domain.ValidationError{Field: "renewal", Reason: "valid_from must precede valid_to"}
	}
	if in.ValidTo.Sub(in.ValidFrom) > s.maxRenewalSpan {
		return domain.ValidationError{Field: "renewal", Reason: fmt.Sprintf("renewal window exceeds %s", s.maxRenewalSpan)}
	}
	if in.ValidFrom.Before(p.ValidFrom) || in.ValidTo.After(p.ValidTo) {
		return domain.ValidationError{Field: "renewal", Reason: "renewal window must lie within the permit validity window"}
	}
	if n := len(p.Renewals); n > 0 {
		if in.ValidFrom.Before(p.Renewals[n-1].ValidTo) {
			return domain.ValidationError{Field: "renewal", Reason: "renewal window must not precede the previous renewal"}
		}
	}
	return nil
}

// stampRenewal records the actor and outcome on the in-flight entry. Stamps
// are additive: a rejection after review keeps the review fields.
func (s *Service) stampRenewal(entry *Renewal, next RenewalStatus, in RenewalInput) {
	now := s.now()
	actor := in.Actor
	switch next {
	case domain.RenewalPendingApproval:
		entry.ReviewedBy = &actor
		entry.ReviewedAt = &now
		if in.Note != "" {
			note := in.Note
			entry.ReviewNote = &note
		}
	case domain.RenewalApproved:
		entry.ApprovedBy = &actor
		entry.ApprovedAt = &now
	case domain.RenewalRejected:
		entry.RejectedBy = &actor
		reason := in.Reason
		if reason == "" {
			reason = "no reason given"
		}
		entry.RejectionReason = &reason
	}
	entry.Status = next
}

// GetSnapshot returns the committed state of one permit.
func (s *Service) GetSnapshot(ctx context.Context, permitID string) (Permit, error) {
	_, finish := s.instrument(ctx, "get_snapshot")
	p, ok := s.store.GetPermit(permitID)
	if !ok {
		err := domain.NotFoundError{Entity: EntityPermit, ID: permitID}
		finish(err)
		return Permit{}, err
	}
	finish(nil)
	return p, nil
}

// dashboardStatuses lists, per role, which permit statuses appear on that
// role's work queue. Requesters see all of their own permits.
var dashboardStatuses = map[Role]map[PermitStatus]struct{}{
	RoleReviewer: {
		StatusPendingReview:          {},
		StatusRenewalPendingReview:   {},
		StatusRenewalPendingApproval: {},
		StatusClosurePendingReview:   {},
		StatusClosurePendingApproval: {},
		StatusClosed:                 {},
	},
	RoleApprover: {
		StatusPendingApproval:        {},
		StatusRenewalPendingApproval: {},
		StatusClosurePendingApproval: {},
		StatusActive:                 {},
		StatusClosed:                 {},
	},
}

// ListPermits returns permits visible to the actor in the given role, newest
// first by permit number. An empty role lists every permit.
func (s *Service) ListPermits(ctx context.Context, role Role, actor string) ([]Permit, error) {
	_, finish := s.instrument(ctx, "list_permits")
	defer finish(nil)

	all := s.store.ListPermits()
	out := make([]Permit, 0, len(all))
	for _, p := range all {
		if role != "" {
			if p.EmailForRole(role) != actor {
				continue
			}
			if statuses, ok := dashboardStatuses[role]; ok {
				if _, visible := statuses[p.Status]; !visible {
					continue
				}
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return permitNumber(out[i].PermitID) > permitNumber(out[j].PermitID)
	})
	return out, nil
}

func permitNumber(permitID string) int64 {
	suffix, ok := strings.CutPrefix(permitID, "WP-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// PutUser inserts or updates a directory entry.
func (s *Service) PutUser(ctx context.Context, u User) (User, Result, error) {
	ctx, finish := s.instrument(ctx, "put_user")
	var stored User
	var result Result
	err := func() error {
		if err := validEmail("email", u.Email); err != nil {
			return err
		}
		if _, err := domain.ParseRole(string(u.Role)); err != nil {
			return err
		}
		res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			out, err := tx.PutUser(u)
			if err != nil {
				return err
			}
			stored = out
			return nil
		})
		result = res
		return err
	}()
	finish(err)
	if err != nil {
		return User{}, result, err
	}
	return stored, result, nil
}

// DeleteUser removes a directory entry.
func (s *Service) DeleteUser(ctx context.Context, email string) (Result, error) {
	ctx, finish := s.instrument(ctx, "delete_user")
	result, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteUser(email)
	})
	finish(err)
	return result, err
}

// GetUser returns one directory entry.
func (s *Service) GetUser(ctx context.Context, email string) (User, error) {
	_, finish := s.instrument(ctx, "get_user")
	u, ok := s.store.GetUser(email)
	if !ok {
		err := domain.NotFoundError{Entity: EntityUser, ID: email}
		finish(err)
		return User{}, err
	}
	finish(nil)
	return u, nil
}

// ListUsersByRole returns directory entries holding the given role, or all
// users when role is empty.
func (s *Service) ListUsersByRole(ctx context.Context, role Role) ([]User, error) {
	_, finish := s.instrument(ctx, "list_users")
	defer finish(nil)
	all := s.store.ListUsers()
	if role == "" {
		return all, nil
	}
	out := make([]User, 0, len(all))
	for _, u := range all {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// AttachmentReader streams a stored attachment or closure artifact back to the
// caller. The permit must reference the key; arbitrary blob reads are refused.
func (s *Service) AttachmentReader(ctx context.Context, permitID, key string) (io.Reader, error) {
	_, finish := s.instrument(ctx, "read_artifact")
	data, err := func() ([]byte, error) {
		p, ok := s.store.GetPermit(permitID)
		if !ok {
			return nil, domain.NotFoundError{Entity: EntityPermit, ID: permitID}
		}
		if key != p.AttachmentKey && key != p.ClosureArtifactKey {
			return nil, domain.NotFoundError{Entity: EntityPermit, ID: key}
		}
		if s.blob == nil {
			return nil, domain.CollaboratorError{Collaborator: "blob", Op: "get", Err: errors.New("no artifact store configured")}
		}
		raw, err := s.blob.Get(ctx, key)
		if err != nil {
			return nil, domain.CollaboratorError{Collaborator: "blob", Op: "get", Err: err}
		}
		return raw, nil
	}()
	finish(err)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
