package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"permitcore/internal/infra/persistence/memory"
	"permitcore/pkg/domain"
)

const (
	requester = "req@example.com"
	reviewer  = "rev@example.com"
	approver  = "app@example.com"
)

func quietTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeArtifactStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{objects: make(map[string][]byte)}
}

func (s *fakeArtifactStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return "", errors.New("object store unavailable")
	}
	if _, exists := s.objects[key]; exists {
		return "", fmt.Errorf("object %s already exists", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return "mem://" + key, nil
}

func (s *fakeArtifactStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (s *fakeArtifactStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

type fakeRenderer struct {
	calls int
	fail  bool
}

func (r *fakeRenderer) RenderClosureArtifact(Permit) ([]byte, error) {
	r.calls++
	if r.fail {
		return nil, errors.New("layout engine crashed")
	}
	return []byte("%PDF-1.4 closure"), nil
}

type testEnv struct {
	service  *Service
	store    *memory.Store
	blob     *fakeArtifactStore
	renderer *fakeRenderer
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		blob:     newFakeArtifactStore(),
		renderer: &fakeRenderer{},
		now:      time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC),
	}
	env.store = memory.NewStore(NewDefaultRulesEngine())
	env.store.SetNow(func() time.Time { return env.now })
	env.service = NewService(env.store,
		WithArtifactStore(env.blob),
		WithClosureRenderer(env.renderer),
		WithClock(func() time.Time { return env.now }),
		WithLogger(quietTestLogger()),
	)
	return env
}

func (env *testEnv) createInput() CreatePermitInput {
	return CreatePermitInput{
		WorkType:       "hot_work",
		RequesterEmail: requester,
		ReviewerEmail:  reviewer,
		ApproverEmail:  approver,
		ValidFrom:      env.now,
		ValidTo:        env.now.Add(72 * time.Hour),
		Fields:         map[string]any{"description": "weld repair on line 3"},
	}
}

func (env *testEnv) create(t *testing.T) Permit {
	t.Helper()
	p, _, err := env.service.CreatePermit(context.Background(), env.createInput())
	if err != nil {
		t.Fatalf("create permit: %v", err)
	}
	return p
}

func (env *testEnv) transition(t *testing.T, id string, role Role, actor string, action Action) Permit {
	t.Helper()
	p, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: id, Role: role, Actor: actor, Action: action,
	})
	if err != nil {
		t.Fatalf("transition %s %s by %s: %v", id, action, role, err)
	}
	return p
}

func (env *testEnv) activate(t *testing.T, id string) Permit {
	t.Helper()
	env.transition(t, id, RoleReviewer, reviewer, ActionReview)
	return env.transition(t, id, RoleApprover, approver, ActionApprove)
}

func TestCreatePermitAssignsSequentialIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t)
	second := env.create(t)
	if first.PermitID != "WP-1001" || second.PermitID != "WP-1002" {
		t.Fatalf("got %s, %s; want WP-1001, WP-1002", first.PermitID, second.PermitID)
	}
	if first.Status != StatusPendingReview {
		t.Fatalf("new permit status = %s, want %s", first.Status, StatusPendingReview)
	}
	if first.Revision != 1 {
		t.Fatalf("new permit revision = %d, want 1", first.Revision)
	}
}

func TestCreatePermitValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(*CreatePermitInput)
	}{
		{"missing work type", func(in *CreatePermitInput) { in.WorkType = " " }},
		{"missing requester", func(in *CreatePermitInput) { in.RequesterEmail = "" }},
		{"bad reviewer email", func(in *CreatePermitInput) { in.ReviewerEmail = "not-an-email" }},
		{"inverted window", func(in *CreatePermitInput) { in.ValidTo = in.ValidFrom.Add(-time.Hour) }},
		{"window too long", func(in *CreatePermitInput) { in.ValidTo = in.ValidFrom.Add(8 * 24 * time.Hour) }},
		{"reserved field", func(in *CreatePermitInput) { in.Fields = map[string]any{"status": "active"} }},
	}
	for _, tc := range cases {
		in := env.createInput()
		tc.mutate(&in)
		_, _, err := env.service.CreatePermit(context.Background(), in)
		var verr domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}
}

func TestCreatePermitStoresAttachment(t *testing.T) {
	env := newTestEnv(t)
	in := env.createInput()
	in.Attachment = &AttachmentInput{Filename: "jsa.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 jsa")}
	p, _, err := env.service.CreatePermit(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wantKey := "attachments/WP-1001/jsa.pdf"
	if p.AttachmentKey != wantKey {
		t.Fatalf("attachment key = %q, want %q", p.AttachmentKey, wantKey)
	}
	if _, err := env.blob.Get(context.Background(), wantKey); err != nil {
		t.Fatalf("attachment not stored: %v", err)
	}

	reader, err := env.service.AttachmentReader(context.Background(), p.PermitID, wantKey)
	if err != nil {
		t.Fatalf("attachment reader: %v", err)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "%PDF-1.4 jsa" {
		t.Fatalf("attachment payload mismatch")
	}
}

func TestFullLifecycleToClosure(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)

	p = env.transition(t, p.PermitID, RoleReviewer, reviewer, ActionReview)
	if p.Status != StatusPendingApproval {
		t.Fatalf("after review: %s", p.Status)
	}
	sig, _ := p.Document[domain.DocReviewerSig].(string)
	if !strings.HasPrefix(sig, reviewer+" on ") {
		t.Fatalf("reviewer signature = %q", sig)
	}

	p = env.transition(t, p.PermitID, RoleApprover, approver, ActionApprove)
	if p.Status != StatusActive {
		t.Fatalf("after approve: %s", p.Status)
	}

	p = env.transition(t, p.PermitID, RoleRequester, requester, ActionInitiateClosure)
	if p.Status != StatusClosurePendingReview {
		t.Fatalf("after initiate_closure: %s", p.Status)
	}
	p = env.transition(t, p.PermitID, RoleReviewer, reviewer, ActionApproveClosure)
	if p.Status != StatusClosurePendingApproval {
		t.Fatalf("after approve_closure: %s", p.Status)
	}
	p = env.transition(t, p.PermitID, RoleApprover, approver, ActionApprove)
	if p.Status != StatusClosed {
		t.Fatalf("after final approve: %s", p.Status)
	}

	if env.renderer.calls != 1 {
		t.Fatalf("renderer calls = %d, want 1", env.renderer.calls)
	}
	if p.ClosureArtifactKey != "closures/WP-1001.pdf" {
		t.Fatalf("closure artifact key = %q", p.ClosureArtifactKey)
	}
	data, err := env.blob.Get(context.Background(), p.ClosureArtifactKey)
	if err != nil || !strings.HasPrefix(string(data), "%PDF") {
		t.Fatalf("closure artifact not stored: %v", err)
	}
}

func TestClosureRejectionDiscardsClosureStamps(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)
	env.transition(t, p.PermitID, RoleRequester, requester, ActionInitiateClosure)
	p = env.transition(t, p.PermitID, RoleReviewer, reviewer, ActionRejectClosure)
	if p.Status != StatusActive {
		t.Fatalf("after reject_closure: %s", p.Status)
	}
	if _, ok := p.Document[domain.DocClosureReceiverSig]; ok {
		t.Fatalf("closure receiver signature must be discarded")
	}
	// Review and approval stamps from the original approval chain survive.
	if _, ok := p.Document[domain.DocReviewerSig]; !ok {
		t.Fatalf("reviewer signature must survive closure rejection")
	}
}

func TestTransitionRejectsUnknownTriple(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	// Closure cannot be initiated from pending review.
	_, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionInitiateClosure,
	})
	var illegal domain.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.Status != StatusPendingReview {
		t.Fatalf("error carries status %s", illegal.Status)
	}
}

func TestTransitionRejectsUnboundIdentity(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	_, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: p.PermitID, Role: RoleReviewer, Actor: "intruder@example.com", Action: ActionReview,
	})
	var illegal domain.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestTerminalPermitRejectsAllMutations(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)
	env.transition(t, p.PermitID, RoleRequester, requester, ActionInitiateClosure)
	env.transition(t, p.PermitID, RoleReviewer, reviewer, ActionApproveClosure)
	env.transition(t, p.PermitID, RoleApprover, approver, ActionApprove)

	var illegal domain.IllegalTransitionError
	if _, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: p.PermitID, Role: RoleApprover, Actor: approver, Action: ActionApprove,
	}); !errors.As(err, &illegal) {
		t.Fatalf("transition on closed permit: got %v", err)
	}
	if _, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: env.now.Add(time.Hour), ValidTo: env.now.Add(2 * time.Hour),
	}); !errors.As(err, &illegal) {
		t.Fatalf("renewal on closed permit: got %v", err)
	}
}

func TestClosureArtifactFailureAbortsTransition(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)
	env.transition(t, p.PermitID, RoleRequester, requester, ActionInitiateClosure)
	env.transition(t, p.PermitID, RoleReviewer, reviewer, ActionApproveClosure)

	env.renderer.fail = true
	_, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: p.PermitID, Role: RoleApprover, Actor: approver, Action: ActionApprove,
	})
	var collab domain.CollaboratorError
	if !errors.As(err, &collab) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}

	got, err := env.service.GetSnapshot(context.Background(), p.PermitID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got.Status != StatusClosurePendingApproval {
		t.Fatalf("failed closure must not commit; status = %s", got.Status)
	}

	// Retry succeeds once the renderer recovers.
	env.renderer.fail = false
	final := env.transition(t, p.PermitID, RoleApprover, approver, ActionApprove)
	if final.Status != StatusClosed {
		t.Fatalf("retry: status = %s", final.Status)
	}
}

func TestRenewalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)

	from := env.now.Add(2 * time.Hour)
	till := from.Add(6 * time.Hour)
	p, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: from, ValidTo: till,
		Readings: GasReadings{HC: "0%", Toxic: "0ppm", Oxygen: "20.9%"}, Precautions: "continuous ventilation",
	})
	if err != nil {
		t.Fatalf("request renewal: %v", err)
	}
	if p.Status != StatusRenewalPendingReview {
		t.Fatalf("after request: %s", p.Status)
	}
	if len(p.Renewals) != 1 || p.Renewals[0].Status != domain.RenewalPendingReview {
		t.Fatalf("renewal entry not appended: %+v", p.Renewals)
	}

	p, _, err = env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleReviewer, Actor: reviewer, Action: ActionReview, Note: "readings verified",
	})
	if err != nil {
		t.Fatalf("review renewal: %v", err)
	}
	if p.Status != StatusRenewalPendingApproval {
		t.Fatalf("after review: %s", p.Status)
	}
	entry := p.Renewals[0]
	if entry.Status != domain.RenewalPendingApproval || entry.ReviewedBy == nil || *entry.ReviewedBy != reviewer {
		t.Fatalf("review stamp missing: %+v", entry)
	}

	p, _, err = env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleApprover, Actor: approver, Action: ActionApprove,
	})
	if err != nil {
		t.Fatalf("approve renewal: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("after approval parent must be active: %s", p.Status)
	}
	entry = p.Renewals[0]
	if entry.Status != domain.RenewalApproved || entry.ApprovedBy == nil {
		t.Fatalf("approval stamp missing: %+v", entry)
	}
	// Review stamps are preserved on the approved entry.
	if entry.ReviewedBy == nil || entry.ReviewNote == nil {
		t.Fatalf("review stamps lost on approval")
	}
}

func TestRenewalRejectionPreservesHistory(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)

	from := env.now.Add(2 * time.Hour)
	p, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: from, ValidTo: from.Add(4 * time.Hour),
		Readings: GasReadings{Oxygen: "19.1%"},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	p, _, err = env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleReviewer, Actor: reviewer, Action: ActionReject, Reason: "oxygen below threshold",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != StatusActive {
		t.Fatalf("parent after rejection = %s, want active", p.Status)
	}
	entry := p.Renewals[0]
	if entry.Status != domain.RenewalRejected {
		t.Fatalf("entry status = %s", entry.Status)
	}
	if entry.RejectedBy == nil || *entry.RejectionReason != "oxygen below threshold" {
		t.Fatalf("rejection stamp missing: %+v", entry)
	}
	if entry.Readings.Oxygen != "19.1%" {
		t.Fatalf("rejected entry must keep its readings")
	}

	// A later renewal starting after the rejected one's window is accepted.
	from2 := from.Add(5 * time.Hour)
	p, _, err = env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: from2, ValidTo: from2.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(p.Renewals) != 2 {
		t.Fatalf("renewal history length = %d, want 2", len(p.Renewals))
	}
}

func TestRenewalWindowValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)

	cases := []struct {
		name string
		from time.Time
		till time.Time
	}{
		{"outside permit window", env.now.Add(71 * time.Hour), env.now.Add(75 * time.Hour)},
		{"before permit start", env.now.Add(-2 * time.Hour), env.now.Add(time.Hour)},
		{"inverted", env.now.Add(4 * time.Hour), env.now.Add(2 * time.Hour)},
		{"exceeds ceiling", env.now.Add(time.Hour), env.now.Add(10 * time.Hour)},
	}
	for _, tc := range cases {
		_, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
			PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
			ValidFrom: tc.from, ValidTo: tc.till,
		})
		var verr domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}
}

func TestRenewalRequiresNoInFlightEntry(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.activate(t, p.PermitID)

	from := env.now.Add(time.Hour)
	if _, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: from, ValidTo: from.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// Parent is no longer active, so a second request is an illegal transition.
	_, _, err := env.service.SubmitRenewal(context.Background(), RenewalInput{
		PermitID: p.PermitID, Role: RoleRequester, Actor: requester, Action: ActionRequest,
		ValidFrom: from.Add(3 * time.Hour), ValidTo: from.Add(4 * time.Hour),
	})
	var illegal domain.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.GetSnapshot(context.Background(), "WP-404")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestListPermitsSortedByNumberDescending(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.create(t)
	}
	permits, err := env.service.ListPermits(context.Background(), "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"WP-1003", "WP-1002", "WP-1001"}
	if len(permits) != len(want) {
		t.Fatalf("got %d permits, want %d", len(permits), len(want))
	}
	for i, id := range want {
		if permits[i].PermitID != id {
			t.Fatalf("permits[%d] = %s, want %s", i, permits[i].PermitID, id)
		}
	}
}

func TestListPermitsRoleFilters(t *testing.T) {
	env := newTestEnv(t)
	pending := env.create(t)
	active := env.create(t)
	env.activate(t, active.PermitID)

	ctx := context.Background()

	// The reviewer queue shows permits pending review, not active ones.
	forReviewer, err := env.service.ListPermits(ctx, RoleReviewer, reviewer)
	if err != nil {
		t.Fatalf("list reviewer: %v", err)
	}
	if len(forReviewer) != 1 || forReviewer[0].PermitID != pending.PermitID {
		t.Fatalf("reviewer queue = %v", ids(forReviewer))
	}

	// The approver queue shows the active permit but not the one pending review.
	forApprover, err := env.service.ListPermits(ctx, RoleApprover, approver)
	if err != nil {
		t.Fatalf("list approver: %v", err)
	}
	if len(forApprover) != 1 || forApprover[0].PermitID != active.PermitID {
		t.Fatalf("approver queue = %v", ids(forApprover))
	}

	// Requesters see all of their own permits.
	forRequester, err := env.service.ListPermits(ctx, RoleRequester, requester)
	if err != nil {
		t.Fatalf("list requester: %v", err)
	}
	if len(forRequester) != 2 {
		t.Fatalf("requester queue = %v", ids(forRequester))
	}

	// A stranger sees nothing.
	forStranger, err := env.service.ListPermits(ctx, RoleRequester, "other@example.com")
	if err != nil {
		t.Fatalf("list stranger: %v", err)
	}
	if len(forStranger) != 0 {
		t.Fatalf("stranger queue = %v", ids(forStranger))
	}
}

func ids(permits []Permit) []string {
	out := make([]string, len(permits))
	for i, p := range permits {
		out[i] = p.PermitID
	}
	return out
}

func TestUserDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.service.PutUser(ctx, User{Name: "Asha", Email: "asha@example.com", Role: RoleReviewer}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := env.service.PutUser(ctx, User{Name: "Rhea", Email: "rhea@example.com", Role: RoleApprover}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reviewers, err := env.service.ListUsersByRole(ctx, RoleReviewer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reviewers) != 1 || reviewers[0].Email != "asha@example.com" {
		t.Fatalf("reviewers = %v", reviewers)
	}

	if _, _, err := env.service.PutUser(ctx, User{Name: "Bad", Email: "bad@example.com", Role: "janitor"}); err == nil {
		t.Fatalf("unknown role must be rejected")
	}

	if _, err := env.service.DeleteUser(ctx, "asha@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.service.GetUser(ctx, "asha@example.com"); err == nil {
		t.Fatalf("deleted user still readable")
	}
}

func TestFieldPatchCannotShadowStamps(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	_, _, err := env.service.TransitionStatus(context.Background(), TransitionInput{
		PermitID: p.PermitID, Role: RoleReviewer, Actor: reviewer, Action: ActionReview,
		Fields: map[string]any{domain.DocReviewerSig: "forged"},
	})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for reserved field patch, got %v", err)
	}
}
