// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments. Durable backends embed it
// and snapshot its committed state after every successful transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"permitcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// firstPermitNumber seeds the allocator for an empty store: the first permit
// issued is WP-1001.
const firstPermitNumber = 1001

type state struct {
	permits map[string]domain.Permit
	users   map[string]domain.User
	lastSeq int64
}

func newState() state {
	return state{
		permits: make(map[string]domain.Permit),
		users:   make(map[string]domain.User),
	}
}

func (s state) clone() state {
	cloned := newState()
	cloned.lastSeq = s.lastSeq
	for k, v := range s.permits {
		cloned.permits[k] = clonePermit(v)
	}
	for k, v := range s.users {
		cloned.users[k] = v
	}
	return cloned
}

func clonePermit(p domain.Permit) domain.Permit {
	cp := p
	cp.Document = p.Document.Clone()
	if p.Renewals != nil {
		cp.Renewals = make([]domain.Renewal, len(p.Renewals))
		for i, r := range p.Renewals {
			cp.Renewals[i] = cloneRenewal(r)
		}
	}
	return cp
}

func cloneRenewal(r domain.Renewal) domain.Renewal {
	cp := r
	cp.ReviewedBy = cloneStringPtr(r.ReviewedBy)
	cp.ReviewedAt = cloneTimePtr(r.ReviewedAt)
	cp.ReviewNote = cloneStringPtr(r.ReviewNote)
	cp.ApprovedBy = cloneStringPtr(r.ApprovedBy)
	cp.ApprovedAt = cloneTimePtr(r.ApprovedAt)
	cp.RejectedBy = cloneStringPtr(r.RejectedBy)
	cp.RejectionReason = cloneStringPtr(r.RejectionReason)
	return cp
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store provides an in-memory transactional store for the permit domain.
type Store struct {
	mu     sync.RWMutex
	state  state
	engine *domain.RulesEngine
	nowFn  func() time.Time

	// The allocator is deliberately outside transaction state: an identifier
	// handed to a transaction that later fails is burned, never reissued.
	allocMu   sync.Mutex
	nextAlloc int64
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:     newState(),
		engine:    engine,
		nowFn:     func() time.Time { return time.Now().UTC() },
		nextAlloc: firstPermitNumber,
	}
}

// SetNow overrides the transaction clock. Tests only.
func (s *Store) SetNow(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Snapshot captures a point-in-time clone of the store state for durable
// backends to persist.
type Snapshot struct {
	Permits map[string]domain.Permit `json:"permits"`
	Users   map[string]domain.User   `json:"users"`
	LastSeq int64                    `json:"last_seq"`
	// NextPermitNumber is the allocator high-water mark as of the last commit.
	NextPermitNumber int64 `json:"next_permit_number"`
}

// ExportState returns a deep copy of committed state plus the allocator mark.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	st := s.state.clone()
	s.mu.RUnlock()
	s.allocMu.Lock()
	next := s.nextAlloc
	s.allocMu.Unlock()
	return Snapshot{Permits: st.permits, Users: st.users, LastSeq: st.lastSeq, NextPermitNumber: next}
}

// ImportState replaces committed state from a snapshot and reseeds the
// allocator from the larger of the stored mark and the highest existing
// permit suffix, so identifiers are never reused across restarts.
func (s *Store) ImportState(snap Snapshot) {
	st := newState()
	st.lastSeq = snap.LastSeq
	for k, v := range snap.Permits {
		st.permits[k] = clonePermit(v)
		if v.Seq > st.lastSeq {
			st.lastSeq = v.Seq
		}
	}
	for k, v := range snap.Users {
		st.users[k] = v
	}

	next := snap.NextPermitNumber
	if next < firstPermitNumber {
		next = firstPermitNumber
	}
	for id := range st.permits {
		if n, ok := permitNumber(id); ok && n >= next {
			next = n + 1
		}
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.allocMu.Lock()
	s.nextAlloc = next
	s.allocMu.Unlock()
}

func permitNumber(permitID string) (int64, bool) {
	suffix, ok := strings.CutPrefix(permitID, "WP-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Store) allocatePermitID() string {
	s.allocMu.Lock()
	n := s.nextAlloc
	s.nextAlloc++
	s.allocMu.Unlock()
	return fmt.Sprintf("WP-%d", n)
}

// Transaction represents a mutation set applied to the store state.
type Transaction struct {
	store   *Store
	state   state
	changes []domain.Change
	now     time.Time
}

var _ domain.Transaction = (*Transaction)(nil)

type view struct {
	state *state
}

var _ domain.TransactionView = view{}

// FindPermit retrieves a permit by identifier from the snapshot.
func (v view) FindPermit(permitID string) (domain.Permit, bool) {
	p, ok := v.state.permits[permitID]
	if !ok {
		return domain.Permit{}, false
	}
	return clonePermit(p), true
}

// ListPermits returns all permits in the snapshot, ordered by insertion sequence.
func (v view) ListPermits() []domain.Permit {
	out := make([]domain.Permit, 0, len(v.state.permits))
	for _, p := range v.state.permits {
		out = append(out, clonePermit(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// FindUser retrieves a user by email.
func (v view) FindUser(email string) (domain.User, bool) {
	u, ok := v.state.users[email]
	return u, ok
}

// ListUsers returns all users ordered by email.
func (v view) ListUsers() []domain.User {
	out := make([]domain.User, 0, len(v.state.users))
	for _, u := range v.state.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The global lock serializes mutating requests, which also linearizes
// transitions per permit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, view{state: &tx.state}, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(view{state: &snapshot})
}

// Snapshot exposes the transactional state to validation inside fn.
func (tx *Transaction) Snapshot() domain.TransactionView {
	return view{state: &tx.state}
}

func (tx *Transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// AllocatePermitID hands out the next identifier from the store-wide counter.
func (tx *Transaction) AllocatePermitID() (string, error) {
	return tx.store.allocatePermitID(), nil
}

// InsertPermit stores a new permit within the transaction.
func (tx *Transaction) InsertPermit(p domain.Permit) (domain.Permit, error) {
	if p.PermitID == "" {
		return domain.Permit{}, domain.ValidationError{Field: "permit_id", Reason: "missing"}
	}
	if _, exists := tx.state.permits[p.PermitID]; exists {
		return domain.Permit{}, domain.ConflictError{PermitID: p.PermitID}
	}
	tx.state.lastSeq++
	p.Seq = tx.state.lastSeq
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	p.Revision = 1
	if p.Document == nil {
		p.Document = domain.Document{}
	}
	tx.state.permits[p.PermitID] = clonePermit(p)
	after, err := domain.NewChangePayloadFromValue(p)
	if err != nil {
		return domain.Permit{}, err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityPermit, Action: domain.ChangeCreate, Before: domain.UndefinedChangePayload(), After: after})
	return clonePermit(p), nil
}

// UpdatePermit mutates a permit through the provided mutator, guarded by the
// revision compare-and-swap.
func (tx *Transaction) UpdatePermit(permitID string, expectedRevision int64, mutator func(*domain.Permit) error) (domain.Permit, error) {
	current, ok := tx.state.permits[permitID]
	if !ok {
		return domain.Permit{}, domain.NotFoundError{Entity: domain.EntityPermit, ID: permitID}
	}
	if current.Revision != expectedRevision {
		return domain.Permit{}, domain.ConflictError{PermitID: permitID, ExpectedRevision: expectedRevision, ActualRevision: current.Revision}
	}
	before := clonePermit(current)
	next := clonePermit(current)
	if err := mutator(&next); err != nil {
		return domain.Permit{}, err
	}
	// Identity and creation fields cannot be rewritten by a mutator.
	next.PermitID = permitID
	next.Seq = current.Seq
	next.CreatedAt = current.CreatedAt
	next.Revision = expectedRevision + 1
	next.UpdatedAt = tx.now
	tx.state.permits[permitID] = clonePermit(next)

	beforePayload, err := domain.NewChangePayloadFromValue(before)
	if err != nil {
		return domain.Permit{}, err
	}
	afterPayload, err := domain.NewChangePayloadFromValue(next)
	if err != nil {
		return domain.Permit{}, err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityPermit, Action: domain.ChangeUpdate, Before: beforePayload, After: afterPayload})
	return clonePermit(next), nil
}

// PutUser inserts or replaces a directory entry keyed by email.
func (tx *Transaction) PutUser(u domain.User) (domain.User, error) {
	if u.Email == "" {
		return domain.User{}, domain.ValidationError{Field: "email", Reason: "missing"}
	}
	existing, exists := tx.state.users[u.Email]
	if exists {
		u.Seq = existing.Seq
		u.CreatedAt = existing.CreatedAt
	} else {
		tx.state.lastSeq++
		u.Seq = tx.state.lastSeq
		u.CreatedAt = tx.now
	}
	u.UpdatedAt = tx.now
	tx.state.users[u.Email] = u

	action := domain.ChangeCreate
	before := domain.UndefinedChangePayload()
	if exists {
		action = domain.ChangeUpdate
		var err error
		before, err = domain.NewChangePayloadFromValue(existing)
		if err != nil {
			return domain.User{}, err
		}
	}
	after, err := domain.NewChangePayloadFromValue(u)
	if err != nil {
		return domain.User{}, err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityUser, Action: action, Before: before, After: after})
	return u, nil
}

// DeleteUser removes a directory entry.
func (tx *Transaction) DeleteUser(email string) error {
	current, ok := tx.state.users[email]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityUser, ID: email}
	}
	delete(tx.state.users, email)
	before, err := domain.NewChangePayloadFromValue(current)
	if err != nil {
		return err
	}
	tx.recordChange(domain.Change{Entity: domain.EntityUser, Action: domain.ChangeDelete, Before: before, After: domain.UndefinedChangePayload()})
	return nil
}

// Read helpers ---------------------------------------------------------------

// GetPermit retrieves a permit by identifier from committed state.
func (s *Store) GetPermit(permitID string) (domain.Permit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.permits[permitID]
	if !ok {
		return domain.Permit{}, false
	}
	return clonePermit(p), true
}

// ListPermits returns all permits from committed state ordered by sequence.
func (s *Store) ListPermits() []domain.Permit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Permit, 0, len(s.state.permits))
	for _, p := range s.state.permits {
		out = append(out, clonePermit(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// GetUser retrieves a user by email from committed state.
func (s *Store) GetUser(email string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.users[email]
	return u, ok
}

// ListUsers returns all users from committed state ordered by email.
func (s *Store) ListUsers() []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.state.users))
	for _, u := range s.state.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}
