// Package memory provides an in-memory implementation of the session store
// used for tests, demo runs and as the transactional core of the snapshotting
// SQL backends.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"ajiaco/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	Session      = domain.Session
	Subject      = domain.Subject
	Round        = domain.Round
	Group        = domain.Group
	Role         = domain.Role
	StageHistory = domain.StageHistory
	Stamp        = domain.Stamp
	Change       = domain.Change
	Result       = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine     = domain.RulesEngine
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
)

type memoryState struct {
	sessions map[int64]Session
	subjects map[int64]Subject
	rounds   map[int64]Round
	groups   map[int64]Group
	roles    map[int64]Role
	stages   map[int64]StageHistory
	stamps   map[int64]Stamp
	nextIDs  map[domain.EntityType]int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Sessions       map[int64]Session              `json:"sessions"`
	Subjects       map[int64]Subject              `json:"subjects"`
	Rounds         map[int64]Round                `json:"rounds"`
	Groups         map[int64]Group                `json:"groups"`
	Roles          map[int64]Role                 `json:"roles"`
	StageHistories map[int64]StageHistory         `json:"stage_histories"`
	Stamps         map[int64]Stamp                `json:"stamps"`
	Sequences      map[domain.EntityType]int64    `json:"sequences"`
}

func newMemoryState() memoryState {
	return memoryState{
		sessions: make(map[int64]Session),
		subjects: make(map[int64]Subject),
		rounds:   make(map[int64]Round),
		groups:   make(map[int64]Group),
		roles:    make(map[int64]Role),
		stages:   make(map[int64]StageHistory),
		stamps:   make(map[int64]Stamp),
		nextIDs:  make(map[domain.EntityType]int64),
	}
}

func cloneAll[T any](in map[int64]T, clone func(T) T) map[int64]T {
	out := make(map[int64]T, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func (s memoryState) clone() memoryState {
	return memoryState{
		sessions: cloneAll(s.sessions, domain.CloneSession),
		subjects: cloneAll(s.subjects, domain.CloneSubject),
		rounds:   cloneAll(s.rounds, domain.CloneRound),
		groups:   cloneAll(s.groups, domain.CloneGroup),
		roles:    cloneAll(s.roles, domain.CloneRole),
		stages:   cloneAll(s.stages, domain.CloneStageHistory),
		stamps:   cloneAll(s.stamps, domain.CloneStamp),
		nextIDs:  maps.Clone(s.nextIDs),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Sessions:       c.sessions,
		Subjects:       c.subjects,
		Rounds:         c.rounds,
		Groups:         c.groups,
		Roles:          c.roles,
		StageHistories: c.stages,
		Stamps:         c.stamps,
		Sequences:      c.nextIDs,
	}
}

func orEmpty[T any](m map[int64]T) map[int64]T {
	if m == nil {
		return map[int64]T{}
	}
	return m
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		sessions: orEmpty(s.Sessions),
		subjects: orEmpty(s.Subjects),
		rounds:   orEmpty(s.Rounds),
		groups:   orEmpty(s.Groups),
		roles:    orEmpty(s.Roles),
		stages:   orEmpty(s.StageHistories),
		stamps:   orEmpty(s.Stamps),
		nextIDs:  s.Sequences,
	}.clone()
	if state.nextIDs == nil {
		state.nextIDs = make(map[domain.EntityType]int64)
	}
	// Older snapshots may lack sequences; never hand out an id already in use.
	bump := func(entity domain.EntityType, ids []int64) {
		for _, id := range ids {
			if id > state.nextIDs[entity] {
				state.nextIDs[entity] = id
			}
		}
	}
	bump(domain.EntitySession, slices.Collect(maps.Keys(state.sessions)))
	bump(domain.EntitySubject, slices.Collect(maps.Keys(state.subjects)))
	bump(domain.EntityRound, slices.Collect(maps.Keys(state.rounds)))
	bump(domain.EntityGroup, slices.Collect(maps.Keys(state.groups)))
	bump(domain.EntityRole, slices.Collect(maps.Keys(state.roles)))
	bump(domain.EntityStageHistory, slices.Collect(maps.Keys(state.stages)))
	bump(domain.EntityStamp, slices.Collect(maps.Keys(state.stamps)))
	return state
}

// Store is an in-memory transactional store with copy-on-write semantics.
type Store struct {
	mu     sync.RWMutex
	hookMu sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hooks  []domain.CommitHook
	// dispatched is closed once the hooks of the latest commit have run.
	dispatched chan struct{}
}

// NewStore constructs an empty in-memory store. A nil engine disables rules.
func NewStore(engine *RulesEngine) *Store {
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the current state with the snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// OnCommit registers a hook invoked with the changes of every committed transaction.
func (s *Store) OnCommit(hook domain.CommitHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hookMu.Unlock()
}

// Reset discards every record.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	s.state = newMemoryState()
	s.mu.Unlock()
	return nil
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// RunInTransaction applies fn to a private copy of the state, evaluates the
// rules against the result and publishes it when nothing blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
		if err != nil {
			s.mu.Unlock()
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			s.mu.Unlock()
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	if len(tx.changes) == 0 {
		s.mu.Unlock()
		return result, nil
	}
	prev, done := s.dispatched, make(chan struct{})
	s.dispatched = done
	s.mu.Unlock()

	s.dispatch(ctx, prev, done, tx.changes)
	return result, nil
}

// dispatch runs the commit hooks once the previous commit's hooks finished,
// so hooks observe commits in the order they were applied. Hooks must not
// commit synchronously.
func (s *Store) dispatch(ctx context.Context, prev, done chan struct{}, changes []Change) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	s.hookMu.RLock()
	hooks := slices.Clone(s.hooks)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, slices.Clone(changes))
	}
}

// View runs fn against a read-only copy of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	state := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&state))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) nextID(entity domain.EntityType) int64 {
	tx.state.nextIDs[entity]++
	return tx.state.nextIDs[entity]
}

func (tx *transaction) claimID(entity domain.EntityType, id int64) int64 {
	if id == 0 {
		return tx.nextID(entity)
	}
	if id > tx.state.nextIDs[entity] {
		tx.state.nextIDs[entity] = id
	}
	return id
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) CreateSession(s Session) (Session, error) {
	if s.Code == "" {
		return Session{}, fmt.Errorf("session code required")
	}
	for _, existing := range tx.state.sessions {
		if existing.Code == s.Code {
			return Session{}, fmt.Errorf("session %q already exists", s.Code)
		}
	}
	if _, exists := tx.state.sessions[s.ID]; exists && s.ID != 0 {
		return Session{}, fmt.Errorf("session %d already exists", s.ID)
	}
	s.ID = tx.claimID(domain.EntitySession, s.ID)
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.sessions[s.ID] = domain.CloneSession(s)
	tx.recordChange(Change{Entity: domain.EntitySession, Action: domain.ActionCreate, After: domain.CloneSession(s)})
	return domain.CloneSession(s), nil
}

func (tx *transaction) UpdateSession(id int64, mutator func(*Session) error) (Session, error) {
	current, ok := tx.state.sessions[id]
	if !ok {
		return Session{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: id}
	}
	before := domain.CloneSession(current)
	if err := mutator(&current); err != nil {
		return Session{}, err
	}
	current.ID = id
	current.Code = before.Code
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.sessions[id] = domain.CloneSession(current)
	tx.recordChange(Change{Entity: domain.EntitySession, Action: domain.ActionUpdate, Before: before, After: domain.CloneSession(current)})
	return domain.CloneSession(current), nil
}

func (tx *transaction) DeleteSession(id int64) error {
	current, ok := tx.state.sessions[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntitySession, ID: id}
	}
	for _, subject := range tx.state.subjects {
		if subject.SessionID == id {
			return fmt.Errorf("session %d still referenced by subject %d", id, subject.ID)
		}
	}
	for _, round := range tx.state.rounds {
		if round.SessionID == id {
			return fmt.Errorf("session %d still referenced by round %d", id, round.ID)
		}
	}
	delete(tx.state.sessions, id)
	tx.recordChange(Change{Entity: domain.EntitySession, Action: domain.ActionDelete, Before: domain.CloneSession(current)})
	return nil
}

func (tx *transaction) CreateSubject(s Subject) (Subject, error) {
	if _, ok := tx.state.sessions[s.SessionID]; !ok {
		return Subject{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: s.SessionID}
	}
	if _, exists := tx.state.subjects[s.ID]; exists && s.ID != 0 {
		return Subject{}, fmt.Errorf("subject %d already exists", s.ID)
	}
	s.ID = tx.claimID(domain.EntitySubject, s.ID)
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.subjects[s.ID] = domain.CloneSubject(s)
	tx.recordChange(Change{Entity: domain.EntitySubject, Action: domain.ActionCreate, After: domain.CloneSubject(s)})
	return domain.CloneSubject(s), nil
}

func (tx *transaction) UpdateSubject(id int64, mutator func(*Subject) error) (Subject, error) {
	current, ok := tx.state.subjects[id]
	if !ok {
		return Subject{}, domain.ErrNotFound{Entity: domain.EntitySubject, ID: id}
	}
	before := domain.CloneSubject(current)
	if err := mutator(&current); err != nil {
		return Subject{}, err
	}
	current.ID = id
	current.SessionID = before.SessionID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.subjects[id] = domain.CloneSubject(current)
	tx.recordChange(Change{Entity: domain.EntitySubject, Action: domain.ActionUpdate, Before: before, After: domain.CloneSubject(current)})
	return domain.CloneSubject(current), nil
}

func (tx *transaction) DeleteSubject(id int64) error {
	current, ok := tx.state.subjects[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntitySubject, ID: id}
	}
	for _, role := range tx.state.roles {
		if role.SubjectID == id {
			return fmt.Errorf("subject %d still referenced by role %d", id, role.ID)
		}
	}
	delete(tx.state.subjects, id)
	tx.recordChange(Change{Entity: domain.EntitySubject, Action: domain.ActionDelete, Before: domain.CloneSubject(current)})
	return nil
}

func (tx *transaction) CreateRound(r Round) (Round, error) {
	if _, ok := tx.state.sessions[r.SessionID]; !ok {
		return Round{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: r.SessionID}
	}
	if _, exists := tx.state.rounds[r.ID]; exists && r.ID != 0 {
		return Round{}, fmt.Errorf("round %d already exists", r.ID)
	}
	r.ID = tx.claimID(domain.EntityRound, r.ID)
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.rounds[r.ID] = domain.CloneRound(r)
	tx.recordChange(Change{Entity: domain.EntityRound, Action: domain.ActionCreate, After: domain.CloneRound(r)})
	return domain.CloneRound(r), nil
}

func (tx *transaction) UpdateRound(id int64, mutator func(*Round) error) (Round, error) {
	current, ok := tx.state.rounds[id]
	if !ok {
		return Round{}, domain.ErrNotFound{Entity: domain.EntityRound, ID: id}
	}
	before := domain.CloneRound(current)
	if err := mutator(&current); err != nil {
		return Round{}, err
	}
	current.ID = id
	current.SessionID = before.SessionID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.rounds[id] = domain.CloneRound(current)
	tx.recordChange(Change{Entity: domain.EntityRound, Action: domain.ActionUpdate, Before: before, After: domain.CloneRound(current)})
	return domain.CloneRound(current), nil
}

func (tx *transaction) DeleteRound(id int64) error {
	current, ok := tx.state.rounds[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityRound, ID: id}
	}
	for _, group := range tx.state.groups {
		if group.RoundID == id {
			return fmt.Errorf("round %d still referenced by group %d", id, group.ID)
		}
	}
	delete(tx.state.rounds, id)
	tx.recordChange(Change{Entity: domain.EntityRound, Action: domain.ActionDelete, Before: domain.CloneRound(current)})
	return nil
}

func (tx *transaction) CreateGroup(g Group) (Group, error) {
	if _, ok := tx.state.rounds[g.RoundID]; !ok {
		return Group{}, domain.ErrNotFound{Entity: domain.EntityRound, ID: g.RoundID}
	}
	if _, exists := tx.state.groups[g.ID]; exists && g.ID != 0 {
		return Group{}, fmt.Errorf("group %d already exists", g.ID)
	}
	g.ID = tx.claimID(domain.EntityGroup, g.ID)
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.groups[g.ID] = domain.CloneGroup(g)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionCreate, After: domain.CloneGroup(g)})
	return domain.CloneGroup(g), nil
}

func (tx *transaction) UpdateGroup(id int64, mutator func(*Group) error) (Group, error) {
	current, ok := tx.state.groups[id]
	if !ok {
		return Group{}, domain.ErrNotFound{Entity: domain.EntityGroup, ID: id}
	}
	before := domain.CloneGroup(current)
	if err := mutator(&current); err != nil {
		return Group{}, err
	}
	current.ID = id
	current.RoundID = before.RoundID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.groups[id] = domain.CloneGroup(current)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionUpdate, Before: before, After: domain.CloneGroup(current)})
	return domain.CloneGroup(current), nil
}

func (tx *transaction) DeleteGroup(id int64) error {
	current, ok := tx.state.groups[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityGroup, ID: id}
	}
	for _, role := range tx.state.roles {
		if role.GroupID == id {
			return fmt.Errorf("group %d still referenced by role %d", id, role.ID)
		}
	}
	delete(tx.state.groups, id)
	tx.recordChange(Change{Entity: domain.EntityGroup, Action: domain.ActionDelete, Before: domain.CloneGroup(current)})
	return nil
}

func (tx *transaction) CreateRole(r Role) (Role, error) {
	group, ok := tx.state.groups[r.GroupID]
	if !ok {
		return Role{}, domain.ErrNotFound{Entity: domain.EntityGroup, ID: r.GroupID}
	}
	if _, ok := tx.state.subjects[r.SubjectID]; !ok {
		return Role{}, domain.ErrNotFound{Entity: domain.EntitySubject, ID: r.SubjectID}
	}
	if r.RoundID == 0 {
		r.RoundID = group.RoundID
	}
	if _, exists := tx.state.roles[r.ID]; exists && r.ID != 0 {
		return Role{}, fmt.Errorf("role %d already exists", r.ID)
	}
	r.ID = tx.claimID(domain.EntityRole, r.ID)
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.roles[r.ID] = domain.CloneRole(r)
	tx.recordChange(Change{Entity: domain.EntityRole, Action: domain.ActionCreate, After: domain.CloneRole(r)})
	return domain.CloneRole(r), nil
}

func (tx *transaction) UpdateRole(id int64, mutator func(*Role) error) (Role, error) {
	current, ok := tx.state.roles[id]
	if !ok {
		return Role{}, domain.ErrNotFound{Entity: domain.EntityRole, ID: id}
	}
	before := domain.CloneRole(current)
	if err := mutator(&current); err != nil {
		return Role{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.roles[id] = domain.CloneRole(current)
	tx.recordChange(Change{Entity: domain.EntityRole, Action: domain.ActionUpdate, Before: before, After: domain.CloneRole(current)})
	return domain.CloneRole(current), nil
}

func (tx *transaction) DeleteRole(id int64) error {
	current, ok := tx.state.roles[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityRole, ID: id}
	}
	for _, stage := range tx.state.stages {
		if stage.RoleID == id {
			return fmt.Errorf("role %d still referenced by stage history %d", id, stage.ID)
		}
	}
	delete(tx.state.roles, id)
	tx.recordChange(Change{Entity: domain.EntityRole, Action: domain.ActionDelete, Before: domain.CloneRole(current)})
	return nil
}

func (tx *transaction) CreateStageHistory(h StageHistory) (StageHistory, error) {
	if _, ok := tx.state.roles[h.RoleID]; !ok {
		return StageHistory{}, domain.ErrNotFound{Entity: domain.EntityRole, ID: h.RoleID}
	}
	if _, ok := tx.state.subjects[h.SubjectID]; !ok {
		return StageHistory{}, domain.ErrNotFound{Entity: domain.EntitySubject, ID: h.SubjectID}
	}
	h.ID = tx.claimID(domain.EntityStageHistory, h.ID)
	h.CreatedAt = tx.now
	h.UpdatedAt = tx.now
	if h.EnterAt.IsZero() {
		h.EnterAt = tx.now
	}
	if h.Timeout > 0 && h.ExpireAt.IsZero() {
		h.ExpireAt = h.EnterAt.Add(h.Timeout)
	}
	tx.state.stages[h.ID] = domain.CloneStageHistory(h)
	tx.recordChange(Change{Entity: domain.EntityStageHistory, Action: domain.ActionCreate, After: domain.CloneStageHistory(h)})
	return domain.CloneStageHistory(h), nil
}

func (tx *transaction) UpdateStageHistory(id int64, mutator func(*StageHistory) error) (StageHistory, error) {
	current, ok := tx.state.stages[id]
	if !ok {
		return StageHistory{}, domain.ErrNotFound{Entity: domain.EntityStageHistory, ID: id}
	}
	before := domain.CloneStageHistory(current)
	if err := mutator(&current); err != nil {
		return StageHistory{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.stages[id] = domain.CloneStageHistory(current)
	tx.recordChange(Change{Entity: domain.EntityStageHistory, Action: domain.ActionUpdate, Before: before, After: domain.CloneStageHistory(current)})
	return domain.CloneStageHistory(current), nil
}

func (tx *transaction) CreateStamp(s Stamp) (Stamp, error) {
	s.ID = tx.claimID(domain.EntityStamp, s.ID)
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.stamps[s.ID] = domain.CloneStamp(s)
	tx.recordChange(Change{Entity: domain.EntityStamp, Action: domain.ActionCreate, After: domain.CloneStamp(s)})
	return domain.CloneStamp(s), nil
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedValues[T any](in map[int64]T, keep func(T) bool, clone func(T) T) []T {
	ids := make([]int64, 0, len(in))
	for id, v := range in {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, cmp.Compare[int64])
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(in[id]))
	}
	return out
}

func find[T any](in map[int64]T, id int64, clone func(T) T) (T, bool) {
	v, ok := in[id]
	if !ok {
		var zero T
		return zero, false
	}
	return clone(v), true
}

func (v transactionView) ListSessions() []Session {
	return sortedValues(v.state.sessions, nil, domain.CloneSession)
}

func (v transactionView) FindSession(id int64) (Session, bool) {
	return find(v.state.sessions, id, domain.CloneSession)
}

func (v transactionView) FindSessionByCode(code string) (Session, bool) {
	for _, s := range v.state.sessions {
		if s.Code == code {
			return domain.CloneSession(s), true
		}
	}
	return Session{}, false
}

func (v transactionView) ListSubjects(sessionID int64) []Subject {
	return sortedValues(v.state.subjects, func(s Subject) bool { return s.SessionID == sessionID }, domain.CloneSubject)
}

func (v transactionView) FindSubject(id int64) (Subject, bool) {
	return find(v.state.subjects, id, domain.CloneSubject)
}

// ListRounds returns the session's rounds ordered by number, then id.
func (v transactionView) ListRounds(sessionID int64) []Round {
	rounds := sortedValues(v.state.rounds, func(r Round) bool { return r.SessionID == sessionID }, domain.CloneRound)
	slices.SortStableFunc(rounds, func(a, b Round) int { return cmp.Compare(a.Number, b.Number) })
	return rounds
}

func (v transactionView) FindRound(id int64) (Round, bool) {
	return find(v.state.rounds, id, domain.CloneRound)
}

func (v transactionView) ListGroups(roundID int64) []Group {
	return sortedValues(v.state.groups, func(g Group) bool { return g.RoundID == roundID }, domain.CloneGroup)
}

func (v transactionView) FindGroup(id int64) (Group, bool) {
	return find(v.state.groups, id, domain.CloneGroup)
}

func (v transactionView) ListRoles(roundID int64) []Role {
	return sortedValues(v.state.roles, func(r Role) bool { return r.RoundID == roundID }, domain.CloneRole)
}

func (v transactionView) FindRole(id int64) (Role, bool) {
	return find(v.state.roles, id, domain.CloneRole)
}

func (v transactionView) ListStageHistories(subjectID int64) []StageHistory {
	return sortedValues(v.state.stages, func(h StageHistory) bool { return h.SubjectID == subjectID }, domain.CloneStageHistory)
}

func (v transactionView) FindStageHistory(id int64) (StageHistory, bool) {
	return find(v.state.stages, id, domain.CloneStageHistory)
}

func (v transactionView) LatestStamp() (Stamp, bool) {
	stamps := sortedValues(v.state.stamps, nil, domain.CloneStamp)
	if len(stamps) == 0 {
		return Stamp{}, false
	}
	return stamps[len(stamps)-1], true
}
