package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ajiaco/internal/infra/persistence/memory"
	"ajiaco/internal/sysinfo"
	"ajiaco/internal/table"
	"ajiaco/pkg/domain"
)

// ErrUnknownField is returned when a mutation names a field that is neither
// a core field nor a declared extra of the record type.
var ErrUnknownField = errors.New("unknown field")

// ErrInvalidStage rejects a negative stage index or timeout.
var ErrInvalidStage = errors.New("invalid stage")

// ErrStageExited is returned when a stage history entry is exited twice.
var ErrStageExited = errors.New("stage already exited")

// Service exposes transactional session operations on top of a PersistentStore.
type Service struct {
	store    PersistentStore
	log      *zap.Logger
	metrics  MetricsRecorder
	manifest Manifest
	defaults map[string]any
	now      func() time.Time
	newCode  func() string
	rng      *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the operation recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithManifest sets the experiments manifest.
func WithManifest(m Manifest) Option {
	return func(s *Service) { s.manifest = m }
}

// WithSessionDefaults sets process-wide session defaults. They override the
// manifest defaults and are overridden by explicit SessionSpec values.
func WithSessionDefaults(defaults map[string]any) Option {
	return func(s *Service) { s.defaults = defaults }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodeGenerator overrides generated session and subject codes.
func WithCodeGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newCode = fn
		}
	}
}

// WithSeed makes group shuffling deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Service) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		log:     zap.NewNop(),
		metrics: noopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		newCode: shortCode,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

func shortCode() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Manifest returns the configured experiments manifest.
func (s *Service) Manifest() Manifest {
	return s.manifest
}

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.Observe(ctx, operation, err == nil, elapsed)
	if err != nil {
		s.log.Warn("operation failed", zap.String("operation", operation), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	s.log.Debug("operation", zap.String("operation", operation), zap.Duration("elapsed", elapsed))
}

// Schema returns the declared extra fields of an experiment. Unknown
// experiments have no extras.
func (s *Service) Schema(experiment string) domain.ExtraSchema {
	exp, ok := s.manifest.Experiment(experiment)
	if !ok {
		return domain.NewExtraSchema()
	}
	schema, err := exp.Extra.Schema()
	if err != nil {
		return domain.NewExtraSchema()
	}
	return schema
}

// SessionSpec describes a session to create. Zero values fall back to the
// session defaults and then to the experiment manifest.
type SessionSpec struct {
	Code           string         `json:"code,omitempty"`
	ExperimentName string         `json:"experiment_name"`
	Subjects       int            `json:"subjects_number,omitempty"`
	Rounds         int            `json:"rounds,omitempty"`
	GroupSize      int            `json:"group_size,omitempty"`
	FixedGroups    bool           `json:"fixed_groups,omitempty"`
	Demo           bool           `json:"demo,omitempty"`
	LenStages      int            `json:"len_stages,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func intDefault(defaults map[string]any, key string, current int) int {
	if current != 0 {
		return current
	}
	switch v := defaults[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return current
}

func boolDefault(defaults map[string]any, key string, current bool) bool {
	if current {
		return true
	}
	v, _ := defaults[key].(bool)
	return v
}

var specDefaultKeys = map[string]struct{}{
	"subjects_number": {}, "rounds": {}, "group_size": {}, "fixed_groups": {}, "demo": {}, "len_stages": {},
}

func (s *Service) resolveSpec(spec SessionSpec) (SessionSpec, error) {
	if spec.ExperimentName == "" {
		return spec, errors.New("experiment name required")
	}
	exp, known := s.manifest.Experiment(spec.ExperimentName)
	if !known && len(s.manifest.Experiments) > 0 {
		return spec, fmt.Errorf("unknown experiment %s", spec.ExperimentName)
	}
	defaults := make(map[string]any, len(exp.Defaults)+len(s.defaults))
	for k, v := range exp.Defaults {
		defaults[k] = v
	}
	for k, v := range s.defaults {
		defaults[k] = v
	}
	if err := ValidateSessionDefaults(defaults); err != nil {
		return spec, err
	}
	spec.Subjects = intDefault(defaults, "subjects_number", spec.Subjects)
	spec.Rounds = intDefault(defaults, "rounds", spec.Rounds)
	spec.GroupSize = intDefault(defaults, "group_size", spec.GroupSize)
	spec.LenStages = intDefault(defaults, "len_stages", spec.LenStages)
	spec.FixedGroups = boolDefault(defaults, "fixed_groups", spec.FixedGroups)
	spec.Demo = boolDefault(defaults, "demo", spec.Demo)
	if spec.Rounds == 0 {
		spec.Rounds = exp.Rounds
	}
	if spec.GroupSize == 0 {
		spec.GroupSize = exp.GroupSize
	}
	if spec.LenStages == 0 {
		spec.LenStages = exp.LenStages
	}
	spec.FixedGroups = spec.FixedGroups || exp.FixedGroups
	extra := make(map[string]any)
	for k, v := range defaults {
		if _, ok := specDefaultKeys[k]; !ok {
			extra[k] = v
		}
	}
	for k, v := range spec.Extra {
		extra[k] = v
	}
	spec.Extra = extra

	switch {
	case spec.Subjects < 1:
		return spec, errors.New("subjects_number must be positive")
	case spec.Rounds < 1:
		return spec, errors.New("rounds must be positive")
	case spec.GroupSize < 0:
		return spec, errors.New("group_size must not be negative")
	}
	if spec.GroupSize == 0 || spec.GroupSize > spec.Subjects {
		spec.GroupSize = spec.Subjects
	}
	for key := range spec.Extra {
		if domain.IsCoreField(EntitySession, key) {
			return spec, fmt.Errorf("session extra %s: %w", key, domain.ErrReservedField)
		}
	}
	return spec, nil
}

// CreateSession builds a session with its subjects, rounds, groups and roles
// in one transaction and returns the materialised aggregate.
func (s *Service) CreateSession(ctx context.Context, spec SessionSpec) (agg domain.SessionAggregate, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "create_session", start, err) }(time.Now())
	spec, err = s.resolveSpec(spec)
	if err != nil {
		return domain.SessionAggregate{}, Result{}, err
	}
	if spec.Code == "" {
		spec.Code = s.newCode()
	}
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		session, err := tx.CreateSession(Session{
			Code:           spec.Code,
			ExperimentName: spec.ExperimentName,
			SubjectsNumber: spec.Subjects,
			Demo:           spec.Demo,
			LenStages:      spec.LenStages,
			Extra:          domain.Extra(spec.Extra).Clone(),
		})
		if err != nil {
			return err
		}
		subjects := make([]Subject, 0, spec.Subjects)
		for range spec.Subjects {
			subject, err := tx.CreateSubject(Subject{SessionID: session.ID, Code: s.newCode()})
			if err != nil {
				return err
			}
			subjects = append(subjects, subject)
		}
		order := make([]int, len(subjects))
		for i := range order {
			order[i] = i
		}
		for number := 1; number <= spec.Rounds; number++ {
			round, err := tx.CreateRound(Round{
				SessionID: session.ID,
				GameName:  spec.ExperimentName,
				Part:      1,
				Number:    number,
				IsFirst:   number == 1,
				IsLast:    number == spec.Rounds,
			})
			if err != nil {
				return err
			}
			if number == 1 || !spec.FixedGroups {
				s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			}
			if err := assignRoles(tx, round, subjects, order, spec.GroupSize); err != nil {
				return err
			}
		}
		agg, err = domain.LoadAggregate(tx.Snapshot(), session.Code)
		return err
	})
	if err != nil {
		return domain.SessionAggregate{}, res, err
	}
	s.log.Info("session created",
		zap.String("session", agg.Session.Code),
		zap.String("experiment", spec.ExperimentName),
		zap.Int("subjects", spec.Subjects),
		zap.Int("rounds", spec.Rounds))
	return agg, res, nil
}

// assignRoles partitions subjects (in order) into groups of size and creates
// one role per subject. Role numbers follow subject id order.
func assignRoles(tx Transaction, round Round, subjects []Subject, order []int, size int) error {
	numbers := make(map[int64]int, len(subjects))
	for i, subject := range subjects {
		numbers[subject.ID] = i + 1
	}
	var group Group
	for pos, idx := range order {
		inGroup := pos%size + 1
		if inGroup == 1 {
			var err error
			if group, err = tx.CreateGroup(Group{RoundID: round.ID}); err != nil {
				return err
			}
		}
		subject := subjects[idx]
		if _, err := tx.CreateRole(Role{
			Number:        numbers[subject.ID],
			NumberInGroup: inGroup,
			GroupID:       group.ID,
			RoundID:       round.ID,
			SubjectID:     subject.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions returns every session ordered by id.
func (s *Service) ListSessions(ctx context.Context) (sessions []Session, err error) {
	defer func(start time.Time) { s.observe(ctx, "list_sessions", start, err) }(time.Now())
	err = s.store.View(ctx, func(v TransactionView) error {
		sessions = v.ListSessions()
		return nil
	})
	return sessions, err
}

// Aggregate materialises the session identified by code.
func (s *Service) Aggregate(ctx context.Context, code string) (agg domain.SessionAggregate, err error) {
	defer func(start time.Time) { s.observe(ctx, "aggregate", start, err) }(time.Now())
	err = s.store.View(ctx, func(v TransactionView) error {
		agg, err = domain.LoadAggregate(v, code)
		return err
	})
	return agg, err
}

// Render flattens the session identified by code using its experiment schema.
func (s *Service) Render(ctx context.Context, code string) (*table.Table, error) {
	agg, err := s.Aggregate(ctx, code)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	tbl, err := table.Flatten(agg, s.Schema(agg.Session.ExperimentName))
	s.observe(ctx, "render", start, err)
	return tbl, err
}

// UpdateSession mutates a session using the provided mutator.
func (s *Service) UpdateSession(ctx context.Context, id int64, mutator func(*Session) error) (updated Session, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_session", start, err) }(time.Now())
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err = tx.UpdateSession(id, mutator)
		return err
	})
	return updated, res, err
}

// UpdateSubject mutates a subject using the provided mutator.
func (s *Service) UpdateSubject(ctx context.Context, id int64, mutator func(*Subject) error) (updated Subject, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_subject", start, err) }(time.Now())
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err = tx.UpdateSubject(id, mutator)
		return err
	})
	return updated, res, err
}

// UpdateRound mutates a round using the provided mutator.
func (s *Service) UpdateRound(ctx context.Context, id int64, mutator func(*Round) error) (updated Round, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_round", start, err) }(time.Now())
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err = tx.UpdateRound(id, mutator)
		return err
	})
	return updated, res, err
}

// UpdateGroup mutates a group using the provided mutator.
func (s *Service) UpdateGroup(ctx context.Context, id int64, mutator func(*Group) error) (updated Group, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_group", start, err) }(time.Now())
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err = tx.UpdateGroup(id, mutator)
		return err
	})
	return updated, res, err
}

// UpdateRole mutates a role using the provided mutator.
func (s *Service) UpdateRole(ctx context.Context, id int64, mutator func(*Role) error) (updated Role, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "update_role", start, err) }(time.Now())
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		updated, err = tx.UpdateRole(id, mutator)
		return err
	})
	return updated, res, err
}

type fieldSetter interface {
	SetField(name string, value any) error
}

func setAll(target fieldSetter, fields map[string]any) error {
	for name, value := range fields {
		if err := target.SetField(name, value); err != nil {
			return err
		}
	}
	return nil
}

// SetFields assigns fields by name on one record of the session identified by
// code. Names must be core fields or extras declared for the experiment.
func (s *Service) SetFields(ctx context.Context, code string, model EntityType, id int64, fields map[string]any) (record domain.Record, res Result, err error) {
	defer func(start time.Time) { s.observe(ctx, "set_fields", start, err) }(time.Now())
	if len(fields) == 0 {
		return nil, Result{}, errors.New("no fields to set")
	}
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		view := tx.Snapshot()
		session, ok := view.FindSessionByCode(code)
		if !ok {
			return ErrNotFound{Entity: EntitySession, Code: code}
		}
		schema := s.Schema(session.ExperimentName)
		for name := range fields {
			if !domain.IsCoreField(model, name) && !schema.Has(model, name) {
				return fmt.Errorf("%s.%s: %w", model, name, ErrUnknownField)
			}
		}
		current, ok := findRecord(view, model, id)
		if !ok {
			return ErrNotFound{Entity: model, ID: id}
		}
		if owner, ok := domain.SessionIDOf(view, current); !ok || owner != session.ID {
			return ErrNotFound{Entity: model, ID: id}
		}
		var err error
		switch model {
		case EntitySession:
			record, err = tx.UpdateSession(id, func(r *Session) error { return setAll(r, fields) })
		case EntitySubject:
			record, err = tx.UpdateSubject(id, func(r *Subject) error { return setAll(r, fields) })
		case EntityRound:
			record, err = tx.UpdateRound(id, func(r *Round) error { return setAll(r, fields) })
		case EntityGroup:
			record, err = tx.UpdateGroup(id, func(r *Group) error { return setAll(r, fields) })
		case EntityRole:
			record, err = tx.UpdateRole(id, func(r *Role) error { return setAll(r, fields) })
		}
		return err
	})
	if err != nil {
		return nil, res, err
	}
	return record, res, nil
}

func findRecord(view TransactionView, model EntityType, id int64) (any, bool) {
	switch model {
	case EntitySession:
		return view.FindSession(id)
	case EntitySubject:
		return view.FindSubject(id)
	case EntityRound:
		return view.FindRound(id)
	case EntityGroup:
		return view.FindGroup(id)
	case EntityRole:
		return view.FindRole(id)
	default:
		return nil, false
	}
}

// EnterStage records the role's subject entering stage idx of the role's
// round and advances the subject's current stage. The role must belong to the
// session identified by code.
func (s *Service) EnterStage(ctx context.Context, code string, roleID int64, idx int, timeout time.Duration) (history StageHistory, err error) {
	defer func(start time.Time) { s.observe(ctx, "enter_stage", start, err) }(time.Now())
	if idx < 0 {
		return StageHistory{}, fmt.Errorf("stage index %d: %w", idx, ErrInvalidStage)
	}
	if timeout < 0 {
		return StageHistory{}, fmt.Errorf("stage timeout %s: %w", timeout, ErrInvalidStage)
	}
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		view := tx.Snapshot()
		session, ok := view.FindSessionByCode(code)
		if !ok {
			return ErrNotFound{Entity: EntitySession, Code: code}
		}
		role, ok := view.FindRole(roleID)
		if !ok {
			return ErrNotFound{Entity: EntityRole, ID: roleID}
		}
		if owner, ok := domain.SessionIDOf(view, role); !ok || owner != session.ID {
			return ErrNotFound{Entity: EntityRole, ID: roleID}
		}
		history, err = tx.CreateStageHistory(StageHistory{
			RoleID:    role.ID,
			SubjectID: role.SubjectID,
			StageIdx:  idx,
			Timeout:   timeout,
			EnterAt:   s.now(),
		})
		if err != nil {
			return err
		}
		_, err = tx.UpdateSubject(role.SubjectID, func(subject *Subject) error {
			subject.CurrentStage = idx
			return nil
		})
		return err
	})
	return history, err
}

// ExitStage closes a stage history entry of the session identified by code,
// flagging it when the timeout elapsed.
func (s *Service) ExitStage(ctx context.Context, code string, historyID int64) (history StageHistory, err error) {
	defer func(start time.Time) { s.observe(ctx, "exit_stage", start, err) }(time.Now())
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		view := tx.Snapshot()
		session, ok := view.FindSessionByCode(code)
		if !ok {
			return ErrNotFound{Entity: EntitySession, Code: code}
		}
		current, ok := view.FindStageHistory(historyID)
		if !ok {
			return ErrNotFound{Entity: EntityStageHistory, ID: historyID}
		}
		if owner, ok := domain.SessionIDOf(view, current); !ok || owner != session.ID {
			return ErrNotFound{Entity: EntityStageHistory, ID: historyID}
		}
		history, err = tx.UpdateStageHistory(historyID, func(h *StageHistory) error {
			if h.ExitAt != nil {
				return fmt.Errorf("stage history %d: %w", h.ID, ErrStageExited)
			}
			now := s.now()
			h.ExitAt = &now
			h.TimedOut = h.Expired(now)
			return nil
		})
		return err
	})
	return history, err
}

// ResetStorage drops every record and writes a fresh environment stamp.
func (s *Service) ResetStorage(ctx context.Context) (stamp Stamp, err error) {
	defer func(start time.Time) { s.observe(ctx, "reset_storage", start, err) }(time.Now())
	if err = s.store.Reset(ctx); err != nil {
		return Stamp{}, fmt.Errorf("reset storage: %w", err)
	}
	stamp, err = s.WriteStamp(ctx)
	if err == nil {
		s.log.Info("storage reset", zap.Int64("stamp", stamp.ID))
	}
	return stamp, err
}

// WriteStamp records the current environment.
func (s *Service) WriteStamp(ctx context.Context) (stamp Stamp, err error) {
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		stamp, err = tx.CreateStamp(Stamp{Data: sysinfo.Info(s.now())})
		return err
	})
	return stamp, err
}

// LatestStamp returns the most recent environment stamp.
func (s *Service) LatestStamp(ctx context.Context) (stamp Stamp, ok bool, err error) {
	err = s.store.View(ctx, func(v TransactionView) error {
		stamp, ok = v.LatestStamp()
		return nil
	})
	return stamp, ok, err
}
