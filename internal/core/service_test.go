package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ajiaco/internal/core"
	"ajiaco/pkg/domain"
)

func counterCodes() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("c%03d", n)
	}
}

func newTestService(opts ...core.Option) *core.Service {
	base := []core.Option{core.WithCodeGenerator(counterCodes()), core.WithSeed(7)}
	return core.NewInMemoryService(core.NewDefaultRulesEngine(), append(base, opts...)...)
}

func TestCreateSessionBuildsAggregate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	agg, res, err := svc.CreateSession(ctx, core.SessionSpec{Code: "S1", ExperimentName: "pd", Subjects: 4, Rounds: 3, GroupSize: 2})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", res.Violations)
	}
	if agg.Session.Code != "S1" || agg.Session.SubjectsNumber != 4 {
		t.Fatalf("unexpected session %+v", agg.Session)
	}
	if len(agg.Subjects) != 4 || len(agg.Rounds) != 3 {
		t.Fatalf("subjects=%d rounds=%d", len(agg.Subjects), len(agg.Rounds))
	}
	for i, ra := range agg.Rounds {
		if ra.Round.Number != i+1 {
			t.Fatalf("round %d numbered %d", i, ra.Round.Number)
		}
		if ra.Round.IsFirst != (i == 0) || ra.Round.IsLast != (i == 2) {
			t.Fatalf("round %d first/last flags wrong: %+v", i, ra.Round)
		}
		if len(ra.Groups) != 2 || len(ra.Roles) != 4 {
			t.Fatalf("round %d groups=%d roles=%d", i, len(ra.Groups), len(ra.Roles))
		}
		perGroup := map[int64]int{}
		for _, role := range ra.Roles {
			perGroup[role.GroupID]++
			if role.NumberInGroup < 1 || role.NumberInGroup > 2 {
				t.Fatalf("number_in_group out of range: %+v", role)
			}
		}
		for gid, n := range perGroup {
			if n != 2 {
				t.Fatalf("group %d has %d roles", gid, n)
			}
		}
	}
	tbl, err := svc.Render(ctx, "S1")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(tbl.Rows) != 4 {
		t.Fatalf("rendered %d rows", len(tbl.Rows))
	}
}

func TestCreateSessionFixedGroupsKeepPartners(t *testing.T) {
	svc := newTestService()
	agg, _, err := svc.CreateSession(context.Background(), core.SessionSpec{ExperimentName: "pd", Subjects: 6, Rounds: 4, GroupSize: 3, FixedGroups: true})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	partners := func(ra domain.RoundAggregate) map[int64]int {
		byGroup := map[int64]int{}
		out := map[int64]int{}
		for i, g := range ra.Groups {
			byGroup[g.ID] = i
		}
		for _, role := range ra.Roles {
			out[role.SubjectID] = byGroup[role.GroupID]
		}
		return out
	}
	first := partners(agg.Rounds[0])
	for _, ra := range agg.Rounds[1:] {
		got := partners(ra)
		for subject, idx := range first {
			if got[subject] != idx {
				t.Fatalf("subject %d moved from group %d to %d in round %d", subject, idx, got[subject], ra.Round.Number)
			}
		}
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	manifest, err := core.ParseManifest([]byte(`
experiments:
  - name: pd
    rounds: 2
    group_size: 2
    defaults:
      subjects_number: 2
      endowment: 10
    extra:
      role: [choice]
`))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	svc := newTestService(core.WithManifest(manifest), core.WithSessionDefaults(map[string]any{"rounds": 3}))
	ctx := context.Background()
	agg, _, err := svc.CreateSession(ctx, core.SessionSpec{ExperimentName: "pd"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(agg.Subjects) != 2 || len(agg.Rounds) != 3 {
		t.Fatalf("subjects=%d rounds=%d", len(agg.Subjects), len(agg.Rounds))
	}
	if agg.Session.Extra["endowment"] != 10 {
		t.Fatalf("expected endowment extra, got %+v", agg.Session.Extra)
	}
	if _, _, err := svc.CreateSession(ctx, core.SessionSpec{ExperimentName: "unknown"}); err == nil {
		t.Fatalf("expected unknown experiment error")
	}
	bad := newTestService(core.WithSessionDefaults(map[string]any{"code": "x"}))
	if _, _, err := bad.CreateSession(ctx, core.SessionSpec{ExperimentName: "pd", Subjects: 1, Rounds: 1}); !errors.Is(err, core.ErrReservedDefault) {
		t.Fatalf("expected reserved default error, got %v", err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	cases := map[string]core.SessionSpec{
		"no experiment": {Subjects: 1, Rounds: 1},
		"no subjects":   {ExperimentName: "pd", Rounds: 1},
		"no rounds":     {ExperimentName: "pd", Subjects: 1},
		"negative size": {ExperimentName: "pd", Subjects: 1, Rounds: 1, GroupSize: -1},
		"reserved extra": {ExperimentName: "pd", Subjects: 1, Rounds: 1, Extra: map[string]any{"code": "x"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := svc.CreateSession(ctx, spec); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "dup", ExperimentName: "pd", Subjects: 1, Rounds: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "dup", ExperimentName: "pd", Subjects: 1, Rounds: 1}); err == nil {
		t.Fatalf("expected duplicate code error")
	}
	sessions, err := svc.ListSessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions=%v err=%v", sessions, err)
	}
}

func TestSetFields(t *testing.T) {
	manifest := core.Manifest{Experiments: []core.Experiment{{Name: "pd", Extra: core.ExtraKeys{Role: []string{"choice"}}}}}
	svc := newTestService(core.WithManifest(manifest))
	ctx := context.Background()
	agg, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "S1", ExperimentName: "pd", Subjects: 2, Rounds: 1, GroupSize: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "S2", ExperimentName: "pd", Subjects: 1, Rounds: 1})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	role := agg.Rounds[0].Roles[0]

	record, _, err := svc.SetFields(ctx, "S1", domain.EntityRole, role.ID, map[string]any{"choice": "defect"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok := domain.FieldValue(record, "choice"); !ok || v != "defect" {
		t.Fatalf("choice not set: %v", record.Fields())
	}
	if _, _, err := svc.SetFields(ctx, "S1", domain.EntityRole, role.ID, map[string]any{"payoff": 1}); !errors.Is(err, core.ErrUnknownField) {
		t.Fatalf("expected unknown field, got %v", err)
	}
	if _, _, err := svc.SetFields(ctx, "S1", domain.EntityRole, role.ID, map[string]any{"id": 9}); !errors.Is(err, domain.ErrReadOnlyField) {
		t.Fatalf("expected read only, got %v", err)
	}
	var notFound core.ErrNotFound
	if _, _, err := svc.SetFields(ctx, "S1", domain.EntityRole, other.Rounds[0].Roles[0].ID, map[string]any{"choice": "x"}); !errors.As(err, &notFound) {
		t.Fatalf("expected not found across sessions, got %v", err)
	}
	if _, _, err := svc.SetFields(ctx, "nope", domain.EntityRole, role.ID, map[string]any{"choice": "x"}); !errors.As(err, &notFound) {
		t.Fatalf("expected missing session, got %v", err)
	}
	if _, _, err := svc.SetFields(ctx, "S1", domain.EntitySession, agg.Session.ID, map[string]any{"subjects_number": 5}); err == nil {
		t.Fatalf("expected subject count rule to block")
	}
}

func TestStagesStayInsideTheirSession(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	first, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "S1", ExperimentName: "pd", Subjects: 1, Rounds: 1})
	if err != nil {
		t.Fatalf("create S1: %v", err)
	}
	second, _, err := svc.CreateSession(ctx, core.SessionSpec{Code: "S2", ExperimentName: "pd", Subjects: 1, Rounds: 1})
	if err != nil {
		t.Fatalf("create S2: %v", err)
	}
	role := first.Rounds[0].Roles[0]
	var notFound core.ErrNotFound
	if _, err := svc.EnterStage(ctx, "S2", role.ID, 1, 0); !errors.As(err, &notFound) {
		t.Fatalf("expected role outside S2 to be missing, got %v", err)
	}
	if _, err := svc.EnterStage(ctx, "nope", role.ID, 1, 0); !errors.As(err, &notFound) {
		t.Fatalf("expected missing session, got %v", err)
	}
	if _, err := svc.EnterStage(ctx, "S1", role.ID, -1, 0); !errors.Is(err, core.ErrInvalidStage) {
		t.Fatalf("expected invalid stage, got %v", err)
	}
	history, err := svc.EnterStage(ctx, "S1", role.ID, 1, 0)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := svc.ExitStage(ctx, second.Session.Code, history.ID); !errors.As(err, &notFound) {
		t.Fatalf("expected history outside S2 to be missing, got %v", err)
	}
	exited, err := svc.ExitStage(ctx, "S1", history.ID)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if exited.TimedOut {
		t.Fatalf("stage without timeout cannot time out: %+v", exited)
	}
}

func TestStagesAndReset(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(core.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	agg, _, err := svc.CreateSession(ctx, core.SessionSpec{ExperimentName: "pd", Subjects: 1, Rounds: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	role := agg.Rounds[0].Roles[0]
	code := agg.Session.Code
	history, err := svc.EnterStage(ctx, code, role.ID, 2, time.Second)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if history.SubjectID != role.SubjectID || history.StageIdx != 2 {
		t.Fatalf("unexpected history %+v", history)
	}
	now = now.Add(2 * time.Second)
	history, err = svc.ExitStage(ctx, code, history.ID)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if history.ExitAt == nil || !history.TimedOut {
		t.Fatalf("expected timed out exit, got %+v", history)
	}
	if _, err := svc.ExitStage(ctx, code, history.ID); !errors.Is(err, core.ErrStageExited) {
		t.Fatalf("expected double exit error, got %v", err)
	}
	reloaded, err := svc.Aggregate(ctx, agg.Session.Code)
	if err != nil || reloaded.Subjects[0].CurrentStage != 2 {
		t.Fatalf("current stage not advanced: %+v %v", reloaded.Subjects, err)
	}

	stamp, err := svc.ResetStorage(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if stamp.Data["UTC_CREATED_AT"] == nil {
		t.Fatalf("stamp missing creation time: %+v", stamp.Data)
	}
	sessions, _ := svc.ListSessions(ctx)
	if len(sessions) != 0 {
		t.Fatalf("reset kept %d sessions", len(sessions))
	}
	latest, ok, err := svc.LatestStamp(ctx)
	if err != nil || !ok || latest.ID != stamp.ID {
		t.Fatalf("latest stamp %+v ok=%v err=%v", latest, ok, err)
	}
}
