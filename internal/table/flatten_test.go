package table

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ajiaco/pkg/domain"
)

// s1 is the single-subject, single-round session used throughout the docs.
func s1() domain.SessionAggregate {
	return domain.SessionAggregate{
		Session:  domain.Session{Base: domain.Base{ID: 1}, Code: "S1", SubjectsNumber: 1},
		Subjects: []domain.Subject{{Base: domain.Base{ID: 1}, Code: "A1", SessionID: 1}},
		Rounds: []domain.RoundAggregate{{
			Round:  domain.Round{Base: domain.Base{ID: 10}, Number: 1, SessionID: 1},
			Groups: []domain.Group{{Base: domain.Base{ID: 100}, RoundID: 10}},
			Roles:  []domain.Role{{Base: domain.Base{ID: 1000}, Number: 1, NumberInGroup: 1, SubjectID: 1, GroupID: 100, RoundID: 10}},
		}},
	}
}

// grid builds n subjects over r rounds with groups of two.
func grid(n, r int) domain.SessionAggregate {
	agg := domain.SessionAggregate{Session: domain.Session{Base: domain.Base{ID: 1}, Code: "G", SubjectsNumber: n}}
	for i := 1; i <= n; i++ {
		agg.Subjects = append(agg.Subjects, domain.Subject{Base: domain.Base{ID: int64(i)}, SessionID: 1})
	}
	var nextGroup, nextRole int64 = 100, 1000
	for number := 1; number <= r; number++ {
		roundID := int64(10 + number)
		ra := domain.RoundAggregate{Round: domain.Round{Base: domain.Base{ID: roundID}, Number: number, SessionID: 1}}
		for i := 1; i <= n; i++ {
			if i%2 == 1 {
				nextGroup++
				ra.Groups = append(ra.Groups, domain.Group{Base: domain.Base{ID: nextGroup}, RoundID: roundID})
			}
			nextRole++
			ra.Roles = append(ra.Roles, domain.Role{
				Base:          domain.Base{ID: nextRole},
				Number:        i,
				NumberInGroup: (i-1)%2 + 1,
				SubjectID:     int64(i),
				GroupID:       nextGroup,
				RoundID:       roundID,
			})
		}
		agg.Rounds = append(agg.Rounds, ra)
	}
	return agg
}

func TestFlattenWorkedExample(t *testing.T) {
	tbl, err := Flatten(s1(), domain.NewExtraSchema())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(tbl.Rows))
	}
	byLabel := map[string]string{}
	for i, col := range tbl.Columns {
		byLabel[col.Label] = tbl.Rows[0].Cells[i].Text
	}
	want := map[string]string{
		"Subject.id":              "1",
		"Subject.code":            "A1",
		"r1.Round.id":             "10",
		"r1.Group.id":             "100",
		"r1.Role.id":              "1000",
		"r1.Role.number_in_group": "1",
		"r1.Round.is_first":       "False",
		"Subject.current_stage":   "0",
		"r1.Role.number":          "1",
	}
	for label, text := range want {
		if byLabel[label] != text {
			t.Fatalf("%s = %q, want %q", label, byLabel[label], text)
		}
	}
	if tbl.Header[0].Tag != (Tag{Model: domain.EntitySession, ID: 1, Field: "id"}) {
		t.Fatalf("unexpected header tag %+v", tbl.Header[0].Tag)
	}
}

func TestFlattenShapeIsStable(t *testing.T) {
	schema := domain.NewExtraSchema()
	if err := schema.Declare(domain.EntityRole, "choice", "payoff"); err != nil {
		t.Fatal(err)
	}
	if err := schema.Declare(domain.EntitySubject, "label"); err != nil {
		t.Fatal(err)
	}
	agg := grid(4, 3)
	// only one role populates an extra; column layout must not depend on it
	agg.Rounds[1].Roles[2].Extra = domain.Extra{"payoff": 7}

	tbl, err := Flatten(agg, schema)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	perRound := len(domain.CoreFields(domain.EntityRound)) + len(domain.CoreFields(domain.EntityGroup)) + len(domain.CoreFields(domain.EntityRole)) + 2
	wantWidth := len(domain.CoreFields(domain.EntitySubject)) + 1 + 3*perRound
	if tbl.Width() != wantWidth {
		t.Fatalf("width = %d, want %d", tbl.Width(), wantWidth)
	}
	if len(tbl.Rows) != 4 {
		t.Fatalf("rows = %d", len(tbl.Rows))
	}
	for i, row := range tbl.Rows {
		if len(row.Cells) != wantWidth {
			t.Fatalf("row %d width = %d", i, len(row.Cells))
		}
	}
	var payoff, empty int
	for _, row := range tbl.Rows {
		for _, c := range row.Cells {
			if c.Tag.Field != "payoff" {
				continue
			}
			if c.Text == "7" {
				payoff++
			} else if c.Text == "" {
				empty++
			}
		}
	}
	if payoff != 1 || empty != 11 {
		t.Fatalf("payoff cells: populated=%d empty=%d", payoff, empty)
	}
}

func TestFlattenRoundCellsRepeatWithSameTag(t *testing.T) {
	tbl, err := Flatten(grid(3, 2), domain.NewExtraSchema())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	positions := Index(tbl)[Key{Model: domain.EntityRound, ID: 12}]
	fields := len(domain.CoreFields(domain.EntityRound))
	if len(positions) != 3*fields {
		t.Fatalf("round 12 shown in %d cells, want %d", len(positions), 3*fields)
	}
	rows := map[int]bool{}
	for _, p := range positions {
		rows[p.Row] = true
	}
	if diff := cmp.Diff(map[int]bool{0: true, 1: true, 2: true}, rows); diff != "" {
		t.Fatalf("round rows mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenRoundOrder(t *testing.T) {
	tbl, err := Flatten(grid(2, 4), domain.NewExtraSchema())
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	last := 0
	for _, col := range tbl.Columns {
		if col.Round == 0 {
			continue
		}
		if col.Round < last {
			t.Fatalf("round %d rendered after %d", col.Round, last)
		}
		last = col.Round
	}

	agg := grid(2, 3)
	agg.Rounds[2].Round.Number = 2
	_, err = Flatten(agg, domain.NewExtraSchema())
	if !errors.Is(err, ErrRoundOrder) {
		t.Fatalf("expected round order fault, got %v", err)
	}
}

func TestFlattenIntegrityFaults(t *testing.T) {
	cases := map[string]struct {
		mutate func(*domain.SessionAggregate)
		want   error
	}{
		"missing role": {
			mutate: func(a *domain.SessionAggregate) { a.Rounds[1].Roles = a.Rounds[1].Roles[:1] },
			want:   ErrMissingRole,
		},
		"duplicate role": {
			mutate: func(a *domain.SessionAggregate) {
				dup := a.Rounds[0].Roles[0]
				dup.ID = 9999
				a.Rounds[0].Roles = append(a.Rounds[0].Roles, dup)
			},
			want: ErrDuplicateRole,
		},
		"missing group": {
			mutate: func(a *domain.SessionAggregate) { a.Rounds[0].Groups = nil },
			want:   ErrMissingGroup,
		},
		"group from another round": {
			mutate: func(a *domain.SessionAggregate) {
				a.Rounds[1].Roles[0].GroupID = a.Rounds[0].Groups[0].ID
			},
			want: ErrGroupRound,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			agg := grid(2, 2)
			tc.mutate(&agg)
			_, err := Flatten(agg, domain.NewExtraSchema())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var integrity *IntegrityError
			if !errors.As(err, &integrity) || integrity.Session != "G" {
				t.Fatalf("expected *IntegrityError, got %T", err)
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{true, "True"},
		{false, "False"},
		{2, "2"},
		{int64(3), "3"},
		{2.5, "2.5"},
		{float64(4), "4"},
		{"x", "x"},
	}
	for _, tc := range cases {
		if got := FormatValue(tc.in); got != tc.want {
			t.Fatalf("FormatValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tbl, err := Flatten(s1(), domain.NewExtraSchema())
	if err != nil {
		t.Fatal(err)
	}
	clone := tbl.Clone()
	clone.Rows[0].Cells[0].Text = "changed"
	clone.Header[0].Text = "changed"
	if tbl.Rows[0].Cells[0].Text == "changed" || tbl.Header[0].Text == "changed" {
		t.Fatalf("clone shares cells")
	}
	if _, ok := tbl.Cell(-1, 0); !ok {
		t.Fatalf("header cell not addressable")
	}
	if _, ok := tbl.Cell(5, 0); ok {
		t.Fatalf("out of range row must not resolve")
	}
}
