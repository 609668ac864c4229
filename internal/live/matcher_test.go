package live

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajiaco/internal/table"
	"ajiaco/pkg/domain"
)

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeAfterFuncClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
	delays []time.Duration
}

func (c *fakeAfterFuncClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

// fire runs every timer that was not stopped.
func (c *fakeAfterFuncClock) fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.f()
		}
	}
}

func s1Table(t *testing.T) *table.Table {
	t.Helper()
	agg := domain.SessionAggregate{
		Session:  domain.Session{Base: domain.Base{ID: 1}, Code: "S1", SubjectsNumber: 2},
		Subjects: []domain.Subject{{Base: domain.Base{ID: 1}, Code: "A1"}, {Base: domain.Base{ID: 2}, Code: "A2"}},
		Rounds: []domain.RoundAggregate{{
			Round:  domain.Round{Base: domain.Base{ID: 10}, Number: 1},
			Groups: []domain.Group{{Base: domain.Base{ID: 100}, RoundID: 10}},
			Roles: []domain.Role{
				{Base: domain.Base{ID: 1000}, Number: 1, NumberInGroup: 1, SubjectID: 1, GroupID: 100, RoundID: 10},
				{Base: domain.Base{ID: 1001}, Number: 2, NumberInGroup: 2, SubjectID: 2, GroupID: 100, RoundID: 10},
			},
		}},
	}
	tbl, err := table.Flatten(agg, domain.NewExtraSchema())
	require.NoError(t, err)
	return tbl
}

func column(t *testing.T, tbl *table.Table, label string) int {
	t.Helper()
	for i, c := range tbl.Columns {
		if c.Label == label {
			return i
		}
	}
	t.Fatalf("no column %s", label)
	return -1
}

func TestMatcherUpdatesSingleRoleCell(t *testing.T) {
	tbl := s1Table(t)
	clock := &fakeAfterFuncClock{}
	var patches []Patch
	m := NewMatcher(tbl, WithAfterFunc(clock.AfterFunc), OnPatch(func(p Patch) { patches = append(patches, p) }))

	n := m.Apply(Event{Model: domain.EntityRole, ModelID: 1000, Fields: map[string]any{"number_in_group": 2}})
	require.Equal(t, 1, n)

	col := column(t, tbl, "r1.Role.number_in_group")
	cell, ok := m.Cell(table.Position{Row: 0, Col: col})
	require.True(t, ok)
	assert.Equal(t, "2", cell.Text)
	assert.True(t, cell.Highlight)

	other, _ := m.Cell(table.Position{Row: 1, Col: col})
	assert.Equal(t, "2", other.Text, "second subject keeps its own value")
	assert.False(t, other.Highlight)

	// the source table is untouched
	orig, _ := tbl.Cell(0, col)
	assert.Equal(t, "1", orig.Text)

	require.Len(t, clock.delays, 1)
	assert.Equal(t, DefaultHighlightDelay, clock.delays[0])
	clock.fire()
	cell, _ = m.Cell(table.Position{Row: 0, Col: col})
	assert.False(t, cell.Highlight)
	assert.Equal(t, "2", cell.Text)
	require.Len(t, patches, 2)
	assert.True(t, patches[0].Highlight)
	assert.False(t, patches[1].Highlight)
}

func TestMatcherUpdatesEveryRepetition(t *testing.T) {
	tbl := s1Table(t)
	m := NewMatcher(tbl, WithAfterFunc((&fakeAfterFuncClock{}).AfterFunc))
	n := m.Apply(Event{Model: domain.EntityRound, ModelID: 10, Fields: map[string]any{"game_name": "pd", "unknown": 1}})
	assert.Equal(t, 2, n, "round cell repeats once per subject row")

	col := column(t, tbl, "r1.Round.game_name")
	for row := range tbl.Rows {
		c, _ := m.Cell(table.Position{Row: row, Col: col})
		assert.Equal(t, "pd", c.Text)
	}
	idCol := column(t, tbl, "r1.Round.id")
	c, _ := m.Cell(table.Position{Row: 0, Col: idCol})
	assert.False(t, c.Highlight, "fields absent from the event are untouched")
}

func TestMatcherRendersBooleans(t *testing.T) {
	m := NewMatcher(s1Table(t), WithAfterFunc((&fakeAfterFuncClock{}).AfterFunc))
	require.Equal(t, 1, m.Apply(Event{Model: domain.EntitySession, ModelID: 1, Fields: map[string]any{"demo": true}}))
	snap := m.Snapshot()
	for _, c := range snap.Header {
		if c.Tag.Field == "demo" {
			assert.Equal(t, "True", c.Text)
			return
		}
	}
	t.Fatal("no demo header cell")
}

func TestMatcherIgnoresUnknownAndMalformed(t *testing.T) {
	tbl := s1Table(t)
	clock := &fakeAfterFuncClock{}
	m := NewMatcher(tbl, WithAfterFunc(clock.AfterFunc))
	for _, ev := range []Event{
		{Model: domain.EntityRole, ModelID: 4242, Fields: map[string]any{"number": 9}},
		{Model: domain.EntityRole, Fields: map[string]any{"number": 9}},
		{ModelID: 1000, Fields: map[string]any{"number": 9}},
		{Model: domain.EntityRole, ModelID: 1000},
	} {
		assert.Zero(t, m.Apply(ev))
	}
	assert.Equal(t, tbl, m.Snapshot())
	assert.Empty(t, clock.delays)
}

func TestMatcherRearmsTimerPerCell(t *testing.T) {
	tbl := s1Table(t)
	clock := &fakeAfterFuncClock{}
	m := NewMatcher(tbl, WithAfterFunc(clock.AfterFunc), WithHighlightDelay(time.Second))
	ev := func(v int) Event {
		return Event{Model: domain.EntityRole, ModelID: 1000, Fields: map[string]any{"number": v}}
	}
	m.Apply(ev(5))
	first := clock.timers[0]
	m.Apply(ev(6))
	assert.True(t, first.stopped, "second update re-arms the cell timer")
	assert.Equal(t, 1, m.Pending())

	// a stale clear from the first timer must not clear the new highlight
	first.f()
	col := column(t, tbl, "r1.Role.number")
	c, _ := m.Cell(table.Position{Row: 0, Col: col})
	assert.True(t, c.Highlight)
	assert.Equal(t, "6", c.Text)

	m.Apply(Event{Model: domain.EntityRole, ModelID: 1001, Fields: map[string]any{"number": 7}})
	assert.Equal(t, 2, m.Pending(), "independent timers per cell")
	m.Stop()
	assert.Zero(t, m.Pending())
	assert.Zero(t, m.Apply(ev(8)))
}

func TestMatcherRealTimers(t *testing.T) {
	m := NewMatcher(s1Table(t), WithHighlightDelay(10*time.Millisecond))
	defer m.Stop()
	m.Apply(Event{Model: domain.EntityGroup, ModelID: 100, Fields: map[string]any{"id": 100}})
	assert.Eventually(t, func() bool { return m.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
