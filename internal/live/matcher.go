package live

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"ajiaco/internal/table"
)

// DefaultHighlightDelay is how long an updated cell stays highlighted.
const DefaultHighlightDelay = 3 * time.Second

// Timer is the subset of *time.Timer the matcher needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Patch describes one change to a displayed cell.
type Patch struct {
	Pos       table.Position
	Tag       table.Tag
	Text      string
	Highlight bool
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithHighlightDelay overrides DefaultHighlightDelay.
func WithHighlightDelay(d time.Duration) MatcherOption {
	return func(m *Matcher) {
		if d > 0 {
			m.delay = d
		}
	}
}

// WithAfterFunc replaces the timer scheduler, mainly for tests.
func WithAfterFunc(fn AfterFunc) MatcherOption {
	return func(m *Matcher) {
		if fn != nil {
			m.after = fn
		}
	}
}

// WithLogger attaches a logger for dropped events.
func WithLogger(log *zap.Logger) MatcherOption {
	return func(m *Matcher) {
		if log != nil {
			m.log = log
		}
	}
}

// OnPatch registers an observer called for every displayed change, including
// highlight clears. Observers run outside the matcher lock.
func OnPatch(fn func(Patch)) MatcherOption {
	return func(m *Matcher) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

type highlight struct {
	timer Timer
	gen   uint64
}

// Matcher applies events to a private copy of a rendered table. The tag index
// is built once in NewMatcher and only read afterwards; displayed cell state
// is guarded because highlight timers fire on their own goroutines.
type Matcher struct {
	index     map[table.Key][]table.Position
	delay     time.Duration
	after     AfterFunc
	log       *zap.Logger
	observers []func(Patch)

	mu      sync.Mutex
	display *table.Table
	timers  map[table.Position]*highlight
	gen     uint64
	stopped bool
}

// NewMatcher indexes every tagged cell of t.
func NewMatcher(t *table.Table, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		delay:   DefaultHighlightDelay,
		after:   realAfterFunc,
		log:     zap.NewNop(),
		display: t.Clone(),
		timers:  make(map[table.Position]*highlight),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.index = table.Index(m.display)
	return m
}

func (m *Matcher) cell(pos table.Position) *table.Cell {
	if pos.Row == -1 {
		return &m.display.Header[pos.Col]
	}
	return &m.display.Rows[pos.Row].Cells[pos.Col]
}

// Apply patches every cell tagged with the event's (model, id) whose field is
// present in the event, and returns how many cells changed. Malformed and
// unmatched events are dropped.
func (m *Matcher) Apply(ev Event) int {
	if err := ev.Validate(); err != nil {
		m.log.Debug("drop live event", zap.Error(err))
		return 0
	}
	positions := m.index[table.Key{Model: ev.Model, ID: ev.ModelID}]
	if len(positions) == 0 {
		return 0
	}

	var patches []Patch
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0
	}
	for _, pos := range positions {
		c := m.cell(pos)
		value, ok := ev.Fields[c.Tag.Field]
		if !ok {
			continue
		}
		c.Value = value
		c.Text = table.FormatValue(value)
		c.Highlight = true
		m.schedule(pos)
		patches = append(patches, Patch{Pos: pos, Tag: c.Tag, Text: c.Text, Highlight: true})
	}
	m.mu.Unlock()

	m.notify(patches)
	return len(patches)
}

// schedule (re)arms the clear timer of one cell. Caller holds mu.
func (m *Matcher) schedule(pos table.Position) {
	if prev, ok := m.timers[pos]; ok {
		prev.timer.Stop()
	}
	m.gen++
	h := &highlight{gen: m.gen}
	m.timers[pos] = h
	gen := h.gen
	h.timer = m.after(m.delay, func() { m.clear(pos, gen) })
}

func (m *Matcher) clear(pos table.Position, gen uint64) {
	m.mu.Lock()
	h, ok := m.timers[pos]
	if !ok || h.gen != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.timers, pos)
	c := m.cell(pos)
	c.Highlight = false
	patch := Patch{Pos: pos, Tag: c.Tag, Text: c.Text}
	m.mu.Unlock()
	m.notify([]Patch{patch})
}

func (m *Matcher) notify(patches []Patch) {
	for _, p := range patches {
		for _, fn := range m.observers {
			fn(p)
		}
	}
}

// Cell returns the displayed state of the cell at pos.
func (m *Matcher) Cell(pos table.Position) (table.Cell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display.Cell(pos.Row, pos.Col)
}

// Snapshot returns a copy of the displayed table.
func (m *Matcher) Snapshot() *table.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display.Clone()
}

// Pending returns the number of highlighted cells awaiting their clear.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels pending highlight timers. Further events are ignored.
func (m *Matcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for pos, h := range m.timers {
		h.timer.Stop()
		delete(m.timers, pos)
	}
}
