package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultReplayBuffer is the number of events retained per session for replay.
const DefaultReplayBuffer = 256

// DefaultRetention is how long an idle session keeps its replay ring.
const DefaultRetention = 10 * time.Minute

// Publisher delivers an event to every viewer of a session.
type Publisher interface {
	Publish(ctx context.Context, session string, ev Event) error
}

// HubMetrics exposes hub counters. A nil *HubMetrics records nothing.
type HubMetrics struct {
	published   prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

// NewHubMetrics registers the hub collectors on reg.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ajiaco", Subsystem: "live", Name: "events_published_total",
			Help: "Events published to session hubs.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ajiaco", Subsystem: "live", Name: "events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajiaco", Subsystem: "live", Name: "subscribers",
			Help: "Open live subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.dropped, m.subscribers)
	}
	return m
}

func (m *HubMetrics) incPublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *HubMetrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *HubMetrics) addSubscribers(n float64) {
	if m != nil {
		m.subscribers.Add(n)
	}
}

type channel struct {
	seq  uint64
	ring []Event
	subs map[*Subscription]struct{}
	last time.Time
}

// Hub fans events out to subscribers keyed by session code. Every published
// event receives the next per-session sequence number and is kept in a bounded
// replay ring so a viewer can resume from the sequence it rendered at.
//
// A session without subscribers whose last event is older than the retention
// is forgotten. Sequences of recreated sessions start above every sequence the
// hub has forgotten, so a stale since never hides new events.
type Hub struct {
	mu        sync.Mutex
	sessions  map[string]*channel
	ringSize  int
	buffer    int
	retention time.Duration
	lastSweep time.Time
	floor     uint64
	now       func() time.Time
	log       *zap.Logger
	metrics   *HubMetrics
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithReplayBuffer sets the per-session replay ring size.
func WithReplayBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.ringSize = n
		}
	}
}

// WithSubscriberBuffer sets the channel capacity of new subscriptions.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithRetention sets how long an unobserved session keeps its replay ring.
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithHubClock overrides the clock used for retention.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithHubLogger attaches a logger.
func WithHubLogger(log *zap.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithHubMetrics attaches prometheus collectors.
func WithHubMetrics(m *HubMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:  make(map[string]*channel),
		ringSize:  DefaultReplayBuffer,
		buffer:    64,
		retention: DefaultRetention,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.lastSweep = h.now()
	return h
}

func (h *Hub) channel(session string) *channel {
	ch, ok := h.sessions[session]
	if !ok {
		ch = &channel{seq: h.floor, subs: make(map[*Subscription]struct{})}
		h.sessions[session] = ch
	}
	return ch
}

func (h *Hub) idle(ch *channel, now time.Time) bool {
	return len(ch.subs) == 0 && (len(ch.ring) == 0 || now.Sub(ch.last) >= h.retention)
}

func (h *Hub) forget(session string, ch *channel) {
	h.floor = max(h.floor, ch.seq)
	delete(h.sessions, session)
}

// sweep drops idle sessions, at most once per retention period.
func (h *Hub) sweep(now time.Time) {
	if now.Sub(h.lastSweep) < h.retention {
		return
	}
	h.lastSweep = now
	for session, ch := range h.sessions {
		if h.idle(ch, now) {
			h.forget(session, ch)
		}
	}
}

// Sessions returns the number of sessions the hub currently tracks.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Publish stamps ev with the session's next sequence number and delivers it
// to every subscriber without blocking. Subscribers whose buffer is full miss
// the event.
func (h *Hub) Publish(_ context.Context, session string, ev Event) error {
	if session == "" {
		return errors.New("live: session code required")
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.sweep(now)
	ch := h.channel(session)
	ch.seq++
	ch.last = now
	ev.Seq = ch.seq
	if len(ch.ring) == h.ringSize {
		copy(ch.ring, ch.ring[1:])
		ch.ring = ch.ring[:len(ch.ring)-1]
	}
	ch.ring = append(ch.ring, ev)
	h.metrics.incPublished()
	for sub := range ch.subs {
		select {
		case sub.c <- ev:
		default:
			h.metrics.incDropped()
			h.log.Warn("live subscriber too slow, event dropped",
				zap.String("session", session), zap.Uint64("seq", ev.Seq))
		}
	}
	return nil
}

// Seq returns the sequence number of the last event published for session.
func (h *Hub) Seq(session string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.sessions[session]; ok {
		return ch.seq
	}
	return 0
}

// Subscription receives the events of one session.
type Subscription struct {
	C       <-chan Event
	c       chan Event
	session string
	hub     *Hub
	once    sync.Once
}

// Session returns the subscribed session code.
func (s *Subscription) Session() string { return s.session }

// Subscribe registers a subscriber for session. Buffered events with a
// sequence greater than since are queued first, so a viewer that rendered at
// sequence since observes every later event exactly once, as long as it is
// still in the replay ring. A since ahead of the session's sequence replays
// the whole ring.
func (h *Hub) Subscribe(session string, since uint64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribe(session, since)
}

// SubscribeLatest registers a subscriber that only receives events published
// after the call.
func (h *Hub) SubscribeLatest(session string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var since uint64
	if ch, ok := h.sessions[session]; ok {
		since = ch.seq
	}
	return h.subscribe(session, since)
}

func (h *Hub) subscribe(session string, since uint64) *Subscription {
	ch := h.channel(session)
	if since > ch.seq {
		since = 0
	}
	var replay []Event
	for _, ev := range ch.ring {
		if ev.Seq > since {
			replay = append(replay, ev)
		}
	}
	c := make(chan Event, h.buffer+len(replay))
	for _, ev := range replay {
		c <- ev
	}
	sub := &Subscription{C: c, c: c, session: session, hub: h}
	ch.subs[sub] = struct{}{}
	h.metrics.addSubscribers(1)
	return sub
}

// Close unregisters the subscription and closes its channel. The session is
// forgotten once it has no subscribers and nothing left to replay.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.sessions[s.session]; ok {
			delete(ch.subs, s)
			if h.idle(ch, h.now()) {
				h.forget(s.session, ch)
			}
		}
		close(s.c)
		h.metrics.addSubscribers(-1)
	})
}

// Subscribers returns the number of open subscriptions for session.
func (h *Hub) Subscribers(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.sessions[session]; ok {
		return len(ch.subs)
	}
	return 0
}
