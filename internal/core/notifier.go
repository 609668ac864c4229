package core

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"ajiaco/internal/live"
	"ajiaco/pkg/domain"
)

// Notifier publishes the changed fields of committed updates as live events.
type Notifier struct {
	store PersistentStore
	pub   live.Publisher
	log   *zap.Logger
}

// NewNotifier wires a notifier to the store's commit hooks.
func NewNotifier(store PersistentStore, pub live.Publisher, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{store: store, pub: pub, log: log}
	store.OnCommit(n.hook)
	return n
}

func (n *Notifier) hook(ctx context.Context, changes []Change) {
	var batches map[string][]live.Event
	err := n.store.View(ctx, func(v TransactionView) error {
		batches = EventsFor(v, changes)
		return nil
	})
	if err != nil {
		n.log.Warn("resolve live events", zap.Error(err))
		return
	}
	for session, events := range batches {
		for _, ev := range events {
			if err := n.pub.Publish(ctx, session, ev); err != nil {
				n.log.Warn("publish live event",
					zap.String("session", session),
					zap.String("model", string(ev.Model)),
					zap.Int64("model_id", ev.ModelID),
					zap.Error(err))
			}
		}
	}
}

// EventsFor turns committed updates into events keyed by session code. Only
// fields whose value changed are carried; creates and deletes produce none.
func EventsFor(view TransactionView, changes []Change) map[string][]live.Event {
	out := make(map[string][]live.Event)
	codes := make(map[int64]string)
	for _, change := range changes {
		if change.Action != ActionUpdate {
			continue
		}
		before, ok := change.Before.(domain.Record)
		if !ok {
			continue
		}
		after, ok := change.After.(domain.Record)
		if !ok {
			continue
		}
		fields := diffFields(before.Fields(), after.Fields())
		if len(fields) == 0 {
			continue
		}
		sessionID, ok := domain.SessionIDOf(view, change.After)
		if !ok {
			continue
		}
		code, ok := codes[sessionID]
		if !ok {
			session, found := view.FindSession(sessionID)
			if !found {
				continue
			}
			code = session.Code
			codes[sessionID] = code
		}
		out[code] = append(out[code], live.Event{
			Model:   after.Entity(),
			ModelID: after.RecordID(),
			Fields:  fields,
		})
	}
	return out
}

// diffFields returns the after-values that differ from before. A removed
// extra is reported as nil so its cell clears.
func diffFields(before, after map[string]any) map[string]any {
	out := make(map[string]any)
	for name, value := range after {
		if prev, ok := before[name]; !ok || !reflect.DeepEqual(prev, value) {
			out[name] = value
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			out[name] = nil
		}
	}
	return out
}
