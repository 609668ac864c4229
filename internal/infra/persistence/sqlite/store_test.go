package sqlite

import (
	"ajiaco/pkg/domain"
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func createSession(t *testing.T, store *Store, code string) domain.Session {
	t.Helper()
	var session domain.Session
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		session, err = tx.CreateSession(domain.Session{Code: code, ExperimentName: "pd", Extra: domain.Extra{"notes": "x"}})
		if err != nil {
			return err
		}
		_, err = tx.CreateSubject(domain.Subject{SessionID: session.ID, Code: code + "-A"})
		return err
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestStorePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ajiaco.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	created := createSession(t, store, "s1")
	if store.Path() != path || store.DB() == nil {
		t.Fatalf("unexpected accessors")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	_ = reopened.View(context.Background(), func(v domain.TransactionView) error {
		got, ok := v.FindSessionByCode("s1")
		if !ok || got.ID != created.ID || got.Extra["notes"] != "x" {
			t.Fatalf("session not reloaded: %+v", got)
		}
		if len(v.ListSubjects(got.ID)) != 1 {
			t.Fatalf("subjects not reloaded")
		}
		return nil
	})
	next := createSession(t, reopened, "s2")
	if next.ID != created.ID+1 {
		t.Fatalf("sequence not restored: %d", next.ID)
	}
}

func TestResetAndStamps(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "db.sqlite"), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()
	createSession(t, store, "s1")
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateStamp(domain.Stamp{Data: map[string]any{"platform": "linux"}})
		return err
	})
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if n, err := store.StampCount(ctx); err != nil || n != 1 {
		t.Fatalf("stamp count = %d, %v", n, err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, err := store.StampCount(ctx); err != nil || n != 0 {
		t.Fatalf("stamp count after reset = %d, %v", n, err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.ListSessions()) != 0 {
			t.Fatalf("reset kept sessions")
		}
		return nil
	})
}

func TestStampFailuresAreLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	store, err := NewStore(filepath.Join(t.TempDir(), "db.sqlite"), nil, WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()
	if _, err := store.DB().ExecContext(ctx, `DROP TABLE ajc_stamp`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateStamp(domain.Stamp{Data: map[string]any{"platform": "linux"}})
		return err
	})
	if err != nil {
		t.Fatalf("stamp transaction: %v", err)
	}
	entries := logs.FilterMessage("record stamp").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged stamp failure, got %d", logs.Len())
	}
	if entries[0].ContextMap()["error"] == nil {
		t.Fatalf("expected error field, got %v", entries[0].ContextMap())
	}
}
