package auditlog

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListRoundTrip(t *testing.T) {
	s := openTest(t)
	e := Entry{
		ID:         "r1",
		Timestamp:  time.Now().UTC(),
		Host:       "example.com",
		Method:     "GET",
		Path:       "/admin",
		ClientAddr: "203.0.113.5",
		PolicyName: "default",
		ActionKind: "block",
		Status:     403,
		Tags:       []string{"all", "bot:known"},
	}
	if err := s.Record(e); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].ID != "r1" || got[0].Host != "example.com" || len(got[0].Tags) != 2 {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
}

func TestListFiltersByHostAndPolicy(t *testing.T) {
	s := openTest(t)
	s.Record(Entry{ID: "a", Timestamp: time.Now(), Host: "a.com", PolicyName: "p1", ActionKind: "block"})
	s.Record(Entry{ID: "b", Timestamp: time.Now(), Host: "b.com", PolicyName: "p2", ActionKind: "block"})

	got, err := s.List(ListOptions{Host: "a.com"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only a.com entry, got %+v", got)
	}

	got, err = s.List(ListOptions{PolicyName: "p2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only p2 entry, got %+v", got)
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	s := openTest(t)
	old := time.Now().AddDate(0, 0, -30)
	s.Record(Entry{ID: "old", Timestamp: old, Host: "x.com", PolicyName: "p", ActionKind: "block"})
	s.Record(Entry{ID: "new", Timestamp: time.Now(), Host: "x.com", PolicyName: "p", ActionKind: "block"})

	deleted, err := s.Cleanup(7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	got, _ := s.List(ListOptions{})
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("expected only new entry to survive, got %+v", got)
	}
}
