package inspectorlog

import "testing"

func TestAddFiltersBelowMinLevel(t *testing.T) {
	l := New(Warning)
	l.Add(Debug, "ignored")
	l.Add(Info, "also ignored")
	l.Add(Warning, "kept")
	l.Add(Error, "kept too")
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", l.Len(), l.Entries())
	}
}

func TestEntriesPreserveInsertionOrderAndOffsets(t *testing.T) {
	l := New(Debug)
	l.Infof("first %d", 1)
	l.Errorf("second %d", 2)
	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "first 1" || entries[1].Message != "second 2" {
		t.Fatalf("unexpected messages: %+v", entries)
	}
	if entries[1].OffsetMicros < entries[0].OffsetMicros {
		t.Fatal("expected offsets to be non-decreasing")
	}
}

func TestEachLogsGetsADistinctCorrelationID(t *testing.T) {
	a := New(Debug)
	b := New(Debug)
	if a.CorrelationID == b.CorrelationID {
		t.Fatal("expected distinct correlation ids")
	}
}
