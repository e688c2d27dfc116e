package chatlog

import (
	"testing"
	"time"

	"github.com/arctek/aicompany/bus"
	"github.com/arctek/aicompany/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(st)
}

func TestCaptureAssignsIDAndTimestampWhenMissing(t *testing.T) {
	s := newTestStore(t)
	entry, err := s.Capture(Entry{Type: "task_assign", Description: "[task_assign] a → b: hi", AgentIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if entry.ID == "" || entry.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned: %+v", entry)
	}
}

func TestQueryFiltersByAgentTypeAndWorkflow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.Capture(Entry{Timestamp: now, Type: "task_assign", AgentIDs: []string{"a", "b"}, WorkflowID: "w1"})
	s.Capture(Entry{Timestamp: now, Type: "review_request", AgentIDs: []string{"b", "c"}, WorkflowID: "w2"})

	byAgent, err := s.Query(Filter{AgentID: "b"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected 2 entries mentioning agent b, got %d", len(byAgent))
	}

	byWorkflow, err := s.Query(Filter{WorkflowID: "w1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byWorkflow) != 1 || byWorkflow[0].WorkflowID != "w1" {
		t.Fatalf("unexpected workflow filter result: %+v", byWorkflow)
	}

	byType, err := s.Query(Filter{Type: "review_request"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("expected 1 review_request entry, got %d", len(byType))
	}
}

func TestActivityStreamSortedNewestFirstAndBounded(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Capture(Entry{Timestamp: base.Add(time.Duration(i) * time.Minute), Type: "general", AgentIDs: []string{"a"}})
	}

	stream, err := s.ActivityStream(3)
	if err != nil {
		t.Fatalf("ActivityStream: %v", err)
	}
	if len(stream) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(stream))
	}
	for i := 1; i < len(stream); i++ {
		if stream[i].Timestamp.After(stream[i-1].Timestamp) {
			t.Fatalf("expected newest-first ordering, got %+v", stream)
		}
	}
}

func TestBusSinkCaptureTagsWorkflowID(t *testing.T) {
	s := newTestStore(t)
	sink := BusSink{Store: s, WorkflowID: "w7"}
	if err := sink.Capture(bus.ChatLogEntry{
		ID: "e1", Timestamp: time.Now(), Type: bus.TypeTaskAssign,
		Category: bus.CategoryTaskAssignment, From: "a", To: "b", Description: "[task_assign] a → b: hi",
	}); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	entries, err := s.Query(Filter{WorkflowID: "w7"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
