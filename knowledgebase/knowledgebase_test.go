package knowledgebase

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kb.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestByDomainReturnsOnlyMatchingDomain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Add(ctx, Entry{ID: "e1", Domain: "backend", Topic: "retries", Content: "use exponential backoff", Tags: []string{"retry", "backend"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, Entry{ID: "e2", Domain: "frontend", Topic: "forms", Content: "validate client side", Tags: []string{"forms", "frontend"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entries, err := s.ByDomain(ctx, "backend")
	if err != nil {
		t.Fatalf("ByDomain: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSearchKeywordMatchesContentAndTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Add(ctx, Entry{ID: "e1", Domain: "backend", Topic: "database timeouts", Content: "escalation: contact the database on-call rotation for timeout storms", Tags: []string{"escalation", "database"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, Entry{ID: "e2", Domain: "backend", Topic: "deploys", Content: "roll back the last release", Tags: []string{"deploy"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	matches, err := s.SearchKeyword(ctx, "timeout", 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "e1" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestExpertiseTagsDedupesAndSorts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Add(ctx, Entry{ID: "e1", Domain: "backend", Topic: "a", Content: "a", Tags: []string{"retry", "database"}})
	s.Add(ctx, Entry{ID: "e2", Domain: "backend", Topic: "b", Content: "b", Tags: []string{"database", "caching"}})

	tags, err := s.ExpertiseTags(ctx, "backend")
	if err != nil {
		t.Fatalf("ExpertiseTags: %v", err)
	}
	want := []string{"caching", "database", "retry"}
	if len(tags) != len(want) {
		t.Fatalf("expected %v, got %v", want, tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tags)
		}
	}
}

func TestEscalationGuidanceReturnsEmptyWhenNoMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	guidance, err := s.EscalationGuidance(ctx, "timeout")
	if err != nil {
		t.Fatalf("EscalationGuidance: %v", err)
	}
	if guidance != "" {
		t.Fatalf("expected no guidance, got %q", guidance)
	}

	if err := s.Add(ctx, Entry{ID: "e1", Domain: "backend", Topic: "timeout storms", Content: "escalation: page the database on-call for timeout storms", Tags: []string{"escalation", "timeout"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	guidance, err = s.EscalationGuidance(ctx, "timeout")
	if err != nil {
		t.Fatalf("EscalationGuidance: %v", err)
	}
	if guidance == "" {
		t.Fatalf("expected guidance after adding a matching entry")
	}
}
