// Package chatlog implements ChatLogCapture: a per-day append log of
// every AgentBus send, queryable by date/agent/type/workflow and
// exposable as a bounded, newest-first activity stream. It is a
// generalization of the human-readable messages.log the AgentBus
// already writes per run into a cross-run, structured activity feed.
package chatlog

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/aicompany/bus"
	"github.com/arctek/aicompany/store"
)

const kind = "chat-logs"

// Entry is one captured activity record.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	AgentIDs    []string  `json:"agentIds"`
	WorkflowID  string    `json:"workflowId,omitempty"`
}

// Store is ChatLogCapture.
type Store struct {
	store *store.Store
	mu    sync.Mutex
}

// New creates a ChatLogCapture backed by st.
func New(st *store.Store) *Store {
	return &Store{store: st}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Capture assigns an id and timestamp to entry if unset and appends it to
// the day's file.
func (s *Store) Capture(entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	key := dayKey(entry.Timestamp)
	var entries []Entry
	if err := s.store.Load(kind, key, &entries); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, err
	}
	entries = append(entries, entry)
	if err := s.store.Save(kind, key, entries); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// BusSink adapts a Store into a bus.ChatLogSink for one workflow's Bus,
// tagging every captured entry with that workflow's id.
type BusSink struct {
	Store      *Store
	WorkflowID string
}

// Capture implements bus.ChatLogSink.
func (a BusSink) Capture(entry bus.ChatLogEntry) error {
	_, err := a.Store.Capture(Entry{
		ID:          entry.ID,
		Timestamp:   entry.Timestamp,
		Type:        string(entry.Type),
		Description: entry.Description,
		AgentIDs:    []string{entry.From, entry.To},
		WorkflowID:  a.WorkflowID,
	})
	return err
}

// Filter narrows Query results. A non-nil Date restricts the scan to a
// single day's file; zero-value string fields are ignored.
type Filter struct {
	Date       *time.Time
	AgentID    string
	Type       string
	WorkflowID string
}

func (f Filter) matches(e Entry) bool {
	if f.AgentID != "" {
		found := false
		for _, a := range e.AgentIDs {
			if a == f.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

func (s *Store) dayKeys() ([]string, error) {
	keys, err := s.store.List(kind, "")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys))) // newest day first
	return keys, nil
}

func (s *Store) loadDay(key string) ([]Entry, error) {
	var entries []Entry
	if err := s.store.Load(kind, key, &entries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// Query returns every entry matching filter, across every day unless
// Date narrows the scan to one.
func (s *Store) Query(filter Filter) ([]Entry, error) {
	var keys []string
	if filter.Date != nil {
		keys = []string{dayKey(*filter.Date)}
	} else {
		var err error
		keys, err = s.dayKeys()
		if err != nil {
			return nil, err
		}
	}

	var out []Entry
	for _, key := range keys {
		entries, err := s.loadDay(key)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// ActivityStream returns the newest limit entries across every day,
// sorted newest-first.
func (s *Store) ActivityStream(limit int) ([]Entry, error) {
	keys, err := s.dayKeys()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, key := range keys {
		entries, err := s.loadDay(key)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if limit > 0 && len(out) >= limit*4 {
			// Heuristic early-exit: once several days' worth of entries
			// dwarf the requested limit, stop scanning older days before
			// sorting — they cannot contain a newer entry than what's
			// already collected from more recent days.
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
