// Package knowledgebase is a small SQLite-backed expertise index,
// adapted from the teacher's agents/rag vector store (content + tags +
// full-text search over a chunks table) but dropped down to plain
// keyword/tag lookup rather than embeddings: this index answers "who
// knows about X" and "what's the guidance for failure category Y",
// not similarity search over free text.
package knowledgebase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one knowledge-base record: a piece of guidance or expertise
// attached to a domain and a set of searchable tags.
type Entry struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the knowledge-base index.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at dbPath and runs migrations,
// mirroring the teacher's Open-then-migrate sequence in internal/db and
// agents/rag/store.go.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("knowledgebase: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledgebase: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		topic TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entries_domain ON entries(domain);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		id, topic, content, tags,
		content='entries', content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
		INSERT INTO entries_fts(id, topic, content, tags)
		VALUES (new.id, new.topic, new.content, new.tags);
	END;

	CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
		DELETE FROM entries_fts WHERE id = old.id;
	END;

	CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
		DELETE FROM entries_fts WHERE id = old.id;
		INSERT INTO entries_fts(id, topic, content, tags)
		VALUES (new.id, new.topic, new.content, new.tags);
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts or replaces entry.
func (s *Store) Add(ctx context.Context, entry Entry) error {
	tagsJSON, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("knowledgebase: marshal tags: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, domain, topic, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET domain=excluded.domain, topic=excluded.topic,
			content=excluded.content, tags=excluded.tags`,
		entry.ID, entry.Domain, entry.Topic, entry.Content, string(tagsJSON), entry.CreatedAt)
	return err
}

func scanEntry(row interface {
	Scan(dest ...interface{}) error
}) (Entry, error) {
	var e Entry
	var tagsJSON string
	if err := row.Scan(&e.ID, &e.Domain, &e.Topic, &e.Content, &tagsJSON, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
	return e, nil
}

// ByDomain returns every entry recorded under domain.
func (s *Store) ByDomain(ctx context.Context, domain string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, topic, content, tags, created_at FROM entries WHERE domain = ? ORDER BY created_at`, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchKeyword runs a full-text search over topic/content/tags, returning
// up to limit matches ranked by FTS5's default bm25 ordering.
func (s *Store) SearchKeyword(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.domain, e.topic, e.content, e.tags, e.created_at
		FROM entries_fts f
		JOIN entries e ON e.id = f.id
		WHERE entries_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpertiseTags returns the distinct, alphabetically sorted tag set
// recorded for domain — the shape meeting.SelectParticipants' required
// list expects.
func (s *Store) ExpertiseTags(ctx context.Context, domain string) ([]string, error) {
	entries, err := s.ByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var tags []string
	for _, e := range entries {
		for _, tag := range e.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// EscalationGuidance returns the most relevant recorded guidance for a
// retry-engine failure category, or "" if nothing matches. Consulted by
// retry's escalation reasoning so an escalation carries a concrete next
// step instead of just a bare category name.
func (s *Store) EscalationGuidance(ctx context.Context, category string) (string, error) {
	matches, err := s.SearchKeyword(ctx, fmt.Sprintf(`"escalation" AND "%s"`, category), 1)
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[0].Content, nil
}
