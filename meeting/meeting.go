// Package meeting implements the MeetingCoordinator: given a workflow
// instruction and a facilitator, it derives an agenda, selects
// participants by expertise, and synthesizes a full MeetingMinutes record
// by collecting one statement per agenda item from every non-facilitator
// participant followed by a facilitator summary — directly adapted from
// the collaborative PRD discussion's round/expert/synthesis cycle, made
// synchronous so per-item statement ordering (and therefore timestamp
// monotonicity) falls out of the call order instead of needing to be
// reconstructed after a parallel fan-out.
package meeting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arctek/aicompany/store"
)

var titleCaser = cases.Title(language.English)

// minAgendaItems/maxAgendaItems bound the keyword-derived agenda.
const (
	minAgendaItems = 2
	maxAgendaItems = 5
)

// fallbackTopics pad out an agenda when the instruction yields too few
// distinct keywords.
var fallbackTopics = []string{"Scope Review", "Implementation Plan", "Risk Assessment"}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "should": true, "would": true,
	"will": true, "must": true, "have": true, "been": true, "were": true,
	"their": true, "about": true, "which": true,
}

// Participant is a candidate for a meeting, advertising what it's an
// expert in. Role and WorkerType distinguish the capacity a participant
// attends in (e.g. "reviewer" role backed by a "developer" worker type)
// from the expertise tags used to select it in the first place.
type Participant struct {
	AgentID    string   `json:"agentId"`
	Role       string   `json:"role,omitempty"`
	WorkerType string   `json:"workerType,omitempty"`
	Expertise  []string `json:"expertise,omitempty"`
}

// Statement is one contribution to an agenda item.
type Statement struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgendaStatus is the tri-state lifecycle of one AgendaItem.
type AgendaStatus string

const (
	AgendaPending    AgendaStatus = "pending"
	AgendaDiscussing AgendaStatus = "discussing"
	AgendaConcluded  AgendaStatus = "concluded"
)

// AgendaItem is one discussion topic, moving pending -> discussing ->
// concluded as participants and then the facilitator speak.
type AgendaItem struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Status             AgendaStatus `json:"status"`
	Statements         []Statement  `json:"statements"`
	FacilitatorSummary string       `json:"facilitatorSummary"`
}

// Decision is one conclusion the meeting reached on an agenda item,
// distinct from the raw discussion recorded in Statements.
type Decision struct {
	AgendaItemID string    `json:"agendaItemId"`
	Summary      string    `json:"summary"`
	DecidedAt    time.Time `json:"decidedAt"`
}

// ActionItem is a follow-up task the meeting assigned to a participant.
type ActionItem struct {
	AgendaItemID string    `json:"agendaItemId"`
	Owner        string    `json:"owner"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Minutes is the full persisted record of a meeting.
type Minutes struct {
	MeetingID     string        `json:"meetingId"`
	WorkflowID    string        `json:"workflowId"`
	FacilitatorID string        `json:"facilitatorId"`
	Participants  []Participant `json:"participants"`
	Agenda        []AgendaItem  `json:"agenda"`
	Decisions     []Decision    `json:"decisions"`
	ActionItems   []ActionItem  `json:"actionItems"`
	StartedAt     time.Time     `json:"startedAt"`
	ConcludedAt   time.Time     `json:"concludedAt"`
}

// StatementProvider produces a participant's contribution to an agenda
// item. The default AgentDriver-backed implementation lives outside this
// package; tests and callers may supply any implementation.
type StatementProvider interface {
	Statement(ctx context.Context, agentID, agendaItemTitle, instruction string) (string, error)
}

// FacilitatorSummarizer produces the facilitator's closing statement for
// an agenda item once every other participant has spoken.
type FacilitatorSummarizer interface {
	Summarize(ctx context.Context, facilitatorID, agendaItemTitle string, statements []Statement) (string, error)
}

// Coordinator is the MeetingCoordinator.
type Coordinator struct {
	store *store.Store
}

// New creates a MeetingCoordinator backed by st.
func New(st *store.Store) *Coordinator {
	return &Coordinator{store: st}
}

// DeriveAgenda extracts 2-5 agenda items from instruction keywords:
// significant words (longer than 4 characters, not a stopword),
// deduplicated and title-cased, in first-occurrence order. Padded with
// fallback topics if too few are found, truncated if too many.
func DeriveAgenda(instruction string) []string {
	seen := make(map[string]bool)
	var items []string

	for _, word := range strings.Fields(instruction) {
		w := strings.ToLower(strings.Trim(word, ".,;:!?\"'()"))
		if len(w) <= 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		items = append(items, titleCaser.String(w))
		if len(items) == maxAgendaItems {
			break
		}
	}

	for i := 0; len(items) < minAgendaItems && i < len(fallbackTopics); i++ {
		topic := fallbackTopics[i]
		if !seen[strings.ToLower(topic)] {
			items = append(items, topic)
			seen[strings.ToLower(topic)] = true
		}
	}
	return items
}

// SelectParticipants returns every participant whose expertise intersects
// required, in roster order.
func SelectParticipants(roster []Participant, required []string) []Participant {
	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[strings.ToLower(r)] = true
	}

	var selected []Participant
	for _, p := range roster {
		for _, e := range p.Expertise {
			if want[strings.ToLower(e)] {
				selected = append(selected, p)
				break
			}
		}
	}
	return selected
}

// monotonic returns a timestamp guaranteed to be >= last, advancing by at
// least one nanosecond so the statement order within an agenda item is
// always recoverable from the Timestamp field alone.
func monotonic(last time.Time) time.Time {
	now := time.Now()
	if !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	return now
}

// actionKeywords mark a statement as containing a commitment worth
// tracking as a follow-up, the same keyword-matching style DeriveAgenda
// and retry.Classify use elsewhere.
var actionKeywords = []string{"will ", "should ", "todo", "action item", "follow up", "follow-up"}

// actionItemFrom flags a statement as an ActionItem when it reads like a
// commitment rather than pure discussion.
func actionItemFrom(agendaItemID, author, content string) (ActionItem, bool) {
	lower := strings.ToLower(content)
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return ActionItem{AgendaItemID: agendaItemID, Owner: author, Description: content, CreatedAt: time.Now()}, true
		}
	}
	return ActionItem{}, false
}

// Conduct synthesizes a full Minutes record: for each agenda item (in
// declaration order) it collects one statement from every non-facilitator
// participant, then the facilitator's summary, then marks the item
// concluded. The record is persisted under
// runs/<workflowId>/meetings/<meetingId>.json before being returned.
func (c *Coordinator) Conduct(ctx context.Context, workflowID, facilitatorID, instruction string, participants []Participant, provider StatementProvider, summarizer FacilitatorSummarizer) (Minutes, error) {
	agenda := DeriveAgenda(instruction)
	if len(agenda) == 0 {
		return Minutes{}, fmt.Errorf("meeting: instruction yielded no agenda items")
	}

	attendees := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p.AgentID != facilitatorID {
			attendees = append(attendees, p)
		}
	}

	minutes := Minutes{
		MeetingID:     uuid.NewString(),
		WorkflowID:    workflowID,
		FacilitatorID: facilitatorID,
		Participants:  attendees,
		StartedAt:     time.Now(),
	}

	for _, title := range agenda {
		item := AgendaItem{ID: uuid.NewString(), Title: title, Description: fmt.Sprintf("Discuss %q for: %s", title, instruction), Status: AgendaDiscussing}
		last := minutes.StartedAt

		for _, p := range attendees {
			content, err := provider.Statement(ctx, p.AgentID, title, instruction)
			if err != nil {
				return Minutes{}, fmt.Errorf("meeting: statement from %s on %q: %w", p.AgentID, title, err)
			}
			last = monotonic(last)
			item.Statements = append(item.Statements, Statement{Author: p.AgentID, Content: content, Timestamp: last})
			if a, ok := actionItemFrom(item.ID, p.AgentID, content); ok {
				minutes.ActionItems = append(minutes.ActionItems, a)
			}
		}

		summary, err := summarizer.Summarize(ctx, facilitatorID, title, item.Statements)
		if err != nil {
			return Minutes{}, fmt.Errorf("meeting: facilitator summary on %q: %w", title, err)
		}
		last = monotonic(last)
		item.Statements = append(item.Statements, Statement{Author: facilitatorID, Content: summary, Timestamp: last})
		item.FacilitatorSummary = summary
		item.Status = AgendaConcluded
		minutes.Decisions = append(minutes.Decisions, Decision{AgendaItemID: item.ID, Summary: summary, DecidedAt: last})

		minutes.Agenda = append(minutes.Agenda, item)
	}

	minutes.ConcludedAt = time.Now()

	if c.store != nil {
		if err := c.store.Save(fmt.Sprintf("runs/%s/meetings", workflowID), minutes.MeetingID, minutes); err != nil {
			return Minutes{}, err
		}
	}
	return minutes, nil
}

// Load reloads a persisted Minutes record by meetingID.
func (c *Coordinator) Load(workflowID, meetingID string) (Minutes, error) {
	var m Minutes
	err := c.store.Load(fmt.Sprintf("runs/%s/meetings", workflowID), meetingID, &m)
	return m, err
}

// ListMeetings returns every meeting id recorded for workflowID, sorted.
func (c *Coordinator) ListMeetings(workflowID string) ([]string, error) {
	ids, err := c.store.List(fmt.Sprintf("runs/%s/meetings", workflowID), "")
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
