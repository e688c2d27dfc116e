// Package bus implements the AgentBus: a thin, validating wrapper around a
// MessageQueue that adds envelope validation, human-readable chat logging,
// and category-derived chat log entries.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/aicompany/queue"
	"github.com/arctek/aicompany/store"
)

// MessageType is the closed set of envelope types the bus accepts.
type MessageType string

const (
	TypeTaskAssign       MessageType = "task_assign"
	TypeTaskComplete     MessageType = "task_complete"
	TypeTaskFailed       MessageType = "task_failed"
	TypeEscalate         MessageType = "escalate"
	TypeStatusRequest    MessageType = "status_request"
	TypeStatusResponse   MessageType = "status_response"
	TypeReviewRequest    MessageType = "review_request"
	TypeReviewResponse   MessageType = "review_response"
	TypeConflictEscalate MessageType = "conflict_escalate"
)

var validTypes = map[MessageType]bool{
	TypeTaskAssign: true, TypeTaskComplete: true, TypeTaskFailed: true,
	TypeEscalate: true, TypeStatusRequest: true, TypeStatusResponse: true,
	TypeReviewRequest: true, TypeReviewResponse: true, TypeConflictEscalate: true,
}

// ValidationError reports which envelope field failed validation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agentbus: invalid message: %s: %s", e.Field, e.Msg)
}

// AgentMessage is the envelope validated and moved by the bus.
type AgentMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"` // recipient; may be empty only for Broadcast, which sets the fan-out sentinel
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatLogCategory buckets a message for the activity stream.
type ChatLogCategory string

const (
	CategoryTaskAssignment  ChatLogCategory = "task_assignment"
	CategoryReviewFeedback  ChatLogCategory = "review_feedback"
	CategoryMeetingDiscuss  ChatLogCategory = "meeting_discussion"
	CategoryEscalation      ChatLogCategory = "escalation"
	CategoryGeneral         ChatLogCategory = "general"
)

func categorize(t MessageType) ChatLogCategory {
	switch t {
	case TypeTaskAssign, TypeTaskComplete, TypeTaskFailed:
		return CategoryTaskAssignment
	case TypeReviewRequest, TypeReviewResponse:
		return CategoryReviewFeedback
	case TypeEscalate, TypeConflictEscalate:
		return CategoryEscalation
	default:
		return CategoryGeneral
	}
}

// ChatLogEntry is emitted on every send for the activity stream.
type ChatLogEntry struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        MessageType     `json:"type"`
	Category    ChatLogCategory `json:"category"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Description string          `json:"description"`
}

// ChatLogSink receives a ChatLogEntry for every message sent. Optional: the
// bus never assumes a sink is present.
type ChatLogSink interface {
	Capture(entry ChatLogEntry) error
}

// Bus wraps a queue.Queue with validation and persistence.
type Bus struct {
	q      *queue.Queue
	store  *store.Store
	sink   ChatLogSink
	runID  string
}

// New creates an AgentBus over q, persisting a human-readable log under
// runs/<runID>/messages.log via store. sink may be nil.
func New(q *queue.Queue, st *store.Store, runID string, sink ChatLogSink) *Bus {
	return &Bus{q: q, store: st, runID: runID, sink: sink}
}

func validate(msg AgentMessage) error {
	if msg.ID == "" {
		return &ValidationError{Field: "id", Msg: "must not be empty"}
	}
	if msg.From == "" {
		return &ValidationError{Field: "from", Msg: "must not be empty"}
	}
	if msg.To == "" {
		// fan-out goes through Broadcast(), which validates without a recipient
		return &ValidationError{Field: "to", Msg: "must not be empty (use Broadcast for fan-out)"}
	}
	if msg.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Msg: "must not be empty"}
	}
	if !validTypes[msg.Type] {
		return &ValidationError{Field: "type", Msg: fmt.Sprintf("unrecognized type %q", msg.Type)}
	}
	return nil
}

// NewMessage builds a validly-shaped envelope with a fresh id and the
// current time, leaving From/To/Type/Payload for the caller to fill.
func NewMessage(msgType MessageType, from, to string, payload interface{}) (AgentMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return AgentMessage{}, fmt.Errorf("agentbus: marshal payload: %w", err)
	}
	return AgentMessage{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func describe(msg AgentMessage) string {
	to := msg.To
	if to == "" {
		to = "(broadcast)"
	}
	content := string(msg.Payload)
	return fmt.Sprintf("[%s] %s → %s: %s", msg.Type, msg.From, to, truncate(content, 80))
}

func (b *Bus) logLine(msg AgentMessage) string {
	return fmt.Sprintf("[%s] %s %s -> %s | %s",
		msg.Timestamp.UTC().Format(time.RFC3339), msg.Type, msg.From, msg.To, string(msg.Payload))
}

func (b *Bus) record(msg AgentMessage) {
	if b.store != nil {
		b.store.AppendLog("runs/"+b.runID, "messages", b.logLine(msg))
	}
	if b.sink != nil {
		entry := ChatLogEntry{
			ID:          uuid.NewString(),
			Timestamp:   msg.Timestamp,
			Type:        msg.Type,
			Category:    categorize(msg.Type),
			From:        msg.From,
			To:          msg.To,
			Description: describe(msg),
		}
		b.sink.Capture(entry)
	}
}

// Send validates and delivers msg to msg.To.
func (b *Bus) Send(ctx context.Context, msg AgentMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	qm := queue.Message{ID: msg.ID, Type: string(msg.Type), From: msg.From, To: msg.To, Payload: msg.Payload, Timestamp: msg.Timestamp}
	if err := b.q.Send(ctx, qm); err != nil {
		return err
	}
	b.record(msg)
	return nil
}

// Broadcast validates and fans msg out to every known recipient except
// msg.From.
func (b *Bus) Broadcast(ctx context.Context, msg AgentMessage) error {
	msg.To = queue.Broadcast
	if err := validateBroadcast(msg); err != nil {
		return err
	}
	qm := queue.Message{ID: msg.ID, Type: string(msg.Type), From: msg.From, To: msg.To, Payload: msg.Payload, Timestamp: msg.Timestamp}
	if err := b.q.Broadcast(ctx, qm); err != nil {
		return err
	}
	b.record(msg)
	return nil
}

func validateBroadcast(msg AgentMessage) error {
	if msg.ID == "" {
		return &ValidationError{Field: "id", Msg: "must not be empty"}
	}
	if msg.From == "" {
		return &ValidationError{Field: "from", Msg: "must not be empty"}
	}
	if msg.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Msg: "must not be empty"}
	}
	if !validTypes[msg.Type] {
		return &ValidationError{Field: "type", Msg: fmt.Sprintf("unrecognized type %q", msg.Type)}
	}
	return nil
}

// Poll waits up to timeout for messages addressed to agentID.
func (b *Bus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]AgentMessage, error) {
	qmsgs, err := b.q.Poll(ctx, agentID, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]AgentMessage, 0, len(qmsgs))
	for _, m := range qmsgs {
		out = append(out, AgentMessage{ID: m.ID, Type: MessageType(m.Type), From: m.From, To: m.To, Payload: m.Payload, Timestamp: m.Timestamp})
	}
	return out, nil
}

// GetMessageHistory returns the structured queue history, sorted by
// timestamp and de-duplicated by id. The human-readable messages.log is
// deliberately not parsed back into envelopes: per the design notes, the
// log format is for audit reading, never a source of primary state — the
// queue's own JSON-backed history is authoritative. A broadcast message
// appears once, not once per recipient (see spec Open Questions: the
// queue's history already de-duplicates by id, so this implementation
// picks "once").
func (b *Bus) GetMessageHistory(ctx context.Context) ([]AgentMessage, error) {
	qhist, err := b.q.History(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AgentMessage, 0, len(qhist))
	for _, m := range qhist {
		out = append(out, AgentMessage{ID: m.ID, Type: MessageType(m.Type), From: m.From, To: m.To, Payload: m.Payload, Timestamp: m.Timestamp})
	}
	sortByTimestamp(out)
	return out, nil
}

func sortByTimestamp(msgs []AgentMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
