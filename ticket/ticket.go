// Package ticket implements the TicketStore: CRUD over the
// parent/child/grandchild work-item tree, adapted from the kanban
// board's ticket persistence and status-transition conventions but
// generalized to the spec's three-level hierarchy and its own status
// lifecycle.
package ticket

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/aicompany/store"
)

// Status is the closed set of lifecycle states a ticket moves through.
type Status string

const (
	StatusPending           Status = "pending"
	StatusDecomposing       Status = "decomposing"
	StatusInProgress        Status = "in_progress"
	StatusReviewRequested   Status = "review_requested"
	StatusRevisionRequired  Status = "revision_required"
	StatusCompleted         Status = "completed"
	StatusPRCreated         Status = "pr_created"
	StatusFailed            Status = "failed"
)

// transitions is the allowed status transition table. Any move not
// listed here is rejected with InvalidTicketTransitionError.
var transitions = map[Status][]Status{
	StatusPending:          {StatusDecomposing, StatusInProgress, StatusFailed},
	StatusDecomposing:      {StatusInProgress, StatusFailed},
	StatusInProgress:       {StatusReviewRequested, StatusCompleted, StatusFailed},
	StatusReviewRequested:  {StatusRevisionRequired, StatusCompleted, StatusFailed},
	StatusRevisionRequired: {StatusInProgress, StatusFailed},
	StatusCompleted:        {StatusPRCreated},
	StatusPRCreated:        {StatusCompleted},
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTicketTransitionError reports a rejected status move.
type InvalidTicketTransitionError struct {
	TicketID string
	From, To Status
}

func (e *InvalidTicketTransitionError) Error() string {
	return fmt.Sprintf("ticket: invalid transition for %s: %s -> %s", e.TicketID, e.From, e.To)
}

// NotFoundError reports a ticket id absent from the store.
type NotFoundError struct {
	TicketID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ticket: %s not found", e.TicketID)
}

// IncompleteChildrenError reports a parent ticket rejected from completing
// because one or more of its children are still outstanding.
type IncompleteChildrenError struct {
	TicketID string
	Pending  []string
}

func (e *IncompleteChildrenError) Error() string {
	return fmt.Sprintf("ticket: %s cannot complete, children pending: %v", e.TicketID, e.Pending)
}

// Level is the ticket's position in the parent/child/grandchild tree.
type Level string

const (
	LevelParent     Level = "parent"
	LevelChild      Level = "child"
	LevelGrandchild Level = "grandchild"
)

// Ticket is one work item in the tree.
type Ticket struct {
	ID          string                 `json:"id"`
	Level       Level                  `json:"level"`
	ProjectID   string                 `json:"projectId,omitempty"`
	ParentID    string                 `json:"parentId,omitempty"`
	WorkerType  string                 `json:"workerType,omitempty"`
	Instruction string                 `json:"instruction,omitempty"`
	Description string                 `json:"description,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Status      Status                 `json:"status"`
	StatusHistory []StatusChange       `json:"statusHistory"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// StatusChange records one transition (or rollback) in a ticket's history.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Rollback  bool      `json:"rollback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const kind = "tickets"
const indexKey = "_index"

// Store is the TicketStore.
type Store struct {
	store *store.Store
}

// New creates a TicketStore backed by st.
func New(st *store.Store) *Store {
	return &Store{store: st}
}

type indexDoc struct {
	IDs []string `json:"ids"` // ordered by creation time
}

func (s *Store) appendIndex(id string) error {
	var idx indexDoc
	if err := s.store.Load(kind, indexKey, &idx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	idx.IDs = append(idx.IDs, id)
	return s.store.Save(kind, indexKey, idx)
}

// CreateParent creates a top-level ticket from an inbound instruction.
func (s *Store) CreateParent(projectID, instruction string, meta map[string]interface{}) (Ticket, error) {
	t := Ticket{
		ID:          uuid.NewString(),
		Level:       LevelParent,
		ProjectID:   projectID,
		Instruction: instruction,
		Meta:        meta,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.save(t); err != nil {
		return Ticket{}, err
	}
	if err := s.appendIndex(t.ID); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// AddChild creates a child ticket under parentID for a given worker type.
func (s *Store) AddChild(parentID, workerType, description string) (Ticket, error) {
	if _, err := s.Get(parentID); err != nil {
		return Ticket{}, err
	}
	t := Ticket{
		ID:          uuid.NewString(),
		Level:       LevelChild,
		ParentID:    parentID,
		WorkerType:  workerType,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.save(t); err != nil {
		return Ticket{}, err
	}
	if err := s.appendIndex(t.ID); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// AddGrandchild creates a grandchild ticket under childID.
func (s *Store) AddGrandchild(childID string, payload map[string]interface{}) (Ticket, error) {
	parent, err := s.Get(childID)
	if err != nil {
		return Ticket{}, err
	}
	t := Ticket{
		ID:        uuid.NewString(),
		Level:     LevelGrandchild,
		ParentID:  parent.ID,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.save(t); err != nil {
		return Ticket{}, err
	}
	if err := s.appendIndex(t.ID); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

func (s *Store) save(t Ticket) error {
	return s.store.Save(kind, t.ID, t)
}

// Get returns a ticket by id.
func (s *Store) Get(ticketID string) (Ticket, error) {
	var t Ticket
	err := s.store.Load(kind, ticketID, &t)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Ticket{}, &NotFoundError{TicketID: ticketID}
		}
		return Ticket{}, err
	}
	return t, nil
}

// UpdateStatus validates and applies a forward transition, rejecting any
// move not in the transition table. A parent ticket additionally cannot
// move to completed unless every child is itself completed or pr_created.
func (s *Store) UpdateStatus(ticketID string, newStatus Status) (Ticket, error) {
	t, err := s.Get(ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if !allowed(t.Status, newStatus) {
		return Ticket{}, &InvalidTicketTransitionError{TicketID: ticketID, From: t.Status, To: newStatus}
	}
	if newStatus == StatusCompleted {
		if err := s.requireChildrenSettled(ticketID); err != nil {
			return Ticket{}, err
		}
	}
	t.StatusHistory = append(t.StatusHistory, StatusChange{From: t.Status, To: newStatus, Timestamp: time.Now()})
	t.Status = newStatus
	t.UpdatedAt = time.Now()
	if err := s.save(t); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// requireChildrenSettled rejects ticketID's completion unless every direct
// child is completed or pr_created. Tickets with no children (e.g. leaf
// grandchildren) are unaffected.
func (s *Store) requireChildrenSettled(ticketID string) error {
	children, err := s.List(Filter{ParentID: ticketID})
	if err != nil {
		return err
	}
	var pending []string
	for _, c := range children {
		if c.Status != StatusCompleted && c.Status != StatusPRCreated {
			pending = append(pending, c.ID)
		}
	}
	if len(pending) > 0 {
		return &IncompleteChildrenError{TicketID: ticketID, Pending: pending}
	}
	return nil
}

// RollbackStatus forces a ticket back to an earlier status it has
// previously held, bypassing the forward transition table but recording
// the move as a rollback in history.
func (s *Store) RollbackStatus(ticketID string, toStatus Status) (Ticket, error) {
	t, err := s.Get(ticketID)
	if err != nil {
		return Ticket{}, err
	}

	held := false
	for _, h := range t.StatusHistory {
		if h.To == toStatus {
			held = true
			break
		}
	}
	if t.Status == toStatus || (!held && toStatus != StatusPending) {
		return Ticket{}, &InvalidTicketTransitionError{TicketID: ticketID, From: t.Status, To: toStatus}
	}

	wasCompleted := t.Status == StatusCompleted

	t.StatusHistory = append(t.StatusHistory, StatusChange{From: t.Status, To: toStatus, Rollback: true, Timestamp: time.Now()})
	t.Status = toStatus
	t.UpdatedAt = time.Now()
	if err := s.save(t); err != nil {
		return Ticket{}, err
	}
	if wasCompleted {
		s.resetDescendants(ticketID)
	}
	return t, nil
}

// resetDescendants rolls every child and grandchild of ticketID back to
// pending. Called when a parent is rolled back off completed, so stale
// child state left over from the first pass doesn't block the ticket from
// completing again once it's re-driven.
func (s *Store) resetDescendants(ticketID string) {
	children, err := s.List(Filter{ParentID: ticketID})
	if err != nil {
		return
	}
	for _, c := range children {
		if c.Status != StatusPending {
			_, _ = s.RollbackStatus(c.ID, StatusPending)
		}
		s.resetDescendants(c.ID)
	}
}

// Filter narrows List results. Zero-value fields are ignored.
type Filter struct {
	ProjectID string
	ParentID  string
	Level     Level
	Status    Status
}

func (f Filter) matches(t Ticket) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.Level != "" && t.Level != f.Level {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// List returns every ticket matching filter, in creation order.
func (s *Store) List(filter Filter) ([]Ticket, error) {
	var idx indexDoc
	if err := s.store.Load(kind, indexKey, &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Ticket, 0, len(idx.IDs))
	for _, id := range idx.IDs {
		t, err := s.Get(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.As(err, new(*NotFoundError)) {
				continue
			}
			return nil, err
		}
		if filter.matches(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
