// Package approval implements the ApprovalGate: a rendezvous between a
// producer (the WorkflowEngine, suspended in requestApproval) and a
// consumer (a human, calling submitDecision through the API) that
// survives process restarts by persisting only the decision, never the
// in-memory rendezvous handle.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arctek/aicompany/store"
)

// Action is the closed set of decision outcomes.
type Action string

const (
	ActionApprove        Action = "approve"
	ActionRequestRevision Action = "request_revision"
	ActionReject          Action = "reject"
)

// Decision is what a human submits to resolve a pending approval.
type Decision struct {
	Phase     string    `json:"phase"`
	Action    Action    `json:"action"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Record is the persisted decision history for one workflow.
type Record struct {
	WorkflowID string     `json:"workflowId"`
	Decisions  []Decision `json:"decisions"`
}

// AlreadyWaitingError reports that a workflow already has an outstanding
// requestApproval in flight.
type AlreadyWaitingError struct {
	WorkflowID string
}

func (e *AlreadyWaitingError) Error() string {
	return fmt.Sprintf("approval: workflow %s already has an outstanding approval request", e.WorkflowID)
}

// CancelledError is returned to a suspended requestApproval call when
// cancelApproval resolves it instead of a decision.
type CancelledError struct {
	WorkflowID string
	Reason     string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("approval: request for workflow %s cancelled: %s", e.WorkflowID, e.Reason)
}

// NoOutstandingRequestError is returned by cancelApproval when there is
// nothing to cancel.
type NoOutstandingRequestError struct {
	WorkflowID string
}

func (e *NoOutstandingRequestError) Error() string {
	return fmt.Sprintf("approval: no outstanding request for workflow %s", e.WorkflowID)
}

// PendingRequest is what the producer is waiting on a decision about;
// persisted so a restarted process (or the API, serving a human) can
// still show what is being approved.
type PendingRequest struct {
	WorkflowID string      `json:"workflowId"`
	Phase      string      `json:"phase"`
	Content    interface{} `json:"content"`
	RequestedAt time.Time  `json:"requestedAt"`
}

type waitResult struct {
	decision  Decision
	cancelled error
}

// Gate is the ApprovalGate. Zero value is not usable; use New.
type Gate struct {
	store *store.Store

	mu      sync.Mutex
	waiters map[string]chan waitResult // workflowID -> in-flight rendezvous
	pending map[string]Decision        // workflowID -> decision submitted with no waiter present
}

// New creates an ApprovalGate backed by st.
func New(st *store.Store) *Gate {
	return &Gate{
		store:   st,
		waiters: make(map[string]chan waitResult),
		pending: make(map[string]Decision),
	}
}

// RequestApproval suspends until a matching submitDecision or
// cancelApproval arrives. If a decision was already submitted for this
// workflow while no request was outstanding (submitDecision's
// hadResolver=false path), it is consumed immediately instead of
// blocking. Only one outstanding request per workflow is permitted.
func (g *Gate) RequestApproval(ctx context.Context, workflowID, phase string, content interface{}) (Decision, error) {
	g.mu.Lock()
	if d, ok := g.pending[workflowID]; ok {
		delete(g.pending, workflowID)
		g.mu.Unlock()
		if err := g.appendDecision(workflowID, d); err != nil {
			return Decision{}, err
		}
		return d, nil
	}
	if _, waiting := g.waiters[workflowID]; waiting {
		g.mu.Unlock()
		return Decision{}, &AlreadyWaitingError{WorkflowID: workflowID}
	}
	ch := make(chan waitResult, 1)
	g.waiters[workflowID] = ch
	g.mu.Unlock()

	if g.store != nil {
		req := PendingRequest{WorkflowID: workflowID, Phase: phase, Content: content, RequestedAt: time.Now()}
		_ = g.store.Save("runs/"+workflowID, "approval-request", req)
	}

	select {
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiters, workflowID)
		g.mu.Unlock()
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.cancelled != nil {
			return Decision{}, res.cancelled
		}
		if err := g.appendDecision(workflowID, res.decision); err != nil {
			return Decision{}, err
		}
		return res.decision, nil
	}
}

// SubmitDecision resolves the rendezvous for workflowID if a waiter is
// currently suspended in RequestApproval (hadResolver=true). Otherwise the
// decision is held as pending in memory so the next RequestApproval call
// for this workflow consumes it immediately (hadResolver=false) — the path
// taken when the decision arrives while nothing is blocked, e.g. after a
// restart and before the engine has re-registered its request. A pending
// decision is written to approvals.json only once it is consumed; until
// then it is not on disk and does not survive another process restart.
func (g *Gate) SubmitDecision(workflowID string, decision Decision) (hadResolver bool, err error) {
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now()
	}

	g.mu.Lock()
	ch, ok := g.waiters[workflowID]
	if ok {
		delete(g.waiters, workflowID)
	}
	g.mu.Unlock()

	if ok {
		ch <- waitResult{decision: decision}
		return true, nil
	}

	g.mu.Lock()
	g.pending[workflowID] = decision
	g.mu.Unlock()
	return false, nil
}

// CancelApproval fails a suspended RequestApproval call with a
// CancelledError, leaving no zombie state behind. Returns
// NoOutstandingRequestError if nothing is waiting.
func (g *Gate) CancelApproval(workflowID, reason string) error {
	g.mu.Lock()
	ch, ok := g.waiters[workflowID]
	if ok {
		delete(g.waiters, workflowID)
	}
	g.mu.Unlock()

	if !ok {
		return &NoOutstandingRequestError{WorkflowID: workflowID}
	}
	ch <- waitResult{cancelled: &CancelledError{WorkflowID: workflowID, Reason: reason}}
	return nil
}

func (g *Gate) appendDecision(workflowID string, decision Decision) error {
	if g.store == nil {
		return nil
	}
	var rec Record
	err := g.store.Load("runs/"+workflowID, "approvals", &rec)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rec.WorkflowID = workflowID
	rec.Decisions = append(rec.Decisions, decision)
	return g.store.Save("runs/"+workflowID, "approvals", rec)
}

// GetApprovalHistory returns every decision recorded for workflowID, in
// submission order.
func (g *Gate) GetApprovalHistory(workflowID string) ([]Decision, error) {
	return g.LoadApprovals(workflowID)
}

// LoadApprovals reloads the full decision history for workflowID from
// disk, independent of in-memory state — the mechanism a restarted
// process uses to recover approval history.
func (g *Gate) LoadApprovals(workflowID string) ([]Decision, error) {
	var rec Record
	err := g.store.Load("runs/"+workflowID, "approvals", &rec)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec.Decisions, nil
}

// HasOutstandingRequest reports whether a rendezvous is currently
// suspended for workflowID. The WorkflowEngine sets status=waiting_approval
// just before it calls RequestApproval and does not consult this method.
func (g *Gate) HasOutstandingRequest(workflowID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[workflowID]
	return ok
}

// Reregister re-creates a rendezvous for workflowID without touching any
// already-persisted decision — the restart path for a workflow that was
// waiting_approval and for which no decision arrived while the process
// was down. A future SubmitDecision will complete it.
func (g *Gate) Reregister(ctx context.Context, workflowID, phase string, content interface{}) (Decision, error) {
	return g.RequestApproval(ctx, workflowID, phase, content)
}
