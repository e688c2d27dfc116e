package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arctek/aicompany/approval"
	"github.com/arctek/aicompany/bus"
	"github.com/arctek/aicompany/meeting"
	"github.com/arctek/aicompany/queue"
	"github.com/arctek/aicompany/quality"
	"github.com/arctek/aicompany/retry"
	"github.com/arctek/aicompany/store"
	"github.com/arctek/aicompany/ticket"
)

type stubProvider struct{}

func (stubProvider) Statement(ctx context.Context, agentID, agendaItemTitle, instruction string) (string, error) {
	return fmt.Sprintf("%s: input on %s", agentID, agendaItemTitle), nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, facilitatorID, agendaItemTitle string, statements []meeting.Statement) (string, error) {
	return "summary of " + agendaItemTitle, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	fq, err := queue.NewFileQueue(dir + "/bus")
	if err != nil {
		t.Fatalf("queue.NewFileQueue: %v", err)
	}
	b := bus.New(queue.New(fq), st, "test-run", nil)

	gate := approval.New(st)
	meetings := meeting.New(st)
	retryEngine := retry.New(retry.Policy{MaxRetries: 1, InitialDelayMs: 1, BackoffMultiplier: 2, MaxDelayMs: 10}, st, nil)
	qualityGate := quality.New(st, nil)
	qualityGate.TestsEnabled = true
	qualityGate.DiscoverTests = func(string) bool { return true }
	qualityGate.LintCmd = func(ctx context.Context, workDir string) (string, error) { return "clean", nil }
	qualityGate.TestCmd = func(ctx context.Context, workDir string) (string, error) { return "PASS", nil }
	reporter := quality.NewReporter()

	e := New(Config{
		Store: st, Gate: gate, Meetings: meetings, Bus: b,
		Retry: retryEngine, Quality: qualityGate, Reporter: reporter,
		EngineID: "workflow-engine", PollTimeout: 50 * time.Millisecond,
		FacilitatorID: "facilitator",
		Participants:  []meeting.Participant{{AgentID: "dev-1"}, {AgentID: "rev-1"}},
		StatementProvider: stubProvider{}, Summarizer: stubSummarizer{},
		WorkerTypes: []string{"developer"},
	})
	return e, st
}

// newTestEngineWithTickets is newTestEngine plus a live TicketStore, for
// tests that check the ticket tree updates alongside workflow phases.
func newTestEngineWithTickets(t *testing.T) (*Engine, *store.Store, *ticket.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	fq, err := queue.NewFileQueue(dir + "/bus")
	if err != nil {
		t.Fatalf("queue.NewFileQueue: %v", err)
	}
	b := bus.New(queue.New(fq), st, "test-run", nil)

	gate := approval.New(st)
	meetings := meeting.New(st)
	retryEngine := retry.New(retry.Policy{MaxRetries: 1, InitialDelayMs: 1, BackoffMultiplier: 2, MaxDelayMs: 10}, st, nil)
	qualityGate := quality.New(st, nil)
	qualityGate.TestsEnabled = true
	qualityGate.DiscoverTests = func(string) bool { return true }
	qualityGate.LintCmd = func(ctx context.Context, workDir string) (string, error) { return "clean", nil }
	qualityGate.TestCmd = func(ctx context.Context, workDir string) (string, error) { return "PASS", nil }
	reporter := quality.NewReporter()
	tickets := ticket.New(st)

	e := New(Config{
		Store: st, Gate: gate, Meetings: meetings, Bus: b,
		Retry: retryEngine, Quality: qualityGate, Reporter: reporter, Tickets: tickets,
		EngineID: "workflow-engine", PollTimeout: 50 * time.Millisecond,
		FacilitatorID: "facilitator",
		Participants:  []meeting.Participant{{AgentID: "dev-1"}, {AgentID: "rev-1"}},
		StatementProvider: stubProvider{}, Summarizer: stubSummarizer{},
		WorkerTypes: []string{"developer"},
	})
	return e, st, tickets
}

// runWorker polls for task_assign envelopes addressed to workerType and
// immediately replies task_complete, simulating an external worker.
func runWorker(ctx context.Context, t *testing.T, e *Engine, workerType string) {
	t.Helper()
	for {
		msgs, err := e.bus.Poll(ctx, workerType, 100*time.Millisecond)
		if err != nil {
			return
		}
		for _, m := range msgs {
			var payload struct {
				TaskID string `json:"taskId"`
			}
			_ = jsonUnmarshalLenient(m.Payload, &payload)
			reply, _ := bus.NewMessage(bus.TypeTaskComplete, workerType, e.engineID, map[string]string{"taskId": payload.TaskID})
			_ = e.bus.Send(ctx, reply)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func TestHappyPathWorkflowCompletes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, t, e, "developer")

	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for proposal approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 3*time.Second); err != nil {
		t.Fatalf("waiting for delivery approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseDelivery), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision delivery: %v", err)
	}

	final, err := e.WaitForTerminal(ctx, wf.WorkflowID, 50*time.Millisecond, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (phase %s)", final.Status, final.Phase)
	}
	if final.Phase != PhaseDelivery {
		t.Fatalf("expected to finish in delivery phase, got %s", final.Phase)
	}
	// proposal->approval->development->quality_assurance->delivery->completed:
	// 5 monotonic transitions, the last one recording the terminal move.
	if len(final.PhaseHistory) != 5 {
		t.Fatalf("expected 5 phase transitions, got %d: %+v", len(final.PhaseHistory), final.PhaseHistory)
	}
	last := final.PhaseHistory[len(final.PhaseHistory)-1]
	if last.To != Phase(StatusCompleted) {
		t.Fatalf("expected final transition to record the terminal completed status, got %+v", last)
	}
}

func TestRevisionLoopReturnsToProposal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, t, e, "developer")

	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for first proposal approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionRequestRevision, Feedback: "needs more detail"}); err != nil {
		t.Fatalf("SubmitDecision revision: %v", err)
	}

	// The engine loops back through proposal and asks for approval again.
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for second proposal approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 3*time.Second); err != nil {
		t.Fatalf("waiting for delivery approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseDelivery), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision delivery: %v", err)
	}

	final, err := e.WaitForTerminal(ctx, wf.WorkflowID, 50*time.Millisecond, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected eventual completion, got %s", final.Status)
	}

	sawRevision := false
	for _, pt := range final.PhaseHistory {
		if pt.To == PhaseProposal && pt.Reason == "needs more detail" {
			sawRevision = true
		}
	}
	if !sawRevision {
		t.Fatalf("expected a recorded return to proposal with the revision feedback, history: %+v", final.PhaseHistory)
	}
	// proposal->approval->proposal->approval->development->quality_assurance->delivery->completed:
	// 7 monotonic transitions including the revision round-trip and the
	// terminal move.
	if len(final.PhaseHistory) != 7 {
		t.Fatalf("expected 7 phase transitions, got %d: %+v", len(final.PhaseHistory), final.PhaseHistory)
	}
}

func TestRestartResumesAWaitingApprovalWorkflow(t *testing.T) {
	e, st := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, t, e, "developer")

	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for proposal approval: %v", err)
	}

	// Simulate a process restart: build a fresh Engine over the same store
	// and submit the decision before any goroutine re-registers a waiter.
	e2 := New(Config{
		Store: st, Gate: approval.New(st), Meetings: meeting.New(st), Bus: e.bus,
		Retry: e.retry, Quality: e.quality, Reporter: e.reporter,
		EngineID: "workflow-engine", PollTimeout: 50 * time.Millisecond,
		FacilitatorID: "facilitator", Participants: e.participants,
		StatementProvider: stubProvider{}, Summarizer: stubSummarizer{},
		WorkerTypes: []string{"developer"},
	})
	if _, err := e2.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}
	if err := e2.Resume(ctx, wf.WorkflowID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := waitForStatus(t, e2, wf.WorkflowID, StatusWaitingApproval, 3*time.Second); err != nil {
		t.Fatalf("waiting for delivery approval after restart: %v", err)
	}
	if _, err := e2.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseDelivery), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision delivery: %v", err)
	}

	final, err := e2.WaitForTerminal(ctx, wf.WorkflowID, 50*time.Millisecond, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed after restart, got %s", final.Status)
	}
}

func TestRollbackToPhaseFromApprovalReturnsToProposal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, t, e, "developer")

	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for proposal approval: %v", err)
	}

	if err := e.RollbackToPhase(wf.WorkflowID, PhaseProposal); err != nil {
		t.Fatalf("RollbackToPhase: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for post-rollback proposal approval: %v", err)
	}
	rolled, err := e.Get(wf.WorkflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	found := false
	for _, pt := range rolled.PhaseHistory {
		if pt.To == PhaseProposal && fmtHasPrefix(pt.Reason, "rollback") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a rollback phase transition recorded, history: %+v", rolled.PhaseHistory)
	}

	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 3*time.Second); err != nil {
		t.Fatalf("waiting for delivery approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseDelivery), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision delivery: %v", err)
	}
	final, err := e.WaitForTerminal(ctx, wf.WorkflowID, 50*time.Millisecond, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected eventual completion after rollback, got %s", final.Status)
	}
}

func TestHappyPathCompletesParentAndChildTickets(t *testing.T) {
	e, _, tickets := newTestEngineWithTickets(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, t, e, "developer")

	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for proposal approval: %v", err)
	}
	withTicket, err := e.Get(wf.WorkflowID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if withTicket.TicketID == "" {
		t.Fatalf("expected a parent ticket to be created once the proposal is ready")
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}

	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 3*time.Second); err != nil {
		t.Fatalf("waiting for delivery approval: %v", err)
	}
	progress, err := e.LoadProgress(wf.WorkflowID)
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if len(progress) == 0 {
		t.Fatalf("expected development to have dispatched at least one subtask")
	}
	for _, item := range progress {
		if item.TicketID == "" {
			t.Fatalf("expected subtask %s to have a child ticket", item.TaskID)
		}
		child, err := tickets.Get(item.TicketID)
		if err != nil {
			t.Fatalf("tickets.Get(%s): %v", item.TicketID, err)
		}
		if child.Status != ticket.StatusCompleted {
			t.Fatalf("expected child ticket %s completed by delivery, got %s", child.ID, child.Status)
		}
		if child.ParentID != withTicket.TicketID {
			t.Fatalf("expected child ticket parented to %s, got %s", withTicket.TicketID, child.ParentID)
		}
	}

	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseDelivery), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision delivery: %v", err)
	}
	final, err := e.WaitForTerminal(ctx, wf.WorkflowID, 50*time.Millisecond, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}

	parent, err := tickets.Get(final.TicketID)
	if err != nil {
		t.Fatalf("tickets.Get(parent): %v", err)
	}
	if parent.Status != ticket.StatusCompleted {
		t.Fatalf("expected parent ticket completed once delivery is approved, got %s", parent.Status)
	}
}

func TestTerminalSubtaskFailureMarksTicketFailed(t *testing.T) {
	e, _, tickets := newTestEngineWithTickets(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No worker ever replies, so the single dispatched subtask exhausts
	// its retry budget and fails terminally.
	wf, err := e.StartWorkflow(ctx, "build the reporting dashboard", "proj1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := waitForStatus(t, e, wf.WorkflowID, StatusWaitingApproval, 2*time.Second); err != nil {
		t.Fatalf("waiting for proposal approval: %v", err)
	}
	if _, err := e.gate.SubmitDecision(wf.WorkflowID, approval.Decision{Phase: string(PhaseApproval), Action: approval.ActionApprove}); err != nil {
		t.Fatalf("SubmitDecision approval: %v", err)
	}

	go func() {
		for {
			msgs, err := e.bus.Poll(ctx, "developer", 100*time.Millisecond)
			if err != nil {
				return
			}
			for _, m := range msgs {
				var payload struct {
					TaskID string `json:"taskId"`
				}
				_ = jsonUnmarshalLenient(m.Payload, &payload)
				reply, _ := bus.NewMessage(bus.TypeTaskFailed, "developer", e.engineID, map[string]string{"taskId": payload.TaskID, "error": "build broke"})
				_ = e.bus.Send(ctx, reply)
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	var progress []SubtaskProgressItem
	for time.Now().Before(deadline) {
		progress, err = e.LoadProgress(wf.WorkflowID)
		if err == nil && len(progress) > 0 && progress[0].Status == SubtaskFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(progress) == 0 || progress[0].Status != SubtaskFailed {
		t.Fatalf("expected subtask to terminally fail, got %+v", progress)
	}

	child, err := tickets.Get(progress[0].TicketID)
	if err != nil {
		t.Fatalf("tickets.Get: %v", err)
	}
	if child.Status != ticket.StatusFailed {
		t.Fatalf("expected child ticket failed, got %s", child.Status)
	}
}

func waitForStatus(t *testing.T, e *Engine, workflowID string, want Status, timeout time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := e.Get(workflowID)
		if err == nil && wf.Status == want {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("workflow %s did not reach status %s within %s", workflowID, want, timeout)
}
