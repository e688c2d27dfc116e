package approval

import (
	"context"
	"testing"
	"time"

	"github.com/arctek/aicompany/store"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(st)
}

func TestRequestApprovalResolvesOnSubmitDecision(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	result := make(chan Decision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := g.RequestApproval(ctx, "W1", "approval", map[string]string{"scope": "x"})
		result <- d
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	hadResolver, err := g.SubmitDecision("W1", Decision{Phase: "approval", Action: ActionApprove})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if !hadResolver {
		t.Fatal("expected hadResolver=true when a waiter is suspended")
	}

	select {
	case d := <-result:
		if d.Action != ActionApprove {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestApproval did not resolve")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecondRequestApprovalFailsAlreadyWaiting(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	go g.RequestApproval(ctx, "W1", "approval", nil)
	time.Sleep(20 * time.Millisecond)

	_, err := g.RequestApproval(ctx, "W1", "approval", nil)
	if err == nil {
		t.Fatal("expected ApprovalGateAlreadyWaiting error")
	}
	if _, ok := err.(*AlreadyWaitingError); !ok {
		t.Fatalf("expected *AlreadyWaitingError, got %T: %v", err, err)
	}
}

func TestSubmitDecisionWithNoWaiterPersistsAndReturnsHadResolverFalse(t *testing.T) {
	g := newTestGate(t)

	hadResolver, err := g.SubmitDecision("W2", Decision{Phase: "delivery", Action: ActionReject})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if hadResolver {
		t.Fatal("expected hadResolver=false with no outstanding request")
	}

	// A later RequestApproval must consume the pending decision immediately.
	ctx := context.Background()
	done := make(chan Decision, 1)
	go func() {
		d, _ := g.RequestApproval(ctx, "W2", "delivery", nil)
		done <- d
	}()

	select {
	case d := <-done:
		if d.Action != ActionReject {
			t.Fatalf("expected persisted reject decision, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestApproval did not consume pending decision")
	}
}

func TestCancelApprovalFailsSuspendedRequest(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(ctx, "W3", "approval", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := g.CancelApproval("W3", "superseded"); err != nil {
		t.Fatalf("CancelApproval: %v", err)
	}

	select {
	case err := <-errCh:
		if _, ok := err.(*CancelledError); !ok {
			t.Fatalf("expected *CancelledError, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestApproval did not return after cancel")
	}

	// Zombie check: after cancel the gate must accept a fresh request.
	if g.HasOutstandingRequest("W3") {
		t.Fatal("expected no outstanding request after cancel")
	}
}

func TestCancelApprovalWithNoWaiterErrors(t *testing.T) {
	g := newTestGate(t)
	err := g.CancelApproval("W4", "nothing pending")
	if _, ok := err.(*NoOutstandingRequestError); !ok {
		t.Fatalf("expected *NoOutstandingRequestError, got %T: %v", err, err)
	}
}

func TestApprovalHistoryPersistsAndReloads(t *testing.T) {
	g := newTestGate(t)

	g.SubmitDecision("W5", Decision{Phase: "approval", Action: ActionApprove})
	ctx := context.Background()
	g.RequestApproval(ctx, "W5", "approval", nil) // consumes pending, appends to history synchronously

	g.SubmitDecision("W5", Decision{Phase: "delivery", Action: ActionRequestRevision, Feedback: "needs more detail"})
	g.RequestApproval(ctx, "W5", "delivery", nil) // pending decision already set, returns immediately

	hist, err := g.GetApprovalHistory("W5")
	if err != nil {
		t.Fatalf("GetApprovalHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 decisions in history, got %d: %+v", len(hist), hist)
	}

	reloaded, err := g.LoadApprovals("W5")
	if err != nil {
		t.Fatalf("LoadApprovals: %v", err)
	}
	if len(reloaded) != 2 || reloaded[1].Feedback != "needs more detail" {
		t.Fatalf("unexpected reloaded history: %+v", reloaded)
	}
}
