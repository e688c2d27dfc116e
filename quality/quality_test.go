package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/arctek/aicompany/store"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) LintStart(runID string)                      { r.events = append(r.events, "lintStart") }
func (r *recordingSink) LintComplete(runID string, res StageResult)   { r.events = append(r.events, "lintComplete") }
func (r *recordingSink) TestStart(runID string)                      { r.events = append(r.events, "testStart") }
func (r *recordingSink) TestComplete(runID string, res StageResult)   { r.events = append(r.events, "testComplete") }
func (r *recordingSink) Error(runID string, err error)                { r.events = append(r.events, "error") }

func newTestGate(t *testing.T, sink EventSink) *Gate {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(st, sink)
}

func TestExecuteBothStagesPass(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGate(t, sink)
	g.TestsEnabled = true
	g.DiscoverTests = func(workDir string) bool { return true }
	g.LintCmd = func(ctx context.Context, workDir string) (string, error) { return "no issues", nil }
	g.TestCmd = func(ctx context.Context, workDir string) (string, error) { return "PASS", nil }

	result, err := g.Execute(context.Background(), "run1", "/tmp/work")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Overall {
		t.Fatalf("expected overall pass: %+v", result)
	}
	wantEvents := []string{"lintStart", "lintComplete", "testStart", "testComplete"}
	if len(sink.events) != len(wantEvents) {
		t.Fatalf("unexpected events: %v", sink.events)
	}
}

func TestExecuteSkipsTestsWhenLintFails(t *testing.T) {
	g := newTestGate(t, nil)
	g.TestsEnabled = true
	g.DiscoverTests = func(workDir string) bool { return true }
	g.LintCmd = func(ctx context.Context, workDir string) (string, error) {
		return "error: unused variable", errors.New("lint failed")
	}
	g.TestCmd = func(ctx context.Context, workDir string) (string, error) {
		t.Fatal("test command should not run when lint fails")
		return "", nil
	}

	result, err := g.Execute(context.Background(), "run2", "/tmp/work")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Overall {
		t.Fatal("expected overall failure")
	}
	if result.Test.Executed {
		t.Fatal("expected test stage not executed")
	}
	if result.Test.SkipReason != "skipped because lint failed" {
		t.Fatalf("unexpected skip reason: %q", result.Test.SkipReason)
	}
	if result.ErrorCount == 0 {
		t.Fatal("expected heuristic error count > 0")
	}
}

func TestExecuteSkipsTestsWhenNoneDiscovered(t *testing.T) {
	g := newTestGate(t, nil)
	g.TestsEnabled = true
	g.DiscoverTests = func(workDir string) bool { return false }
	g.LintCmd = func(ctx context.Context, workDir string) (string, error) { return "clean", nil }

	result, err := g.Execute(context.Background(), "run3", "/tmp/work")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Overall {
		t.Fatal("expected overall pass when tests are legitimately skipped")
	}
	if result.Test.SkipReason != "no test file discoverable" {
		t.Fatalf("unexpected skip reason: %q", result.Test.SkipReason)
	}
}

func TestReporterNotifiesOnlyOnFailure(t *testing.T) {
	r := NewReporter()
	if r.ShouldNotifyManager(Result{Overall: true}) {
		t.Fatal("should not notify on overall pass")
	}
	if !r.ShouldNotifyManager(Result{Overall: false}) {
		t.Fatal("should notify on overall failure")
	}
}

func TestReporterDecisionEscalatesAfterThreeFailures(t *testing.T) {
	r := NewReporter()
	d1 := r.GenerateDecisionRecommendation("T-1")
	d2 := r.GenerateDecisionRecommendation("T-1")
	d3 := r.GenerateDecisionRecommendation("T-1")
	d4 := r.GenerateDecisionRecommendation("T-1")

	if d1.Action != ActionRetry {
		t.Fatalf("expected retry on first failure, got %s", d1.Action)
	}
	if d2.Action != ActionReassign {
		t.Fatalf("expected reassign on second failure, got %s", d2.Action)
	}
	if d3.Action != ActionEscalate || d3.Authority != QualityAuthority {
		t.Fatalf("expected escalate on third failure, got %+v", d3)
	}
	if d4.Action != ActionEscalate {
		t.Fatalf("expected escalate on fourth failure too, got %+v", d4)
	}
}

func TestBuildFailurePayloadListsFailedGates(t *testing.T) {
	r := NewReporter()
	result := Result{
		RunID: "run1",
		Lint:  StageResult{Executed: true, Passed: false},
		Test:  StageResult{Executed: false, SkipReason: "skipped because lint failed"},
	}
	payload := r.BuildFailurePayload("T-1", result)
	if len(payload.FailedGates) != 1 || payload.FailedGates[0] != "lint" {
		t.Fatalf("unexpected failed gates: %+v", payload.FailedGates)
	}
}
