// Package quality implements the QualityGate: an ordered lint -> test
// pipeline with pluggable commands, heuristic error/warning counting, and
// a companion Reporter that turns a failed run into a manager
// notification and a recommended recovery action.
package quality

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/arctek/aicompany/store"
)

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Executed   bool   `json:"executed"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
	SkipReason string `json:"skipReason,omitempty"`
}

// Result is the full persisted outcome of one QualityGate.execute call.
type Result struct {
	RunID        string      `json:"runId"`
	Lint         StageResult `json:"lint"`
	Test         StageResult `json:"test"`
	ErrorCount   int         `json:"errorCount"`
	WarningCount int         `json:"warningCount"`
	Overall      bool        `json:"overall"`
	CompletedAt  time.Time   `json:"completedAt"`
}

// EventSink receives pipeline progress events. Optional: Execute never
// assumes a sink is present.
type EventSink interface {
	LintStart(runID string)
	LintComplete(runID string, result StageResult)
	TestStart(runID string)
	TestComplete(runID string, result StageResult)
	Error(runID string, err error)
}

// CommandRunner executes a configured shell-out and returns its combined
// output. The default AgentDriver-backed implementation lives outside
// this package.
type CommandRunner func(ctx context.Context, workDir string) (output string, err error)

// TestDiscovery reports whether a test file exists under workDir, so
// runTest can be skipped when there is nothing to run.
type TestDiscovery func(workDir string) bool

// Gate is the QualityGate.
type Gate struct {
	store *store.Store
	sink  EventSink

	LintCmd       CommandRunner
	TestCmd       CommandRunner
	DiscoverTests TestDiscovery
	TestsEnabled  bool
}

// New creates a QualityGate. sink may be nil.
func New(st *store.Store, sink EventSink) *Gate {
	return &Gate{store: st, sink: sink}
}

func (g *Gate) emit(fn func()) {
	if g.sink != nil {
		fn()
	}
}

// Execute runs lint, then (unless lint failed, tests are disabled, or no
// test file is discoverable) runs tests, persisting the aggregate result
// to runs/<runID>/quality.json.
func (g *Gate) Execute(ctx context.Context, runID, workDir string) (Result, error) {
	result := Result{RunID: runID}

	lint, err := g.runLint(ctx, runID, workDir)
	if err != nil {
		g.emit(func() { g.sink.Error(runID, err) })
		return Result{}, err
	}
	result.Lint = lint

	if !lint.Passed {
		result.Test = StageResult{Executed: false, SkipReason: "skipped because lint failed"}
	} else {
		test, err := g.runTest(ctx, runID, workDir)
		if err != nil {
			g.emit(func() { g.sink.Error(runID, err) })
			return Result{}, err
		}
		result.Test = test
	}

	result.ErrorCount = countKeyword(result.Lint.Output, "error") + countKeyword(result.Test.Output, "error")
	result.WarningCount = countKeyword(result.Lint.Output, "warning") + countKeyword(result.Test.Output, "warning")
	// Overall success requires both stages to pass. A test stage that was
	// legitimately skipped (disabled, no tests discovered) does not count
	// against overall success; one never executed because lint failed
	// already fails on the lint term below.
	result.Overall = result.Lint.Passed && (!result.Test.Executed || result.Test.Passed)
	result.CompletedAt = time.Now()

	if g.store != nil {
		if err := g.store.Save("runs/"+runID, "quality", result); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

// Load returns the quality result persisted for runID by a prior Execute
// call, or a wrapped store.ErrNotFound if none has run yet.
func (g *Gate) Load(runID string) (Result, error) {
	var r Result
	err := g.store.Load("runs/"+runID, "quality", &r)
	return r, err
}

func (g *Gate) runLint(ctx context.Context, runID, workDir string) (StageResult, error) {
	g.emit(func() { g.sink.LintStart(runID) })
	if g.LintCmd == nil {
		res := StageResult{Executed: false, SkipReason: "no lint command configured"}
		g.emit(func() { g.sink.LintComplete(runID, res) })
		return res, nil
	}

	start := time.Now()
	output, err := g.LintCmd(ctx, workDir)
	res := StageResult{
		Executed:   true,
		Passed:     err == nil,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	g.emit(func() { g.sink.LintComplete(runID, res) })
	return res, nil
}

func (g *Gate) runTest(ctx context.Context, runID, workDir string) (StageResult, error) {
	g.emit(func() { g.sink.TestStart(runID) })

	if !g.TestsEnabled {
		res := StageResult{Executed: false, SkipReason: "tests disabled by configuration"}
		g.emit(func() { g.sink.TestComplete(runID, res) })
		return res, nil
	}
	if g.DiscoverTests != nil && !g.DiscoverTests(workDir) {
		res := StageResult{Executed: false, SkipReason: "no test file discoverable"}
		g.emit(func() { g.sink.TestComplete(runID, res) })
		return res, nil
	}
	if g.TestCmd == nil {
		res := StageResult{Executed: false, SkipReason: "no test command configured"}
		g.emit(func() { g.sink.TestComplete(runID, res) })
		return res, nil
	}

	start := time.Now()
	output, err := g.TestCmd(ctx, workDir)
	res := StageResult{
		Executed:   true,
		Passed:     err == nil,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	g.emit(func() { g.sink.TestComplete(runID, res) })
	return res, nil
}

func countKeyword(output, keyword string) int {
	if output == "" {
		return 0
	}
	count := 0
	lower := strings.ToLower(keyword) + ":"
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(strings.ToLower(line), lower) {
			count++
		}
	}
	return count
}

// RecommendedAction is what the Reporter suggests after a failed run.
type RecommendedAction string

const (
	ActionRetry     RecommendedAction = "retry"
	ActionReassign  RecommendedAction = "reassign"
	ActionEscalate  RecommendedAction = "escalate"
)

// QualityAuthority is the fixed escalation target for a third failure.
const QualityAuthority = "quality_authority"

// FailurePayload is what the manager is notified with on overall failure.
type FailurePayload struct {
	SubTaskID   string    `json:"subTaskId"`
	RunID       string    `json:"runId"`
	Result      Result    `json:"qualityGateResult"`
	FailedGates []string  `json:"failedGates"`
	Errors      int       `json:"errors"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reporter turns a QualityGate Result into a manager notification
// decision and a recommended recovery action, tracking how many times a
// given subtask has failed its gate so far.
type Reporter struct {
	failureCounts map[string]int
}

// NewReporter creates a Reporter.
func NewReporter() *Reporter {
	return &Reporter{failureCounts: make(map[string]int)}
}

// ShouldNotifyManager reports whether result warrants a manager
// notification: true iff overall failed.
func (r *Reporter) ShouldNotifyManager(result Result) bool {
	return !result.Overall
}

func failedGates(result Result) []string {
	var gates []string
	if result.Lint.Executed && !result.Lint.Passed {
		gates = append(gates, "lint")
	}
	if result.Test.Executed && !result.Test.Passed {
		gates = append(gates, "test")
	}
	return gates
}

// BuildFailurePayload composes the notification payload for a failed run.
func (r *Reporter) BuildFailurePayload(subTaskID string, result Result) FailurePayload {
	return FailurePayload{
		SubTaskID:   subTaskID,
		RunID:       result.RunID,
		Result:      result,
		FailedGates: failedGates(result),
		Errors:      result.ErrorCount,
		Timestamp:   time.Now(),
	}
}

// Decision is the Reporter's recommended action; Authority names the
// escalation target and is set only with ActionEscalate.
type Decision struct {
	Action    RecommendedAction `json:"action"`
	Authority string             `json:"authority,omitempty"`
}

// GenerateDecisionRecommendation records a failure for subTaskID and
// derives a recommendation from the subtask's cumulative failure count:
// 1st failure -> retry, 2nd -> reassign, 3rd or more -> escalate to
// quality_authority.
func (r *Reporter) GenerateDecisionRecommendation(subTaskID string) Decision {
	r.failureCounts[subTaskID]++
	switch n := r.failureCounts[subTaskID]; {
	case n <= 1:
		return Decision{Action: ActionRetry}
	case n == 2:
		return Decision{Action: ActionReassign}
	default:
		return Decision{Action: ActionEscalate, Authority: QualityAuthority}
	}
}

// FailureCount returns how many times subTaskID has failed so far.
func (r *Reporter) FailureCount(subTaskID string) int {
	return r.failureCounts[subTaskID]
}

// BuildFailureReportMarkdown renders payload as a markdown quality-gate
// failure report (separate from the workflow engine's
// runs/<id>/failure-report.md) a manager reads to decide whether to act on
// a GenerateDecisionRecommendation.
func (r *Reporter) BuildFailureReportMarkdown(payload FailurePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Quality gate failure: %s\n\n", payload.SubTaskID)
	fmt.Fprintf(&b, "- Run: `%s`\n", payload.RunID)
	fmt.Fprintf(&b, "- Failed gates: %s\n", strings.Join(payload.FailedGates, ", "))
	fmt.Fprintf(&b, "- Errors: %d, Warnings: %d\n", payload.Errors, payload.Result.WarningCount)
	fmt.Fprintf(&b, "- Recorded at: %s\n\n", payload.Timestamp.Format(time.RFC3339))

	if payload.Result.Lint.Executed {
		fmt.Fprintf(&b, "## Lint\n\n```\n%s\n```\n\n", payload.Result.Lint.Output)
	}
	if payload.Result.Test.Executed {
		fmt.Fprintf(&b, "## Test\n\n```\n%s\n```\n\n", payload.Result.Test.Output)
	}
	return b.String()
}

// RenderFailureReportHTML converts BuildFailureReportMarkdown's report for
// payload to HTML for display surfaces that can't render markdown directly.
func (r *Reporter) RenderFailureReportHTML(payload FailurePayload) (string, error) {
	var out bytes.Buffer
	if err := goldmark.Convert([]byte(r.BuildFailureReportMarkdown(payload)), &out); err != nil {
		return "", fmt.Errorf("quality: render failure report: %w", err)
	}
	return out.String(), nil
}
