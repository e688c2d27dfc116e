// Package workflow implements the WorkflowEngine: the phase state
// machine that composes the MeetingCoordinator, ApprovalGate, AgentBus,
// RetryEngine, and QualityGate into the five-phase
// proposal->approval->development->quality_assurance->delivery pipeline,
// generalized from the orchestrator's ticket-pipeline cycle loop into an
// explicit per-workflow state machine with rollback and human escalation.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/arctek/aicompany/approval"
	"github.com/arctek/aicompany/bus"
	"github.com/arctek/aicompany/meeting"
	"github.com/arctek/aicompany/quality"
	"github.com/arctek/aicompany/retry"
	"github.com/arctek/aicompany/store"
	"github.com/arctek/aicompany/ticket"
)

// Phase is one step of the canonical pipeline.
type Phase string

const (
	PhaseProposal         Phase = "proposal"
	PhaseApproval         Phase = "approval"
	PhaseDevelopment      Phase = "development"
	PhaseQualityAssurance Phase = "quality_assurance"
	PhaseDelivery         Phase = "delivery"
)

// canonicalOrder is the forward phase sequence rollback and transition
// validation are checked against.
var canonicalOrder = []Phase{PhaseProposal, PhaseApproval, PhaseDevelopment, PhaseQualityAssurance, PhaseDelivery}

func phaseIndex(p Phase) int {
	for i, c := range canonicalOrder {
		if c == p {
			return i
		}
	}
	return -1
}

// Status is the workflow's runtime status.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusTerminated      Status = "terminated"
)

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// PhaseTransition records one move in a workflow's history.
type PhaseTransition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Workflow is the top-level persisted unit the engine drives.
type Workflow struct {
	WorkflowID        string            `json:"workflowId"`
	ProjectID         string            `json:"projectId"`
	Instruction       string            `json:"instruction"`
	Phase             Phase             `json:"phase"`
	Status            Status            `json:"status"`
	PhaseHistory      []PhaseTransition `json:"phaseHistory"`
	ProposalID        string            `json:"proposalId,omitempty"`
	DeliverableID     string            `json:"deliverableId,omitempty"`
	MeetingMinutesIDs []string          `json:"meetingMinutesIds,omitempty"`
	TicketID          string            `json:"ticketId,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Task is one unit of the proposal's breakdown.
type Task struct {
	TaskNumber      int    `json:"taskNumber"`
	Title           string `json:"title"`
	WorkerType      string `json:"workerType"`
	EstimatedEffort string `json:"estimatedEffort"`
	Dependencies    []int  `json:"dependencies,omitempty"`
}

// Risk is a proposal risk entry.
type Risk struct {
	Severity    string `json:"severity"` // low|medium|high|critical
	Description string `json:"description"`
	Mitigation  string `json:"mitigation"`
}

// Proposal is the artifact produced by the proposal phase.
type Proposal struct {
	Summary           string   `json:"summary"`
	Scope             string   `json:"scope"`
	TaskBreakdown     []Task   `json:"taskBreakdown"`
	WorkerAssignments []string `json:"workerAssignments"`
	Risks             []Risk   `json:"risks"`
	MeetingID         string   `json:"meetingId"`
	Version           int      `json:"version"`
}

// TestResults summarizes QA testing outcomes in a Deliverable.
type TestResults struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Coverage *float64 `json:"coverage,omitempty"`
}

// Deliverable is the artifact produced by the delivery phase.
type Deliverable struct {
	SummaryReport string      `json:"summaryReport"`
	Changes       []string    `json:"changes"`
	TestResults   TestResults `json:"testResults"`
	Artifacts     []string    `json:"artifacts,omitempty"`
	ReviewHistory []string    `json:"reviewHistory,omitempty"`
}

// SubtaskStatus is the closed set of development sub-task states.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskWorking   SubtaskStatus = "working"
	SubtaskReview    SubtaskStatus = "review"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskSkipped   SubtaskStatus = "skipped"
)

// SubtaskProgressItem tracks one dispatched development task.
type SubtaskProgressItem struct {
	TaskID     string        `json:"taskId"`
	TicketID   string        `json:"ticketId,omitempty"`
	Title      string        `json:"title"`
	Status     SubtaskStatus `json:"status"`
	WorkerType string        `json:"workerType"`
	Error      string        `json:"error,omitempty"`
}

// NotFoundError reports a workflow id absent from the store.
type NotFoundError struct{ WorkflowID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("workflow: %s not found", e.WorkflowID) }

// InvalidStateError reports an operation attempted from an incompatible
// phase or status.
type InvalidStateError struct{ WorkflowID, Detail string }

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("workflow: %s: invalid state: %s", e.WorkflowID, e.Detail)
}

// RollbackInvalidError reports a rollback target that does not precede
// the workflow's current phase.
type RollbackInvalidError struct {
	WorkflowID string
	From, To   Phase
}

func (e *RollbackInvalidError) Error() string {
	return fmt.Sprintf("workflow: %s: cannot roll back from %s to %s", e.WorkflowID, e.From, e.To)
}

// EscalationDecision is a human response to an engine-raised escalation.
type EscalationDecision struct {
	Action    string    `json:"action"` // retry|skip|abort
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decidedAt"`
}

type controlKind string

const (
	controlRollback controlKind = "rollback"
	controlCancel   controlKind = "cancel"
)

type control struct {
	kind        controlKind
	targetPhase Phase
	reason      string
}

// Engine is the WorkflowEngine.
type Engine struct {
	store         *store.Store
	gate          *approval.Gate
	meetings      *meeting.Coordinator
	bus           *bus.Bus
	retry         *retry.Engine
	quality       *quality.Gate
	reporter      *quality.Reporter
	tickets       *ticket.Store
	ticketUpdater retry.TicketUpdater

	engineID          string
	pollTimeout       time.Duration
	facilitatorID     string
	participants      []meeting.Participant
	statementProvider meeting.StatementProvider
	summarizer        meeting.FacilitatorSummarizer
	workDirFor        func(workflowID string) string
	workerTypes       []string

	mu                sync.Mutex
	controls          map[string]chan control
	escalationWaiters map[string]chan EscalationDecision
}

// Config bundles an Engine's composed dependencies and policy knobs.
type Config struct {
	Store             *store.Store
	Gate              *approval.Gate
	Meetings          *meeting.Coordinator
	Bus               *bus.Bus
	Retry             *retry.Engine
	Quality           *quality.Gate
	Reporter          *quality.Reporter
	Tickets           *ticket.Store // optional; nil disables ticket tree bookkeeping
	EngineID          string
	PollTimeout       time.Duration
	FacilitatorID     string
	Participants      []meeting.Participant
	StatementProvider meeting.StatementProvider
	Summarizer        meeting.FacilitatorSummarizer
	WorkDirFor        func(workflowID string) string
	WorkerTypes       []string // rotation used to assign proposal tasks to worker roles
}

// New creates a WorkflowEngine from cfg.
func New(cfg Config) *Engine {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.EngineID == "" {
		cfg.EngineID = "workflow-engine"
	}
	if cfg.WorkDirFor == nil {
		cfg.WorkDirFor = func(string) string { return "." }
	}
	if len(cfg.WorkerTypes) == 0 {
		cfg.WorkerTypes = []string{"developer", "test", "reviewer"}
	}
	return &Engine{
		store: cfg.Store, gate: cfg.Gate, meetings: cfg.Meetings, bus: cfg.Bus,
		retry: cfg.Retry, quality: cfg.Quality, reporter: cfg.Reporter, tickets: cfg.Tickets,
		ticketUpdater: ticketFailureUpdater{tickets: cfg.Tickets},
		engineID: cfg.EngineID, pollTimeout: cfg.PollTimeout, facilitatorID: cfg.FacilitatorID,
		participants: cfg.Participants, statementProvider: cfg.StatementProvider, summarizer: cfg.Summarizer,
		workDirFor: cfg.WorkDirFor, workerTypes: cfg.WorkerTypes,
		controls:          make(map[string]chan control),
		escalationWaiters: make(map[string]chan EscalationDecision),
	}
}

func (e *Engine) controlChan(workflowID string) chan control {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.controls[workflowID]
	if !ok {
		ch = make(chan control, 4)
		e.controls[workflowID] = ch
	}
	return ch
}

func (e *Engine) save(wf *Workflow) error {
	wf.UpdatedAt = time.Now()
	return e.store.Save("runs/"+wf.WorkflowID, "state", wf)
}

// Get loads a workflow by id.
func (e *Engine) Get(workflowID string) (Workflow, error) {
	var wf Workflow
	err := e.store.Load("runs/"+workflowID, "state", &wf)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Workflow{}, &NotFoundError{WorkflowID: workflowID}
		}
		return Workflow{}, err
	}
	return wf, nil
}

// List returns every known workflow, optionally narrowed to those whose
// Status equals statusFilter (pass "" for all).
func (e *Engine) List(statusFilter Status) ([]Workflow, error) {
	ids, err := e.store.ListRunIDs()
	if err != nil {
		return nil, err
	}
	var out []Workflow
	for _, id := range ids {
		wf, err := e.Get(id)
		if err != nil {
			if errors.As(err, new(*NotFoundError)) {
				continue // a runs/<id> dir with no state.json yet (e.g. mid-write)
			}
			return nil, err
		}
		if statusFilter == "" || wf.Status == statusFilter {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (e *Engine) transition(wf *Workflow, to Phase, reason string) {
	wf.PhaseHistory = append(wf.PhaseHistory, PhaseTransition{From: wf.Phase, To: to, Timestamp: time.Now(), Reason: reason})
	wf.Phase = to
}

// FailureReportError is one entry in a terminated workflow's
// failure-report.md error list: the message and classified code a
// manager reads to decide what to do next.
type FailureReportError struct {
	Code    string
	Message string
}

func errsFromErr(err error) []FailureReportError {
	if err == nil {
		return nil
	}
	return []FailureReportError{{Code: string(retry.Classify(err)), Message: err.Error()}}
}

// terminate moves wf to a terminal status, recording the move itself as
// a phaseHistory entry (delivery -> completed|failed|terminated is a
// transition in its own right per the state machine, not a silent
// status flip) and, for a failed or terminated workflow, writing
// runs/<id>/failure-report.md.
func (e *Engine) terminate(wf *Workflow, status Status, reason string, errs ...FailureReportError) {
	wf.PhaseHistory = append(wf.PhaseHistory, PhaseTransition{From: wf.Phase, To: Phase(status), Timestamp: time.Now(), Reason: reason})
	wf.Status = status
	if status == StatusFailed || status == StatusTerminated {
		e.writeFailureReport(wf, errs, reason)
	}
}

// recommendedActionFor maps the first classified error (if any) to a
// short Japanese recommendation, mirroring the category-based
// recommendations retry.Engine already derives for worker failures.
func recommendedActionFor(errs []FailureReportError) string {
	if len(errs) == 0 {
		return "ワークフローの状態を確認し、必要であれば手動で再実行してください。"
	}
	switch retry.Category(errs[0].Code) {
	case retry.CategoryAIConnection:
		return "AIプロバイダーとの接続設定を確認し、再試行してください。"
	case retry.CategoryGit:
		return "Gitワークツリーの状態を確認し、必要であれば手動でクリーンアップしてください。"
	case retry.CategoryContainer:
		return "コンテナランタイムの状態を確認してください。"
	case retry.CategoryTimeout:
		return "タイムアウト設定を見直し、再試行してください。"
	case retry.CategoryValidation:
		return "入力内容を見直し、修正のうえ再送信してください。"
	default:
		return "エラーログを確認し、必要であれば手動で介入してください。"
	}
}

// buildFailureReportMarkdown composes the Markdown body of
// runs/<id>/failure-report.md: a title, the error list passed in
// (message and classified code for each), a recommended action, and a
// fixed recovery-steps checklist.
func buildFailureReportMarkdown(wf *Workflow, errs []FailureReportError, reason string) string {
	var b strings.Builder
	b.WriteString("# 失敗レポート\n\n")
	fmt.Fprintf(&b, "- ワークフロー: %s\n", wf.WorkflowID)
	fmt.Fprintf(&b, "- フェーズ: %s\n", wf.Phase)
	if reason != "" {
		fmt.Fprintf(&b, "- 理由: %s\n", reason)
	}

	b.WriteString("\n## エラー一覧\n\n")
	if len(errs) == 0 {
		b.WriteString("- (詳細なエラー情報なし)\n")
	}
	for _, fe := range errs {
		fmt.Fprintf(&b, "- [%s] %s\n", fe.Code, fe.Message)
	}

	fmt.Fprintf(&b, "\n## 推奨アクション\n\n%s\n", recommendedActionFor(errs))

	fmt.Fprintf(&b, "\n## リカバリー手順\n\n")
	fmt.Fprintf(&b, "1. `runs/%s/errors.log` でエラー詳細を確認する\n", wf.WorkflowID)
	b.WriteString("2. 原因を解消する\n")
	b.WriteString("3. 必要であれば RollbackToPhase で該当フェーズへ巻き戻して再実行する\n")
	return b.String()
}

func (e *Engine) writeFailureReport(wf *Workflow, errs []FailureReportError, reason string) {
	md := buildFailureReportMarkdown(wf, errs, reason)
	_, _ = e.store.WriteArtifact(wf.WorkflowID, "failure-report.md", []byte(md))
}

// StartWorkflow creates a workflow in the proposal phase and drives it
// asynchronously; the returned Workflow reflects only the initial,
// persisted state — callers poll Get or block via WaitForTerminal to
// observe progress.
func (e *Engine) StartWorkflow(ctx context.Context, instruction, projectID string) (Workflow, error) {
	wf := Workflow{
		WorkflowID:  uuid.NewString(),
		ProjectID:   projectID,
		Instruction: instruction,
		Phase:       PhaseProposal,
		Status:      StatusRunning,
		CreatedAt:   time.Now(),
	}
	if err := e.save(&wf); err != nil {
		return Workflow{}, err
	}
	go e.drive(ctx, wf.WorkflowID)
	return wf, nil
}

// Resume restarts driving for a non-terminal workflow after a process
// restart. If the workflow was waiting_approval with no resolver, the
// gate's RequestApproval call on the next drive iteration transparently
// picks up either a decision that arrived while the process was down
// (hadResolver=false path) or re-suspends on a fresh rendezvous.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	wf, err := e.Get(workflowID)
	if err != nil {
		return err
	}
	if isTerminal(wf.Status) {
		return nil
	}
	go e.drive(ctx, workflowID)
	return nil
}

// WaitForTerminal blocks until workflowID reaches a terminal status or
// timeout elapses, polling the store.
func (e *Engine) WaitForTerminal(ctx context.Context, workflowID string, pollEvery, timeout time.Duration) (Workflow, error) {
	deadline := time.Now().Add(timeout)
	for {
		wf, err := e.Get(workflowID)
		if err != nil {
			return Workflow{}, err
		}
		if isTerminal(wf.Status) {
			return wf, nil
		}
		if time.Now().After(deadline) {
			return wf, fmt.Errorf("workflow: %s did not reach a terminal status within %s", workflowID, timeout)
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func (e *Engine) drive(ctx context.Context, workflowID string) {
	for {
		wf, err := e.Get(workflowID)
		if err != nil {
			return
		}
		if isTerminal(wf.Status) {
			return
		}

		select {
		case c := <-e.controlChan(workflowID):
			e.applyControl(&wf, c)
			e.save(&wf)
			if isTerminal(wf.Status) {
				return
			}
		default:
		}

		var cont bool
		switch wf.Phase {
		case PhaseProposal:
			cont = e.runProposal(ctx, &wf)
		case PhaseApproval:
			cont = e.runApproval(ctx, &wf)
		case PhaseDevelopment:
			cont = e.runDevelopment(ctx, &wf)
		case PhaseQualityAssurance:
			cont = e.runQualityAssurance(ctx, &wf)
		case PhaseDelivery:
			cont = e.runDelivery(ctx, &wf)
		default:
			return
		}
		if err := e.save(&wf); err != nil {
			return
		}
		if !cont {
			return
		}
	}
}

func (e *Engine) applyControl(wf *Workflow, c control) {
	switch c.kind {
	case controlCancel:
		var errs []FailureReportError
		if c.reason != "" {
			errs = []FailureReportError{{Code: "cancelled", Message: c.reason}}
		}
		e.terminate(wf, StatusTerminated, c.reason, errs...)
	case controlRollback:
		e.rollback(wf, c.targetPhase, c.reason)
	}
}

func (e *Engine) rollback(wf *Workflow, target Phase, reason string) {
	if reason == "" {
		reason = "rollback"
	}
	if !fmtHasPrefix(reason, "rollback") {
		reason = "rollback: " + reason
	}
	wf.PhaseHistory = append(wf.PhaseHistory, PhaseTransition{From: wf.Phase, To: target, Timestamp: time.Now(), Reason: reason})
	wf.Phase = target
	wf.Status = StatusRunning
	e.clearArtifactsAfter(wf, target)
}

func fmtHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// clearArtifactsAfter drops artifact references owned by phases strictly
// after target — the artifacts themselves stay on disk for audit, but the
// workflow record no longer points a later phase at them.
func (e *Engine) clearArtifactsAfter(wf *Workflow, target Phase) {
	if phaseIndex(target) < phaseIndex(PhaseProposal) {
		wf.ProposalID = ""
	}
	if phaseIndex(target) < phaseIndex(PhaseDelivery) {
		wf.DeliverableID = ""
	}
}

// RollbackToPhase validates that targetPhase precedes the workflow's
// current phase, cancels any outstanding approval rendezvous with reason
// "rolled back", and enqueues the rollback for the owning goroutine to
// apply on its next control check.
func (e *Engine) RollbackToPhase(workflowID string, targetPhase Phase) error {
	wf, err := e.Get(workflowID)
	if err != nil {
		return err
	}
	if phaseIndex(targetPhase) < 0 || phaseIndex(targetPhase) >= phaseIndex(wf.Phase) {
		return &RollbackInvalidError{WorkflowID: workflowID, From: wf.Phase, To: targetPhase}
	}

	// Enqueue the control message before cancelling the rendezvous: the
	// owning goroutine only rechecks the control channel after it wakes
	// from RequestApproval, so queuing first guarantees it sees the
	// rollback on that very wake-up rather than possibly re-blocking on a
	// fresh approval request first.
	e.controlChan(workflowID) <- control{kind: controlRollback, targetPhase: targetPhase, reason: "rollback"}
	_ = e.gate.CancelApproval(workflowID, "rolled back")
	return nil
}

// CancelWorkflow propagates a cancellation to the owning workflow: any
// outstanding approval rendezvous is cancelled and the workflow is
// terminated on its next control check. Already-completed sub-tasks
// remain recorded.
func (e *Engine) CancelWorkflow(workflowID, reason string) error {
	if _, err := e.Get(workflowID); err != nil {
		return err
	}
	e.controlChan(workflowID) <- control{kind: controlCancel, reason: reason}
	_ = e.gate.CancelApproval(workflowID, reason)
	return nil
}

// --- Proposal phase ---

func (e *Engine) runProposal(ctx context.Context, wf *Workflow) bool {
	minutes, err := e.meetings.Conduct(ctx, wf.WorkflowID, e.facilitatorID, wf.Instruction, e.participants, e.statementProvider, e.summarizer)
	if err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}
	wf.MeetingMinutesIDs = append(wf.MeetingMinutesIDs, minutes.MeetingID)

	proposal := proposalFromMinutes(minutes, e.workerTypes)
	if err := e.store.Save("runs/"+wf.WorkflowID, "proposal", proposal); err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}
	wf.ProposalID = minutes.MeetingID

	if e.tickets != nil && wf.TicketID == "" {
		parent, err := e.tickets.CreateParent(wf.ProjectID, wf.Instruction, map[string]interface{}{"workflowId": wf.WorkflowID})
		if err == nil {
			wf.TicketID = parent.ID
		}
	}

	e.transition(wf, PhaseApproval, "")
	return true
}

// ticketTransition moves ticketID to newStatus, swallowing the error: a
// rejected or impossible ticket transition must never fail the workflow
// phase that triggered it, only leave the ticket's own history short.
func (e *Engine) ticketTransition(ticketID string, newStatus ticket.Status) {
	if e.tickets == nil || ticketID == "" {
		return
	}
	_, _ = e.tickets.UpdateStatus(ticketID, newStatus)
}

// ticketFailureUpdater adapts a TicketStore to retry.TicketUpdater so
// HandleWorkerFailure can mark a subtask's child ticket failed on
// retry-budget exhaustion without the retry package importing ticket.
type ticketFailureUpdater struct{ tickets *ticket.Store }

func (u ticketFailureUpdater) MarkFailed(ticketID, reason string) error {
	if u.tickets == nil || ticketID == "" {
		return nil
	}
	_, err := u.tickets.UpdateStatus(ticketID, ticket.StatusFailed)
	return err
}

// buildSummaryReportMarkdown composes the Deliverable.SummaryReport body
// from the workflow's proposal, which runDelivery also renders into an
// accompanying summary-report.html via renderMarkdownHTML.
func buildSummaryReportMarkdown(wf *Workflow, proposal Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Delivery summary: %s\n\n", wf.WorkflowID)
	if proposal.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", proposal.Summary)
	}
	if len(proposal.TaskBreakdown) > 0 {
		b.WriteString("## Tasks\n\n")
		for _, t := range proposal.TaskBreakdown {
			fmt.Fprintf(&b, "- [%d] %s (%s)\n", t.TaskNumber, t.Title, t.WorkerType)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Phase history\n\n")
	for _, ph := range wf.PhaseHistory {
		fmt.Fprintf(&b, "- %s -> %s: %s\n", ph.From, ph.To, ph.Reason)
	}
	return b.String()
}

// renderMarkdownHTML converts a markdown document (a SummaryReport or a
// quality.FailurePayload body) to HTML for surfaces that can't render
// markdown directly.
func renderMarkdownHTML(markdown string) (string, error) {
	var out bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &out); err != nil {
		return "", fmt.Errorf("workflow: render markdown: %w", err)
	}
	return out.String(), nil
}

func proposalFromMinutes(minutes meeting.Minutes, workerTypes []string) Proposal {
	var summary string
	var tasks []Task
	for i, item := range minutes.Agenda {
		if summary != "" {
			summary += " "
		}
		summary += item.FacilitatorSummary
		tasks = append(tasks, Task{
			TaskNumber: i + 1,
			Title:      item.Title,
			WorkerType: workerTypes[i%len(workerTypes)],
		})
	}
	assignments := make([]string, len(minutes.Participants))
	for i, p := range minutes.Participants {
		assignments[i] = p.AgentID
	}
	return Proposal{
		Summary:           summary,
		Scope:             minutes.WorkflowID,
		TaskBreakdown:     tasks,
		WorkerAssignments: assignments,
		MeetingID:         minutes.MeetingID,
		Version:           1,
	}
}

func (e *Engine) loadProposal(workflowID string) (Proposal, error) {
	var p Proposal
	err := e.store.Load("runs/"+workflowID, "proposal", &p)
	return p, err
}

// LoadProposal returns the proposal persisted for workflowID, or a wrapped
// store.ErrNotFound if the workflow hasn't reached the proposal phase yet.
func (e *Engine) LoadProposal(workflowID string) (Proposal, error) {
	return e.loadProposal(workflowID)
}

// LoadDeliverable returns the deliverable persisted for workflowID, or a
// wrapped store.ErrNotFound if the workflow hasn't reached delivery yet.
func (e *Engine) LoadDeliverable(workflowID string) (Deliverable, error) {
	var d Deliverable
	err := e.store.Load("runs/"+workflowID, "deliverable", &d)
	return d, err
}

// LoadProgress returns the subtask progress recorded for workflowID, or a
// wrapped store.ErrNotFound if development hasn't dispatched anything yet.
func (e *Engine) LoadProgress(workflowID string) ([]SubtaskProgressItem, error) {
	var p []SubtaskProgressItem
	err := e.store.Load("runs/"+workflowID, e.progressKey(workflowID), &p)
	return p, err
}

// --- Approval phase ---

func (e *Engine) runApproval(ctx context.Context, wf *Workflow) bool {
	proposal, err := e.loadProposal(wf.WorkflowID)
	if err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}

	wf.Status = StatusWaitingApproval
	e.save(wf)

	decision, err := e.gate.RequestApproval(ctx, wf.WorkflowID, string(PhaseApproval), proposal)
	if err != nil {
		var cancelled *approval.CancelledError
		if errors.As(err, &cancelled) {
			return true // a rollback or cancel already applied via the control channel
		}
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}

	wf.Status = StatusRunning
	switch decision.Action {
	case approval.ActionApprove:
		e.transition(wf, PhaseDevelopment, "")
		return true
	case approval.ActionRequestRevision:
		e.transition(wf, PhaseProposal, decision.Feedback)
		return true
	case approval.ActionReject:
		e.terminate(wf, StatusTerminated, "proposal rejected: "+decision.Feedback,
			FailureReportError{Code: "rejected", Message: "proposal rejected: " + decision.Feedback})
		return false
	default:
		e.terminate(wf, StatusFailed, "unrecognized approval decision action: "+decision.Action,
			FailureReportError{Code: "invalid_decision", Message: "unrecognized approval decision action: " + decision.Action})
		return false
	}
}

// --- Development phase ---

func (e *Engine) progressKey(workflowID string) string { return "progress" }

func (e *Engine) runDevelopment(ctx context.Context, wf *Workflow) bool {
	proposal, err := e.loadProposal(wf.WorkflowID)
	if err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}
	e.ticketTransition(wf.TicketID, ticket.StatusInProgress)

	if len(proposal.TaskBreakdown) == 0 {
		e.transition(wf, PhaseQualityAssurance, "")
		return true
	}

	progress := make([]SubtaskProgressItem, len(proposal.TaskBreakdown))
	taskByID := make(map[string]int, len(progress))
	for i, task := range proposal.TaskBreakdown {
		id := uuid.NewString()
		progress[i] = SubtaskProgressItem{TaskID: id, Title: task.Title, Status: SubtaskWorking, WorkerType: task.WorkerType}
		taskByID[id] = i

		if e.tickets != nil && wf.TicketID != "" {
			child, err := e.tickets.AddChild(wf.TicketID, task.WorkerType, task.Title)
			if err == nil {
				progress[i].TicketID = child.ID
				e.ticketTransition(child.ID, ticket.StatusInProgress)
			}
		}

		msg, _ := bus.NewMessage(bus.TypeTaskAssign, e.engineID, task.WorkerType, map[string]string{"taskId": id, "title": task.Title})
		if err := e.bus.Send(ctx, msg); err != nil {
			progress[i].Status = SubtaskFailed
			progress[i].Error = err.Error()
			e.ticketTransition(progress[i].TicketID, ticket.StatusFailed)
		}
	}
	e.store.Save("runs/"+wf.WorkflowID, e.progressKey(wf.WorkflowID), progress)

	irrecoverable := false
	for {
		remaining := 0
		for _, item := range progress {
			if item.Status != SubtaskCompleted && item.Status != SubtaskSkipped {
				remaining++
			}
		}
		if remaining == 0 || irrecoverable {
			break
		}

		select {
		case c := <-e.controlChan(wf.WorkflowID):
			// A rollback or cancel moves wf.Phase out from under this
			// phase's own loop; stop driving development immediately so
			// drive() re-dispatches on the phase the control just set.
			e.applyControl(wf, c)
			return !isTerminal(wf.Status)
		default:
		}

		msgs, err := e.bus.Poll(ctx, e.engineID, e.pollTimeout)
		if err != nil {
			irrecoverable = true
			break
		}
		if len(msgs) == 0 {
			if ctx.Err() != nil {
				irrecoverable = true
			}
			continue
		}

		for _, m := range msgs {
			var payload struct {
				TaskID string `json:"taskId"`
				Error  string `json:"error"`
			}
			_ = jsonUnmarshalLenient(m.Payload, &payload)
			idx, ok := taskByID[payload.TaskID]
			if !ok {
				continue
			}
			switch m.Type {
			case bus.TypeTaskComplete:
				progress[idx].Status = SubtaskCompleted
				e.ticketTransition(progress[idx].TicketID, ticket.StatusCompleted)
			case bus.TypeTaskFailed:
				outcome := e.retry.HandleWorkerFailure(ctx, wf.WorkflowID, progress[idx].WorkerType, progress[idx].TicketID,
					func(ctx context.Context) (interface{}, error) {
						return nil, fmt.Errorf("%s", payload.Error)
					}, e.ticketUpdater, nil)
				if !outcome.RetryResult.Success {
					// Terminal failure: the ticket (marked by
					// HandleWorkerFailure's TicketUpdater) and escalation
					// both reflect it so a manager reviewing the ticket
					// tree doesn't see a subtask stuck in_progress forever.
					progress[idx].Status = SubtaskFailed
					progress[idx].Error = outcome.RetryResult.Err.Error()
					irrecoverable = true
				}
			case bus.TypeReviewResponse:
				var reviewPayload struct {
					Approved bool `json:"approved"`
				}
				_ = jsonUnmarshalLenient(m.Payload, &reviewPayload)
				if reviewPayload.Approved {
					progress[idx].Status = SubtaskCompleted
					e.ticketTransition(progress[idx].TicketID, ticket.StatusCompleted)
				} else {
					// Open question resolved: a rejected review sends the
					// subtask back to work rather than failing it outright.
					progress[idx].Status = SubtaskWorking
				}
			}
		}
		e.store.Save("runs/"+wf.WorkflowID, e.progressKey(wf.WorkflowID), progress)
	}

	if irrecoverable {
		decision := e.waitForEscalation(ctx, wf.WorkflowID)
		return e.applyEscalation(wf, decision, PhaseDevelopment)
	}

	e.transition(wf, PhaseQualityAssurance, "")
	return true
}

func jsonUnmarshalLenient(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// --- Quality assurance phase ---

func (e *Engine) runQualityAssurance(ctx context.Context, wf *Workflow) bool {
	result, err := e.quality.Execute(ctx, wf.WorkflowID, e.workDirFor(wf.WorkflowID))
	if err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}

	if result.Overall {
		e.transition(wf, PhaseDelivery, "")
		return true
	}

	decision := e.reporter.GenerateDecisionRecommendation(wf.WorkflowID)
	switch decision.Action {
	case quality.ActionRetry, quality.ActionReassign:
		e.transition(wf, PhaseDevelopment, string(decision.Action))
		return true
	default: // escalate
		escalation := e.waitForEscalation(ctx, wf.WorkflowID)
		return e.applyEscalation(wf, escalation, PhaseQualityAssurance)
	}
}

// --- Delivery phase ---

func (e *Engine) runDelivery(ctx context.Context, wf *Workflow) bool {
	proposal, _ := e.loadProposal(wf.WorkflowID)
	deliverable := Deliverable{SummaryReport: buildSummaryReportMarkdown(wf, proposal)}
	if err := e.store.Save("runs/"+wf.WorkflowID, "deliverable", deliverable); err != nil {
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}
	if html, err := renderMarkdownHTML(deliverable.SummaryReport); err == nil {
		_, _ = e.store.WriteArtifact(wf.WorkflowID, "summary-report.html", []byte(html))
	}
	wf.DeliverableID = wf.WorkflowID

	wf.Status = StatusWaitingApproval
	e.save(wf)

	decision, err := e.gate.RequestApproval(ctx, wf.WorkflowID, string(PhaseDelivery), deliverable)
	if err != nil {
		var cancelled *approval.CancelledError
		if errors.As(err, &cancelled) {
			return true
		}
		e.terminate(wf, StatusFailed, err.Error(), errsFromErr(err)...)
		return false
	}

	wf.Status = StatusRunning
	switch decision.Action {
	case approval.ActionApprove:
		e.terminate(wf, StatusCompleted, "")
		e.ticketTransition(wf.TicketID, ticket.StatusCompleted)
		return false
	case approval.ActionRequestRevision:
		e.transition(wf, PhaseDevelopment, decision.Feedback)
		return true
	case approval.ActionReject:
		e.terminate(wf, StatusFailed, "delivery rejected: "+decision.Feedback,
			FailureReportError{Code: "rejected", Message: "delivery rejected: " + decision.Feedback})
		return false
	default:
		e.terminate(wf, StatusFailed, "unrecognized delivery decision action: "+decision.Action,
			FailureReportError{Code: "invalid_decision", Message: "unrecognized delivery decision action: " + decision.Action})
		return false
	}
}

// --- Escalation ---

func (e *Engine) waitForEscalation(ctx context.Context, workflowID string) EscalationDecision {
	ch := make(chan EscalationDecision, 1)
	e.mu.Lock()
	e.escalationWaiters[workflowID] = ch
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return EscalationDecision{Action: "abort", Reason: "context cancelled", DecidedAt: time.Now()}
	case d := <-ch:
		return d
	}
}

// HandleEscalation resolves an outstanding escalation raised by the
// development or quality_assurance phase: retry re-invokes the failing
// phase, skip records a waiver and advances, abort terminates.
func (e *Engine) HandleEscalation(workflowID string, decision EscalationDecision) error {
	e.mu.Lock()
	ch, ok := e.escalationWaiters[workflowID]
	if ok {
		delete(e.escalationWaiters, workflowID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("workflow: no outstanding escalation for %s", workflowID)
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now()
	}
	ch <- decision
	return nil
}

func (e *Engine) applyEscalation(wf *Workflow, decision EscalationDecision, failingPhase Phase) bool {
	switch decision.Action {
	case "retry":
		e.transition(wf, failingPhase, "escalation: retry")
		return true
	case "skip":
		next := canonicalOrder[phaseIndex(failingPhase)+1]
		e.transition(wf, next, "escalation: skip ("+decision.Reason+")")
		return true
	default: // abort
		e.terminate(wf, StatusTerminated, "escalation: abort ("+decision.Reason+")",
			FailureReportError{Code: "escalation_abort", Message: decision.Reason})
		e.ticketTransition(wf.TicketID, ticket.StatusFailed)
		return false
	}
}
