// Package api implements the OrchestratorAPI: the thin admission layer in
// front of WorkflowEngine, QualityGate, MeetingCoordinator and
// ChatLogCapture. It owns the concerns unique to this layer - uniform
// error envelopes, AI-availability gating before task admission, body-size
// limits, and configuration validation - generalized from the teacher's
// JSON dashboard handlers to this module's own wire operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arctek/aicompany/approval"
	"github.com/arctek/aicompany/chatlog"
	"github.com/arctek/aicompany/meeting"
	"github.com/arctek/aicompany/quality"
	"github.com/arctek/aicompany/store"
	"github.com/arctek/aicompany/workflow"
)

// Error codes, matching the taxonomy in the orchestration spec.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeAIUnavailable    = "AI_UNAVAILABLE"
	CodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
)

// Error is a coded API failure, rendered into the envelope's error/code
// fields.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Envelope is the uniform wire response shape for every operation.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Ok wraps data as a successful envelope.
func Ok(data interface{}) Envelope { return Envelope{Success: true, Data: data} }

// Fail renders err (ideally an *Error) as a failed envelope.
func Fail(err error) Envelope {
	if apiErr, ok := err.(*Error); ok {
		return Envelope{Success: false, Error: apiErr.Message, Code: apiErr.Code}
	}
	return Envelope{Success: false, Error: err.Error(), Code: CodeInternalError}
}

// AIChecker reports whether at least one AI backend (local LLM or a
// registered coding agent) is currently available, plus human-readable
// setup hints to return alongside AI_UNAVAILABLE.
type AIChecker interface {
	Available() (bool, []string)
}

// AlwaysAvailable is an AIChecker that never blocks admission - useful in
// tests and single-adapter deployments where availability is assumed.
type AlwaysAvailable struct{}

// Available implements AIChecker.
func (AlwaysAvailable) Available() (bool, []string) { return true, nil }

// MaxBodyBytes is the default admission-layer body-size ceiling.
const MaxBodyBytes = 1 << 20 // 1 MiB

// API is the OrchestratorAPI.
type API struct {
	engine   *workflow.Engine
	approval *approval.Gate
	quality  *quality.Gate
	meetings *meeting.Coordinator
	chatlogs *chatlog.Store
	store    *store.Store
	ai       AIChecker

	maxBodyBytes int64

	mu     sync.Mutex
	config Config
	paused bool
}

// New creates an OrchestratorAPI. ai may be nil, in which case
// AlwaysAvailable is used. gate must be the same approval.Gate instance
// the engine was constructed with, so ApproveWorkflow's decision actually
// resolves the engine's pending rendezvous.
func New(engine *workflow.Engine, gate *approval.Gate, qualityGate *quality.Gate, meetings *meeting.Coordinator, chatlogs *chatlog.Store, st *store.Store, ai AIChecker) *API {
	if ai == nil {
		ai = AlwaysAvailable{}
	}
	a := &API{
		engine:       engine,
		approval:     gate,
		quality:      qualityGate,
		meetings:     meetings,
		chatlogs:     chatlogs,
		store:        st,
		ai:           ai,
		maxBodyBytes: MaxBodyBytes,
		config:       DefaultConfig(),
	}
	var persisted Config
	if err := st.Load("state", "config", &persisted); err == nil {
		a.config = persisted
	}
	return a
}

// CheckBodySize returns a BODY_TOO_LARGE error if n exceeds the configured
// ceiling.
func (a *API) CheckBodySize(n int64) error {
	if n > a.maxBodyBytes {
		return newError(CodeBodyTooLarge, "request body of %d bytes exceeds the %d byte limit", n, a.maxBodyBytes)
	}
	return nil
}

// --- Task admission ---

// TaskOptions are the optional fields accepted by SubmitTask.
type TaskOptions struct {
	Priority string
	Tags     []string
	Deadline *time.Time
}

// SubmitTask admits a new task iff an AI backend is available, then starts
// a workflow for it. The task id and the workflow id are the same value:
// a task is simply an admitted-and-running workflow.
func (a *API) SubmitTask(ctx context.Context, instruction, projectID string, _ TaskOptions) (string, error) {
	a.mu.Lock()
	paused := a.paused
	a.mu.Unlock()
	if paused {
		return "", newError(CodeAIUnavailable, "agent pool is paused")
	}

	if ok, hints := a.ai.Available(); !ok {
		msg := "no AI backend is available"
		if len(hints) > 0 {
			msg = fmt.Sprintf("%s (%v)", msg, hints)
		}
		return "", newError(CodeAIUnavailable, "%s", msg)
	}
	if instruction == "" {
		return "", newError(CodeValidationError, "instruction is required")
	}

	wf, err := a.engine.StartWorkflow(ctx, instruction, projectID)
	if err != nil {
		return "", newError(CodeInternalError, "%v", err)
	}
	return wf.WorkflowID, nil
}

// GetTaskStatus is an alias for GetWorkflow: a task id is a workflow id.
func (a *API) GetTaskStatus(taskID string) (workflow.Workflow, error) {
	return a.GetWorkflow(taskID)
}

// CancelTask cancels the workflow backing taskID.
func (a *API) CancelTask(taskID string) error {
	if err := a.engine.CancelWorkflow(taskID, "cancelled via cancelTask"); err != nil {
		return translateWorkflowError(err)
	}
	return nil
}

// --- Workflow operations ---

// StartWorkflow starts a workflow directly, bypassing task-level AI
// gating (used by callers that already know a backend is available, e.g.
// an internal retry).
func (a *API) StartWorkflow(ctx context.Context, instruction, projectID string) (workflow.Workflow, error) {
	wf, err := a.engine.StartWorkflow(ctx, instruction, projectID)
	if err != nil {
		return workflow.Workflow{}, newError(CodeInternalError, "%v", err)
	}
	return wf, nil
}

// ListWorkflows returns every workflow, optionally filtered by status.
func (a *API) ListWorkflows(statusFilter workflow.Status) ([]workflow.Workflow, error) {
	wfs, err := a.engine.List(statusFilter)
	if err != nil {
		return nil, newError(CodeInternalError, "%v", err)
	}
	return wfs, nil
}

// GetWorkflow returns the full state of workflowID.
func (a *API) GetWorkflow(workflowID string) (workflow.Workflow, error) {
	wf, err := a.engine.Get(workflowID)
	if err != nil {
		return workflow.Workflow{}, translateWorkflowError(err)
	}
	return wf, nil
}

// ApproveWorkflow submits an approval decision (approve/request_revision/
// reject) for workflowID. Returns INVALID_STATE if the workflow is not
// currently waiting_approval; a workflow with no outstanding approval
// request still accepts the decision as pending.
func (a *API) ApproveWorkflow(workflowID string, action approval.Action, feedback string) error {
	wf, err := a.engine.Get(workflowID)
	if err != nil {
		return translateWorkflowError(err)
	}
	if wf.Status != workflow.StatusWaitingApproval {
		return newError(CodeInvalidState, "workflow %s is not waiting for approval (status=%s)", workflowID, wf.Status)
	}
	// hadResolver==false just means the decision is queued as pending and
	// will be picked up by the engine's next RequestApproval call for this
	// workflow (the restart-race path) - not an error condition.
	if _, err := a.approval.SubmitDecision(workflowID, approval.Decision{
		Action:   action,
		Feedback: feedback,
	}); err != nil {
		return newError(CodeInvalidState, "%v", err)
	}
	return nil
}

// EscalateWorkflow resolves an outstanding escalation for workflowID.
func (a *API) EscalateWorkflow(workflowID, action, reason string) error {
	if err := a.engine.HandleEscalation(workflowID, workflow.EscalationDecision{Action: action, Reason: reason}); err != nil {
		return newError(CodeInvalidState, "%v", err)
	}
	return nil
}

// RollbackWorkflow rolls workflowID back to targetPhase.
func (a *API) RollbackWorkflow(workflowID string, targetPhase workflow.Phase) error {
	if err := a.engine.RollbackToPhase(workflowID, targetPhase); err != nil {
		return newError(CodeInvalidState, "%v", err)
	}
	return nil
}

// --- Artifact getters ---

// GetProposal returns the proposal persisted for workflowID, or NOT_FOUND.
func (a *API) GetProposal(workflowID string) (*workflow.Proposal, error) {
	p, err := a.engine.LoadProposal(workflowID)
	if err != nil {
		return nil, notFoundOrErr(err)
	}
	return &p, nil
}

// GetDeliverable returns the deliverable persisted for workflowID, or
// NOT_FOUND if delivery hasn't happened yet.
func (a *API) GetDeliverable(workflowID string) (*workflow.Deliverable, error) {
	d, err := a.engine.LoadDeliverable(workflowID)
	if err != nil {
		return nil, notFoundOrErr(err)
	}
	return &d, nil
}

// GetMeetings returns the meeting minutes recorded for workflowID.
func (a *API) GetMeetings(workflowID string) ([]meeting.Minutes, error) {
	ids, err := a.meetings.ListMeetings(workflowID)
	if err != nil {
		return nil, newError(CodeInternalError, "%v", err)
	}
	out := make([]meeting.Minutes, 0, len(ids))
	for _, id := range ids {
		m, err := a.meetings.Load(workflowID, id)
		if err != nil {
			return nil, newError(CodeInternalError, "%v", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetProgress returns the development-phase subtask progress for
// workflowID, or NOT_FOUND if development hasn't started.
func (a *API) GetProgress(workflowID string) ([]workflow.SubtaskProgressItem, error) {
	p, err := a.engine.LoadProgress(workflowID)
	if err != nil {
		return nil, notFoundOrErr(err)
	}
	return p, nil
}

// GetQuality returns the quality gate result for workflowID, or NOT_FOUND
// if quality assurance hasn't run yet.
func (a *API) GetQuality(workflowID string) (*quality.Result, error) {
	r, err := a.quality.Load(workflowID)
	if err != nil {
		return nil, notFoundOrErr(err)
	}
	return &r, nil
}

// --- Activity ---

// ActivityStream exposes ChatLogCapture's bounded, newest-first feed.
func (a *API) ActivityStream(limit int) ([]chatlog.Entry, error) {
	entries, err := a.chatlogs.ActivityStream(limit)
	if err != nil {
		return nil, newError(CodeInternalError, "%v", err)
	}
	return entries, nil
}

// --- Agent pool control ---

// PauseAgents stops admission of new tasks without disturbing running
// workflows.
func (a *API) PauseAgents() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// ResumeAgents resumes admission of new tasks.
func (a *API) ResumeAgents() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// EmergencyStop cancels every non-terminal workflow and pauses admission
// until ResumeAgents is called.
func (a *API) EmergencyStop(reason string) error {
	a.PauseAgents()

	running, err := a.engine.List(workflow.StatusRunning)
	if err != nil {
		return newError(CodeInternalError, "%v", err)
	}
	waiting, err := a.engine.List(workflow.StatusWaitingApproval)
	if err != nil {
		return newError(CodeInternalError, "%v", err)
	}
	for _, wf := range append(running, waiting...) {
		if err := a.engine.CancelWorkflow(wf.WorkflowID, "emergency stop: "+reason); err != nil {
			return newError(CodeInternalError, "%v", err)
		}
	}
	return nil
}

// --- Health ---

// HealthStatus is the liveness response.
type HealthStatus struct {
	Status string `json:"status"`
	Paused bool   `json:"paused"`
}

// Health reports liveness.
func (a *API) Health() HealthStatus {
	a.mu.Lock()
	paused := a.paused
	a.mu.Unlock()
	return HealthStatus{Status: "ok", Paused: paused}
}

// AIHealthStatus is the AI-availability breakdown response.
type AIHealthStatus struct {
	Available bool     `json:"available"`
	Hints     []string `json:"hints,omitempty"`
}

// HealthAI reports AI backend availability.
func (a *API) HealthAI() AIHealthStatus {
	ok, hints := a.ai.Available()
	return AIHealthStatus{Available: ok, Hints: hints}
}

func notFoundOrErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeNotFound, "%v", err)
	}
	return newError(CodeInternalError, "%v", err)
}

func translateWorkflowError(err error) error {
	var nf *workflow.NotFoundError
	if errors.As(err, &nf) {
		return newError(CodeWorkflowNotFound, "%v", err)
	}
	return newError(CodeInternalError, "%v", err)
}
