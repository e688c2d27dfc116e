// Package retry implements the RetryEngine: bounded exponential-backoff
// retry with error classification, an escalation hook, and the
// handleWorkerFailure / handleAIUnavailable conveniences the WorkflowEngine
// builds on.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/aicompany/store"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxRetries        int
	InitialDelayMs    int
	BackoffMultiplier float64
	MaxDelayMs        int
}

// DefaultPolicy matches the spec's default: 1s, 2s, 4s, clamped at 4s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 4000}
}

// Delay returns the delay before attempt n (0-indexed), clamped to
// MaxDelayMs. Delays form a monotonically non-decreasing sequence.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelayMs)
	for i := 0; i < n; i++ {
		d *= p.BackoffMultiplier
	}
	if d > float64(p.MaxDelayMs) {
		d = float64(p.MaxDelayMs)
	}
	return time.Duration(d) * time.Millisecond
}

// Category is the closed set of error classifications.
type Category string

const (
	CategoryAIConnection Category = "ai_connection"
	CategoryToolCall     Category = "tool_call"
	CategoryGit          Category = "git"
	CategoryContainer    Category = "container"
	CategoryTimeout      Category = "timeout"
	CategoryValidation   Category = "validation"
	CategoryUnknown      Category = "unknown"
)

// Classify buckets an error by keyword matching. git and container are
// tested before ai_connection so "git clone failed" is not misclassified
// as a connection error.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "git") || strings.Contains(msg, "clone") || strings.Contains(msg, "worktree"):
		return CategoryGit
	case strings.Contains(msg, "container") || strings.Contains(msg, "docker") || strings.Contains(msg, "rootless") || strings.Contains(msg, "dind"):
		return CategoryContainer
	case strings.Contains(msg, "connection") || strings.Contains(msg, "connect") || strings.Contains(msg, "network"):
		return CategoryAIConnection
	case strings.Contains(msg, "tool call") || strings.Contains(msg, "tool_call"):
		return CategoryToolCall
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

// Result is returned by WithRetry.
type Result struct {
	Success      bool
	Result       interface{}
	Err          error
	Attempts     int
	ErrorHistory []error
}

// Escalation is passed to the onEscalation hook when a retry budget is
// exhausted.
type Escalation struct {
	RunID     string
	AgentID   string
	Category  Category
	Err       error
	Attempts  int
	Reason    string
	Timestamp time.Time
}

// OnEscalation is invoked once when retries are exhausted.
type OnEscalation func(Escalation)

// Engine runs operations under a Policy, persisting structured error logs
// through Store and invoking an optional escalation hook.
type Engine struct {
	policy       Policy
	store        *store.Store
	onEscalation OnEscalation
}

// New creates a RetryEngine. onEscalation may be nil.
func New(policy Policy, st *store.Store, onEscalation OnEscalation) *Engine {
	return &Engine{policy: policy, store: st, onEscalation: onEscalation}
}

// Op is the operation WithRetry drives.
type Op func(ctx context.Context) (interface{}, error)

// WithRetry runs op, retrying with the engine's policy on failure. Retry
// delays are cancellation points: ctx cancellation aborts the wait
// immediately. On exhaustion the terminal error is classified, logged to
// runs/<runID>/errors.log, and the escalation hook (if any) fires exactly
// once.
func (e *Engine) WithRetry(ctx context.Context, runID, agentID string, op Op) Result {
	var history []error
	attempts := 0

	for attempt := 0; ; attempt++ {
		attempts++
		result, err := op(ctx)
		if err == nil {
			return Result{Success: true, Result: result, Attempts: attempts, ErrorHistory: history}
		}
		history = append(history, err)

		if attempt >= e.policy.MaxRetries {
			category := Classify(err)
			e.logError(runID, category, err, false)
			if e.onEscalation != nil {
				e.onEscalation(Escalation{
					RunID: runID, AgentID: agentID, Category: category, Err: err,
					Attempts: attempts, Reason: "retry budget exhausted", Timestamp: time.Now(),
				})
			}
			return Result{Success: false, Err: err, Attempts: attempts, ErrorHistory: history}
		}

		e.logError(runID, Classify(err), err, true)

		delay := e.policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			history = append(history, ctx.Err())
			return Result{Success: false, Err: ctx.Err(), Attempts: attempts, ErrorHistory: history}
		case <-timer.C:
		}
	}
}

func (e *Engine) logError(runID string, category Category, err error, recoverable bool) {
	if e.store == nil {
		return
	}
	sev := "RECOVERABLE"
	if !recoverable {
		sev = "FATAL"
	}
	line := fmt.Sprintf("[%s] [%s_ERROR] [%s] %s",
		time.Now().UTC().Format(time.RFC3339Nano), strings.ToUpper(string(category)), sev, err.Error())
	// Logging must never cause an operation to fail: swallow write errors.
	_ = e.store.AppendLog("runs/"+runID, "errors", line)
}

// RecommendedAction is derived from a failure category by
// handleWorkerFailure.
type RecommendedAction string

const (
	ActionReassign     RecommendedAction = "reassign"
	ActionManualReview RecommendedAction = "manual_review"
	ActionEscalate     RecommendedAction = "escalate"
)

func recommend(category Category) RecommendedAction {
	switch category {
	case CategoryAIConnection:
		return ActionReassign
	case CategoryGit:
		return ActionManualReview
	case CategoryValidation:
		return ActionEscalate
	default:
		return ActionManualReview
	}
}

// TicketUpdater marks a ticket failed on exhaustion.
type TicketUpdater interface {
	MarkFailed(ticketID, reason string) error
}

// ManagerNotifier notifies the owning manager of a worker failure.
type ManagerNotifier interface {
	NotifyManagerFailure(ctx context.Context, ticketID string, category Category, action RecommendedAction) error
}

// WorkerFailureOutcome summarizes handleWorkerFailure's result.
type WorkerFailureOutcome struct {
	RetryResult       Result
	Category          Category
	RecommendedAction RecommendedAction
	TicketUpdateErr   error
	NotifyErr         error
}

// HandleWorkerFailure wraps WithRetry: on exhaustion it marks the owning
// ticket failed, notifies the manager, and derives a recommended action.
// The two side-effects are independent — failure of one must not prevent
// the other.
func (e *Engine) HandleWorkerFailure(ctx context.Context, runID, agentID, ticketID string, op Op, tickets TicketUpdater, notifier ManagerNotifier) WorkerFailureOutcome {
	result := e.WithRetry(ctx, runID, agentID, op)
	if result.Success {
		return WorkerFailureOutcome{RetryResult: result}
	}

	category := Classify(result.Err)
	action := recommend(category)

	outcome := WorkerFailureOutcome{RetryResult: result, Category: category, RecommendedAction: action}
	if tickets != nil {
		outcome.TicketUpdateErr = tickets.MarkFailed(ticketID, result.Err.Error())
	}
	if notifier != nil {
		outcome.NotifyErr = notifier.NotifyManagerFailure(ctx, ticketID, category, action)
	}
	return outcome
}

// PausedState is the snapshot written when AI unavailability is detected
// mid-execution.
type PausedState struct {
	RunID               string    `json:"runId"`
	PausedAt            time.Time `json:"pausedAt"`
	TaskStatus          string    `json:"taskStatus"`
	Progress            Progress  `json:"progress"`
	Reason              string    `json:"reason"`
	RecoveryInstructions string   `json:"recoveryInstructions"`
}

// Progress describes how far a task got before pausing.
type Progress struct {
	CompletedSubTasks   int    `json:"completedSubTasks"`
	TotalSubTasks       int    `json:"totalSubTasks"`
	LastProcessedSubTaskID string `json:"lastProcessedSubTaskId,omitempty"`
}

// HandleAIUnavailable writes a PausedState document and logs one error
// line with code AI_UNAVAILABLE. The returned value is guaranteed to
// round-trip equal to what is persisted (callers may immediately Load it
// back and compare).
func (e *Engine) HandleAIUnavailable(runID string, progress Progress) (PausedState, error) {
	ps := PausedState{
		RunID:                runID,
		PausedAt:             time.Now().UTC(),
		TaskStatus:           "paused",
		Progress:             progress,
		Reason:               "AI backend unavailable",
		RecoveryInstructions: "Restore AI backend connectivity and resume the workflow; progress will continue from the last processed sub-task.",
	}

	if e.store != nil {
		if err := e.store.Save("runs/"+runID, "paused-state", ps); err != nil {
			return PausedState{}, err
		}
		line := fmt.Sprintf("[%s] [AI_UNAVAILABLE_ERROR] [RECOVERABLE] AI backend unavailable, workflow paused",
			time.Now().UTC().Format(time.RFC3339Nano))
		_ = e.store.AppendLog("runs/"+runID, "errors", line)
	}
	return ps, nil
}

// LoadPausedState reads back a previously persisted PausedState.
func (e *Engine) LoadPausedState(runID string) (PausedState, error) {
	var ps PausedState
	err := e.store.Load("runs/"+runID, "paused-state", &ps)
	return ps, err
}
