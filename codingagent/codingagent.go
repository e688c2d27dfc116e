// Package codingagent implements the CodingAgentRegistry: the seam
// between a development subtask's workerType and the concrete coding
// agent backend that actually executes it, adapted from the teacher's
// AgentSpawner interface and SpawnerFactory mode-selection (CLI vs API
// vs auto) into a registry keyed by worker type instead of by spawner
// mode.
package codingagent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arctek/aicompany/agentdriver"
)

// Capability is one coding agent backend a workerType can be routed to -
// an AgentDriver plus whatever workspace/tooling wiring it needs, kept
// opaque to the registry itself.
type Capability interface {
	// Name identifies this capability in logs and registry errors.
	Name() string

	// Execute runs task (the bus payload dispatched by
	// workflow.Engine.runDevelopment) in workDir and returns its result
	// description, or an error the caller reports back over the bus as a
	// task_failed message.
	Execute(ctx context.Context, task Task, workDir string) (string, error)
}

// Task is the subset of a development subtask a Capability needs to act.
type Task struct {
	TaskID     string
	Title      string
	WorkerType string
}

// Registry maps worker types to the Capability that handles them,
// generalizing SpawnerFactory's single mode-to-spawner resolution into a
// per-workerType table so distinct roles (developer, test, reviewer) can
// each be backed by a different model or tool.
type Registry struct {
	mu           sync.RWMutex
	byWorkerType map[string]Capability
	fallback     Capability
}

// NewRegistry creates an empty Registry. fallback, if non-nil, is used
// for any workerType with no specific registration.
func NewRegistry(fallback Capability) *Registry {
	return &Registry{byWorkerType: make(map[string]Capability), fallback: fallback}
}

// Register binds workerType to capability, replacing any prior binding.
func (r *Registry) Register(workerType string, capability Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byWorkerType[workerType] = capability
}

// UnregisteredWorkerTypeError is returned by Resolve when workerType has
// no binding and the registry has no fallback.
type UnregisteredWorkerTypeError struct{ WorkerType string }

func (e *UnregisteredWorkerTypeError) Error() string {
	return fmt.Sprintf("codingagent: no capability registered for worker type %q", e.WorkerType)
}

// Resolve returns the Capability bound to workerType, falling back to
// the registry's default if no specific binding exists.
func (r *Registry) Resolve(workerType string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if capability, ok := r.byWorkerType[workerType]; ok {
		return capability, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &UnregisteredWorkerTypeError{WorkerType: workerType}
}

// Dispatch resolves workerType and executes task against it in workDir.
func (r *Registry) Dispatch(ctx context.Context, task Task, workDir string) (string, error) {
	capability, err := r.Resolve(task.WorkerType)
	if err != nil {
		return "", err
	}
	return capability.Execute(ctx, task, workDir)
}

// DriverCapability is the default Capability: it asks an AgentDriver to
// perform the task and reports back whatever the model returned as the
// outcome description. Real command execution inside workDir (editing
// files, running a compiler) stays behind the opaque AgentDriver seam,
// consistent with the spec treating it as a capability the core merely
// calls through rather than something this registry implements itself.
type DriverCapability struct {
	CapabilityName string
	Driver         *agentdriver.Driver
	AgentID        string
}

// Name implements Capability.
func (c DriverCapability) Name() string { return c.CapabilityName }

// Execute implements Capability.
func (c DriverCapability) Execute(ctx context.Context, task Task, workDir string) (string, error) {
	instruction := fmt.Sprintf("Working directory: %s. Complete this task and summarize what changed.", workDir)
	return c.Driver.Statement(ctx, c.AgentID, task.Title, instruction)
}

// WorkerTypes lists every worker type with an explicit binding, sorted.
func (r *Registry) WorkerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byWorkerType))
	for wt := range r.byWorkerType {
		types = append(types, wt)
	}
	sort.Strings(types)
	return types
}
