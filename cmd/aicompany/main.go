// aicompany runs the orchestration core: a WorkflowEngine driving
// proposal -> approval -> development -> quality_assurance -> delivery
// pipelines, wired to a pluggable AI adapter and a per-workflow git
// worktree. The GUI/HTTP presentation layer this talks to is deliberately
// out of scope here; this binary exposes only the CLI surface needed to
// submit work and inspect it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arctek/aicompany/agentdriver"
	"github.com/arctek/aicompany/agents/provider"
	"github.com/arctek/aicompany/api"
	"github.com/arctek/aicompany/approval"
	"github.com/arctek/aicompany/bus"
	"github.com/arctek/aicompany/chatlog"
	"github.com/arctek/aicompany/codingagent"
	"github.com/arctek/aicompany/knowledgebase"
	"github.com/arctek/aicompany/meeting"
	"github.com/arctek/aicompany/quality"
	"github.com/arctek/aicompany/queue"
	"github.com/arctek/aicompany/retry"
	"github.com/arctek/aicompany/store"
	"github.com/arctek/aicompany/ticket"
	"github.com/arctek/aicompany/workflow"
	"github.com/arctek/aicompany/workspace"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		repoRoot      = flag.String("repo", ".", "Repository root path")
		runtimeDir    = flag.String("runtime", "runtime", "Runtime state directory")
		worktreeDir   = flag.String("worktrees", "runtime/worktrees", "Git worktree directory")
		mainBranch    = flag.String("main-branch", "main", "Integration branch")
		kbPath        = flag.String("kb", "runtime/knowledgebase.db", "Expertise index SQLite path")
		bootstrapYAML = flag.String("config", "aicompany.yaml", "Optional bootstrap YAML config")
		aiAdapter     = flag.String("ai-adapter", "anthropic", "AI adapter: anthropic|openai|google")
		participants  = flag.String("participants", "developer,tester,reviewer", "Comma-separated meeting participant agent ids")
		showVersion   = flag.Bool("version", false, "Show version")
		submit        = flag.String("submit", "", "Submit a new workflow for this instruction and exit")
		projectID     = flag.String("project", "default", "Project id for -submit")
		statusOf      = flag.String("status", "", "Print the status of one workflow id and exit")
		list          = flag.Bool("list", false, "List all known workflows and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("aicompany %s (commit: %s)\n", version, gitCommit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	st, err := store.New(*runtimeDir)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}

	a, err := buildAPI(st, *repoRoot, *worktreeDir, *mainBranch, *kbPath, *bootstrapYAML, *aiAdapter, *participants, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "err", err)
		os.Exit(1)
	}

	switch {
	case *submit != "":
		runSubmit(a, *submit, *projectID)
	case *statusOf != "":
		runStatus(a, *statusOf)
	case *list:
		runList(a)
	default:
		runServe(a, logger)
	}
}

func buildAPI(st *store.Store, repoRoot, worktreeDir, mainBranch, kbPath, bootstrapYAML, aiAdapterName, participantsCSV string, logger *slog.Logger) (*api.API, error) {
	cfg, err := api.LoadBootstrapYAML(bootstrapYAML, api.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("load bootstrap config: %w", err)
	}
	if cfg.DefaultAIAdapter == "" {
		cfg.DefaultAIAdapter = aiAdapterName
	}

	factory := provider.NewFactory()
	aiProvider, err := factory.GetProvider(cfg.DefaultAIAdapter)
	if err != nil {
		return nil, fmt.Errorf("resolve AI adapter %q: %w", cfg.DefaultAIAdapter, err)
	}
	driver := agentdriver.New(aiProvider, cfg.DefaultModel, 4096)

	kb, err := knowledgebase.Open(kbPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}

	gate := approval.New(st)
	meetings := meeting.New(st)
	chatlogs := chatlog.New(st)
	tickets := ticket.New(st)

	fileQueue, err := queue.NewFileQueue(worktreeDir + "/../bus")
	if err != nil {
		return nil, fmt.Errorf("open message queue: %w", err)
	}
	msgQueue := queue.New(fileQueue)
	agentBus := bus.New(msgQueue, st, "engine", chatlog.BusSink{Store: chatlogs, WorkflowID: ""})

	reporter := quality.NewReporter()
	retryEngine := retry.New(retry.DefaultPolicy(), st, func(esc retry.Escalation) {
		guidance, _ := kb.EscalationGuidance(context.Background(), string(esc.Category))
		logger.Warn("retry budget exhausted", "workflowId", esc.RunID, "agentId", esc.AgentID, "category", esc.Category, "guidance", guidance)
	})

	workspaces := workspace.New(repoRoot, worktreeDir, mainBranch)

	registry := codingagent.NewRegistry(codingagent.DriverCapability{CapabilityName: "default", Driver: driver, AgentID: "coder"})
	for _, wt := range []string{"developer", "test", "reviewer"} {
		registry.Register(wt, codingagent.DriverCapability{CapabilityName: wt, Driver: driver, AgentID: wt})
	}

	qualityGate := quality.New(st, nil)
	qualityGate.TestsEnabled = true
	qualityGate.LintCmd = shellCommand("go", "vet", "./...")
	qualityGate.TestCmd = shellCommand("go", "test", "./...")
	qualityGate.DiscoverTests = func(workDir string) bool {
		entries, err := os.ReadDir(workDir)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), "_test.go") {
				return true
			}
		}
		return false
	}

	var meetingParticipants []meeting.Participant
	for _, agentID := range strings.Split(participantsCSV, ",") {
		agentID = strings.TrimSpace(agentID)
		if agentID == "" {
			continue
		}
		tags, _ := kb.ExpertiseTags(context.Background(), agentID)
		meetingParticipants = append(meetingParticipants, meeting.Participant{AgentID: agentID, Role: "contributor", WorkerType: agentID, Expertise: tags})
	}

	engine := workflow.New(workflow.Config{
		Store:             st,
		Gate:              gate,
		Meetings:          meetings,
		Bus:               agentBus,
		Retry:             retryEngine,
		Quality:           qualityGate,
		Reporter:          reporter,
		Tickets:           tickets,
		EngineID:          "aicompany-engine",
		FacilitatorID:     "facilitator",
		Participants:      meetingParticipants,
		StatementProvider: driver,
		Summarizer:        driver,
		WorkDirFor:        workspaces.WorkDirFor,
		WorkerTypes:       registry.WorkerTypes(),
	})

	aiChecker := providerAIChecker{provider: aiProvider}
	return api.New(engine, gate, qualityGate, meetings, chatlogs, st, aiChecker), nil
}

// providerAIChecker adapts a single agents/provider.Provider into
// api.AIChecker.
type providerAIChecker struct {
	provider provider.Provider
}

func (c providerAIChecker) Available() (bool, []string) {
	if c.provider.Available() {
		return true, nil
	}
	return false, []string{fmt.Sprintf("adapter %q is not configured (missing API key)", c.provider.Name())}
}

// shellCommand adapts an external command into a quality.CommandRunner.
func shellCommand(name string, args ...string) quality.CommandRunner {
	return func(ctx context.Context, workDir string) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		return string(out), err
	}
}

func runSubmit(a *api.API, instruction, projectID string) {
	id, err := a.SubmitTask(context.Background(), instruction, projectID, api.TaskOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func runStatus(a *api.API, workflowID string) {
	wf, err := a.GetWorkflow(workflowID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s  phase=%s  status=%s\n", wf.WorkflowID, wf.Phase, wf.Status)
}

func runList(a *api.API) {
	wfs, err := a.ListWorkflows("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	for _, wf := range wfs {
		fmt.Printf("%s  phase=%s  status=%s  project=%s\n", wf.WorkflowID, wf.Phase, wf.Status, wf.ProjectID)
	}
}

// runServe keeps the process alive until an interrupt, logging a status
// tick every 30s. It starts no workflows and does not resume any left
// non-terminal by an earlier process (nothing here calls
// workflow.Engine.Resume), so a workflow submitted with -submit by another
// invocation is not driven by this one.
func runServe(a *api.API, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	h := a.HealthAI()
	logger.Info("aicompany orchestrator started", "aiAvailable", h.Available, "hints", h.Hints)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wfs, err := a.ListWorkflows("")
			if err != nil {
				logger.Warn("status tick: list workflows failed", "err", err)
				continue
			}
			active := 0
			for _, wf := range wfs {
				if wf.Status == workflow.StatusRunning || wf.Status == workflow.StatusWaitingApproval {
					active++
				}
			}
			logger.Info("status tick", "activeWorkflows", active, "paused", a.Health().Paused)
		}
	}
}
