// Package workspace adapts the teacher's per-ticket git worktree manager
// (git.WorktreeManager) into a per-workflow WorkspaceProvider: one
// isolated worktree per running workflow instead of one per kanban
// ticket, so a workflow.Engine's development phase can give worker
// agents a real working directory to run lint/test commands in.
package workspace

import (
	"fmt"
	"sync"

	"github.com/arctek/aicompany/git"
)

// Provider hands out and reclaims one worktree per workflow.
type Provider struct {
	worktrees *git.WorktreeManager
	repoRoot  string
	mu        sync.Mutex
	paths     map[string]string // workflowID -> worktree path
}

// New creates a Provider backed by a worktree manager rooted at repoRoot,
// storing worktrees under repoRoot/worktreeDir and branching off mainBranch.
func New(repoRoot, worktreeDir, mainBranch string) *Provider {
	worktrees := git.NewWorktreeManager(repoRoot, worktreeDir, mainBranch)
	// Use repoRoot itself as the local source repo: worktrees branch off the
	// local mainBranch and nothing is fetched from a remote.
	worktrees.SetBareRepo(repoRoot)
	return &Provider{
		worktrees: worktrees,
		repoRoot:  repoRoot,
		paths:     make(map[string]string),
	}
}

// WorkDirFor satisfies workflow.Config.WorkDirFor: it lazily creates (or
// reuses) an isolated worktree for workflowID and returns its path. Errors
// from worktree creation fall back to the repo root, since WorkDirFor's
// signature has no error return - a failed checkout degrades to running
// quality checks against the shared main checkout rather than failing the
// whole phase.
func (p *Provider) WorkDirFor(workflowID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path, ok := p.paths[workflowID]; ok {
		return path
	}

	branch := git.GenerateBranchName("workflow/", workflowID, "")
	path, err := p.worktrees.CreateWorktree(workflowID, branch)
	if err != nil {
		return p.repoRoot
	}
	p.paths[workflowID] = path
	return path
}

// Release removes the worktree allocated for workflowID, if any, and its
// branch. Called once a workflow reaches a terminal status.
func (p *Provider) Release(workflowID string, removeBranch bool) error {
	p.mu.Lock()
	path, ok := p.paths[workflowID]
	if ok {
		delete(p.paths, workflowID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := p.worktrees.RemoveWorktree(path, removeBranch); err != nil {
		return fmt.Errorf("workspace: release %s: %w", workflowID, err)
	}
	return nil
}
