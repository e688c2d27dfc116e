// Package agentdriver adapts the provider-agnostic AI client
// (agents/provider, agents/anthropic) into the StatementProvider and
// FacilitatorSummarizer seams meeting.Coordinator consumes, so a real
// meeting is backed by an actual model call per agenda item instead of
// a canned string.
package agentdriver

import (
	"context"
	"fmt"
	"strings"

	"github.com/arctek/aicompany/agents/provider"
	"github.com/arctek/aicompany/meeting"
)

// Driver calls a configured AI provider to produce meeting statements and
// facilitator summaries. AgentModels maps an agentID to the model it
// should use; agents absent from the map fall back to DefaultModel.
type Driver struct {
	Provider     provider.Provider
	DefaultModel string
	AgentModels  map[string]string
	MaxTokens    int
}

// New creates a Driver around p. maxTokens defaults to 1024 if zero.
func New(p provider.Provider, defaultModel string, maxTokens int) *Driver {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Driver{Provider: p, DefaultModel: defaultModel, MaxTokens: maxTokens}
}

func (d *Driver) modelFor(agentID string) string {
	if m, ok := d.AgentModels[agentID]; ok && m != "" {
		return m
	}
	return d.DefaultModel
}

func (d *Driver) complete(ctx context.Context, agentID, system, user string) (string, error) {
	if !d.Provider.Available() {
		return "", fmt.Errorf("agentdriver: provider %s not available", d.Provider.Name())
	}
	resp, err := d.Provider.CreateMessage(ctx, &provider.MessageRequest{
		Model:     d.modelFor(agentID),
		MaxTokens: d.MaxTokens,
		System:    system,
		Messages:  []provider.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", fmt.Errorf("agentdriver: %s: %w", agentID, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Statement implements meeting.StatementProvider.
func (d *Driver) Statement(ctx context.Context, agentID, agendaItemTitle, instruction string) (string, error) {
	system := fmt.Sprintf("You are %s, contributing one focused statement to a planning meeting.", agentID)
	user := fmt.Sprintf("Workflow instruction: %s\n\nAgenda item: %s\n\nGive your perspective in 2-4 sentences.", instruction, agendaItemTitle)
	return d.complete(ctx, agentID, system, user)
}

// Summarize implements meeting.FacilitatorSummarizer.
func (d *Driver) Summarize(ctx context.Context, facilitatorID, agendaItemTitle string, statements []meeting.Statement) (string, error) {
	var b strings.Builder
	for _, s := range statements {
		fmt.Fprintf(&b, "%s: %s\n", s.Author, s.Content)
	}
	system := fmt.Sprintf("You are %s, facilitating a planning meeting. Summarize the discussion into one decision.", facilitatorID)
	user := fmt.Sprintf("Agenda item: %s\n\nStatements:\n%s\nSummarize the conclusion in 1-2 sentences.", agendaItemTitle, b.String())
	return d.complete(ctx, facilitatorID, system, user)
}
