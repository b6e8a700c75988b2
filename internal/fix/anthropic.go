package fix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/pluginops/guardian/internal/ledger"
	"github.com/pluginops/guardian/internal/rules"
)

// AnthropicFixer is the default Fixer collaborator: it asks a model for a
// unified diff that resolves the issue, guided by the rule's fix template.
type AnthropicFixer struct {
	client        *anthropic.Client
	model         string
	retryAttempts int
}

// AnthropicCritic is the default Critic collaborator: it scores a proposal
// 0–100 for whether the patch plausibly resolves the issue without
// collateral damage.
type AnthropicCritic struct {
	client        *anthropic.Client
	model         string
	retryAttempts int
}

// NewAnthropicFixer creates the default fixer.
func NewAnthropicFixer(client *anthropic.Client, model string) *AnthropicFixer {
	return &AnthropicFixer{client: client, model: model, retryAttempts: 3}
}

// NewAnthropicCritic creates the default critic.
func NewAnthropicCritic(client *anthropic.Client, model string) *AnthropicCritic {
	return &AnthropicCritic{client: client, model: model, retryAttempts: 3}
}

// ProposeFix implements Fixer.
func (f *AnthropicFixer) ProposeFix(ctx context.Context, issue *ledger.Issue, rule *rules.Rule) (*Proposal, error) {
	prompt := buildFixerPrompt(issue, rule)

	text, err := callModel(ctx, f.client, f.model, prompt, f.retryAttempts, "fix-proposal")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Patch   string `json:"patch"`
		Summary string `json:"summary"`
	}
	if err := parseJSONResponse(text, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse fixer response: %w", err)
	}
	if resp.Summary == "" {
		resp.Summary = "resolve " + issue.RuleID
	}

	return &Proposal{IssueID: issue.IssueID, Patch: resp.Patch, Summary: resp.Summary}, nil
}

// Score implements Critic.
func (c *AnthropicCritic) Score(ctx context.Context, proposal *Proposal, issue *ledger.Issue) (int, error) {
	prompt := buildCriticPrompt(proposal, issue)

	text, err := callModel(ctx, c.client, c.model, prompt, c.retryAttempts, "fix-review")
	if err != nil {
		return 0, err
	}

	var resp struct {
		Score     int    `json:"score"`
		Reasoning string `json:"reasoning"`
	}
	if err := parseJSONResponse(text, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse critic response: %w", err)
	}
	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}
	return resp.Score, nil
}

func buildFixerPrompt(issue *ledger.Issue, rule *rules.Rule) string {
	var b strings.Builder

	b.WriteString("You are a fixer for a plugin-ecosystem health engine.\n\n")
	b.WriteString("A validation rule flagged a plugin artifact. Produce a minimal unified diff that resolves the violation.\n\n")

	b.WriteString("## Issue\n\n")
	fmt.Fprintf(&b, "**Issue ID**: %s\n", issue.IssueID)
	fmt.Fprintf(&b, "**Plugin**: %s\n", issue.Plugin)
	fmt.Fprintf(&b, "**Artifact**: %s/%s\n", issue.Plugin, issue.Path)
	fmt.Fprintf(&b, "**Rule**: %s (severity %s)\n", issue.RuleID, issue.Severity)
	if issue.Evidence.Expected != "" {
		fmt.Fprintf(&b, "**Expected**: %s\n", issue.Evidence.Expected)
	}
	if issue.Evidence.Actual != "" {
		fmt.Fprintf(&b, "**Actual**: %s\n", issue.Evidence.Actual)
	}
	if issue.Evidence.Message != "" {
		fmt.Fprintf(&b, "**Message**: %s\n", issue.Evidence.Message)
	}
	b.WriteString("\n")

	if rule.FixTemplate != "" {
		b.WriteString("## Fix template\n\n")
		b.WriteString(rule.FixTemplate)
		b.WriteString("\n\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString("- Change only what the violation requires\n")
	b.WriteString("- Paths in the diff are relative to the plugin ecosystem root\n\n")
	b.WriteString("Respond with JSON:\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"patch\": \"unified diff text\",\n")
	b.WriteString("  \"summary\": \"one-line description of the fix\"\n")
	b.WriteString("}\n")
	b.WriteString("```\n")

	return b.String()
}

func buildCriticPrompt(proposal *Proposal, issue *ledger.Issue) string {
	var b strings.Builder

	b.WriteString("You are a critic reviewing a proposed fix for a plugin validation issue.\n\n")

	b.WriteString("## Issue\n\n")
	fmt.Fprintf(&b, "**Rule**: %s (severity %s)\n", issue.RuleID, issue.Severity)
	fmt.Fprintf(&b, "**Artifact**: %s/%s\n", issue.Plugin, issue.Path)
	if issue.Evidence.Expected != "" {
		fmt.Fprintf(&b, "**Expected**: %s\n", issue.Evidence.Expected)
	}
	if issue.Evidence.Actual != "" {
		fmt.Fprintf(&b, "**Actual**: %s\n", issue.Evidence.Actual)
	}
	b.WriteString("\n## Proposed patch\n\n```diff\n")
	patch := proposal.Patch
	if len(patch) > 10000 {
		patch = patch[:10000] + "\n... (truncated)"
	}
	b.WriteString(patch)
	b.WriteString("\n```\n\n")

	b.WriteString("## Instructions\n\n")
	b.WriteString("Score 0-100: does the patch resolve the violation, touch only what it must, and avoid breaking the artifact?\n\n")
	b.WriteString("Respond with JSON:\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"score\": 85,\n")
	b.WriteString("  \"reasoning\": \"why this score\"\n")
	b.WriteString("}\n")
	b.WriteString("```\n")

	return b.String()
}

// callModel sends one prompt and returns the concatenated text blocks,
// retrying a bounded number of times.
func callModel(ctx context.Context, client *anthropic.Client, model, prompt string, attempts int, operation string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 4096,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err == nil {
			var text strings.Builder
			for _, block := range resp.Content {
				if block.Type == "text" {
					text.WriteString(block.Text)
				}
			}
			return text.String(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s canceled: %w", operation, ctx.Err())
		}
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

// parseJSONResponse unmarshals a model response that may wrap its JSON in a
// markdown code fence.
func parseJSONResponse(text string, out interface{}) error {
	text = strings.TrimSpace(text)

	if start := strings.Index(text, "```json"); start >= 0 {
		text = text[start+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	} else if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("invalid JSON in response: %w", err)
	}
	return nil
}
