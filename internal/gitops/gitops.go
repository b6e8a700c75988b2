// Package gitops creates and reuses per-issue debug branches and commits
// accepted fixes with traceable metadata. It shells out to the git CLI so
// branch and worktree semantics always match the operator's own git.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Coordinator performs branch and commit operations in one repository.
type Coordinator struct {
	gitPath  string
	repoPath string
}

// CommitMessage is the structured commit written for an accepted fix. The
// Issue-ID and Session-ID trailers make every fix commit traceable back to
// the ledger entry and the session that produced it.
type CommitMessage struct {
	IssueID     string
	SessionID   string
	Plugin      string
	Component   string
	Description string
}

// New creates a Coordinator for the repository at repoPath. It verifies that
// git is available.
func New(ctx context.Context, repoPath string) (*Coordinator, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}
	return &Coordinator{gitPath: gitPath, repoPath: repoPath}, nil
}

// BranchName returns the deterministic debug branch name for an issue.
func BranchName(plugin, issueSlug string) string {
	return fmt.Sprintf("debug/%s/%s", plugin, issueSlug)
}

// EnsureBranch creates debug/<plugin>/<slug> from the current HEAD if it does
// not exist, or switches to it if it does. Idempotent; returns the branch
// name either way.
func (c *Coordinator) EnsureBranch(ctx context.Context, plugin, issueSlug string) (string, error) {
	branch := BranchName(plugin, issueSlug)

	exists, err := c.branchExists(ctx, branch)
	if err != nil {
		return "", err
	}

	if exists {
		if _, err := c.run(ctx, "checkout", branch); err != nil {
			return "", fmt.Errorf("failed to switch to branch %s: %w", branch, err)
		}
	} else {
		if _, err := c.run(ctx, "checkout", "-b", branch); err != nil {
			return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
		}
	}
	return branch, nil
}

// CommitFix commits currently staged changes with Issue-ID and Session-ID
// trailers and returns the commit hash.
func (c *Coordinator) CommitFix(ctx context.Context, msg CommitMessage) (string, error) {
	if msg.IssueID == "" {
		return "", fmt.Errorf("issue ID is required")
	}
	if msg.Description == "" {
		return "", fmt.Errorf("commit description is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "fix(%s): %s\n\n", msg.Plugin, msg.Description)
	if msg.Component != "" {
		fmt.Fprintf(&b, "Component: %s\n", msg.Component)
	}
	fmt.Fprintf(&b, "Issue-ID: %s\n", msg.IssueID)
	if msg.SessionID != "" {
		fmt.Fprintf(&b, "Session-ID: %s\n", msg.SessionID)
	}

	return c.Commit(ctx, b.String())
}

// Commit commits currently staged changes with the given message and returns
// the commit hash.
func (c *Coordinator) Commit(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	hash, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Push pushes a branch to origin. It never force-pushes and never retries;
// on failure the local commit is intact and the error is surfaced to the
// caller.
func (c *Coordinator) Push(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("failed to push %s (local commit preserved): %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Coordinator) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasStagedChanges reports whether anything is staged for commit. The fix
// pipeline uses this as a preflight so it never creates empty fix commits.
func (c *Coordinator) HasStagedChanges(ctx context.Context) (bool, error) {
	// diff --cached --quiet exits 1 when there are staged changes.
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("failed to check staged changes: %w", err)
}

// ApplyPatch applies a unified diff to the working tree. An empty patch is a
// no-op so fixers that edit the tree directly can return one.
func (c *Coordinator) ApplyPatch(ctx context.Context, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath, "apply", "--whitespace=nowarn", "-")
	cmd.Stdin = strings.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git apply failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StageAll stages every change under the repository.
func (c *Coordinator) StageAll(ctx context.Context) error {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

func (c *Coordinator) branchExists(ctx context.Context, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath,
		"rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check branch %s: %w", branch, err)
}

func (c *Coordinator) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", c.repoPath}, args...)
	cmd := exec.CommandContext(ctx, c.gitPath, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
