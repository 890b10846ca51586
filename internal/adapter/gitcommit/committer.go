// Package gitcommit implements the host post-commit hook with the git CLI.
package gitcommit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/relaydev/agentrun/internal/git"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/hostcommit"
)

// Committer commits the host workspace of a run's project after a
// successful host-backend run. It never returns an error to the state
// machine: every failure lands in the Result.
type Committer struct {
	store         database.Store
	pool          *git.Pool
	workspaceRoot string
	commitPrefix  string
}

// New creates a Committer. pool bounds concurrent git CLI invocations.
func New(store database.Store, pool *git.Pool, workspaceRoot, commitPrefix string) *Committer {
	return &Committer{
		store:         store,
		pool:          pool,
		workspaceRoot: workspaceRoot,
		commitPrefix:  commitPrefix,
	}
}

// Commit stages and commits everything in the project workspace.
// Outcomes: skipped when there is no repo or nothing changed, error text on
// git failures, otherwise the new commit SHA.
func (c *Committer) Commit(ctx context.Context, runID string) hostcommit.Result {
	r, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return hostcommit.Result{Error: fmt.Sprintf("load run: %v", err)}
	}

	dir := filepath.Join(c.workspaceRoot, r.ProjectID)

	var result hostcommit.Result
	poolErr := c.pool.Run(ctx, func(opCtx context.Context) error {
		result = c.commitDir(opCtx, dir, runID)
		return nil
	})
	if poolErr != nil {
		return hostcommit.Result{Error: fmt.Sprintf("git pool: %v", poolErr)}
	}
	return result
}

func (c *Committer) commitDir(ctx context.Context, dir, runID string) hostcommit.Result {
	if _, err := c.run(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return hostcommit.Result{OK: true, Skipped: true}
	}

	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return hostcommit.Result{Error: fmt.Sprintf("git add: %v", err)}
	}

	// diff --cached --quiet exits 1 when there is something to commit.
	if _, err := c.run(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return hostcommit.Result{OK: true, Skipped: true}
	}

	msg := fmt.Sprintf("%s run %s", c.commitPrefix, runID)
	if _, err := c.run(ctx, dir, "commit", "-m", msg); err != nil {
		return hostcommit.Result{Error: fmt.Sprintf("git commit: %v", err)}
	}

	sha, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		slog.Warn("commit landed but rev-parse failed", "dir", dir, "error", err)
		return hostcommit.Result{OK: true}
	}
	return hostcommit.Result{OK: true, CommitSHA: strings.TrimSpace(sha)}
}

func (c *Committer) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(errOut.String()))
	}
	return out.String(), nil
}
