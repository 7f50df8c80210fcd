package mirror

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/logger"
)

// Git is the set of repository operations the coordinator drives. The
// production implementation shells out to the git binary; tests substitute
// a fake.
type Git interface {
	Pull(ctx context.Context) error
	Push(ctx context.Context) error
	Stage(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (string, error)
	ChangedFiles(ctx context.Context) ([]string, error)
}

// GitClient executes git commands inside the vault checkout.
type GitClient struct {
	dir    string
	remote string
	branch string
	logger *logger.Logger
}

// NewGitClient returns a client bound to the checkout at dir, pulling from
// and pushing to the given remote and branch.
func NewGitClient(dir, remote, branch string, log *logger.Logger) *GitClient {
	return &GitClient{
		dir:    dir,
		remote: remote,
		branch: branch,
		logger: log.WithFields(zap.String("component", "vault-git")),
	}
}

// run executes a git command in the checkout and returns its combined output.
func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debug("executing git command", zap.Strings("args", args))

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// Pull updates the checkout from the configured remote branch.
func (g *GitClient) Pull(ctx context.Context) error {
	_, err := g.run(ctx, "pull", g.remote, g.branch)
	return err
}

// Push sends local commits to the configured remote branch.
func (g *GitClient) Push(ctx context.Context) error {
	_, err := g.run(ctx, "push", g.remote, g.branch)
	return err
}

// Stage adds the given paths to the index, or every change when no paths
// are given.
func (g *GitClient) Stage(ctx context.Context, paths ...string) error {
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append([]string{"add", "--"}, paths...)
	}
	_, err := g.run(ctx, args...)
	return err
}

// Commit records the staged changes and returns the new commit hash.
func (g *GitClient) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// ChangedFiles lists paths that differ from HEAD, staged or not.
func (g *GitClient) ChangedFiles(ctx context.Context) ([]string, error) {
	output, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		// Porcelain lines are "XY <path>"; renames carry "old -> new".
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// CurrentBranch reports the branch the checkout is on.
func (g *GitClient) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}
