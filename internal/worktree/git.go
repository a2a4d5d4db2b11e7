// Package worktree discovers the git context a concord process runs in.
//
// Every worktree of one repository shares a single coordination root under
// the main worktree, found through `git rev-parse --git-common-dir`, so
// instances in different worktrees see each other's locks and decisions.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/concord/internal/errors"
)

// CoordinationDirName is the directory under the main worktree that holds the
// coordination store.
const CoordinationDirName = ".concord"

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Context describes where in a repository a process is running.
type Context struct {
	// TopLevel is the root of the worktree containing the working directory.
	TopLevel string `json:"top_level"`
	// MainRoot is the root of the main worktree. It equals TopLevel outside
	// linked worktrees.
	MainRoot string `json:"main_root"`
	// Branch is the checked-out branch, or "HEAD" when detached.
	Branch string `json:"branch"`
}

// IsLinked reports whether the context is a linked worktree rather than the
// main one.
func (c Context) IsLinked() bool {
	return c.TopLevel != c.MainRoot
}

// CoordinationDir returns the shared coordination root for the repository.
func (c Context) CoordinationDir() string {
	return filepath.Join(c.MainRoot, CoordinationDirName)
}

// Resolver runs git to discover Contexts.
type Resolver struct {
	executor CommandExecutor
}

// NewResolver creates a Resolver that shells out to git.
func NewResolver() *Resolver {
	return &Resolver{executor: NewCLICommandExecutor()}
}

// NewResolverWithExecutor creates a Resolver with a custom executor.
// This is primarily useful for testing.
func NewResolverWithExecutor(executor CommandExecutor) *Resolver {
	return &Resolver{executor: executor}
}

// Discover returns the git context of dir.
func (r *Resolver) Discover(dir string) (Context, error) {
	top, err := r.git(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return Context{}, err
	}
	common, err := r.git(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return Context{}, err
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(dir, common)
	}
	common = filepath.Clean(common)

	// The common dir is <main>/.git for ordinary repositories. A bare
	// repository has no main worktree, so the common dir itself is used.
	mainRoot := common
	if filepath.Base(common) == ".git" {
		mainRoot = filepath.Dir(common)
	}

	branch, err := r.git(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		// A repository with no commits has no HEAD to abbreviate.
		branch = ""
	}

	return Context{
		TopLevel: evalSymlinks(top),
		MainRoot: evalSymlinks(mainRoot),
		Branch:   branch,
	}, nil
}

// List returns the paths of every worktree of the repository containing dir.
func (r *Resolver) List(dir string) ([]string, error) {
	out, err := r.git(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var worktrees []string
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

func (r *Resolver) git(dir string, args ...string) (string, error) {
	out, err := r.executor.Run(dir, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
// Returns an error if no git repository is found.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewValidationError("not a git repository (or any parent up to mount point)").
				WithField("dir").
				WithValue(startDir)
		}
		dir = parent
	}
}

// evalSymlinks resolves path so the same directory compares equal however it
// was reached (macOS /var vs /private/var). Failures return path unchanged.
func evalSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
