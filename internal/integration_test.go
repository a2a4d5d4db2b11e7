// Package internal contains integration tests that verify the coordination
// packages work together across git worktrees and storage backends.
package internal

import (
	"context"
	"testing"

	"github.com/Iron-Ham/concord/internal/coord"
	"github.com/Iron-Ham/concord/internal/decision"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/storage"
	"github.com/Iron-Ham/concord/internal/testutil"
	"github.com/Iron-Ham/concord/internal/worktree"
)

// TestWorktreesShareCoordinationRoot verifies that every worktree of a
// repository resolves to the same coordination root.
func TestWorktreesShareCoordinationRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	wt := testutil.AddWorktree(t, repo, "feat-b")

	resolver := worktree.NewResolver()
	mainCtx, err := resolver.Discover(repo)
	if err != nil {
		t.Fatalf("Discover(main) error = %v", err)
	}
	wtCtx, err := resolver.Discover(wt)
	if err != nil {
		t.Fatalf("Discover(worktree) error = %v", err)
	}

	if mainCtx.IsLinked() || !wtCtx.IsLinked() {
		t.Errorf("IsLinked() main = %v, worktree = %v", mainCtx.IsLinked(), wtCtx.IsLinked())
	}
	if mainCtx.CoordinationDir() != wtCtx.CoordinationDir() {
		t.Errorf("coordination roots differ: %s vs %s", mainCtx.CoordinationDir(), wtCtx.CoordinationDir())
	}
	if wtCtx.Branch != "feat-b" {
		t.Errorf("worktree branch = %q, want feat-b", wtCtx.Branch)
	}
}

// TestCrossWorktreeCoordination runs two coordinators, one per worktree,
// against one shared store and checks that locks, peers and decisions are
// visible across them.
func TestCrossWorktreeCoordination(t *testing.T) {
	testutil.SkipIfNoGit(t)

	for _, backend := range []string{storage.BackendFile, storage.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			repo := testutil.SetupTestRepo(t)
			wt := testutil.AddWorktree(t, repo, "feat-b")
			dir := t.TempDir()

			open := func(worktreeDir string) (*coord.Coordinator, worktree.Context) {
				t.Helper()
				gitCtx, err := worktree.NewResolver().Discover(worktreeDir)
				if err != nil {
					t.Fatalf("Discover(%s) error = %v", worktreeDir, err)
				}
				settings := coord.DefaultSettings(dir, gitCtx.TopLevel)
				settings.Storage = storage.Options{Backend: backend}
				c, err := coord.Open(ctx, settings)
				if err != nil {
					t.Fatalf("Open() error = %v", err)
				}
				t.Cleanup(func() { _ = c.Close() })
				return c, gitCtx
			}
			cA, ctxA := open(repo)
			cB, ctxB := open(wt)

			register := func(c *coord.Coordinator, gitCtx worktree.Context, role string) string {
				t.Helper()
				inst, err := c.Register(ctx, registry.RegisterOptions{
					Role:         role,
					Branch:       gitCtx.Branch,
					WorktreePath: gitCtx.TopLevel,
				})
				if err != nil {
					t.Fatalf("Register() error = %v", err)
				}
				return inst.InstanceID
			}
			a := register(cA, ctxA, "backend")
			b := register(cB, ctxB, "frontend")

			res, err := cA.Acquire(ctx, a, "internal/api/handler.go", "edit")
			if err != nil || res.Outcome != filelock.Granted {
				t.Fatalf("A Acquire() = %v, %v; want granted", res.Outcome, err)
			}

			// The same repository-relative path from the other worktree is
			// the same resource.
			res, err = cB.Acquire(ctx, b, "internal/api/handler.go", "edit")
			if err != nil {
				t.Fatalf("B Acquire() error = %v", err)
			}
			if res.Outcome != filelock.Denied || res.Lock.OwnerInstanceID != a || res.Lock.Reason != "edit" {
				t.Errorf("B Acquire() = %+v, want denied by %s", res, a)
			}

			peers, err := cB.Peers(ctx, b)
			if err != nil {
				t.Fatalf("Peers() error = %v", err)
			}
			if len(peers) != 1 || peers[0].InstanceID != a || peers[0].Branch != "main" {
				t.Errorf("Peers() = %+v, want %s on main", peers, a)
			}

			if _, err := cA.Decide(ctx, decision.AppendRequest{
				InstanceID: a,
				Category:   "api",
				Title:      "Handlers return problem+json errors",
			}); err != nil {
				t.Fatalf("Decide() error = %v", err)
			}

			snap, err := cB.Status(ctx, status.Options{DecisionLimit: 5})
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if snap.Counts.LiveInstances != 2 || snap.Counts.ActiveLocks != 1 {
				t.Errorf("Status() counts = %+v", snap.Counts)
			}
			if len(snap.Decisions) != 1 || snap.Decisions[0].MadeBy.Role != "backend" {
				t.Errorf("Status() decisions = %+v", snap.Decisions)
			}

			unreg, err := cA.Unregister(ctx, a)
			if err != nil || !unreg.Removed || len(unreg.ReleasedLocks) != 1 {
				t.Fatalf("Unregister() = %+v, %v", unreg, err)
			}
			res, err = cB.Acquire(ctx, b, "internal/api/handler.go", "edit")
			if err != nil || res.Outcome != filelock.Granted {
				t.Errorf("B Acquire() after unregister = %v, %v; want granted", res.Outcome, err)
			}
		})
	}
}
