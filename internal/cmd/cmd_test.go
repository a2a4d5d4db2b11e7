package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/concord/internal/config"
	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/testutil"
)

// executeCommand runs a fresh root command with args and returns captured output
func executeCommand(stdin string, args ...string) (output string, err error) {
	root, opts := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err = run(root, opts)
	return buf.String(), err
}

// setupTestEnvironment creates a test repo isolated from the user's config
// and environment, and returns a function running concord inside it.
func setupTestEnvironment(t *testing.T) (repo string, concord func(args ...string) (string, error)) {
	t.Helper()
	testutil.SkipIfNoGit(t)

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CONCORD_INSTANCE_ID", "")
	repo = testutil.SetupTestRepo(t)

	return repo, func(args ...string) (string, error) {
		return executeCommand("", append([]string{"--repo", repo}, args...)...)
	}
}

func register(t *testing.T, concord func(args ...string) (string, error), args ...string) string {
	t.Helper()
	out, err := concord(append([]string{"instance", "register"}, args...)...)
	if err != nil {
		t.Fatalf("instance register: %v\n%s", err, out)
	}
	id := strings.TrimSpace(out)
	if !strings.HasPrefix(id, "inst-") {
		t.Fatalf("instance register printed %q, want an instance id", out)
	}
	return id
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestRootCommand(t *testing.T) {
	root, _ := NewRootCommand()

	if root.Use != "concord" {
		t.Errorf("root.Use = %q, want %q", root.Use, "concord")
	}

	expectedCmds := []string{"status", "watch", "instance", "peers", "lock", "decision", "cleanup", "hook"}
	cmdMap := make(map[string]bool)
	for _, cmd := range root.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestInstanceLifecycle(t *testing.T) {
	repo, concord := setupTestEnvironment(t)
	id := register(t, concord, "--role", "backend", "--task", "auth refactor")

	if _, err := os.Stat(filepath.Join(repo, ".concord", "instances", id+".json")); err != nil {
		t.Errorf("instance record not written: %v", err)
	}

	out, err := concord("-i", id, "instance", "heartbeat")
	if err != nil || !strings.Contains(out, "heartbeat recorded for "+id) {
		t.Fatalf("heartbeat = %q, %v", out, err)
	}

	out, err = concord("instance", "list", "--json")
	if err != nil {
		t.Fatalf("instance list: %v", err)
	}
	var insts []registry.Instance
	if err := json.Unmarshal([]byte(out), &insts); err != nil {
		t.Fatalf("instance list output is not JSON: %v\n%s", err, out)
	}
	if len(insts) != 1 || insts[0].InstanceID != id || insts[0].Role != "backend" || insts[0].Branch != "main" {
		t.Errorf("instance list = %+v", insts)
	}

	out, err = concord("-i", id, "instance", "update", "--task", "token refresh")
	if err != nil || !strings.Contains(out, "updated "+id) {
		t.Fatalf("update = %q, %v", out, err)
	}

	out, err = concord("-i", id, "instance", "unregister")
	if err != nil || !strings.Contains(out, "unregistered "+id) {
		t.Fatalf("unregister = %q, %v", out, err)
	}

	out, err = concord("-i", id, "instance", "heartbeat")
	if code := ExitCode(err); code != ExitInstanceAbsent {
		t.Errorf("heartbeat after unregister exit code = %d, want %d (%q)", code, ExitInstanceAbsent, out)
	}
}

func TestInstanceFromEnvironment(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	id := register(t, concord)

	t.Setenv("CONCORD_INSTANCE_ID", id)
	out, err := concord("instance", "heartbeat")
	if err != nil || !strings.Contains(out, id) {
		t.Errorf("heartbeat = %q, %v", out, err)
	}
}

func TestLockContention(t *testing.T) {
	repo, concord := setupTestEnvironment(t)
	writeFile(t, filepath.Join(repo, "a.go"), "package a\n")
	a := register(t, concord)
	b := register(t, concord)

	out, err := concord("-i", a, "lock", "acquire", "a.go", "--reason", "edit")
	if err != nil || !strings.Contains(out, "locked a.go") {
		t.Fatalf("A acquire = %q, %v", out, err)
	}

	out, err = concord("-i", b, "lock", "acquire", "a.go")
	if code := ExitCode(err); code != ExitLockHeld {
		t.Fatalf("B acquire exit code = %d, want %d", code, ExitLockHeld)
	}
	if !strings.Contains(out, "locked by "+a+" (edit)") {
		t.Errorf("B acquire output %q does not name the owner and reason", out)
	}

	if _, err := concord("-i", b, "lock", "release", "a.go"); ExitCode(err) != ExitLockHeld {
		t.Errorf("B release exit code = %d, want %d", ExitCode(err), ExitLockHeld)
	}

	out, err = concord("lock", "list", "--owner", a)
	if err != nil || !strings.Contains(out, "a.go") {
		t.Errorf("lock list = %q, %v", out, err)
	}

	if out, err := concord("-i", a, "lock", "release", "a.go"); err != nil || !strings.Contains(out, "released a.go") {
		t.Fatalf("A release = %q, %v", out, err)
	}
	if out, err := concord("-i", a, "lock", "release", "a.go"); err != nil || !strings.Contains(out, "was not locked") {
		t.Errorf("second release = %q, %v", out, err)
	}
	if _, err := concord("-i", b, "lock", "acquire", "a.go"); err != nil {
		t.Errorf("B acquire after release: %v", err)
	}
}

func TestLockCheck(t *testing.T) {
	repo, concord := setupTestEnvironment(t)
	path := filepath.Join(repo, "a.go")
	writeFile(t, path, "package a\n")
	id := register(t, concord)

	if out, err := concord("lock", "check", "a.go"); err != nil || !strings.Contains(out, "not locked") {
		t.Errorf("check before acquire = %q, %v", out, err)
	}
	if _, err := concord("-i", id, "lock", "acquire", "a.go"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if out, err := concord("lock", "check", "a.go"); err != nil || !strings.Contains(out, "unchanged") {
		t.Errorf("check before edit = %q, %v", out, err)
	}

	writeFile(t, path, "package a\n\nfunc A() {}\n")
	if _, err := concord("lock", "check", "a.go"); ExitCode(err) != ExitConflict {
		t.Errorf("check after edit exit code = %d, want %d", ExitCode(err), ExitConflict)
	}

	if _, err := concord("-i", id, "lock", "renew", "a.go", "--refingerprint"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := concord("lock", "check", "a.go"); err != nil {
		t.Errorf("check after refingerprint: %v", err)
	}
}

func TestLockForceRelease(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	id := register(t, concord)

	if _, err := concord("-i", id, "lock", "acquire", "b.go"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	out, err := concord("lock", "force-release", "b.go")
	if err != nil || !strings.Contains(out, "held by "+id) {
		t.Errorf("force-release = %q, %v", out, err)
	}
	if out, _ := concord("lock", "list"); !strings.Contains(out, "No files locked.") {
		t.Errorf("lock list after force-release = %q", out)
	}
}

func TestCommandsRequireInstance(t *testing.T) {
	_, concord := setupTestEnvironment(t)

	for _, args := range [][]string{
		{"lock", "acquire", "a.go"},
		{"lock", "release", "a.go"},
		{"instance", "heartbeat"},
	} {
		_, err := concord(args...)
		if !errors.Is(err, errors.ErrNoInstance) || ExitCode(err) != ExitInstanceAbsent {
			t.Errorf("%v: err = %v, exit code %d", args, err, ExitCode(err))
		}
	}
}

func TestDecisions(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	id := register(t, concord, "--role", "architect")

	out, err := concord("-i", id, "decision", "add",
		"--category", "api",
		"--title", "Use cursor pagination",
		"--description", "List endpoints take ?after=<id>",
		"--scope", "internal/api",
		"--downstream", "web,cli",
	)
	if err != nil {
		t.Fatalf("decision add: %v\n%s", err, out)
	}
	decisionID := strings.TrimSpace(out)

	if _, err := concord("decision", "add", "--category", "schema", "--title", "Soft deletes", "--status", "proposed"); err != nil {
		t.Fatalf("decision add without instance: %v", err)
	}

	out, err = concord("decision", "list", "--category", "api")
	if err != nil || !strings.Contains(out, "Use cursor pagination") || strings.Contains(out, "Soft deletes") {
		t.Errorf("decision list --category api = %q, %v", out, err)
	}

	out, err = concord("decision", "query", decisionID, "-o", "yaml")
	if err != nil {
		t.Fatalf("decision query: %v", err)
	}
	for _, want := range []string{"title: Use cursor pagination", "role: architect", "- web"} {
		if !strings.Contains(out, want) {
			t.Errorf("decision query YAML missing %q:\n%s", want, out)
		}
	}

	if _, err := concord("decision", "add", "--category", "api"); ExitCode(err) != ExitUsage {
		t.Errorf("decision add without title exit code = %d, want %d", ExitCode(err), ExitUsage)
	}
	if _, err := concord("decision", "add", "--category", "api", "--title", "x", "--status", "maybe"); ExitCode(err) != ExitUsage {
		t.Errorf("decision add with bad status exit code = %d, want %d", ExitCode(err), ExitUsage)
	}
}

func TestStatusJSON(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	id := register(t, concord)
	if _, err := concord("-i", id, "lock", "acquire", "a.go", "--reason", "edit"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	out, err := concord("status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var snap status.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if snap.Counts.LiveInstances != 1 || snap.Counts.ActiveLocks != 1 {
		t.Errorf("counts = %+v", snap.Counts)
	}
	if len(snap.Instances) != 1 || len(snap.Instances[0].Locks) != 1 || snap.Instances[0].Locks[0].ResourceKey != "a.go" {
		t.Errorf("instances = %+v", snap.Instances)
	}

	out, err = concord("status", "--color", "never")
	if err != nil || !strings.Contains(out, "Coordination status") || !strings.Contains(out, id) {
		t.Errorf("status text = %q, %v", out, err)
	}
}

func TestPeers(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	a := register(t, concord, "--branch", "feat/a")
	b := register(t, concord, "--branch", "feat/b")

	out, err := concord("-i", a, "peers", "--json")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	var peers []registry.Instance
	if err := json.Unmarshal([]byte(out), &peers); err != nil {
		t.Fatalf("peers output is not JSON: %v\n%s", err, out)
	}
	if len(peers) != 1 || peers[0].InstanceID != b || peers[0].Branch != "feat/b" {
		t.Errorf("peers = %+v", peers)
	}
}

func TestCleanup(t *testing.T) {
	_, concord := setupTestEnvironment(t)
	out, err := concord("cleanup")
	if err != nil || !strings.Contains(out, "removed 0 stale instance(s), released 0 lock(s)") {
		t.Errorf("cleanup = %q, %v", out, err)
	}
	if out, err := concord("lock", "cleanup"); err != nil || !strings.Contains(out, "released 0 lock(s)") {
		t.Errorf("lock cleanup = %q, %v", out, err)
	}
}

func TestHookCommand(t *testing.T) {
	repo, _ := setupTestEnvironment(t)
	hook := func(event, stdin string) (string, error) {
		return executeCommand(stdin, "--repo", repo, "hook", event)
	}
	edit := func(session string) string {
		return fmt.Sprintf(`{"session_id":%q,"tool_name":"Write","tool_input":{"file_path":"a.go","content":"package a"}}`, session)
	}

	out, err := hook("SessionStart", `{"session_id":"s1"}`)
	if err != nil || !strings.Contains(out, "registered as inst-") {
		t.Fatalf("SessionStart = %q, %v", out, err)
	}

	if out, err := hook("PreToolUse", edit("s1")); err != nil || out != "" {
		t.Fatalf("s1 PreToolUse = %q, %v", out, err)
	}

	out, err = hook("PreToolUse", edit("s2"))
	if err != nil {
		t.Fatalf("s2 PreToolUse: %v", err)
	}
	if !strings.Contains(out, `"permissionDecision":"deny"`) || !strings.Contains(out, "a.go is locked by") {
		t.Errorf("s2 PreToolUse = %q, want a deny naming the owner", out)
	}

	if _, err := hook("PostToolUse", edit("s1")); err != nil {
		t.Fatalf("s1 PostToolUse: %v", err)
	}
	if out, err := hook("PreToolUse", edit("s2")); err != nil || out != "" {
		t.Errorf("s2 PreToolUse after release = %q, %v", out, err)
	}

	if _, err := hook("SessionEnd", `{"session_id":"s2"}`); err != nil {
		t.Fatalf("SessionEnd: %v", err)
	}
	if out, _ := executeCommand("", "--repo", repo, "lock", "list"); !strings.Contains(out, "No files locked.") {
		t.Errorf("locks remain after SessionEnd: %q", out)
	}

	if _, err := hook("PreToolUse", `not json`); ExitCode(err) != ExitUsage {
		t.Errorf("malformed event exit code = %d, want %d", ExitCode(err), ExitUsage)
	}
}

func TestUsageErrors(t *testing.T) {
	_, concord := setupTestEnvironment(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing argument", args: []string{"lock", "acquire"}},
		{name: "extra argument", args: []string{"status", "extra"}},
		{name: "unknown flag", args: []string{"lock", "list", "--bogus"}},
		{name: "unknown command", args: []string{"frobnicate"}},
		{name: "nothing to update", args: []string{"-i", "inst-x", "instance", "update"}},
		{name: "invalid output format", args: []string{"status", "-o", "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := concord(tt.args...)
			if code := ExitCode(err); code != ExitUsage {
				t.Errorf("exit code = %d (%v), want %d", code, err, ExitUsage)
			}
		})
	}
}

func TestOutsideRepository(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()

	if _, err := executeCommand("", "--repo", dir, "instance", "list"); ExitCode(err) != ExitUsage {
		t.Errorf("exit code outside a repository = %d, want %d", ExitCode(err), ExitUsage)
	}

	coordDir := filepath.Join(dir, "state")
	out, err := executeCommand("", "--repo", dir, "--dir", coordDir, "instance", "list")
	if err != nil || !strings.Contains(out, "No live instances.") {
		t.Errorf("instance list with --dir = %q, %v", out, err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "plain", err: fmt.Errorf("boom"), want: ExitFailure},
		{name: "exit error", err: exitWith(ExitConflict), want: ExitConflict},
		{name: "no instance", err: errors.ErrNoInstance, want: ExitInstanceAbsent},
		{name: "instance not found", err: errors.NewInstanceError("gone", errors.ErrInstanceNotFound), want: ExitInstanceAbsent},
		{name: "lock held", err: errors.NewLockError("gave up", nil).WithOwner("inst-a", "edit"), want: ExitLockHeld},
		{name: "validation", err: errors.NewValidationError("bad"), want: ExitUsage},
		{name: "config", err: config.ValidationErrors{{Field: "lock.ttl", Message: "bad"}}, want: ExitUsage},
		{name: "integrity", err: errors.NewStorageError("decode", errors.ErrCorruptRecord), want: ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWriteYAML(t *testing.T) {
	data := map[string]any{
		"title":      "Use cursor pagination",
		"downstream": []string{"web", "cli"},
		"flag":       "true",
	}
	var buf bytes.Buffer
	if err := writeYAML(&buf, data); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{"title: Use cursor pagination\n", "downstream:\n  - web\n  - cli\n", `flag: "true"`} {
		if !strings.Contains(got, want) {
			t.Errorf("writeYAML() missing %q:\n%s", want, got)
		}
	}
}
