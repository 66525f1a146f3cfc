package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "--initial-branch=main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	testFile := filepath.Join(dir, "README.md")
	if err := os.WriteFile(testFile, []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	if !g.IsRepo() {
		t.Fatal("expected IsRepo() = true")
	}

	g2 := NewGit(t.TempDir())
	if g2.IsRepo() {
		t.Fatal("expected IsRepo() = false for non-repo dir")
	}
}

func TestCurrentBranch(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	branch, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %q, want main", branch)
	}
}

func TestCreateBranchAndCheckout(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	if err := g.CreateBranch("changeset/test-1"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	exists, err := g.BranchExists("changeset/test-1")
	if err != nil || !exists {
		t.Fatalf("BranchExists = %v, %v; want true, nil", exists, err)
	}

	if err := g.Checkout("changeset/test-1"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	branch, _ := g.CurrentBranch()
	if branch != "changeset/test-1" {
		t.Errorf("CurrentBranch() = %q after checkout", branch)
	}
}

func TestStatusCleanAndDirty(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	status, err := g.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Clean {
		t.Fatal("expected clean status after commit")
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, err = g.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Clean {
		t.Fatal("expected dirty status after adding untracked file")
	}
	if len(status.Untracked) != 1 || status.Untracked[0] != "new.txt" {
		t.Errorf("Untracked = %v, want [new.txt]", status.Untracked)
	}
}

func TestMergeSquash(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	if err := g.CreateBranch("changeset/feature"); err != nil {
		t.Fatal(err)
	}
	if err := g.Checkout("changeset/feature"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("feature"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitAll("feat: add feature"); err != nil {
		t.Fatal(err)
	}

	if err := g.Checkout("main"); err != nil {
		t.Fatal(err)
	}
	if err := g.MergeSquash("changeset/feature", "feat: add feature"); err != nil {
		t.Fatalf("MergeSquash: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "feature.txt")); err != nil {
		t.Fatal("expected feature.txt to exist on main after squash merge")
	}
}

func TestCheckConflictsDetectsConflict(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	write := func(content string) {
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := g.CreateBranch("changeset/conflict"); err != nil {
		t.Fatal(err)
	}
	if err := g.Checkout("changeset/conflict"); err != nil {
		t.Fatal(err)
	}
	write("# Test\nchangeset change\n")
	if err := g.CommitAll("change from changeset"); err != nil {
		t.Fatal(err)
	}

	if err := g.Checkout("main"); err != nil {
		t.Fatal(err)
	}
	write("# Test\nmain change\n")
	if err := g.CommitAll("change from main"); err != nil {
		t.Fatal(err)
	}

	conflicts, err := g.CheckConflicts("changeset/conflict", "main")
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "README.md" {
		t.Errorf("conflicts = %v, want [README.md]", conflicts)
	}

	branch, _ := g.CurrentBranch()
	if branch != "main" {
		t.Errorf("expected to be back on main after CheckConflicts, got %q", branch)
	}
	status, _ := g.Status()
	if !status.Clean {
		t.Error("expected clean working tree after CheckConflicts")
	}
}

func TestWorktreeAddAndRemove(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	wtPath := filepath.Join(t.TempDir(), "worktree")
	if err := g.WorktreeAdd(wtPath, "changeset/wt-test"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}

	worktrees, err := g.WorktreeList()
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	found := false
	for _, wt := range worktrees {
		if wt.Branch == "changeset/wt-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected worktree list to include changeset/wt-test, got %+v", worktrees)
	}

	if err := g.WorktreeRemove(wtPath, true); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
}

func TestCommitsAhead(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	if err := g.CreateBranch("changeset/ahead"); err != nil {
		t.Fatal(err)
	}
	if err := g.Checkout("changeset/ahead"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\nahead\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.CommitAll("first"); err != nil {
		t.Fatal(err)
	}

	n, err := g.CommitsAhead("main", "changeset/ahead")
	if err != nil {
		t.Fatalf("CommitsAhead: %v", err)
	}
	if n != 1 {
		t.Errorf("CommitsAhead = %d, want 1", n)
	}
	n, err = g.CommitsAhead("changeset/ahead", "main")
	if err != nil {
		t.Fatalf("CommitsAhead: %v", err)
	}
	if n != 0 {
		t.Errorf("CommitsAhead(reverse) = %d, want 0", n)
	}
}
