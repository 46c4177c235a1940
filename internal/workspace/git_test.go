package workspace

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestParseStatusPorcelain(t *testing.T) {
	out := "M  staged.go\n" +
		" M unstaged.go\n" +
		"MM both.go\n" +
		"R  old.go -> new.go\n" +
		"?? notes.txt\n" +
		"!! build/\n" +
		"?? \"with space.txt\"\n"

	st := parseStatusPorcelain(out)

	if len(st.Staged) != 3 {
		t.Fatalf("expected 3 staged, got %+v", st.Staged)
	}
	if st.Staged[2].Path != "new.go" || st.Staged[2].OldPath != "old.go" || st.Staged[2].Status != "R" {
		t.Fatalf("unexpected rename entry %+v", st.Staged[2])
	}
	if len(st.Unstaged) != 2 || st.Unstaged[0].Path != "unstaged.go" || st.Unstaged[1].Path != "both.go" {
		t.Fatalf("unexpected unstaged %+v", st.Unstaged)
	}
	if len(st.Untracked) != 2 || st.Untracked[1].Path != "with space.txt" {
		t.Fatalf("unexpected untracked %+v", st.Untracked)
	}
}

func TestParseStatusPorcelainEmpty(t *testing.T) {
	st := parseStatusPorcelain("")
	if st.Staged == nil || st.Unstaged == nil || st.Untracked == nil {
		t.Fatal("expected non-nil empty groups")
	}
}

func TestFormatAsAdditions(t *testing.T) {
	got := formatAsAdditions("a.txt", "one\ntwo\n")
	want := "--- /dev/null\n+++ b/a.txt\n@@ -0,0 +1,2 @@\n+one\n+two\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir, "-c", "user.email=dev@example.com", "-c", "user.name=dev"}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	writeFile(t, dir, "tracked.txt", "one\n")
	run("add", "tracked.txt")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestGitChangedFilesAndDiff(t *testing.T) {
	dir := gitRepo(t)
	writeFile(t, dir, "tracked.txt", "one\ntwo\n")
	writeFile(t, dir, "fresh.txt", "hello\n")

	g := NewGit(dir)
	ctx := context.Background()

	changed, err := g.ChangedFiles(ctx)
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if strings.Join(changed, ",") != "tracked.txt,fresh.txt" {
		t.Fatalf("unexpected changed files %v", changed)
	}

	diff, err := g.Diff(ctx, "tracked.txt")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(diff, "+two") {
		t.Fatalf("expected added line in diff, got %q", diff)
	}

	diff, err = g.Diff(ctx, "fresh.txt")
	if err != nil {
		t.Fatalf("Diff untracked: %v", err)
	}
	if !strings.HasPrefix(diff, "--- /dev/null") || !strings.Contains(diff, "+hello") {
		t.Fatalf("expected untracked file rendered as additions, got %q", diff)
	}

	if _, err := g.Diff(ctx, "../escape"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestGitStatusOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	if _, err := NewGit(t.TempDir()).Status(context.Background()); err == nil {
		t.Fatal("expected error outside a repository")
	}
}
