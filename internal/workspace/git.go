package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultGitTimeout bounds a single git invocation.
const DefaultGitTimeout = 10 * time.Second

// FileStatus is one entry of `git status --porcelain=v1`.
type FileStatus struct {
	Path    string
	Status  string
	OldPath string
}

// Status groups changed files by staging state.
type Status struct {
	Staged    []FileStatus
	Unstaged  []FileStatus
	Untracked []FileStatus
}

// Git runs git in Dir.
type Git struct {
	Dir     string
	Timeout time.Duration
}

// NewGit returns a git service for the checkout at dir.
func NewGit(dir string) *Git {
	return &Git{Dir: dir, Timeout: DefaultGitTimeout}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.Dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			slog.Debug("git command failed", "args", args, "error", err, "stderr", msg)
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

// Status returns the working tree status.
func (g *Git) Status(ctx context.Context) (Status, error) {
	out, err := g.run(ctx, "status", "--porcelain=v1")
	if err != nil {
		return Status{}, err
	}
	return parseStatusPorcelain(out), nil
}

// ChangedFiles returns every staged, unstaged or untracked path, each once,
// in status order.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	st, err := g.Status(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]FileStatus{st.Staged, st.Unstaged, st.Untracked} {
		for _, f := range group {
			if !seen[f.Path] {
				seen[f.Path] = true
				out = append(out, f.Path)
			}
		}
	}
	return out, nil
}

// Diff returns the unified diff of p against HEAD. Untracked files are
// rendered as all additions.
func (g *Git) Diff(ctx context.Context, p string) (string, error) {
	if err := sanitizeFilePath(p); err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	diff, err := g.run(ctx, "diff", "HEAD", "--", p)
	if err != nil {
		// A repository without commits has no HEAD.
		diff, err = g.run(ctx, "diff", "--", p)
		if err != nil {
			return "", err
		}
	}
	if diff != "" {
		return diff, nil
	}

	data, readErr := os.ReadFile(filepath.Join(g.Dir, filepath.FromSlash(p)))
	if readErr != nil || len(data) == 0 {
		return "", nil
	}
	return formatAsAdditions(p, string(data)), nil
}

// parseStatusPorcelain parses `git status --porcelain=v1` output. Each line
// is "XY path" or "XY old -> new"; X is the index state, Y the worktree
// state. "??" marks untracked and "!!" ignored entries.
func parseStatusPorcelain(output string) Status {
	st := Status{Staged: []FileStatus{}, Unstaged: []FileStatus{}, Untracked: []FileStatus{}}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		x, y, rest := line[0], line[1], line[3:]

		var path, oldPath string
		if i := strings.Index(rest, " -> "); i >= 0 {
			oldPath = unquote(strings.TrimSpace(rest[:i]))
			path = unquote(strings.TrimSpace(rest[i+4:]))
		} else {
			path = unquote(strings.TrimSpace(rest))
		}
		if path == "" {
			continue
		}

		switch {
		case x == '?' && y == '?':
			st.Untracked = append(st.Untracked, FileStatus{Path: path, Status: "??"})
			continue
		case x == '!' && y == '!':
			continue
		}
		if x != ' ' && x != '?' {
			st.Staged = append(st.Staged, FileStatus{Path: path, Status: string(x), OldPath: oldPath})
		}
		if y != ' ' && y != '?' {
			st.Unstaged = append(st.Unstaged, FileStatus{Path: path, Status: string(y)})
		}
	}
	return st
}

// unquote strips the C-style quotes git adds around unusual paths.
func unquote(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		return p[1 : len(p)-1]
	}
	return p
}

// formatAsAdditions renders content as a unified diff adding every line.
func formatAsAdditions(path, content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", path)
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}
