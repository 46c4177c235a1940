package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/workspace/acp-engine/internal/notify"
	"github.com/workspace/acp-engine/internal/permission"
	"github.com/workspace/acp-engine/internal/transcript"
)

// renderer prints transcript messages and notices to a terminal. Agent
// message chunks are streamed inline; everything else starts on its own line.
type renderer struct {
	out io.Writer

	mu     sync.Mutex
	inline bool

	dim    *color.Color
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
	green  *color.Color
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:    out,
		dim:    color.New(color.Faint, color.Italic),
		cyan:   color.New(color.FgCyan),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
	}
}

// breakLine ends an inline run. Callers hold mu.
func (r *renderer) breakLine() {
	if r.inline {
		fmt.Fprintln(r.out)
		r.inline = false
	}
}

func (r *renderer) message(m transcript.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := m.Text()
	switch m.Role {
	case transcript.RoleUser:
		if local, _ := m.Meta["local"].(bool); local {
			return
		}
		r.breakLine()
		r.green.Fprintf(r.out, "> %s\n", text)
	case transcript.RoleAssistant:
		if thought, _ := m.Meta["thought"].(bool); thought {
			r.dim.Fprint(r.out, text)
		} else {
			fmt.Fprint(r.out, text)
		}
		r.inline = true
	case transcript.RoleTool:
		r.breakLine()
		lines := strings.SplitN(text, "\n", 2)
		r.yellow.Fprintf(r.out, "[tool] %s\n", lines[0])
		if len(lines) > 1 && strings.TrimSpace(lines[1]) != "" {
			fmt.Fprintf(r.out, "  %s\n", strings.ReplaceAll(strings.TrimRight(lines[1], "\n"), "\n", "\n  "))
		}
	default:
		r.breakLine()
		r.cyan.Fprintln(r.out, text)
	}
}

func (r *renderer) permission(req *permission.Request) {
	if req == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()

	title, _ := req.ToolCall["title"].(string)
	if title == "" {
		title, _ = req.ToolCall["name"].(string)
	}
	if title == "" {
		title = "tool call"
	}
	r.yellow.Fprintf(r.out, "Permission requested (%s): %s\n", req.RequestID, title)
	for _, o := range req.Options {
		fmt.Fprintf(r.out, "  /allow %-16s %s\n", o.OptionId, o.Name)
	}
	fmt.Fprintln(r.out, "  /deny")
}

func (r *renderer) notification(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()

	line := n.Title
	if n.Message != "" {
		line += ": " + n.Message
	}
	switch n.Level {
	case notify.LevelError:
		r.red.Fprintf(r.out, "Error: %s\n", line)
	case notify.LevelWarning:
		r.yellow.Fprintf(r.out, "Warning: %s\n", line)
	default:
		r.cyan.Fprintln(r.out, line)
	}
}

func (r *renderer) stderr(agentID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	r.dim.Fprintf(r.out, "[%s] %s\n", agentID, line)
}

func (r *renderer) info(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	r.yellow.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) turnDone(stopReason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	if stopReason != "" && stopReason != "end_turn" {
		r.dim.Fprintf(r.out, "(stopped: %s)\n", stopReason)
	}
}
