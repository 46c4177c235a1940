package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/workspace/acp-engine/internal/promptctx"
	"github.com/workspace/acp-engine/internal/terminal"
)

const replHelp = `Commands:
  /allow <optionId>       answer the pending permission request
  /deny                   decline the pending permission request
  /cancel                 stop the running turn
  /attach <path>          attach a file to the next prompt
  /diff <path>            attach a file's git diff to the next prompt
  /detach <id>            remove an attached item
  /context                list attached items
  /complete <@query>      show file candidates for a mention
  /mode <id>              switch session mode
  /modes                  list session modes
  /models                 list models
  /model <id>             switch model
  /sessions               list sessions
  /resume <id>            switch to an existing session
  /delete <id>            delete a session
  /new [cwd]              start a new session
  /run <cmd> [args...]    run a command in an agent terminal
  /terminals              list terminals
  /tail <terminalId> [n]  show the last n lines a terminal streamed (default 20)
  /kill <terminalId>      kill a terminal's process
  /auth [methodId]        list auth methods, or authenticate
  /status                 show agent and session state
  /forget                 drop the saved settings and last session of this agent
  /quit                   exit`

// repl reads prompts and slash commands from in until EOF or /quit. Prompts
// run in the background so permission requests can be answered mid-turn.
func (a *app) repl(ctx context.Context, agentID string, in io.Reader) error {
	a.render.cyan.Fprintf(a.render.out, "Chat with agent %s (/help for commands, Ctrl+D to exit)\n", agentID)

	var (
		busy atomic.Bool
		turn sync.WaitGroup
	)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := a.command(ctx, agentID, line); quit {
				break
			}
			continue
		}

		if !busy.CompareAndSwap(false, true) {
			a.render.warn("A turn is already running; /cancel to stop it")
			continue
		}
		turn.Add(1)
		go func(text string) {
			defer turn.Done()
			defer busy.Store(false)
			res, err := a.engine.Prompt(ctx, agentID, text)
			if err == nil {
				a.render.turnDone(res.StopReason)
			}
		}(line)
	}

	if busy.Load() {
		_ = a.engine.Cancel(context.WithoutCancel(ctx), agentID)
	}
	turn.Wait()
	return scanner.Err()
}

// command runs one slash command and reports whether the REPL should exit.
func (a *app) command(ctx context.Context, agentID, line string) bool {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	arg := strings.TrimSpace(strings.TrimPrefix(line, name))

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		a.render.info("%s", replHelp)
	case "/allow":
		if arg == "" {
			a.render.warn("usage: /allow <optionId>")
			break
		}
		_ = a.engine.ResolvePermission(ctx, arg)
	case "/deny":
		_ = a.engine.CancelPermission(ctx)
	case "/cancel":
		_ = a.engine.Cancel(ctx, agentID)
	case "/attach":
		a.attach(promptctx.FileItem(arg, 0), arg)
	case "/diff":
		a.attach(promptctx.DiffItem(arg), arg)
	case "/detach":
		if !a.engine.Detach(arg) {
			a.render.warn("No attached item %q", arg)
		}
	case "/context":
		items := a.engine.Attached()
		if len(items) == 0 {
			a.render.info("No context attached")
		}
		for _, it := range items {
			a.render.info("  %s  %s (%s)", it.ID, it.Label, it.Type)
		}
	case "/complete":
		a.complete(ctx, arg)
	case "/mode":
		if arg == "" {
			a.render.warn("usage: /mode <id>")
			break
		}
		_ = a.engine.SetMode(ctx, agentID, arg)
	case "/modes":
		sess, ok := a.engine.Sessions.CurrentSession(agentID)
		if !ok || len(sess.AvailableModes) == 0 {
			a.render.info("No modes offered")
			break
		}
		for _, m := range sess.AvailableModes {
			marker := " "
			if m.ID == sess.CurrentModeID {
				marker = "*"
			}
			a.render.info("%s %s  %s", marker, m.ID, m.Name)
		}
	case "/models":
		models := a.engine.ListModels(ctx, agentID)
		if len(models) == 0 {
			a.render.info("No models offered")
		}
		sess, _ := a.engine.Sessions.CurrentSession(agentID)
		for _, m := range models {
			marker := " "
			if m.ID == sess.SelectedModelID {
				marker = "*"
			}
			a.render.info("%s %s  %s", marker, m.ID, m.Name)
		}
	case "/model":
		if arg == "" {
			a.render.warn("usage: /model <id>")
			break
		}
		_ = a.engine.SelectModel(ctx, agentID, arg)
	case "/sessions":
		list, err := a.engine.ListSessions(ctx, agentID)
		if err != nil {
			break
		}
		cur, _ := a.engine.Sessions.CurrentSession(agentID)
		for _, s := range list {
			marker := " "
			if s.ID == cur.ID {
				marker = "*"
			}
			a.render.info("%s %s  %s  %s", marker, s.ID, s.Cwd, s.Title)
		}
	case "/resume":
		if arg == "" {
			a.render.warn("usage: /resume <id>")
			break
		}
		_, _ = a.engine.SelectSession(ctx, agentID, arg, false)
	case "/delete":
		if arg == "" {
			a.render.warn("usage: /delete <id>")
			break
		}
		_ = a.engine.DeleteSession(ctx, agentID, arg)
	case "/new":
		cwd := arg
		if cwd == "" {
			cwd = a.connectParams(agentID).Cwd
		}
		_, _ = a.engine.NewSession(ctx, agentID, cwd)
	case "/run":
		if len(args) == 0 {
			a.render.warn("usage: /run <cmd> [args...]")
			break
		}
		a.run(ctx, agentID, args[0], args[1:])
	case "/terminals":
		list := a.engine.Terminals.List()
		if len(list) == 0 {
			a.render.info("No terminals")
		}
		for _, t := range list {
			state := "running"
			if t.Exit != nil {
				state = describeExit(*t.Exit)
			}
			if t.Truncated {
				state += ", output truncated"
			}
			a.render.info("  %s  %s  %s", t.ID, t.Command, state)
		}
	case "/tail":
		a.tail(args)
	case "/kill":
		if err := a.engine.Terminals.Kill(ctx, agentID, arg); err != nil {
			a.engine.Notifier.Error(agentID, "Kill failed", err)
		}
	case "/auth":
		a.auth(ctx, agentID, arg)
	case "/status":
		a.status(ctx, agentID)
	case "/forget":
		if err := a.forget(agentID); err != nil {
			a.engine.Notifier.Error(agentID, "Could not forget saved settings", err)
			break
		}
		a.render.info("Forgot saved settings for %s", agentID)
	default:
		a.render.warn("Unknown command %s (/help for commands)", name)
	}
	return false
}

func (a *app) attach(item promptctx.ContextItem, p string) {
	if p == "" {
		a.render.warn("usage: /attach <path>")
		return
	}
	if a.engine.Attach(item) {
		a.render.info("Attached %s", item.Label)
	}
}

func (a *app) complete(ctx context.Context, text string) {
	if !strings.Contains(text, "@") {
		text = "@" + text
	}
	m, cands, ok := a.engine.Mention(ctx, text, len(text))
	if !ok {
		a.render.info("No mention at the end of %q", text)
		return
	}
	if len(cands) == 0 {
		a.render.info("No files match %q", m.Query)
		return
	}
	for _, c := range cands {
		a.render.info("  %s (%s)", c.Label, c.Source)
	}
}

// run creates a terminal, waits for its process, prints its output and
// releases it.
func (a *app) run(ctx context.Context, agentID, command string, args []string) {
	sess, _ := a.engine.Sessions.CurrentSession(agentID)
	id, err := a.engine.Terminals.Create(ctx, agentID, terminal.CreateRequest{
		SessionID: sess.ID,
		Command:   command,
		Args:      args,
		Cwd:       sess.Cwd,
	})
	if err != nil {
		a.engine.Notifier.Error(agentID, "Terminal failed", err)
		return
	}
	defer func() {
		if err := a.engine.Terminals.Release(context.WithoutCancel(ctx), agentID, id); err != nil {
			a.engine.Notifier.Error(agentID, "Terminal release failed", err)
		}
	}()

	exit, err := a.engine.Terminals.WaitForExit(ctx, agentID, id)
	if err != nil {
		a.engine.Notifier.Error(agentID, "Terminal failed", err)
		return
	}
	out, err := a.engine.Terminals.Output(ctx, agentID, id)
	if err != nil {
		a.engine.Notifier.Error(agentID, "Terminal output unavailable", err)
		return
	}
	if out.Output != "" {
		a.render.info("%s", strings.TrimRight(out.Output, "\n"))
	}
	if out.Truncated {
		a.render.warn("(output truncated)")
	}
	a.render.info("[%s %s]", command, describeExit(exit))
}

func (a *app) tail(args []string) {
	if len(args) == 0 {
		a.render.warn("usage: /tail <terminalId> [n]")
		return
	}
	n := 20
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			a.render.warn("usage: /tail <terminalId> [n]")
			return
		}
		n = v
	}
	out, ok := a.engine.Terminals.Tail(args[0], n)
	if !ok {
		a.render.warn("No terminal %q", args[0])
		return
	}
	if out == "" {
		a.render.info("(no output yet)")
		return
	}
	a.render.info("%s", strings.TrimRight(out, "\n"))
}

func (a *app) auth(ctx context.Context, agentID, methodID string) {
	if methodID != "" {
		if err := a.engine.Authenticate(ctx, agentID, methodID); err == nil {
			a.render.info("Authenticated with %s", methodID)
		}
		return
	}
	methods, err := a.engine.AuthMethods(ctx, agentID)
	if err != nil {
		a.engine.Notifier.Error(agentID, "Could not list auth methods", err)
		return
	}
	if len(methods) == 0 {
		a.render.info("The agent needs no authentication")
	}
	for _, m := range methods {
		a.render.info("  %s  %s", m.ID, m.Name)
	}
}

func (a *app) status(ctx context.Context, agentID string) {
	st, err := a.engine.AgentStatus(ctx, agentID)
	if err != nil {
		a.engine.Notifier.Error(agentID, "Status unavailable", err)
		return
	}
	a.render.info("Agent %s: connected=%v pid=%d state=%s", agentID, st.Connected, st.PID, a.engine.Recovery.State(agentID))
	if sess, ok := a.engine.Sessions.CurrentSession(agentID); ok && sess.ID != "" {
		a.render.info("Session %s in %s (mode %s)", sess.ID, sess.Cwd, sess.CurrentModeID)
	}
	if req, ok := a.engine.Permissions.Current(); ok {
		a.render.info("Pending permission request %s", req.RequestID)
	}
}

func describeExit(exit terminal.ExitStatus) string {
	switch {
	case exit.Signal != "":
		return fmt.Sprintf("killed by %s", exit.Signal)
	case exit.ExitCode != nil:
		return fmt.Sprintf("exit %d", *exit.ExitCode)
	default:
		return "exited"
	}
}
