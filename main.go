// acp-engine - Agent Client Protocol client for a multi-agent WebSocket server
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/workspace/acp-engine/internal/config"
	"github.com/workspace/acp-engine/internal/engine"
	"github.com/workspace/acp-engine/internal/logging"
	"github.com/workspace/acp-engine/internal/permission"
	"github.com/workspace/acp-engine/internal/persistence"
	"github.com/workspace/acp-engine/internal/promptctx"
	"github.com/workspace/acp-engine/internal/recovery"
	"github.com/workspace/acp-engine/internal/rpc"
	"github.com/workspace/acp-engine/internal/session"
	"github.com/workspace/acp-engine/internal/transport"
	"github.com/workspace/acp-engine/internal/workspace"
)

type options struct {
	configPath string
	agent      string
	cwd        string
	authMethod string

	attach []string
	diffs  []string
	mode   string
	yes    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	var logCloser io.Closer

	root := &cobra.Command{
		Use:           "acp-engine",
		Short:         "Drive coding agents over the Agent Client Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath != "" {
				if err := os.Setenv("ACP_ENGINE_CONFIG", opts.configPath); err != nil {
					return err
				}
			}
			closer, err := logging.Setup(logging.OptionsFromEnv(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides ACP_ENGINE_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.agent, "agent", "a", "", "agent id (default: ACP_AGENT or the only configured agent)")
	root.PersistentFlags().StringVar(&opts.cwd, "cwd", "", "working directory for the session")
	root.PersistentFlags().StringVar(&opts.authMethod, "auth-method", "", "authenticate with this method when the agent asks")

	root.AddCommand(agentsCommand(opts), statusCommand(opts), promptCommand(opts), replCommand(opts))
	return root
}

func agentsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents the server can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				agents, err := a.engine.ListAgents(ctx)
				if err != nil {
					return err
				}
				saved := a.savedPrefs()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tENV\tCONFIGURED\tLAST USED")
				for _, ag := range agents {
					_, configured := a.cfg.Agents[ag.ID]
					lastUsed := "-"
					if p, ok := saved[ag.ID]; ok && p.UpdatedAt != "" {
						lastUsed = p.UpdatedAt
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", ag.ID, ag.Title, strings.Join(ag.EnvKeys, ","), configured, lastUsed)
				}
				return w.Flush()
			})
		},
	}
}

func statusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the agent process is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				agentID, err := a.agentID(opts.agent)
				if err != nil {
					return err
				}
				st, err := a.engine.AgentStatus(ctx, agentID)
				if err != nil {
					return err
				}
				if !st.Connected {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not running\n", agentID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: running (pid %d)\n", agentID, st.PID)
				return nil
			})
		},
	}
}

func promptCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt <message...>",
		Short: "Send one prompt and stream the agent's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				agentID, err := a.agentID(opts.agent)
				if err != nil {
					return err
				}
				if err := a.start(ctx, agentID, opts.authMethod); err != nil {
					return err
				}
				if opts.mode != "" {
					if err := a.engine.SetMode(ctx, agentID, opts.mode); err != nil {
						return err
					}
				}
				for _, p := range opts.attach {
					a.engine.Attach(promptctx.FileItem(p, 0))
				}
				for _, p := range opts.diffs {
					a.engine.Attach(promptctx.DiffItem(p))
				}

				res, err := a.engine.Prompt(ctx, agentID, strings.Join(args, " "))
				if err != nil {
					return err
				}
				a.render.turnDone(res.StopReason)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&opts.attach, "attach", nil, "attach a file as context (repeatable)")
	cmd.Flags().StringArrayVar(&opts.diffs, "diff", nil, "attach a file's git diff as context (repeatable)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "switch the session to this mode first")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "approve permission requests automatically")
	return cmd
}

func replCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Chat with an agent interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				agentID, err := a.agentID(opts.agent)
				if err != nil {
					return err
				}
				if err := a.start(ctx, agentID, opts.authMethod); err != nil {
					return err
				}
				return a.repl(ctx, agentID, cmd.InOrStdin())
			})
		},
	}
}

// withApp loads configuration, dials the server and runs fn until it returns
// or the process is interrupted.
func withApp(cmd *cobra.Command, opts *options, interactive bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if opts.cwd != "" {
		cfg.Cwd = opts.cwd
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, newRenderer(cmd.OutOrStdout()), interactive, opts.yes)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

type app struct {
	cfg     *config.Config
	store   *persistence.Store
	channel *transport.Channel
	engine  *engine.Engine
	render  *renderer

	// autoApprove answers permission requests with the first allow option;
	// otherwise non-interactive runs decline them.
	autoApprove bool
	interactive bool
	ctx         context.Context
}

func openApp(ctx context.Context, cfg *config.Config, r *renderer, interactive, autoApprove bool) (*app, error) {
	a := &app{cfg: cfg, render: r, ctx: ctx, interactive: interactive, autoApprove: autoApprove}

	if cfg.StateDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o700); err != nil {
			slog.Warn("Cannot create state directory, preferences will not persist", "path", cfg.StateDB, "error", err)
		} else if store, err := persistence.Open(cfg.StateDB); err != nil {
			slog.Warn("State database unavailable, preferences will not persist", "path", cfg.StateDB, "error", err)
		} else {
			a.store = store
		}
	}

	a.channel = transport.New(transport.Config{
		URL:             cfg.ServerURL,
		Token:           cfg.Token,
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
	})

	engineOpts := engine.Options{
		Timeouts: rpc.Timeouts{
			Default: cfg.DefaultTimeout,
			Connect: cfg.ConnectTimeout,
			Prompt:  cfg.PromptTimeout,
		},
		Files:              workspace.NewFiles(cfg.Cwd),
		Git:                workspace.NewGit(cfg.Cwd),
		Root:               cfg.Cwd,
		TerminalBufferSize: cfg.TerminalBufferSize,
		OnMessage:          r.message,
		OnPermission:       a.onPermission,
		OnNotify:           r.notification,
		OnStderr:           r.stderr,
	}
	if a.store != nil {
		engineOpts.Store = a.store
	}
	a.engine = engine.New(a.channel, engineOpts)

	a.channel.OnStateChange(func(connected bool) {
		if !connected {
			a.engine.HandleDisconnect()
		}
	})
	if err := a.channel.DialWithBackoff(ctx, transport.DefaultBackoff()); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	slog.Info("Connected to server", "url", cfg.ServerURL)
	return a, nil
}

// savedPrefs returns the persisted connect parameters keyed by agent id.
func (a *app) savedPrefs() map[string]persistence.AgentPrefs {
	if a.store == nil {
		return nil
	}
	list, err := a.store.ListAgentPrefs()
	if err != nil {
		slog.Warn("Cannot read saved agent preferences", "error", err)
		return nil
	}
	out := make(map[string]persistence.AgentPrefs, len(list))
	for _, p := range list {
		out[p.AgentID] = p
	}
	return out
}

// forget drops everything persisted for agentID, including its last session.
func (a *app) forget(agentID string) error {
	if a.store == nil {
		return fmt.Errorf("no state database configured")
	}
	if err := a.store.DeleteAgentPrefs(agentID); err != nil {
		return err
	}
	slog.Info("Forgot saved agent preferences", "agentId", agentID)
	return nil
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *app) agentID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.DefaultAgent != "" {
		return a.cfg.DefaultAgent, nil
	}
	return "", errors.New("no agent selected: pass --agent or set ACP_AGENT")
}

// connectParams merges the agent's configuration over its persisted env inputs.
func (a *app) connectParams(agentID string) session.ConnectParams {
	a.engine.Sessions.SelectAgent(agentID)
	ac := a.cfg.Agents[agentID]

	env := a.engine.Sessions.EnvInputs(agentID)
	for k, v := range ac.Env {
		env[k] = v
	}
	if len(env) == 0 {
		env = nil
	}
	cwd := ac.Cwd
	if cwd == "" {
		cwd = a.cfg.Cwd
	}
	return session.ConnectParams{AgentCmd: ac.Command, Env: env, Cwd: cwd, Proxy: ac.Proxy}
}

// withAuth runs op and, when the agent demands authentication and a method
// was given, authenticates and runs op once more.
func (a *app) withAuth(ctx context.Context, agentID, method string, op func() error) error {
	err := op()
	var authErr *recovery.AuthRequiredError
	if !errors.As(err, &authErr) {
		return err
	}
	if method == "" {
		return fmt.Errorf("%w: pass --auth-method", err)
	}
	if err := a.engine.Authenticate(ctx, agentID, method); err != nil {
		return err
	}
	return op()
}

// start connects the agent and resumes its last session in the same cwd, or
// creates a new one.
func (a *app) start(ctx context.Context, agentID, authMethod string) error {
	params := a.connectParams(agentID)
	err := a.withAuth(ctx, agentID, authMethod, func() error {
		_, err := a.engine.Connect(ctx, agentID, params)
		return err
	})
	if err != nil {
		return err
	}

	if a.store != nil {
		if last, err := a.store.GetLastSession(agentID); err == nil && last != nil && last.Cwd == params.Cwd {
			if _, err := a.engine.SelectSession(ctx, agentID, last.SessionID, true); err == nil {
				return nil
			}
			slog.Debug("Last session not resumable", "agentId", agentID, "sessionId", last.SessionID)
		}
	}

	return a.withAuth(ctx, agentID, authMethod, func() error {
		_, err := a.engine.NewSession(ctx, agentID, params.Cwd)
		return err
	})
}

// onPermission renders the request. Non-interactive runs answer it right
// away; the answer is sent from its own goroutine because this callback runs
// on the channel's read goroutine, which must stay free to deliver the reply.
func (a *app) onPermission(req *permission.Request) {
	a.render.permission(req)
	if req == nil || a.interactive {
		return
	}
	optionID := ""
	if a.autoApprove {
		for _, o := range req.Options {
			if strings.HasPrefix(string(o.Kind), "allow") {
				optionID = string(o.OptionId)
				break
			}
		}
	}
	go func() {
		if optionID != "" {
			_ = a.engine.ResolvePermission(a.ctx, optionID)
			return
		}
		a.render.warn("Declining permission request %s (use --yes to approve)", req.RequestID)
		_ = a.engine.CancelPermission(a.ctx)
	}()
}
