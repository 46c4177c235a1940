package terminal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/acp-engine/internal/rpc"
	"github.com/workspace/acp-engine/internal/rpc/rpctest"
)

func newClient(t *testing.T) (*Client, *rpctest.Server) {
	t.Helper()
	srv := rpctest.NewServer()
	c := rpc.NewCorrelator(srv, rpc.DefaultTimeouts())
	srv.Attach(func(data []byte) { c.Handle(data) })
	return NewClient(c, 64), srv
}

func TestCreateRecordsTerminal(t *testing.T) {
	c, srv := newClient(t)
	srv.On("terminal.create", func(rpctest.Call) (any, error) {
		return map[string]string{"terminalId": "term-1"}, nil
	})

	id, err := c.Create(context.Background(), "claude", CreateRequest{SessionID: "s1", Command: "npm", Args: []string{"test"}})
	require.NoError(t, err)
	assert.Equal(t, "term-1", id)

	calls := srv.Calls("terminal.create")
	require.Len(t, calls, 1)
	var sent CreateRequest
	require.NoError(t, calls[0].Decode(&sent))
	assert.Equal(t, []string{"test"}, sent.Args)

	info, ok := c.Get("term-1")
	require.True(t, ok)
	assert.Equal(t, "claude", info.AgentID)
	assert.Equal(t, "s1", info.SessionID)
	assert.Equal(t, "npm", info.Command)
}

func TestCreateWithoutTerminalIDInResponse(t *testing.T) {
	c, srv := newClient(t)
	srv.On("terminal.create", func(rpctest.Call) (any, error) { return map[string]string{}, nil })

	_, err := c.Create(context.Background(), "claude", CreateRequest{Command: "ls"})
	require.Error(t, err)
	assert.True(t, rpc.IsValidation(err))
}

func TestOperationsRequireTerminalID(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()

	_, err := c.Output(ctx, "claude", "")
	assert.True(t, rpc.IsValidation(err))
	assert.True(t, rpc.IsValidation(c.Kill(ctx, "claude", "")))
	assert.True(t, rpc.IsValidation(c.Release(ctx, "claude", "")))
	_, err = c.WaitForExit(ctx, "claude", "")
	assert.True(t, rpc.IsValidation(err))

	assert.Empty(t, srv.Calls(""), "nothing is sent for invalid requests")
}

func TestOutputReplacesLocalBuffer(t *testing.T) {
	c, srv := newClient(t)
	code := 0
	srv.On("terminal.output", func(call rpctest.Call) (any, error) {
		return Output{Output: "PASS\n", ExitStatus: &ExitStatus{ExitCode: &code}}, nil
	})
	c.HandleOutput("term-1", "stale")

	out, err := c.Output(context.Background(), "claude", "term-1")
	require.NoError(t, err)
	assert.Equal(t, "PASS\n", out.Output)

	info, ok := c.Get("term-1")
	require.True(t, ok)
	assert.Equal(t, "PASS\n", info.Output)
	require.NotNil(t, info.Exit)
	assert.Equal(t, 0, *info.Exit.ExitCode)
}

func TestHandleOutputAppendsAndBounds(t *testing.T) {
	c, _ := newClient(t)
	for i := 0; i < 10; i++ {
		c.HandleOutput("term-1", "0123456789")
	}
	c.HandleOutput("", "ignored")

	info, ok := c.Get("term-1")
	require.True(t, ok)
	assert.Len(t, info.Output, 64)
	assert.True(t, info.Truncated)
	assert.EqualValues(t, 36, info.Dropped)
	assert.Len(t, c.List(), 1)

	tail, ok := c.Tail("term-1", 1)
	require.True(t, ok)
	assert.Equal(t, info.Output, tail)
	_, ok = c.Tail("term-2", 1)
	assert.False(t, ok)
}

func TestOutputCarriesServerTruncation(t *testing.T) {
	c, srv := newClient(t)
	srv.On("terminal.output", func(rpctest.Call) (any, error) {
		return Output{Output: "last lines\n", Truncated: true}, nil
	})
	c.HandleOutput("term-1", "0123456789012345678901234567890123456789012345678901234567890123456789")

	_, err := c.Output(context.Background(), "claude", "term-1")
	require.NoError(t, err)

	info, ok := c.Get("term-1")
	require.True(t, ok)
	assert.Equal(t, "last lines\n", info.Output)
	assert.True(t, info.Truncated)
	assert.Zero(t, info.Dropped)
}

func TestWaitForExitAndRelease(t *testing.T) {
	c, srv := newClient(t)
	srv.On("terminal.waitForExit", func(rpctest.Call) (any, error) {
		return map[string]any{"signal": "SIGTERM"}, nil
	})
	srv.On("terminal.kill", func(rpctest.Call) (any, error) { return map[string]any{}, nil })
	srv.On("terminal.release", func(rpctest.Call) (any, error) { return map[string]any{}, nil })
	c.HandleOutput("term-1", "running")

	ctx := context.Background()
	require.NoError(t, c.Kill(ctx, "claude", "term-1"))
	exit, err := c.WaitForExit(ctx, "claude", "term-1")
	require.NoError(t, err)
	assert.Equal(t, "SIGTERM", exit.Signal)
	assert.Nil(t, exit.ExitCode)

	require.NoError(t, c.Release(ctx, "claude", "term-1"))
	_, ok := c.Get("term-1")
	assert.False(t, ok)

	var ref struct {
		TerminalID string `json:"terminalId"`
	}
	require.NoError(t, srv.Calls("terminal.release")[0].Decode(&ref))
	assert.Equal(t, "term-1", ref.TerminalID)
}
