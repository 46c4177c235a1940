package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/acp-engine/internal/rpc"
	"github.com/workspace/acp-engine/internal/rpc/rpctest"
)

func newPair(t *testing.T) (*rpc.Correlator, *rpctest.Server) {
	t.Helper()
	srv := rpctest.NewServer()
	c := rpc.NewCorrelator(srv, rpc.DefaultTimeouts())
	srv.Attach(func(data []byte) { c.Handle(data) })
	return c, srv
}

func TestCallResolvesMatchingResponse(t *testing.T) {
	c, srv := newPair(t)
	srv.On("agents.list", func(call rpctest.Call) (any, error) {
		return []map[string]string{{"id": "claude"}}, nil
	})

	var out []map[string]string
	err := c.CallInto(context.Background(), rpc.Request{Operation: "agents.list"}, rpc.CallOptions{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "claude", out[0]["id"])
	assert.Zero(t, c.PendingCount())

	calls := srv.Calls("agents.list")
	require.Len(t, calls, 1)
	assert.Equal(t, rpc.DefaultType, calls[0].Type)
	assert.Regexp(t, `^\d+-[0-9a-f]{12}$`, calls[0].ID)
}

func TestCallDecodesStringAndObjectErrors(t *testing.T) {
	c, srv := newPair(t)
	srv.On("prompt", func(call rpctest.Call) (any, error) {
		return nil, rpctest.ErrNoReply
	})

	p, err := c.Go(rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	require.NoError(t, err)
	srv.Emit(map[string]any{"id": p.ID, "error": "Session not found"})

	_, err = p.Wait(context.Background())
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Session not found", remote.Message)

	p, err = c.Go(rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	require.NoError(t, err)
	srv.Emit(map[string]any{"id": p.ID, "error": map[string]any{"code": -32603, "message": "boom"}})
	_, err = p.Wait(context.Background())
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, -32603, remote.Code)
	assert.Equal(t, "boom", remote.Message)
}

func TestAuthRequiredResultBecomesError(t *testing.T) {
	c, srv := newPair(t)
	srv.On("session.new", func(call rpctest.Call) (any, error) {
		return map[string]any{
			"authRequired": true,
			"authMethods":  []map[string]string{{"id": "oauth", "name": "Log in"}},
		}, nil
	})

	_, err := c.Call(context.Background(), rpc.Request{Operation: "session.new"}, rpc.CallOptions{})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.AuthRequired)
	require.Len(t, remote.AuthMethods, 1)
	assert.Equal(t, "oauth", remote.AuthMethods[0].ID)
}

func TestResponsesMatchedOutOfOrder(t *testing.T) {
	c, srv := newPair(t)
	srv.On("models.list", func(call rpctest.Call) (any, error) { return nil, rpctest.ErrNoReply })

	first, err := c.Go(rpc.Request{Operation: "models.list"}, rpc.CallOptions{})
	require.NoError(t, err)
	second, err := c.Go(rpc.Request{Operation: "models.list"}, rpc.CallOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	srv.Reply(second.ID, "second")
	srv.Reply(first.ID, "first")

	raw, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(raw))
	raw, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"second"`, string(raw))
}

func TestTimeoutRejectsAndRemovesPending(t *testing.T) {
	c, srv := newPair(t)
	srv.On("agent.status", func(call rpctest.Call) (any, error) { return nil, rpctest.ErrNoReply })

	_, err := c.Call(context.Background(), rpc.Request{Operation: "agent.status"}, rpc.CallOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, rpc.IsTimeout(err))
	assert.Zero(t, c.PendingCount())
}

func TestAbandonedCallStillSettles(t *testing.T) {
	c, srv := newPair(t)
	srv.On("prompt", func(call rpctest.Call) (any, error) { return nil, rpctest.ErrNoReply })

	p, err := c.Go(rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.PendingCount())

	srv.Reply(p.ID, map[string]string{"stopReason": "end_turn"})
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pending call never settled")
	}
	assert.Zero(t, c.PendingCount())
}

func TestSendFailureIsTransportError(t *testing.T) {
	c, srv := newPair(t)
	srv.FailSends(rpc.ErrNotConnected)

	_, err := c.Call(context.Background(), rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	require.Error(t, err)
	assert.True(t, rpc.IsTransport(err))
	assert.True(t, errors.Is(err, rpc.ErrNotConnected))
	assert.Zero(t, c.PendingCount())
}

func TestHandleIgnoresUnknownIDsAndEvents(t *testing.T) {
	c, _ := newPair(t)
	assert.False(t, c.Handle([]byte(`{"type":"session_update","update":{}}`)))
	assert.False(t, c.Handle([]byte(`{"id":"nope","result":1}`)))
	assert.False(t, c.Handle([]byte(`not json`)))
}

func TestFailAllRejectsEveryPendingCall(t *testing.T) {
	c, srv := newPair(t)
	srv.On("prompt", func(call rpctest.Call) (any, error) { return nil, rpctest.ErrNoReply })

	p1, _ := c.Go(rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	p2, _ := c.Go(rpc.Request{Operation: "prompt"}, rpc.CallOptions{})
	lost := errors.New("connection lost")
	c.FailAll(lost)

	for _, p := range []*rpc.Pending{p1, p2} {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, lost)
	}
}

func TestTimeoutFor(t *testing.T) {
	to := rpc.Timeouts{Default: time.Second, Connect: 2 * time.Second, Prompt: 3 * time.Second}
	assert.Equal(t, 2*time.Second, to.TimeoutFor("connect"))
	assert.Equal(t, 2*time.Second, to.TimeoutFor("agent.start"))
	assert.Equal(t, 3*time.Second, to.TimeoutFor("prompt"))
	assert.Equal(t, time.Second, to.TimeoutFor("sessions.list"))
	assert.Equal(t, rpc.ConnectTimeout, rpc.Timeouts{}.TimeoutFor("connect"))
}

func TestRequestEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(rpc.Request{Type: "acp", ID: "1-a", Operation: "prompt", AgentID: "claude", Payload: map[string]string{"sessionId": "s1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"acp","id":"1-a","operation":"prompt","agentId":"claude","payload":{"sessionId":"s1"}}`, string(data))
}
