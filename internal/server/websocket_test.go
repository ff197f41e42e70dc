package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/assert/helpers"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/worker"
)

func TestWebSocketSubscribe(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	ts := httptest.NewServer(env.Router)
	defer ts.Close()
	defer env.Server.CloseWebSockets()

	env.Register(t,
		helpers.NewNativeStep("watched", helpers.APITrigger("GET", "/watched")),
		helpers.NewNativeStep("ignored", helpers.APITrigger("GET", "/ignored")),
	)
	env.Invoker.SetResponse("watched", "ok")
	env.Invoker.SetResponse("ignored", "ok")

	conn := dialSocket(t, ts.URL+"/engine/ws")
	defer func() { _ = conn.Close() }()

	sub := api.ClientSubscription{
		Steps:      []api.StepName{"watched"},
		EventTypes: []api.TraceEventType{api.TraceInvokeSucceeded},
	}
	require.NoError(t, conn.WriteJSON(api.SubscribeRequest{
		Type: "subscribe",
		Data: sub,
	}))

	var ack api.SubscribedResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, sub, ack.Data)

	w := env.do("GET", "/api/ignored", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do("GET", "/api/watched", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ev api.TraceEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, api.TraceInvokeSucceeded, ev.Type)
	assert.Equal(t, api.StepName("watched"), ev.Step)
}

func TestWebSocketIgnoresUnknownMessages(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	ts := httptest.NewServer(env.Router)
	defer ts.Close()
	defer env.Server.CloseWebSockets()

	conn := dialSocket(t, ts.URL+"/engine/ws")
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{bad")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello"}))
	require.NoError(t, conn.WriteJSON(api.SubscribeRequest{Type: "subscribe"}))

	var ack api.SubscribedResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
}

func TestRemoteWorker(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	ts := httptest.NewServer(env.Router)
	defer ts.Close()

	env.Register(t, &api.Step{
		Name:     "remote",
		Handler:  &api.HandlerConfig{Kind: api.WorkerSocket},
		Triggers: []*api.Trigger{helpers.APITrigger("POST", "/remote")},
		Enqueues: []api.Topic{"remote.done"},
	})

	w := env.do("POST", "/api/remote", []byte(`{"n":1}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- worker.Connect(ctx, wsURL(ts.URL)+"/rpc/ws", "worker-1",
			worker.Handlers{
				"remote": func(
					wc *worker.Context, inv *api.Invocation,
				) (any, error) {
					n, err := wc.Increment("remote", "calls", 1)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"calls": n,
						"input": inv.Input.Data,
					}, nil
				},
			},
		)
	}()

	require.Eventually(t, func() bool {
		return env.Workers.Steps()["remote"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = env.do("POST", "/api/remote", []byte(`{"n":1}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"calls":1,"input":{"n":1}}`, w.Body.String())

	val, ok, err := env.State.Get(context.Background(), "remote", "calls")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, val)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func dialSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, res, err := websocket.DefaultDialer.Dial(wsURL(url), nil)
	require.NoError(t, err)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	return conn
}

func wsURL(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}
