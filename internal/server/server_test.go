package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/switchyard/internal/assert/helpers"
	"github.com/kode4food/switchyard/internal/assert/wait"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/server"
	"github.com/kode4food/switchyard/pkg/api"
)

type testServerEnv struct {
	Server *server.Server
	Router *gin.Engine
	*helpers.TestRuntimeEnv
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var res api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, server.HealthHealthy, res.Status)
	assert.True(t, res.Checks["state"])
	assert.True(t, res.Checks["lock"])
}

func TestHealthDegraded(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	env.Redis.SetError("server down")
	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var res api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, server.HealthDegraded, res.Status)
	env.Redis.SetError("")
}

func TestMetricsEndpoint(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	env.Register(t, helpers.NewNativeStep("ping",
		helpers.APITrigger("GET", "/ping"),
	))
	env.Invoker.SetResponse("ping", "pong")
	w := env.do("GET", "/api/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "switchyard_invocations_total")
}

func TestAPIIngress(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	env.Register(t, helpers.NewNativeStep("orders",
		helpers.APITrigger("POST", "/orders/:id"),
	))
	env.Invoker.SetFunc("orders",
		func(_ context.Context, inv *api.Invocation, _ rpc.Services) (any, error) {
			return map[string]any{
				"id":    inv.Input.Params["id"],
				"body":  inv.Input.Data,
				"query": inv.Input.Query["verbose"],
				"trace": inv.TraceID,
			}, nil
		},
	)

	req := httptest.NewRequest("POST", "/api/orders/7?verbose=yes",
		strings.NewReader(`{"qty":2}`),
	)
	req.Header.Set(server.TraceHeader, "trace-abc")
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-abc", w.Header().Get(server.TraceHeader))
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "7", res["id"])
	assert.Equal(t, map[string]any{"qty": 2.0}, res["body"])
	assert.Equal(t, "yes", res["query"])
	assert.Equal(t, "trace-abc", res["trace"])
}

func TestAPIIngressErrors(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	env.Register(t,
		helpers.NewNativeStep("fail", helpers.APITrigger("GET", "/fail")),
		helpers.NewNativeStep("slow", helpers.APITrigger("GET", "/slow")),
		helpers.NewNativeStep("empty", helpers.APITrigger("GET", "/empty")),
		helpers.NewNativeStep("picky", helpers.WithCondition(
			helpers.APITrigger("POST", "/picky"),
			api.ScriptLangPath, "data.ok",
		)),
	)
	env.Invoker.SetError("fail", &rpc.HandlerError{Message: "declined"})
	env.Invoker.SetError("slow", rpc.ErrCallTimeout)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{"GET", "/api/missing", "", http.StatusNotFound},
		{"GET", "/api/fail", "", http.StatusBadGateway},
		{"GET", "/api/slow", "", http.StatusGatewayTimeout},
		{"GET", "/api/empty", "", http.StatusNoContent},
		{"POST", "/api/picky", `{"ok":false}`, http.StatusBadRequest},
		{"POST", "/api/picky", `{not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			var body []byte
			if tt.body != "" {
				body = []byte(tt.body)
			}
			w := env.do(tt.method, tt.path, body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if w.Code >= 400 {
				var res api.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
				assert.Equal(t, tt.status, res.Status)
				assert.NotEmpty(t, res.TraceID)
			}
		})
	}
}

func TestQueueEndpoints(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	env.Register(t, helpers.NewNativeStep("charge",
		helpers.QueueTrigger("payments", &api.QueueConfig{
			MaxRetries: api.NoRetries,
		}),
	))
	env.Invoker.SetError("charge", errors.New("card declined"))

	consumer := env.Hub.NewConsumer()
	defer consumer.Close()

	w := env.do("POST", "/engine/queue/payments",
		[]byte(`{"data":{"amount":5}}`),
	)
	require.Equal(t, http.StatusAccepted, w.Code)
	var pub api.PublishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pub))
	assert.NotEmpty(t, pub.ID)
	assert.NotEmpty(t, pub.TraceID)

	wait.On(t, consumer).ForEvent(wait.DeadLettered("payments"))

	w = env.do("GET", "/engine/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var metrics api.QueueMetricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	if assert.Contains(t, metrics.Topics, api.Topic("payments")) {
		assert.Equal(t, int64(1), metrics.Topics["payments"].DeadLettered)
	}

	var letters api.DeadLettersResponse
	require.Eventually(t, func() bool {
		w := env.do("GET", "/engine/dlq/payments/charge", nil)
		if w.Code != http.StatusOK {
			return false
		}
		letters = api.DeadLettersResponse{}
		_ = json.Unmarshal(w.Body.Bytes(), &letters)
		return letters.Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, pub.TraceID, letters.DeadLetters[0].Event.TraceID)
	assert.Contains(t, letters.DeadLetters[0].Error, "card declined")

	env.Invoker.SetError("charge", nil)
	w = env.do("POST", "/engine/dlq/payments/charge/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var replay api.ReplayResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	assert.Equal(t, 1, replay.Replayed)

	ev := wait.On(t, consumer).ForEvent(wait.Succeeded("charge"))
	assert.Equal(t, pub.TraceID, ev.TraceID)
}

func TestPublishValidation(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	w := env.do("POST", "/engine/queue/orders", []byte(`{bad`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("POST", "/engine/dlq/orders/nobody/replay", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStateEndpoints(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	ctx := context.Background()
	_, err := env.State.Set(ctx, "carts", "a", map[string]any{"total": 50})
	require.NoError(t, err)
	_, err = env.State.Set(ctx, "carts", "b", map[string]any{"total": 150})
	require.NoError(t, err)

	w := env.do("GET", "/engine/state/carts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var group api.StateGroupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &group))
	assert.Equal(t, 2, group.Count)

	body, _ := json.Marshal(api.StateItemsRequest{
		GroupID: "carts",
		Filters: []*api.StateFilter{
			{Field: "total", Op: api.FilterGt, Value: "100"},
		},
	})
	w = env.do("POST", "/engine/state/items", body)
	require.Equal(t, http.StatusOK, w.Code)
	var items api.StateItemsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	if assert.Equal(t, 1, items.Count) {
		assert.Equal(t, "b", items.Items[0].Key)
	}

	body, _ = json.Marshal(api.StateItemsRequest{
		Filters: []*api.StateFilter{{Field: "total", Op: "bogus"}},
	})
	w = env.do("POST", "/engine/state/items", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockEndpoint(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	l, err := env.Locker.Acquire(context.Background(), "nightly", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)

	w := env.do("GET", "/engine/lock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res api.LocksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Healthy)
	if assert.Len(t, res.Locks, 1) {
		assert.Equal(t, "nightly", res.Locks[0].JobName)
	}
}

func TestWorkerSocketDisabled(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	router := server.NewServer(server.Deps{
		Dispatcher: env.Dispatcher,
		Queue:      env.Queue,
		State:      env.State,
		Locker:     env.Locker,
		Hub:        env.Hub,
	}).SetupRoutes()
	req := httptest.NewRequest("GET", "/rpc/ws", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func testServer(t *testing.T) *testServerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := helpers.NewTestRuntime(t)
	srv := server.NewServer(server.Deps{
		Dispatcher:  env.Dispatcher,
		Queue:       env.Queue,
		State:       env.State,
		Locker:      env.Locker,
		DeadLetters: env.DeadLetters,
		Hub:         env.Hub,
		Workers:     env.Workers,
	})
	return &testServerEnv{
		Server:         srv,
		Router:         srv.SetupRoutes(),
		TestRuntimeEnv: env,
	}
}

func (e *testServerEnv) do(
	method, path string, body []byte,
) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
