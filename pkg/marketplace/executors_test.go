package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

func TestHTTPExecutorMapArgs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":"weather"}`, string(body))
		w.Header().Set("X-Reply", "yes")
		_, _ = w.Write([]byte(`{"temp":21}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterHTTPCapability(ctx, "weather.search", "search", "", srv.URL, "tok", 2000))

	out, err := m.ExecuteCapability(ctx, "weather.search", []any{map[string]any{"q": "weather"}})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, int64(200), res["status"])
	assert.Equal(t, `{"temp":21}`, res["body"])
	assert.Equal(t, "yes", res["headers"].(map[string]any)["x-reply"])
}

func TestHTTPExecutorPositionalArgs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/items/7", r.URL.Path)
		assert.Equal(t, "v", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterHTTPCapability(ctx, "items.get", "get", "", srv.URL, "", 0))

	out, err := m.ExecuteCapability(ctx, "items.get", []any{srv.URL + "/items/7", "GET", map[string]any{"X-Custom": "v"}})
	require.NoError(t, err)
	assert.Equal(t, int64(404), out.(map[string]any)["status"])
}

func jsonRPCServer(t *testing.T, handle func(method string, params map[string]any) (any, *rpcError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestMCPExecutorDiscoversTool(t *testing.T) {
	var calls []string
	srv := jsonRPCServer(t, func(method string, params map[string]any) (any, *rpcError) {
		calls = append(calls, method)
		switch method {
		case "tools/list":
			return map[string]any{"tools": []any{map[string]any{"name": "search"}}}, nil
		case "tools/call":
			assert.Equal(t, "search", params["name"])
			assert.Equal(t, map[string]any{"query": "go"}, params["arguments"])
			return map[string]any{"content": []any{map[string]any{"type": "text", "text": "found"}}}, nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterMCPCapability(ctx, "mcp.search", "search", "", srv.URL, "*", 2000))

	out, err := m.ExecuteCapability(ctx, "mcp.search", []any{map[string]any{":query": "go"}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"type": "text", "text": "found"}}, out)
	assert.Equal(t, []string{"tools/list", "tools/call"}, calls)
}

func TestMCPExecutorError(t *testing.T) {
	srv := jsonRPCServer(t, func(string, map[string]any) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "tool exploded"}
	})
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterMCPCapability(ctx, "mcp.broken", "broken", "", srv.URL, "broken", 0))

	_, err := m.ExecuteCapability(ctx, "mcp.broken", []any{"x"})
	require.Error(t, err)
	assert.True(t, runtime.IsKind(err, runtime.KindProvider))
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestA2AExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "agent-7", payload["agent_id"])
		assert.Equal(t, "execute", payload["capability"])
		if payload["inputs"] == "fail" {
			_, _ = w.Write([]byte(`{"error":{"message":"agent refused"}}`))
			return
		}
		assert.Equal(t, "ping", payload["inputs"])
		_, _ = w.Write([]byte(`{"result":{"pong":true}}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterA2ACapability(ctx, "agents.ping", "ping", "", "agent-7", srv.URL, "http", 2000))

	out, err := m.ExecuteCapability(ctx, "agents.ping", []any{"ping"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pong": true}, out)

	_, err = m.ExecuteCapability(ctx, "agents.ping", []any{"fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent refused")

	require.NoError(t, m.RegisterA2ACapability(ctx, "agents.grpc", "grpc", "", "agent-8", srv.URL, "grpc", 0))
	_, err = m.ExecuteCapability(ctx, "agents.grpc", nil)
	assert.Error(t, err)
}

func TestRemoteRTFSExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer rt", r.Header.Get("Authorization"))
		var payload struct {
			CapabilityID string `json:"capability_id"`
			Args         []any  `json:"args"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "remote.sum", payload.CapabilityID)
		assert.Equal(t, []any{float64(40), float64(2)}, payload.Args)
		_, _ = w.Write([]byte(`{"result":42}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterRemoteRTFSCapability(ctx, "remote.sum", "sum", "", srv.URL, "rt", 2000))

	out, err := m.ExecuteCapability(ctx, "remote.sum", []any{int64(40), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)
}

func TestStreamExecutorWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var req any
		require.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "subscribe", req)
		for _, frame := range []any{"a", map[string]any{"n": 1}, "done", "ignored"} {
			require.NoError(t, conn.WriteJSON(frame))
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterManifest(ctx, &CapabilityManifest{
		ID:      "feeds.ticks",
		Name:    "ticks",
		Version: "1.0.0",
		Provider: ProviderSpec{Stream: &StreamProvider{
			Endpoint:   "ws" + strings.TrimPrefix(srv.URL, "http"),
			StreamType: "unidirectional",
		}},
	}))

	out, err := m.ExecuteCapability(ctx, "feeds.ticks", []any{"subscribe"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", map[string]any{"n": int64(1)}}, out)
}

func TestStreamExecutorLocalHandler(t *testing.T) {
	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterStreamingCapability(ctx, "feeds.count", "count", "", "unidirectional",
		func(_ context.Context, args []any, emit func(any) error) error {
			n, _ := runtime.AsInt(args[0])
			for i := int64(1); i <= n; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		}))

	out, err := m.ExecuteCapability(ctx, "feeds.count", []any{int64(3)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)
}

func TestPluginExecutorMissingModule(t *testing.T) {
	ctx := context.Background()
	m := New(nil)
	require.NoError(t, m.RegisterPluginCapability(ctx, "plugins.add", "add", "", "/nonexistent/add.wasm", "add"))
	_, err := m.ExecuteCapability(ctx, "plugins.add", []any{int64(1), int64(2)})
	require.Error(t, err)
	assert.True(t, runtime.IsKind(err, runtime.KindProvider))
}

func TestParseHTTPCallBodyKey(t *testing.T) {
	call, err := parseHTTPCall("http://base", []any{map[string]any{
		":url":    "http://other/x",
		"method":  "put",
		"headers": map[string]any{":X-A": "1"},
		"body":    map[string]any{"k": runtime.Keyword("v")},
	}})
	require.NoError(t, err)
	assert.Equal(t, "http://other/x", call.url)
	assert.Equal(t, "put", call.method)
	assert.Equal(t, map[string]string{"X-A": "1"}, call.headers)
	assert.JSONEq(t, `{"k":":v"}`, call.body)
}
