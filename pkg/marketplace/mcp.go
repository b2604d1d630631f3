package marketplace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/util/resiliency"
)

const mcpProtocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message) }

// rpcTransport carries JSON-RPC calls to one MCP server.
type rpcTransport interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	close() error
}

// MCPExecutor calls tools/call on the manifest's MCP server.
type MCPExecutor struct {
	client *resiliency.Client
	nextID atomic.Int64
}

func NewMCPExecutor(client *resiliency.Client) *MCPExecutor {
	return &MCPExecutor{client: client}
}

func (*MCPExecutor) Kind() ProviderKind { return ProviderMCP }

func (e *MCPExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.MCP
	ctx, cancel := withTimeout(ctx, p.TimeoutMS)
	defer cancel()

	t, err := e.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.close() }()

	tool := p.ToolName
	if tool == "" || tool == "*" {
		if tool, err = firstTool(ctx, t); err != nil {
			return nil, err
		}
	}

	arguments, err := mcpArguments(args)
	if err != nil {
		return nil, err
	}
	raw, err := t.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	var result struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		content, err := decodeResult(result.Content)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, fmt.Errorf("mcp tool %s failed: %s", tool, runtime.Canonical(content))
		}
		return content, nil
	}
	return decodeResult(raw)
}

func (e *MCPExecutor) open(ctx context.Context, p *MCPProvider) (rpcTransport, error) {
	if cmd, ok := strings.CutPrefix(p.ServerURL, "stdio://"); ok {
		return startStdio(ctx, cmd, p.Args, &e.nextID)
	}
	return &httpRPC{client: e.client, url: p.ServerURL, nextID: &e.nextID}, nil
}

func firstTool(ctx context.Context, t rpcTransport) (string, error) {
	raw, err := t.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return "", err
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("decode tools/list: %w", err)
	}
	if len(list.Tools) == 0 {
		return "", errors.New("mcp server lists no tools")
	}
	return list.Tools[0].Name, nil
}

// mcpArguments renders call arguments as the JSON object MCP expects.
func mcpArguments(args []any) (map[string]any, error) {
	doc, err := runtime.ToJSON(inputDocument(args))
	if err != nil {
		return nil, err
	}
	if m, ok := doc.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[strings.TrimPrefix(k, ":")] = v
		}
		return out, nil
	}
	return map[string]any{"input": doc}, nil
}

type httpRPC struct {
	client *resiliency.Client
	url    string
	nextID *atomic.Int64
}

func (h *httpRPC) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := h.nextID.Add(1)
	var resp rpcResponse
	if err := postJSON(ctx, h.client, h.url, "", rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (*httpRPC) close() error { return nil }

// stdioRPC speaks newline-delimited JSON-RPC to a child process.
type stdioRPC struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Scanner
	nextID *atomic.Int64
}

func startStdio(ctx context.Context, command string, args []string, nextID *atomic.Int64) (*stdioRPC, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty stdio command")
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", fields[0], err)
	}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	s := &stdioRPC{cmd: cmd, stdin: stdin, out: sc, nextID: nextID}

	if _, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "ccos", "version": "1.0.0"},
	}); err != nil {
		_ = s.close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	if err := s.send(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (s *stdioRPC) send(req rpcRequest) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(line, '\n'))
	return err
}

func (s *stdioRPC) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	if err := s.send(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}
	for s.out.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp rpcResponse
		if err := json.Unmarshal(s.out.Bytes(), &resp); err != nil {
			continue
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
	if err := s.out.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("mcp server closed before replying to %s", method)
}

func (s *stdioRPC) close() error {
	_ = s.stdin.Close()
	return s.cmd.Wait()
}
