package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/util/resiliency"
)

// Executor runs calls for one provider kind.
type Executor interface {
	Kind() ProviderKind
	Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error)
}

func withTimeout(ctx context.Context, ms uint64) (context.Context, context.CancelFunc) {
	if ms == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// LocalExecutor calls the in-process handler.
type LocalExecutor struct{}

func (LocalExecutor) Kind() ProviderKind { return ProviderLocal }

func (LocalExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	if m.Provider.Local == nil || m.Provider.Local.Handler == nil {
		return nil, fmt.Errorf("local capability %s has no handler", m.ID)
	}
	return m.Provider.Local.Handler(ctx, args)
}

// HTTPExecutor issues one request per call. A single map argument supplies
// url, method, headers and body; any other keys become the JSON body.
// Otherwise arguments are positional: url, method, headers, body.
type HTTPExecutor struct {
	client *resiliency.Client
}

func NewHTTPExecutor(client *resiliency.Client) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

func (*HTTPExecutor) Kind() ProviderKind { return ProviderHTTP }

type httpCall struct {
	url     string
	method  string
	headers map[string]string
	body    string
}

// lookup finds key in a runtime map under its string or keyword spelling.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	v, ok := m[":"+key]
	return v, ok
}

func stringHeaders(v any) map[string]string {
	out := map[string]string{}
	if hm, ok := v.(map[string]any); ok {
		for k, hv := range hm {
			if s, ok := runtime.AsString(hv); ok {
				out[strings.TrimPrefix(k, ":")] = s
			}
		}
	}
	return out
}

func parseHTTPCall(base string, args []any) (httpCall, error) {
	call := httpCall{url: base, headers: map[string]string{}}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			call.method = http.MethodPost
			if v, ok := lookup(m, "url"); ok {
				if s, ok := runtime.AsString(v); ok {
					call.url = s
				}
			}
			if v, ok := lookup(m, "method"); ok {
				if s, ok := runtime.AsString(v); ok {
					call.method = s
				}
			}
			if v, ok := lookup(m, "headers"); ok {
				call.headers = stringHeaders(v)
			}
			if v, ok := lookup(m, "body"); ok {
				if s, ok := v.(string); ok {
					call.body = s
				} else {
					raw, err := runtime.MarshalValue(v)
					if err != nil {
						return call, err
					}
					call.body = string(raw)
				}
				return call, nil
			}
			rest := maps.Clone(m)
			for _, k := range []string{"url", "method", "headers"} {
				delete(rest, k)
				delete(rest, ":"+k)
			}
			if len(rest) > 0 {
				raw, err := runtime.MarshalValue(rest)
				if err != nil {
					return call, err
				}
				call.body = string(raw)
			}
			return call, nil
		}
	}
	call.method = http.MethodGet
	if len(args) > 0 {
		if s, ok := runtime.AsString(args[0]); ok {
			call.url = s
		}
	}
	if len(args) > 1 {
		if s, ok := runtime.AsString(args[1]); ok {
			call.method = s
		}
	}
	if len(args) > 2 {
		call.headers = stringHeaders(args[2])
	}
	if len(args) > 3 {
		if s, ok := args[3].(string); ok {
			call.body = s
		}
	}
	return call, nil
}

func (e *HTTPExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.HTTP
	call, err := parseHTTPCall(p.BaseURL, args)
	if err != nil {
		return nil, err
	}
	call.method = strings.ToUpper(call.method)
	hasContentType := slices.ContainsFunc(slices.Collect(maps.Keys(call.headers)), func(k string) bool {
		return strings.EqualFold(k, "content-type")
	})
	if call.body == "" && (call.method == http.MethodPost || call.method == http.MethodPut || call.method == http.MethodPatch) {
		call.body = "{}"
	}
	if call.body != "" && !hasContentType {
		call.headers["Content-Type"] = "application/json"
	}

	ctx, cancel := withTimeout(ctx, p.TimeoutMS)
	defer cancel()
	resp, err := e.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if call.body != "" {
			body = strings.NewReader(call.body)
		}
		req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
		if err != nil {
			return nil, err
		}
		for k, v := range call.headers {
			req.Header.Set(k, v)
		}
		if p.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.AuthToken)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  int64(resp.StatusCode),
		"body":    string(raw),
		"headers": headers,
	}, nil
}

// postJSON sends payload and decodes the JSON reply into out. Non-2xx
// statuses are errors.
func postJSON(ctx context.Context, client *resiliency.Client, url, token string, payload, out any) error {
	raw, err := runtime.MarshalValue(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// decodeResult turns a raw JSON reply into runtime values.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return runtime.FromJSON(raw)
}

// A2AExecutor posts the call to another agent over HTTP.
type A2AExecutor struct {
	client *resiliency.Client
	clock  func() time.Time
}

func NewA2AExecutor(client *resiliency.Client) *A2AExecutor {
	return &A2AExecutor{client: client, clock: time.Now}
}

func (*A2AExecutor) Kind() ProviderKind { return ProviderA2A }

type a2aReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *A2AExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.A2A
	switch strings.ToLower(p.Protocol) {
	case "http", "https", "":
	default:
		return nil, fmt.Errorf("a2a protocol %q is not supported", p.Protocol)
	}
	ctx, cancel := withTimeout(ctx, p.TimeoutMS)
	defer cancel()

	payload := map[string]any{
		"agent_id":   p.AgentID,
		"capability": "execute",
		"inputs":     inputDocument(args),
		"timestamp":  e.clock().Unix(),
	}
	var reply a2aReply
	if err := postJSON(ctx, e.client, p.Endpoint, "", payload, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("a2a agent %s: %s", p.AgentID, reply.Error.Message)
	}
	return decodeResult(reply.Result)
}

// RemoteRTFSExecutor forwards the call to a remote runtime that evaluates
// the capability and replies with {result} or {error}.
type RemoteRTFSExecutor struct {
	client *resiliency.Client
}

func NewRemoteRTFSExecutor(client *resiliency.Client) *RemoteRTFSExecutor {
	return &RemoteRTFSExecutor{client: client}
}

func (*RemoteRTFSExecutor) Kind() ProviderKind { return ProviderRemoteRTFS }

type rtfsReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (e *RemoteRTFSExecutor) Execute(ctx context.Context, m *CapabilityManifest, args []any) (any, error) {
	p := m.Provider.RemoteRTFS
	ctx, cancel := withTimeout(ctx, p.TimeoutMS)
	defer cancel()
	if args == nil {
		args = []any{}
	}
	payload := map[string]any{"capability_id": m.ID, "args": args}
	var reply rtfsReply
	if err := postJSON(ctx, e.client, p.Endpoint, p.AuthToken, payload, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("remote runtime: %s", reply.Error)
	}
	return decodeResult(reply.Result)
}
