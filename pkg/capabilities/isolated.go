package capabilities

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
	"github.com/Mindburn-Labs/ccos/pkg/runtime/microvm"
)

const maxFetchBody = 10 << 20

type openFile struct {
	path   string
	f      *os.File
	reader *bufio.Reader
	write  bool
}

// isolatedHandlers implement the dangerous built-ins. They only run inside a
// microvm provider, which hands them the execution context and its enforcer.
type isolatedHandlers struct {
	mu     sync.Mutex
	files  map[runtime.ResourceHandle]*openFile
	client *http.Client
}

func newIsolatedHandlers() *isolatedHandlers {
	return &isolatedHandlers{
		files:  make(map[runtime.ResourceHandle]*openFile),
		client: &http.Client{},
	}
}

func (h *isolatedHandlers) Handler(id string) (microvm.CapabilityHandler, bool) {
	switch id {
	case OpenFile:
		return h.openFile, true
	case ReadLine:
		return h.readLine, true
	case WriteLine:
		return h.writeLine, true
	case CloseFile:
		return h.closeFile, true
	case HTTPFetch:
		return h.httpFetch, true
	case GetEnv:
		return getEnv, true
	}
	return nil, false
}

func (h *isolatedHandlers) openFile(_ context.Context, ectx *microvm.ExecutionContext) (any, error) {
	args := ectx.Args
	if len(args) < 1 || len(args) > 2 {
		return nil, runtime.ArityMismatch(OpenFile, "1..2", len(args))
	}
	path, ok := runtime.AsString(args[0])
	if !ok {
		return nil, runtime.TypeError(OpenFile, "string", args[0])
	}
	mode := "r"
	if len(args) == 2 {
		if mode, ok = runtime.AsString(args[1]); !ok {
			return nil, runtime.TypeError(OpenFile, "string", args[1])
		}
	}

	var flags int
	switch mode {
	case "r":
		flags = os.O_RDONLY
	case "w":
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a":
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, runtime.NewError(runtime.KindInvalidArgument, OpenFile, "unsupported mode %q", mode)
	}
	write := mode != "r"
	if err := ectx.Enforcer().CheckFS(OpenFile, path, write); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, runtime.ProviderError(OpenFile, err)
	}
	handle := runtime.ResourceHandle("file-" + uuid.NewString())
	of := &openFile{path: path, f: f, write: write}
	if !write {
		of.reader = bufio.NewReader(f)
	}
	h.mu.Lock()
	h.files[handle] = of
	h.mu.Unlock()
	return handle, nil
}

func (h *isolatedHandlers) lookup(id string, v any) (runtime.ResourceHandle, *openFile, error) {
	s, ok := runtime.AsString(v)
	if !ok {
		if rh, isHandle := v.(runtime.ResourceHandle); isHandle {
			s, ok = string(rh), true
		}
	}
	if !ok {
		return "", nil, runtime.TypeError(id, "file handle", v)
	}
	handle := runtime.ResourceHandle(s)
	h.mu.Lock()
	defer h.mu.Unlock()
	of, found := h.files[handle]
	if !found {
		return "", nil, runtime.NotFound(id, "file handle "+s)
	}
	return handle, of, nil
}

func (h *isolatedHandlers) readLine(_ context.Context, ectx *microvm.ExecutionContext) (any, error) {
	if len(ectx.Args) != 1 {
		return nil, runtime.ArityMismatch(ReadLine, "1", len(ectx.Args))
	}
	_, of, err := h.lookup(ReadLine, ectx.Args[0])
	if err != nil {
		return nil, err
	}
	if of.reader == nil {
		return nil, runtime.NewError(runtime.KindInvalidArgument, ReadLine, "file %s not opened for reading", of.path)
	}
	line, err := of.reader.ReadString('\n')
	if errors.Is(err, io.EOF) {
		if line == "" {
			return nil, nil
		}
	} else if err != nil {
		return nil, runtime.ProviderError(ReadLine, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *isolatedHandlers) writeLine(_ context.Context, ectx *microvm.ExecutionContext) (any, error) {
	if len(ectx.Args) != 2 {
		return nil, runtime.ArityMismatch(WriteLine, "2", len(ectx.Args))
	}
	_, of, err := h.lookup(WriteLine, ectx.Args[0])
	if err != nil {
		return nil, err
	}
	if !of.write {
		return nil, runtime.NewError(runtime.KindInvalidArgument, WriteLine, "file %s not opened for writing", of.path)
	}
	text, ok := runtime.AsString(ectx.Args[1])
	if !ok {
		text = runtime.Canonical(ectx.Args[1])
	}
	if _, err := io.WriteString(of.f, text+"\n"); err != nil {
		return nil, runtime.ProviderError(WriteLine, err)
	}
	return true, nil
}

func (h *isolatedHandlers) closeFile(_ context.Context, ectx *microvm.ExecutionContext) (any, error) {
	if len(ectx.Args) != 1 {
		return nil, runtime.ArityMismatch(CloseFile, "1", len(ectx.Args))
	}
	handle, of, err := h.lookup(CloseFile, ectx.Args[0])
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	delete(h.files, handle)
	h.mu.Unlock()
	if err := of.f.Close(); err != nil {
		return nil, runtime.ProviderError(CloseFile, err)
	}
	return true, nil
}

type fetchRequest struct {
	url     string
	method  string
	headers map[string]string
	body    string
}

// parseFetchArgs accepts (url [method [headers [body]]]) or
// (url :method m :headers h :body b).
func parseFetchArgs(args []any) (fetchRequest, error) {
	req := fetchRequest{method: http.MethodGet}
	if len(args) == 0 {
		return req, runtime.ArityMismatch(HTTPFetch, ">=1", 0)
	}
	u, ok := runtime.AsString(args[0])
	if !ok {
		return req, runtime.TypeError(HTTPFetch, "string url", args[0])
	}
	req.url = u
	rest := args[1:]

	if len(rest) > 0 {
		if _, isKw := rest[0].(runtime.Keyword); isKw {
			if len(rest)%2 != 0 {
				return req, runtime.NewError(runtime.KindInvalidArgument, HTTPFetch, "keyword arguments must come in pairs")
			}
			for i := 0; i < len(rest); i += 2 {
				kw, _ := rest[i].(runtime.Keyword)
				if err := req.set(string(kw), rest[i+1]); err != nil {
					return req, err
				}
			}
			return req, nil
		}
	}
	names := []string{"method", "headers", "body"}
	for i, v := range rest {
		if i >= len(names) {
			return req, runtime.ArityMismatch(HTTPFetch, "1..4", len(args))
		}
		if err := req.set(names[i], v); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (r *fetchRequest) set(name string, v any) error {
	switch strings.TrimPrefix(name, ":") {
	case "method":
		s, ok := runtime.AsString(v)
		if !ok {
			return runtime.TypeError(HTTPFetch, "string method", v)
		}
		r.method = strings.ToUpper(s)
	case "headers":
		m, ok := v.(map[string]any)
		if !ok {
			return runtime.TypeError(HTTPFetch, "map headers", v)
		}
		r.headers = make(map[string]string, len(m))
		for k, hv := range m {
			s, ok := runtime.AsString(hv)
			if !ok {
				s = runtime.Canonical(hv)
			}
			r.headers[k] = s
		}
	case "body":
		s, ok := runtime.AsString(v)
		if !ok {
			return runtime.TypeError(HTTPFetch, "string body", v)
		}
		r.body = s
	default:
		return runtime.NewError(runtime.KindInvalidArgument, HTTPFetch, "unknown option %s", name)
	}
	return nil
}

func (h *isolatedHandlers) httpFetch(ctx context.Context, ectx *microvm.ExecutionContext) (any, error) {
	fr, err := parseFetchArgs(ectx.Args)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(fr.url)
	if err != nil || u.Host == "" {
		return nil, runtime.NewError(runtime.KindInvalidArgument, HTTPFetch, "invalid url %q", fr.url)
	}
	if err := ectx.Enforcer().CheckNetwork(HTTPFetch, u.Hostname()); err != nil {
		return nil, err
	}

	var body io.Reader
	if fr.body != "" {
		body = strings.NewReader(fr.body)
	}
	req, err := http.NewRequestWithContext(ctx, fr.method, fr.url, body)
	if err != nil {
		return nil, runtime.NewError(runtime.KindInvalidArgument, HTTPFetch, "build request: %v", err)
	}
	for k, v := range fr.headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, runtime.ProviderError(HTTPFetch, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, runtime.ProviderError(HTTPFetch, fmt.Errorf("read body: %w", err))
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  int64(resp.StatusCode),
		"body":    string(data),
		"headers": headers,
	}, nil
}

func getEnv(_ context.Context, ectx *microvm.ExecutionContext) (any, error) {
	if len(ectx.Args) != 1 {
		return nil, runtime.ArityMismatch(GetEnv, "1", len(ectx.Args))
	}
	key, ok := runtime.AsString(ectx.Args[0])
	if !ok {
		return nil, runtime.TypeError(GetEnv, "string", ectx.Args[0])
	}
	if v, found := ectx.Enforcer().LookupEnv(key); found {
		return v, nil
	}
	return nil, nil
}

// CloseAll closes every file handle still open.
func (h *isolatedHandlers) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for handle, of := range h.files {
		_ = of.f.Close()
		delete(h.files, handle)
	}
}
