package capabilities

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// Isolation-required capability ids.
const (
	OpenFile  = "ccos.io.open-file"
	ReadLine  = "ccos.io.read-line"
	WriteLine = "ccos.io.write-line"
	CloseFile = "ccos.io.close-file"
	HTTPFetch = "ccos.network.http-fetch"
	GetEnv    = "ccos.system.get-env"
)

func (r *Registry) registerBuiltins() {
	guarded := []struct {
		id    string
		arity Arity
	}{
		{OpenFile, Arity{Min: 1, Max: 2}},
		{ReadLine, Fixed(1)},
		{WriteLine, Fixed(2)},
		{CloseFile, Fixed(1)},
		{HTTPFetch, AtLeast(1)},
		{GetEnv, Fixed(1)},
	}
	for _, g := range guarded {
		r.RegisterCapability(Capability{ID: g.id, Arity: g.arity, Func: isolationGuard(g.id)})
	}

	for _, c := range []Capability{
		{ID: "ccos.system.current-time", Arity: Fixed(0), Func: r.currentTime},
		{ID: "ccos.system.current-timestamp-ms", Arity: Fixed(0), Func: r.currentTimestampMs},
		{ID: "ccos.system.sleep-ms", Arity: Fixed(1), Func: sleepMs},
		{ID: "ccos.io.file-exists", Arity: Fixed(1), Func: fileExists},
		{ID: "ccos.io.log", Arity: Variadic(), Func: r.log},
		{ID: "ccos.io.print", Arity: Variadic(), Func: r.print(false)},
		{ID: "ccos.io.println", Arity: Variadic(), Func: r.print(true)},
		{ID: "ccos.data.parse-json", Arity: Fixed(1), Func: parseJSON},
		{ID: "ccos.data.serialize-json", Arity: Fixed(1), Func: serializeJSON},
		{ID: "ccos.agent.discover-agents", Arity: Arity{Min: 0, Max: 1}, Func: r.discoverAgents},
		{ID: "ccos.agent.task-coordination", Arity: AtLeast(1), Func: taskCoordination},
		{ID: "ccos.agent.discover-and-assess-agents", Arity: Arity{Min: 0, Max: 1}, Func: r.discoverAndAssess},
		{ID: "ccos.agent.establish-system-baseline", Arity: Variadic(), Func: r.systemBaseline},
		{ID: "ccos.user.ask", Arity: Arity{Min: 1, Max: 2}, Func: r.askHuman("ccos.user.ask")},
		{ID: "ccos.agent.ask-human", Arity: Arity{Min: 1, Max: 2}, Func: r.askHuman("ccos.agent.ask-human")},
		{ID: "ccos.state.kv.get", Arity: Fixed(1), Func: r.state.get},
		{ID: "ccos.state.kv.put", Arity: Fixed(2), Func: r.state.put},
		{ID: "ccos.state.kv.cas-put", Arity: Fixed(3), Func: r.state.casPut},
		{ID: "ccos.state.counter.inc", Arity: Arity{Min: 1, Max: 2}, Func: r.state.inc},
		{ID: "ccos.state.event.append", Arity: Fixed(2), Func: r.state.appendEvent},
	} {
		r.RegisterCapability(c)
	}
}

func isolationGuard(id string) Func {
	return func(context.Context, []any) (any, error) {
		return nil, runtime.IsolationRoutingError(id)
	}
}

func (r *Registry) currentTime(context.Context, []any) (any, error) {
	return r.clock().UTC().Format(time.RFC3339), nil
}

func (r *Registry) currentTimestampMs(context.Context, []any) (any, error) {
	return r.clock().UnixMilli(), nil
}

func sleepMs(ctx context.Context, args []any) (any, error) {
	ms, ok := runtime.AsInt(args[0])
	if !ok || ms < 0 {
		return nil, runtime.TypeError("ccos.system.sleep-ms", "non-negative integer", args[0])
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func fileExists(_ context.Context, args []any) (any, error) {
	path, ok := runtime.AsString(args[0])
	if !ok {
		return nil, runtime.TypeError("ccos.io.file-exists", "string", args[0])
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
}

func (r *Registry) log(ctx context.Context, args []any) (any, error) {
	r.logger.InfoContext(ctx, joinArgs(args), "source", "ccos.io.log")
	return nil, nil
}

func (r *Registry) print(newline bool) Func {
	return func(_ context.Context, args []any) (any, error) {
		s := joinArgs(args)
		if newline {
			s += "\n"
		}
		if _, err := fmt.Fprint(r.out, s); err != nil {
			return nil, fmt.Errorf("print: %w", err)
		}
		return nil, nil
	}
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := runtime.AsString(a); ok {
			parts[i] = s
			continue
		}
		parts[i] = runtime.Canonical(a)
	}
	return strings.Join(parts, " ")
}

func parseJSON(_ context.Context, args []any) (any, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, runtime.TypeError("ccos.data.parse-json", "string", args[0])
	}
	v, err := runtime.FromJSON([]byte(s))
	if err != nil {
		return nil, runtime.NewError(runtime.KindType, "ccos.data.parse-json", "invalid JSON: %v", err)
	}
	return v, nil
}

func serializeJSON(_ context.Context, args []any) (any, error) {
	b, err := runtime.MarshalValue(args[0])
	if err != nil {
		return nil, runtime.NewError(runtime.KindType, "ccos.data.serialize-json", "cannot serialize: %v", err)
	}
	return string(b), nil
}

func (r *Registry) discoverAgents(ctx context.Context, args []any) (any, error) {
	r.mu.RLock()
	dir := r.agents
	r.mu.RUnlock()
	if dir == nil {
		return []any{}, nil
	}
	query := map[string]any{}
	if len(args) == 1 {
		m, ok := args[0].(map[string]any)
		if !ok {
			return nil, runtime.TypeError("ccos.agent.discover-agents", "map", args[0])
		}
		query = m
	}
	return dir.DiscoverAgents(ctx, query)
}

func (r *Registry) discoverAndAssess(ctx context.Context, args []any) (any, error) {
	found, err := r.discoverAgents(ctx, args)
	if err != nil {
		return nil, err
	}
	agents := found.([]any)
	return map[string]any{
		"agents":      agents,
		"count":       int64(len(agents)),
		"assessed_at": r.clock().UnixMilli(),
	}, nil
}

func taskCoordination(_ context.Context, args []any) (any, error) {
	return map[string]any{
		"task_id": "task-" + uuid.NewString(),
		"status":  "coordinated",
		"inputs":  args,
	}, nil
}

func (r *Registry) systemBaseline(context.Context, []any) (any, error) {
	provider, _ := r.MicroVMProvider()
	return map[string]any{
		"go_version":       goruntime.Version(),
		"goos":             goruntime.GOOS,
		"num_cpu":          int64(goruntime.NumCPU()),
		"timestamp_ms":     r.clock().UnixMilli(),
		"microvm_provider": provider,
	}, nil
}

// PendingPrompt is a question waiting for a human answer.
type PendingPrompt struct {
	Handle   runtime.ResourceHandle
	Question string
	Default  any
	AskedAt  time.Time
}

type promptQueue struct {
	mu      sync.Mutex
	pending map[runtime.ResourceHandle]PendingPrompt
	answers map[runtime.ResourceHandle]any
}

func newPromptQueue() *promptQueue {
	return &promptQueue{
		pending: make(map[runtime.ResourceHandle]PendingPrompt),
		answers: make(map[runtime.ResourceHandle]any),
	}
}

// askHuman queues a prompt and returns its handle. Both prompt ids share
// one queue.
func (r *Registry) askHuman(id string) Func {
	return func(_ context.Context, args []any) (any, error) {
		q, ok := runtime.AsString(args[0])
		if !ok {
			return nil, runtime.TypeError(id, "string", args[0])
		}
		p := PendingPrompt{
			Handle:   runtime.ResourceHandle("prompt-" + uuid.NewString()),
			Question: q,
			AskedAt:  r.clock(),
		}
		if len(args) == 2 {
			p.Default = args[1]
		}
		r.prompts.mu.Lock()
		r.prompts.pending[p.Handle] = p
		r.prompts.mu.Unlock()
		return p.Handle, nil
	}
}

// PendingPrompts returns unanswered prompts.
func (r *Registry) PendingPrompts() []PendingPrompt {
	r.prompts.mu.Lock()
	defer r.prompts.mu.Unlock()
	out := make([]PendingPrompt, 0, len(r.prompts.pending))
	for _, p := range r.prompts.pending {
		out = append(out, p)
	}
	return out
}

// AnswerPrompt resolves a pending prompt.
func (r *Registry) AnswerPrompt(handle runtime.ResourceHandle, answer any) error {
	r.prompts.mu.Lock()
	defer r.prompts.mu.Unlock()
	if _, ok := r.prompts.pending[handle]; !ok {
		return runtime.NotFound(string(handle), "prompt")
	}
	delete(r.prompts.pending, handle)
	r.prompts.answers[handle] = answer
	return nil
}

// PromptAnswer returns the answer recorded for handle.
func (r *Registry) PromptAnswer(handle runtime.ResourceHandle) (any, bool) {
	r.prompts.mu.Lock()
	defer r.prompts.mu.Unlock()
	a, ok := r.prompts.answers[handle]
	return a, ok
}
