// Package tools exposes read-only evidence-gathering operations that a
// reasoning backend can call during a scan.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
)

// Result is the outcome of a tool call. Failures are values, never panics
// or errors, so one bad call cannot abort the reasoning loop.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail builds a failed Result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Param documents one tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "integer"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool is the interface all tool implementations satisfy.
type Tool interface {
	// Name returns the key this tool is registered under.
	Name() string
	Description() string
	Params() []Param
	// Call runs the tool. Required params are checked by the registry first.
	Call(ctx context.Context, params map[string]any) Result
}

// Spec is the self-description of a tool handed to reasoning backends.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Registry maps tool names to tools for one monitor.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate name to surface misconfiguration early.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tool registry: duplicate tool %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Specs describes every registered tool, sorted by name.
func (r *Registry) Specs() []Spec {
	names := r.Names()
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		t, _ := r.Get(n)
		out = append(out, Spec{Name: t.Name(), Description: t.Description(), Params: t.Params()})
	}
	return out
}

// Call validates required params and runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) Result {
	t, ok := r.Get(name)
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", "error").Inc()
		return Fail("unknown tool %q", name)
	}
	res := r.call(ctx, t, params)
	status := "success"
	if !res.Success {
		status = "error"
	}
	metrics.ToolCalls.WithLabelValues(name, status).Inc()
	return res
}

func (r *Registry) call(ctx context.Context, t Tool, params map[string]any) (res Result) {
	if params == nil {
		params = map[string]any{}
	}
	for _, p := range t.Params() {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil || v == "" {
			return Fail("%s is required", p.Name)
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = Fail("tool %s failed: %v", t.Name(), rec)
		}
	}()
	return t.Call(ctx, params)
}
