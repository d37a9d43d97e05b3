package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Registry holds the function tools available to a turn, with alias
// resolution for the name variants gateways and models invent
// ("web-search" vs "web_search" vs "search_web"). Safe for concurrent
// use; tools registered at startup, looked up per call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*FuncTool
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*FuncTool),
		aliases: make(map[string]string),
	}
}

// Register adds a tool under its canonical name.
func (r *Registry) Register(tool *FuncTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[normalizeToolName(tool.Name)] = tool
}

// Alias maps an alternate name to a canonical tool name.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalizeToolName(alias)] = normalizeToolName(canonical)
}

// Resolve returns the tool for name, following aliases and tolerating
// case and '-'/'_' differences. Returns nil when unknown.
func (r *Registry) Resolve(name string) *FuncTool {
	key := normalizeToolName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	return r.tools[key]
}

// Tools returns all registered tools.
func (r *Registry) Tools() []*FuncTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FuncTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute resolves name and invokes the tool with the raw JSON args,
// bounded by timeout when it is positive.
func (r *Registry) Execute(ctx context.Context, name, args string, timeout time.Duration) (string, error) {
	tool := r.Resolve(name)
	if tool == nil {
		return "", fmt.Errorf("llm: tool not found: %s", name)
	}
	if tool.Invoke == nil {
		return "", fmt.Errorf("llm: tool has no invoke function: %s", tool.Name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tool.Invoke(ctx, args)
}

func normalizeToolName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(s, "-", "_")
}
