package binding

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// HandlerFunc handles one tool call
type HandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Registry maps tool names to the handlers that serve them
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates a registry seeded with initial
func NewRegistry(initial map[string]HandlerFunc) *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc, len(initial))}
	for name, h := range initial {
		r.handlers[name] = h
	}
	return r
}

// Register adds or replaces the handler for name
func (r *Registry) Register(name string, h HandlerFunc) {
	r.handlers[name] = h
}

// Handler returns the handler for name
func (r *Registry) Handler(name string) (HandlerFunc, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool: %s", name)
	}
	return h, nil
}

// Names returns the registered tool names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
