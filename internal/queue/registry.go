package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Result is the outcome a processor reports for a single execution attempt.
// Success=false is treated exactly like a returned error: the attempt failed
// and the engine decides between retry and terminal failure.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Processor executes one task type. Implementations are registered once at
// startup and must be safe for concurrent use: multiple workers may run the
// same processor on different tasks at the same time.
type Processor interface {
	// Type returns the task type this processor handles.
	Type() string

	// Process runs the task. The task handle is read-only bookkeeping
	// (retry count, priority, ids); durable mutations belong to the engine.
	Process(ctx context.Context, payload json.RawMessage, task *Task) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc struct {
	TaskType string
	Fn       func(ctx context.Context, payload json.RawMessage, task *Task) (Result, error)
}

// Type returns the task type this processor handles.
func (p ProcessorFunc) Type() string { return p.TaskType }

// Process invokes the wrapped function.
func (p ProcessorFunc) Process(ctx context.Context, payload json.RawMessage, task *Task) (Result, error) {
	return p.Fn(ctx, payload, task)
}

// Registry maps task types to processors. Registration happens during
// startup wiring; resolution happens on every claim. An unknown type is not
// an enqueue-time error — the task fails at execution time instead.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds a processor for its task type. Registering the same type
// twice is a wiring bug and returns an error.
func (r *Registry) Register(p Processor) error {
	if p == nil || p.Type() == "" {
		return fmt.Errorf("cannot register processor without a task type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[p.Type()]; exists {
		return fmt.Errorf("processor already registered for task type %q", p.Type())
	}
	r.processors[p.Type()] = p
	return nil
}

// Resolve returns the processor for the given task type, if any.
func (r *Registry) Resolve(taskType string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[taskType]
	return p, ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
