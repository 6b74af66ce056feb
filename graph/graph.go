// Package graph drives one run of the Planner, Orchestrator and ToolExecutor
// state machine over a thread's conversation state.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/llm"
	"github.com/PipeOpsHQ/agent-engine/observe"
	"github.com/PipeOpsHQ/agent-engine/prompt"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type NodeID string

const (
	NodePlanner      NodeID = "planner"
	NodeOrchestrator NodeID = "orchestrator"
	NodeToolExecutor NodeID = "tool_executor"
	NodeDone         NodeID = "done"
)

// nodeInput labels the checkpoint written before the first node runs.
const nodeInput = "input"

const (
	DefaultRecursionLimit = 50
	// ChannelToolResult carries tool messages recorded as pending writes.
	ChannelToolResult = "tool_result"
)

var ErrCancelled = errors.New("graph: run cancelled")

// EmitFunc receives UI progress events. It must not block.
type EmitFunc func(types.Event)

type Executor struct {
	provider        llm.Provider
	invoker         *tools.Invoker
	store           checkpoint.Store
	prompts         prompt.Set
	namespace       string
	limit           int
	model           string
	maxOutputTokens int
	sink            observe.Sink
	logger          *slog.Logger
}

type Option func(*Executor)

func WithPrompts(set prompt.Set) Option {
	return func(e *Executor) { e.prompts = set.WithDefaults() }
}

func WithNamespace(namespace string) Option {
	return func(e *Executor) { e.namespace = strings.TrimSpace(namespace) }
}

// WithRecursionLimit caps Orchestrator visits per run. Values below 1 keep
// the default.
func WithRecursionLimit(limit int) Option {
	return func(e *Executor) {
		if limit > 0 {
			e.limit = limit
		}
	}
}

func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

func WithMaxOutputTokens(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxOutputTokens = n
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(e *Executor) { e.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewExecutor(provider llm.Provider, invoker *tools.Invoker, store checkpoint.Store, opts ...Option) (*Executor, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if invoker == nil {
		invoker = tools.NewInvoker(nil)
	}
	e := &Executor{
		provider: provider,
		invoker:  invoker,
		store:    store,
		prompts:  prompt.Defaults(),
		limit:    DefaultRecursionLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Namespace() string { return e.namespace }

func (e *Executor) RecursionLimit() int { return e.limit }

func (e *Executor) Store() checkpoint.Store { return e.store }
