// Package llmtest provides a scripted provider for tests and offline runs.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-engine/llm"
	"github.com/PipeOpsHQ/agent-engine/types"
)

var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Step produces one model response.
type Step func(ctx context.Context, req types.Request) (types.Response, error)

// Provider replays steps in order. Once the script is exhausted it uses the
// fallback step, or fails with ErrScriptExhausted.
type Provider struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	fallback Step
	requests []types.Request
}

var _ llm.Provider = (*Provider)(nil)

func New(steps ...Step) *Provider {
	return &Provider{name: "scripted", steps: steps}
}

// Repeat sets the step used after the script runs out.
func (p *Provider) Repeat(step Step) *Provider {
	p.mu.Lock()
	p.fallback = step
	p.mu.Unlock()
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true}
}

func (p *Provider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, cloneRequest(req))
	var step Step
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		step = p.fallback
	}
	p.mu.Unlock()

	if step == nil {
		return types.Response{}, ErrScriptExhausted
	}
	return step(ctx, req)
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []types.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Request(nil), p.requests...)
}

func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func Text(content string) Step {
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		return types.Response{Message: types.AssistantMessage(content)}, nil
	}
}

func ToolCalls(calls ...types.ToolCall) Step {
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		return types.Response{Message: types.AssistantMessage("", calls...)}, nil
	}
}

// Call builds a tool call with args encoded as JSON.
func Call(id, name string, args any) types.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil || args == nil {
		raw = json.RawMessage(`{}`)
	}
	return types.ToolCall{ID: id, Name: name, Arguments: raw}
}

// CountingToolCall returns a step that requests name with a fresh call id on
// every invocation.
func CountingToolCall(name string, args any) Step {
	var mu sync.Mutex
	n := 0
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		mu.Lock()
		n++
		id := fmt.Sprintf("call-%d", n)
		mu.Unlock()
		return types.Response{Message: types.AssistantMessage("", Call(id, name, args))}, nil
	}
}

func Fail(err error) Step {
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		return types.Response{}, err
	}
}

// Block waits for release or ctx before running next. started is closed
// when the step begins.
func Block(started chan<- struct{}, release <-chan struct{}, next Step) Step {
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		if started != nil {
			close(started)
		}
		select {
		case <-ctx.Done():
			return types.Response{}, context.Cause(ctx)
		case <-release:
		}
		return next(ctx, req)
	}
}

// Echo replies with the last user message. It backs offline demo runs.
func Echo() *Provider {
	p := New()
	p.name = "echo"
	return p.Repeat(func(ctx context.Context, req types.Request) (types.Response, error) {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == types.RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		if len(req.Tools) == 0 {
			return types.Response{Message: types.AssistantMessage("Reply to the user directly.")}, nil
		}
		return types.Response{Message: types.AssistantMessage("You said: " + strings.TrimSpace(last))}, nil
	})
}

func cloneRequest(req types.Request) types.Request {
	out := req
	out.Messages = append([]types.Message(nil), req.Messages...)
	out.Tools = append([]types.ToolDefinition(nil), req.Tools...)
	return out
}
