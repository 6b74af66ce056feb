// Package llm defines the model collaborator the execution graph calls.
package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/agent-engine/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	StructuredOutput bool
}

// Provider turns a request into a single assistant message. Implementations
// must honor ctx cancellation and must not retry on their own.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req types.Request) (types.Response, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Capabilities() Capabilities {
	return Capabilities{Tools: true}
}

func (f ProviderFunc) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	return f(ctx, req)
}
