// Package artifacttools exposes the artifact store to the model as tools.
package artifacttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type CreateArgs struct {
	Title    string         `json:"title" jsonschema:"required,description=Short human readable title"`
	Kind     string         `json:"kind,omitempty" jsonschema:"description=Artifact type such as html or markdown"`
	Content  string         `json:"content" jsonschema:"required,description=Full artifact content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpdateArgs struct {
	ID       string         `json:"id" jsonschema:"required,description=Artifact id returned by create_artifact"`
	Title    *string        `json:"title,omitempty"`
	Content  *string        `json:"content,omitempty" jsonschema:"description=Replacement content"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"description=Keys merged into existing metadata"`
}

type ListArgs struct{}

// Register adds create_artifact, update_artifact and list_artifacts to reg.
func Register(reg *tools.Registry, store artifacts.Store) error {
	for _, tool := range All(store) {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func All(store artifacts.Store) []tools.Tool {
	return []tools.Tool{
		Create(store),
		Update(store),
		List(store),
	}
}

func Create(store artifacts.Store) tools.Tool {
	return tools.NewTypedTool("create_artifact", "Create a new artifact in the current thread.", func(ctx context.Context, args CreateArgs) (any, error) {
		threadID, err := requireThread(ctx)
		if err != nil {
			return nil, err
		}
		artifact, err := store.CreateArtifact(ctx, threadID, artifacts.Draft{
			Title:    strings.TrimSpace(args.Title),
			Kind:     args.Kind,
			Content:  args.Content,
			Metadata: args.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return summary(artifact), nil
	})
}

func Update(store artifacts.Store) tools.Tool {
	return tools.NewTypedTool("update_artifact", "Update an existing artifact. Only the fields provided change.", func(ctx context.Context, args UpdateArgs) (any, error) {
		threadID, err := requireThread(ctx)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(args.ID) == "" {
			return nil, fmt.Errorf("artifact id is required")
		}
		artifact, err := store.UpdateArtifact(ctx, threadID, args.ID, artifacts.Patch{
			Title:    args.Title,
			Content:  args.Content,
			Metadata: args.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return summary(artifact), nil
	})
}

func List(store artifacts.Store) tools.Tool {
	return tools.NewTypedTool("list_artifacts", "List the artifacts of the current thread.", func(ctx context.Context, _ ListArgs) (any, error) {
		threadID, err := requireThread(ctx)
		if err != nil {
			return nil, err
		}
		list, err := store.ListArtifacts(ctx, threadID)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(list))
		for _, artifact := range list {
			out = append(out, summary(artifact))
		}
		return map[string]any{"artifacts": out}, nil
	})
}

func requireThread(ctx context.Context) (string, error) {
	threadID, ok := tools.ThreadFrom(ctx)
	if !ok {
		return "", fmt.Errorf("artifact tools require a thread scope")
	}
	return threadID, nil
}

func summary(a types.Artifact) map[string]any {
	return map[string]any{
		"id":      a.ID,
		"title":   a.Title,
		"kind":    a.Kind,
		"version": a.Version,
	}
}
