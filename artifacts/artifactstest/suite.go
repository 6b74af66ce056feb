// Package artifactstest checks the behavior every artifacts.Store shares.
package artifactstest

import (
	"context"
	"errors"
	"testing"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
)

func Run(t *testing.T, newStore func(t *testing.T) artifacts.Store) {
	t.Helper()
	t.Run("CreateListUpdate", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		first, err := s.CreateArtifact(ctx, "t1", artifacts.Draft{Title: "Landing page", Kind: "html", Content: "<h1>v1</h1>"})
		if err != nil {
			t.Fatalf("CreateArtifact failed: %v", err)
		}
		second, err := s.CreateArtifact(ctx, "t1", artifacts.Draft{Title: "Styles", Kind: "css", Metadata: map[string]any{"theme": "dark"}})
		if err != nil {
			t.Fatalf("CreateArtifact failed: %v", err)
		}
		if first.ID == "" || first.ID == second.ID || first.Version != 1 {
			t.Fatalf("unexpected created artifacts: %+v %+v", first, second)
		}

		content := "<h1>v2</h1>"
		updated, err := s.UpdateArtifact(ctx, "t1", first.ID, artifacts.Patch{Content: &content, Metadata: map[string]any{"deployed": true}})
		if err != nil {
			t.Fatalf("UpdateArtifact failed: %v", err)
		}
		if updated.Version != 2 || updated.Content != content || updated.Title != "Landing page" {
			t.Fatalf("unexpected updated artifact: %+v", updated)
		}
		if updated.Metadata["deployed"] != true {
			t.Fatalf("expected merged metadata, got %+v", updated.Metadata)
		}

		list, err := s.ListArtifacts(ctx, "t1")
		if err != nil {
			t.Fatalf("ListArtifacts failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
			t.Fatalf("expected creation order, got %+v", list)
		}
		if list[0].Version != 2 || list[0].Content != content {
			t.Fatalf("list should reflect the update: %+v", list[0])
		}
		if list[1].Metadata["theme"] != "dark" {
			t.Fatalf("metadata lost: %+v", list[1].Metadata)
		}

		got, err := s.GetArtifact(ctx, "t1", second.ID)
		if err != nil || got.Title != "Styles" {
			t.Fatalf("GetArtifact = %+v, %v", got, err)
		}
	})

	t.Run("ThreadIsolationAndDelete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		a, err := s.CreateArtifact(ctx, "t1", artifacts.Draft{Title: "a"})
		if err != nil {
			t.Fatalf("CreateArtifact failed: %v", err)
		}
		if _, err := s.GetArtifact(ctx, "t2", a.ID); !errors.Is(err, artifacts.ErrNotFound) {
			t.Fatalf("expected ErrNotFound across threads, got %v", err)
		}
		title := "x"
		if _, err := s.UpdateArtifact(ctx, "t2", a.ID, artifacts.Patch{Title: &title}); !errors.Is(err, artifacts.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on foreign update, got %v", err)
		}
		if err := s.DeleteThread(ctx, "t1"); err != nil {
			t.Fatalf("DeleteThread failed: %v", err)
		}
		list, err := s.ListArtifacts(ctx, "t1")
		if err != nil {
			t.Fatalf("ListArtifacts failed: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("expected empty list after delete, got %+v", list)
		}
	})

	t.Run("RequiresTitle", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		if _, err := s.CreateArtifact(context.Background(), "t1", artifacts.Draft{Content: "x"}); err == nil {
			t.Fatalf("expected error for missing title")
		}
	})
}
