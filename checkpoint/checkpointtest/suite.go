// Package checkpointtest holds the behavior every checkpoint.Store backend
// must share.
package checkpointtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/types"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) checkpoint.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s checkpoint.Store)
	}{
		{"LatestMatchesList", testLatestMatchesList},
		{"ChainAndDelete", testChainAndDelete},
		{"StrictlyDescending", testStrictlyDescending},
		{"Before", testBefore},
		{"GetByID", testGetByID},
		{"PendingWrites", testPendingWrites},
		{"PendingWritesUnknownCheckpoint", testPendingWritesUnknownCheckpoint},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"NamespacesAreIndependent", testNamespaces},
		{"ConcurrentPuts", testConcurrentPuts},
		{"ArtifactOrder", testArtifactOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func stateWith(contents ...string) *types.ConversationState {
	st := types.NewConversationState()
	for _, c := range contents {
		st.Append(types.UserMessage(c))
	}
	return st
}

func mustPut(t *testing.T, s checkpoint.Store, thread, ns string, st *types.ConversationState, parent string) string {
	t.Helper()
	id, err := s.Put(context.Background(), thread, ns, st, checkpoint.Metadata{Source: checkpoint.SourceLoop}, parent)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return id
}

func testLatestMatchesList(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "t1", "", ""); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty thread, got %v", err)
	}
	parent := ""
	for i := 0; i < 3; i++ {
		parent = mustPut(t, s, "t1", "", stateWith(fmt.Sprintf("m%d", i)), parent)
	}
	latest, err := s.Get(ctx, "t1", "", "")
	if err != nil {
		t.Fatalf("Get latest failed: %v", err)
	}
	list, err := s.List(ctx, "t1", checkpoint.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(list))
	}
	if latest.Checkpoint.ID != list[0].ID || latest.Checkpoint.ID != parent {
		t.Fatalf("latest mismatch: get=%s list=%s put=%s", latest.Checkpoint.ID, list[0].ID, parent)
	}
}

func testChainAndDelete(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	a := mustPut(t, s, "T", "", stateWith("a"), "")
	b := mustPut(t, s, "T", "", stateWith("a", "b"), a)
	c := mustPut(t, s, "T", "", stateWith("a", "b", "c"), b)

	list, err := s.List(ctx, "T", checkpoint.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := []string{}
	for _, cp := range list {
		got = append(got, cp.ID)
	}
	if diff := cmp.Diff([]string{c, b}, got); diff != "" {
		t.Fatalf("unexpected list (-want +got):\n%s", diff)
	}
	if list[0].ParentID != b || list[1].ParentID != a {
		t.Fatalf("unexpected parents: %q %q", list[0].ParentID, list[1].ParentID)
	}

	if err := s.DeleteThread(ctx, "T"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := s.Get(ctx, "T", "", ""); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	list, err = s.List(ctx, "T", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List after delete failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list after delete, got %d", len(list))
	}
}

func testStrictlyDescending(t *testing.T, s checkpoint.Store) {
	for i := 0; i < 20; i++ {
		mustPut(t, s, "t-desc", "", stateWith("x"), "")
	}
	list, err := s.List(context.Background(), "t-desc", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("expected 20 checkpoints, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID <= list[i].ID {
			t.Fatalf("ids not strictly descending at %d: %s <= %s", i, list[i-1].ID, list[i].ID)
		}
	}
}

func testBefore(t *testing.T, s checkpoint.Store) {
	a := mustPut(t, s, "t-before", "", stateWith("a"), "")
	b := mustPut(t, s, "t-before", "", stateWith("b"), a)
	mustPut(t, s, "t-before", "", stateWith("c"), b)

	list, err := s.List(context.Background(), "t-before", checkpoint.ListOptions{Before: b})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != a {
		t.Fatalf("expected only %s before %s, got %+v", a, b, list)
	}
}

func testGetByID(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	a := mustPut(t, s, "t-id", "", stateWith("first"), "")
	mustPut(t, s, "t-id", "", stateWith("first", "second"), a)

	tuple, err := s.Get(ctx, "t-id", "", a)
	if err != nil {
		t.Fatalf("Get by id failed: %v", err)
	}
	if tuple.Checkpoint.ID != a || len(tuple.Checkpoint.State.Messages) != 1 {
		t.Fatalf("unexpected checkpoint: %+v", tuple.Checkpoint)
	}
	if tuple.Checkpoint.ThreadID != "t-id" {
		t.Fatalf("unexpected thread id %q", tuple.Checkpoint.ThreadID)
	}
	if _, err := s.Get(ctx, "t-id", "", "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testPendingWrites(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	id := mustPut(t, s, "t-writes", "", stateWith("hi"), "")

	first := []checkpoint.Write{
		{Channel: "tool_result", Value: []byte(`{"n":0}`)},
		{Channel: "tool_result", Value: []byte(`{"n":1}`)},
	}
	if err := s.PutWrites(ctx, "t-writes", "", id, first, "task-a"); err != nil {
		t.Fatalf("PutWrites failed: %v", err)
	}
	if err := s.PutWrites(ctx, "t-writes", "", id, []checkpoint.Write{{Channel: "tool_result", Value: []byte(`{"n":2}`)}}, "task-b"); err != nil {
		t.Fatalf("PutWrites failed: %v", err)
	}

	tuple, err := s.Get(ctx, "t-writes", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	type summary struct {
		Task  string
		Index int
		Value string
	}
	got := []summary{}
	for _, w := range tuple.PendingWrites {
		if w.CheckpointID != id || w.Channel != "tool_result" {
			t.Fatalf("unexpected write: %+v", w)
		}
		got = append(got, summary{w.TaskID, w.Index, string(w.Value)})
	}
	want := []summary{
		{"task-a", 0, `{"n":0}`},
		{"task-b", 0, `{"n":2}`},
		{"task-a", 1, `{"n":1}`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected pending writes (-want +got):\n%s", diff)
	}

	next := mustPut(t, s, "t-writes", "", stateWith("hi", "there"), id)
	tuple, err = s.Get(ctx, "t-writes", "", next)
	if err != nil {
		t.Fatalf("Get successor failed: %v", err)
	}
	if len(tuple.PendingWrites) != 0 {
		t.Fatalf("successor should not inherit writes, got %d", len(tuple.PendingWrites))
	}
}

func testPendingWritesUnknownCheckpoint(t *testing.T, s checkpoint.Store) {
	err := s.PutWrites(context.Background(), "t-nowrites", "", "nope", []checkpoint.Write{{Channel: "c", Value: []byte(`1`)}}, "task")
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSnapshotIsolation(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	st := stateWith("original")
	id := mustPut(t, s, "t-iso", "", st, "")
	st.Messages[0].Content = "mutated"
	st.Append(types.UserMessage("extra"))

	tuple, err := s.Get(ctx, "t-iso", "", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tuple.Checkpoint.State.Messages[0].Content = "changed by reader"

	again, err := s.Get(ctx, "t-iso", "", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(again.Checkpoint.State.Messages) != 1 || again.Checkpoint.State.Messages[0].Content != "original" {
		t.Fatalf("checkpoint was mutated: %+v", again.Checkpoint.State.Messages)
	}
}

func testNamespaces(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	mustPut(t, s, "t-ns", "", stateWith("default"), "")
	other := mustPut(t, s, "t-ns", "side", stateWith("side"), "")

	tuple, err := s.Get(ctx, "t-ns", "side", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tuple.Checkpoint.ID != other || tuple.Checkpoint.Namespace != "side" {
		t.Fatalf("unexpected namespaced checkpoint: %+v", tuple.Checkpoint)
	}
	list, err := s.List(ctx, "t-ns", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].State.Messages[0].Content != "default" {
		t.Fatalf("default namespace leaked: %+v", list)
	}

	if err := s.DeleteThread(ctx, "t-ns"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := s.Get(ctx, "t-ns", "side", ""); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected every namespace deleted, got %v", err)
	}
}

func testConcurrentPuts(t *testing.T, s checkpoint.Store) {
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(context.Background(), "t-conc", "", stateWith(fmt.Sprintf("m%d", i)), checkpoint.Metadata{Step: i}, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Put failed: %v", err)
		}
	}
	list, err := s.List(context.Background(), "t-conc", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != n {
		t.Fatalf("expected %d checkpoints, got %d", n, len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID <= list[i].ID {
			t.Fatalf("ids not strictly descending at %d", i)
		}
	}
}

func testArtifactOrder(t *testing.T, s checkpoint.Store) {
	st := stateWith("hi")
	st.MergeArtifacts([]types.Artifact{{ID: "zeta", Version: 1}, {ID: "alpha", Version: 1}, {ID: "mid", Version: 1}})
	plan := "do things"
	st.Plan = &plan
	st.IterationCount = 4
	st.ActiveContext = map[string]any{"url": "https://example.com"}
	id := mustPut(t, s, "t-art", "", st, "")

	tuple, err := s.Get(context.Background(), "t-art", "", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got := []string{}
	for _, a := range tuple.Checkpoint.State.ArtifactList() {
		got = append(got, a.ID)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, got); diff != "" {
		t.Fatalf("artifact order lost (-want +got):\n%s", diff)
	}
	if tuple.Checkpoint.State.PlanText() != "do things" || tuple.Checkpoint.State.IterationCount != 4 {
		t.Fatalf("state fields lost: %+v", tuple.Checkpoint.State)
	}
	if tuple.Checkpoint.State.ActiveContext["url"] != "https://example.com" {
		t.Fatalf("active context lost: %+v", tuple.Checkpoint.State.ActiveContext)
	}
}
