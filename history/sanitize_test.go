package history

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/PipeOpsHQ/agent-engine/types"
)

func call(id, name string) types.ToolCall {
	return types.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func result(id string) types.Message {
	return types.ToolMessage(id, "tool", "ok", false)
}

func TestSanitize(t *testing.T) {
	user := types.UserMessage("hi")
	plain := types.AssistantMessage("hello")
	satisfied := types.AssistantMessage("", call("a", "inspect_dom"))
	dangling := types.AssistantMessage("", call("b", "inspect_dom"), call("c", "deploy"))

	cases := []struct {
		name string
		in   []types.Message
		want []types.Message
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "no tool calls pass through",
			in:   []types.Message{user, plain},
			want: []types.Message{user, plain},
		},
		{
			name: "satisfied calls kept",
			in:   []types.Message{user, satisfied, result("a"), plain},
			want: []types.Message{user, satisfied, result("a"), plain},
		},
		{
			name: "trailing unanswered call dropped",
			in:   []types.Message{user, dangling},
			want: []types.Message{user},
		},
		{
			name: "partially answered call dropped with its results",
			in:   []types.Message{user, dangling, result("b"), user},
			want: []types.Message{user, user},
		},
		{
			name: "result after intervening message does not satisfy",
			in:   []types.Message{user, satisfied, user, result("a")},
			want: []types.Message{user, user},
		},
		{
			name: "orphan tool result dropped",
			in:   []types.Message{user, result("zzz"), plain},
			want: []types.Message{user, plain},
		},
		{
			name: "result before its request dropped",
			in:   []types.Message{result("a"), satisfied, result("a")},
			want: []types.Message{satisfied, result("a")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sanitize(tc.in)
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("Sanitize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepair_Report(t *testing.T) {
	in := []types.Message{
		types.UserMessage("go"),
		types.AssistantMessage("", call("x", "inspect_dom"), call("y", "deploy")),
		result("x"),
		result("ghost"),
	}
	report := Repair(in)
	if !report.Changed() {
		t.Fatalf("expected report to record changes")
	}
	if report.DroppedAssistantCount != 1 || report.DroppedToolResultCount != 2 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if diff := cmp.Diff([]string{"y"}, report.UnresolvedToolCallIDs); diff != "" {
		t.Fatalf("unexpected unresolved ids (-want +got):\n%s", diff)
	}
	if clean := Repair(report.Messages); clean.Changed() {
		t.Fatalf("second repair should be a no-op: %+v", clean)
	}
}

func TestPendingToolCalls(t *testing.T) {
	msgs := []types.Message{
		types.UserMessage("go"),
		types.AssistantMessage("", call("1", "a"), call("2", "b"), call("3", "c")),
		result("2"),
	}
	pending := PendingToolCalls(msgs)
	names := []string{}
	for _, c := range pending {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"a", "c"}, names); diff != "" {
		t.Fatalf("unexpected pending calls (-want +got):\n%s", diff)
	}
	if got := PendingToolCalls([]types.Message{types.UserMessage("x"), types.AssistantMessage("done")}); len(got) != 0 {
		t.Fatalf("expected no pending calls, got %+v", got)
	}
}

func randomHistory(r *rand.Rand) []types.Message {
	n := r.Intn(12)
	ids := []string{"a", "b", "c", "d"}
	out := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		switch r.Intn(4) {
		case 0:
			out = append(out, types.UserMessage(fmt.Sprintf("u%d", i)))
		case 1:
			var calls []types.ToolCall
			for _, id := range ids {
				if r.Intn(3) == 0 {
					calls = append(calls, call(fmt.Sprintf("%s%d", id, r.Intn(2)), "t"))
				}
			}
			out = append(out, types.AssistantMessage(fmt.Sprintf("a%d", i), dedupe(calls)...))
		default:
			out = append(out, result(fmt.Sprintf("%s%d", ids[r.Intn(len(ids))], r.Intn(2))))
		}
	}
	return out
}

func dedupe(calls []types.ToolCall) []types.ToolCall {
	seen := map[string]bool{}
	out := calls[:0]
	for _, c := range calls {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

func TestSanitize_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		in := randomHistory(r)
		once := Sanitize(in)
		twice := Sanitize(once)
		if diff := cmp.Diff(once, twice, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("not idempotent for %+v (-once +twice):\n%s", in, diff)
		}
		if err := Validate(once); err != nil {
			t.Fatalf("sanitized history invalid for %+v: %v", in, err)
		}
		if len(once) > len(in) {
			t.Fatalf("sanitize grew the history")
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]types.Message{types.UserMessage("x"), result("nope")}); err == nil {
		t.Fatalf("expected orphan error")
	}
	if err := Validate([]types.Message{types.AssistantMessage("", call("1", "a"))}); err == nil {
		t.Fatalf("expected unanswered call error")
	}
	if err := Validate([]types.Message{{Role: types.RoleTool, Content: "x"}}); err == nil {
		t.Fatalf("expected missing tool_call_id error")
	}
}
