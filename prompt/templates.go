package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-engine/types"
)

const DefaultPlanner = `You are the planning step of an autonomous agent that builds and verifies artifacts.
Read the conversation and write a short numbered plan for the next step only.
Do not call tools and do not answer the user directly.

Current plan:
{{plan}}

Artifacts:
{{artifacts}}`

const DefaultOrchestrator = `You are an autonomous agent that builds and verifies artifacts with the tools provided.
Follow the plan, call tools when they help, and reply to the user in plain text when the work is done.

Plan:
{{plan}}

Artifacts:
{{artifacts}}`

// Set holds the system prompt templates of the two model-calling nodes.
// Templates may reference {{plan}} and {{artifacts}}.
type Set struct {
	Planner      string `json:"planner" yaml:"planner"`
	Orchestrator string `json:"orchestrator" yaml:"orchestrator"`
}

func Defaults() Set {
	return Set{Planner: DefaultPlanner, Orchestrator: DefaultOrchestrator}
}

// WithDefaults fills empty templates.
func (s Set) WithDefaults() Set {
	if strings.TrimSpace(s.Planner) == "" {
		s.Planner = DefaultPlanner
	}
	if strings.TrimSpace(s.Orchestrator) == "" {
		s.Orchestrator = DefaultOrchestrator
	}
	return s
}

func (s Set) RenderPlanner(plan string, artifacts []types.Artifact) (string, error) {
	return Render(s.Planner, vars(plan, artifacts))
}

func (s Set) RenderOrchestrator(plan string, artifacts []types.Artifact) (string, error) {
	return Render(s.Orchestrator, vars(plan, artifacts))
}

func vars(plan string, artifacts []types.Artifact) map[string]string {
	if strings.TrimSpace(plan) == "" {
		plan = "(none yet)"
	}
	return map[string]string{
		VarPlan:      plan,
		VarArtifacts: DescribeArtifacts(artifacts),
	}
}

// DescribeArtifacts lists artifacts without their content, one per line.
func DescribeArtifacts(artifacts []types.Artifact) string {
	if len(artifacts) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, a := range artifacts {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s %q", a.ID, a.Title)
		if a.Kind != "" {
			fmt.Fprintf(&b, " [%s]", a.Kind)
		}
		fmt.Fprintf(&b, " v%d", a.Version)
		if len(a.Metadata) > 0 {
			if raw, err := json.Marshal(a.Metadata); err == nil {
				b.WriteString(" ")
				b.Write(raw)
			}
		}
	}
	return b.String()
}
