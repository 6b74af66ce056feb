package prompt

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Variables the node templates may reference.
const (
	VarPlan      = "plan"
	VarArtifacts = "artifacts"
)

var knownVars = []string{VarPlan, VarArtifacts}

// Render substitutes {{name}} tokens. Every referenced variable must be
// present in vars.
func Render(template string, vars map[string]string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("template is required")
	}
	var missing []string
	for _, name := range Variables(template) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing prompt variables: %s", strings.Join(missing, ", "))
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		return vars[tokenPattern.FindStringSubmatch(match)[1]]
	}), nil
}

// Variables lists the distinct variables a template references, in order of
// first use.
func Variables(template string) []string {
	var out []string
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// Validate rejects templates referencing variables the nodes never supply,
// so a typo in a prompt file fails at load time instead of on the first run.
func (s Set) Validate() error {
	for name, template := range map[string]string{"planner": s.Planner, "orchestrator": s.Orchestrator} {
		for _, v := range Variables(template) {
			if !slices.Contains(knownVars, v) {
				return fmt.Errorf("%s prompt references unknown variable {{%s}} (known: %s)",
					name, v, strings.Join(knownVars, ", "))
			}
		}
	}
	return nil
}
