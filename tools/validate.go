package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/agent-engine/types"
)

// ValidateArguments checks args against the tool's declared schema. Tools
// without a schema accept anything.
func ValidateArguments(def types.ToolDefinition, args json.RawMessage) error {
	if len(def.JSONSchema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.JSONSchema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return fmt.Errorf("invalid arguments for tool %q: %w", def.Name, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("invalid arguments for tool %q: %s", def.Name, strings.Join(problems, "; "))
}
