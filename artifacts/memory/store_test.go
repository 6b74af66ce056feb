package memory

import (
	"testing"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
	"github.com/PipeOpsHQ/agent-engine/artifacts/artifactstest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	artifactstest.Run(t, func(t *testing.T) artifacts.Store { return New() })
}
