package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-engine/engine"
	"github.com/PipeOpsHQ/agent-engine/stream"
	"github.com/PipeOpsHQ/agent-engine/types"
)

func newRunCommand(opts *options) *cobra.Command {
	var (
		threadID    string
		contextJSON string
	)
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one turn of a thread and print its events",
		Example: `  # Start a new thread
  agent-engine run "Draft a release note for v1.2"

  # Continue a thread
  agent-engine run --thread 3f9c... "Make it shorter"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(strings.Join(args, " "))
			if message == "" {
				return fmt.Errorf("message cannot be empty")
			}
			var activeContext map[string]any
			if strings.TrimSpace(contextJSON) != "" {
				if err := json.Unmarshal([]byte(contextJSON), &activeContext); err != nil {
					return fmt.Errorf("invalid --context: %w", err)
				}
			}
			if strings.TrimSpace(threadID) == "" {
				threadID = uuid.NewString()
			}
			return runOnce(cmd.Context(), opts, cmd.OutOrStdout(), threadID, message, activeContext)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread id, a new one is generated when empty")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Active context as a JSON object")
	return cmd
}

func runOnce(ctx context.Context, opts *options, out io.Writer, threadID, message string, activeContext map[string]any) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := stream.SinkFunc(func(_ context.Context, event types.Event) error {
		printEvent(out, event)
		return nil
	})
	rt, err := buildRuntime(ctx, opts.cfg, opts.logger, printer)
	if err != nil {
		return err
	}
	defer func() { _ = rt.close(context.Background()) }()

	fmt.Fprintf(out, "thread %s\n", threadID)
	run, err := rt.engine.StartRun(threadID, engine.StartRequest{Message: message, Context: activeContext})
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		rt.engine.StopRun(threadID)
		<-run.Done()
	}
	if err := run.Err(); err != nil && !errors.Is(err, engine.ErrRunStopped) {
		return err
	}
	return nil
}

func printEvent(out io.Writer, event types.Event) {
	data := event.Data
	switch event.Type {
	case types.EventThinking:
		if data["status"] == types.ThinkingDone {
			fmt.Fprintf(out, "plan: %v\n", data["content"])
		}
	case types.EventToolCall:
		args, _ := json.Marshal(data["args"])
		fmt.Fprintf(out, "-> %v %s\n", data["name"], args)
	case types.EventToolResult:
		marker := "<-"
		if isErr, _ := data["isError"].(bool); isErr {
			marker = "<- error"
		}
		fmt.Fprintf(out, "%s %v: %v\n", marker, data["name"], data["result"])
	case types.EventResponse:
		fmt.Fprintf(out, "\n%v\n\n", data["content"])
	case types.EventError:
		fmt.Fprintf(out, "error: %v\n", data["message"])
	case types.EventDone:
		n := 0
		if list, ok := data["artifacts"].([]types.Artifact); ok {
			n = len(list)
		}
		fmt.Fprintf(out, "done (%d artifacts)\n", n)
	}
}
