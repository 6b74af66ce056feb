package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
)

func newCheckpointsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and delete thread checkpoints",
	}
	cmd.AddCommand(
		newCheckpointsListCommand(opts),
		newCheckpointsShowCommand(opts),
		newCheckpointsDeleteCommand(opts),
	)
	return cmd
}

func newCheckpointsListCommand(opts *options) *cobra.Command {
	var (
		namespace string
		before    string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list <thread>",
		Short: "List a thread's checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openCheckpoints(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("namespace") {
				namespace = opts.cfg.Engine.Namespace
			}
			list, err := store.List(ctx, args[0], checkpoint.ListOptions{Namespace: namespace, Before: before, Limit: limit})
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTEP\tSOURCE\tNODE\tMESSAGES\tCREATED")
			for _, cp := range list {
				messages := 0
				if cp.State != nil {
					messages = len(cp.State.Messages)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
					cp.ID, cp.Metadata.Step, cp.Metadata.Source, cp.Metadata.Node, messages,
					cp.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Checkpoint namespace, defaults to engine.namespace")
	cmd.Flags().StringVar(&before, "before", "", "Only checkpoints older than this id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum checkpoints to list")
	return cmd
}

func newCheckpointsShowCommand(opts *options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "show <thread> [checkpoint]",
		Short: "Print a checkpoint and its pending writes as JSON, the latest by default",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openCheckpoints(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("namespace") {
				namespace = opts.cfg.Engine.Namespace
			}
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			tuple, err := store.Get(ctx, args[0], namespace, id)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tuple)
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Checkpoint namespace, defaults to engine.namespace")
	return cmd
}

func newCheckpointsDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread>",
		Short: "Delete a thread's checkpoints and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openCheckpoints(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			artifactStore, err := openArtifacts(opts.cfg)
			if err != nil {
				return err
			}
			defer artifactStore.Close()

			if err := store.DeleteThread(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete checkpoints: %w", err)
			}
			if err := artifactStore.DeleteThread(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete artifacts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted thread %s\n", args[0])
			return nil
		},
	}
}
